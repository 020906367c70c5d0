package systemtest

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stratoline/devicelink/internal/simulator"
	"github.com/stratoline/devicelink/systemtest/tests"
	"github.com/stretchr/testify/require"
)

func TestSystemIntegration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	sim, err := simulator.New(simulator.Config{})
	require.NoError(t, err)

	var outage atomic.Bool
	handler := sim.Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if outage.Load() && r.URL.Path == "/iot/api/v2/messages" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	env := tests.Env{
		ServerURL: srv.URL,
		Sim:       sim,
		WorkDir:   t.TempDir(),
		SetOutage: func(on bool) { outage.Store(on) },
	}

	t.Run("Activation", func(t *testing.T) { tests.TestActivation(t, env) })
	t.Run("Messaging", func(t *testing.T) { tests.TestMessaging(t, env) })
	t.Run("RestartReplay", func(t *testing.T) { tests.TestRestartReplay(t, env) })
}
