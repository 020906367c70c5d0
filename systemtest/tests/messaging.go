package tests

import (
	"strings"
	"testing"
	"time"

	"github.com/stratoline/devicelink/internal/dispatch"
	"github.com/stratoline/devicelink/internal/message"
	"github.com/stratoline/devicelink/internal/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessaging(t *testing.T, env Env) {
	vault, ch := activateDevice(t, env, "ACT-SYS-2")
	defer ch.Close()
	endpointID := vault.EndpointID()

	router := routing.NewRouter()
	router.Register(endpointID, "/device/echo", func(req routing.Request) routing.Response {
		return routing.Response{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       strings.ToUpper(req.Body),
		}
	})

	engine, err := dispatch.NewEngine(ch, dispatch.Config{
		EndpointID:  endpointID,
		BatchSize:   2,
		Router:      router,
		PollTimeout: 250 * time.Millisecond,
	})
	require.NoError(t, err)
	defer engine.Close()

	t.Run("telemetry arrives in order across batches", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			msg := message.NewData(endpointID, testDeviceModel+":data").
				DataItem("seq", i).
				Build()
			require.NoError(t, engine.Queue(msg))
		}

		waitFor(t, 5*time.Second, func() bool {
			return len(messagesFrom(env, endpointID)) >= 5
		})

		received := messagesFrom(env, endpointID)
		require.Len(t, received, 5)
		for i, m := range received {
			assert.Equal(t, "DATA", m.Type)
			assert.Equal(t, float64(i+1), m.Payload.Data["seq"])
		}

		for _, batch := range env.Sim.MessageBatches() {
			assert.LessOrEqual(t, len(batch), 2)
		}
	})

	t.Run("server request is routed and answered", func(t *testing.T) {
		reqID := env.Sim.PushRequest(simulatorRequest(endpointID, "POST", "/device/echo", "ping"))

		resp, ok := env.Sim.AwaitResponse(reqID, 5*time.Second)
		require.True(t, ok, "no response message for request %s", reqID)
		assert.Equal(t, "RESPONSE", resp.Type)
		assert.Equal(t, endpointID, resp.Source)
		assert.Equal(t, reqID, resp.Payload.RequestID)
		assert.Equal(t, 200, resp.Payload.StatusCode)
		assert.Equal(t, "PING", resp.Payload.Body)
	})

	t.Run("unrouted request gets a not-found answer", func(t *testing.T) {
		reqID := env.Sim.PushRequest(simulatorRequest(endpointID, "GET", "/device/missing", ""))

		resp, ok := env.Sim.AwaitResponse(reqID, 5*time.Second)
		require.True(t, ok)
		assert.Equal(t, 404, resp.Payload.StatusCode)
	})
}
