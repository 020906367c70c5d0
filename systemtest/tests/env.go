package tests

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratoline/devicelink/internal/activation"
	"github.com/stratoline/devicelink/internal/channel"
	"github.com/stratoline/devicelink/internal/simulator"
	"github.com/stratoline/devicelink/internal/trust"
	"github.com/stretchr/testify/require"
)

const (
	vaultPassword   = "systemtest-secret"
	testDeviceModel = "urn:test:devicelink:thermostat"
)

// Env carries the shared pieces of the running system under test: the
// simulator, its base URL, a scratch directory for vault and store files,
// and a switch that makes the message endpoint fail while flipped on.
type Env struct {
	ServerURL string
	Sim       *simulator.Server
	WorkDir   string
	SetOutage func(on bool)
}

func provisionDevice(t *testing.T, env Env, activationID string) *trust.Vault {
	t.Helper()
	require.NoError(t, env.Sim.RegisterDevice(activationID, "secret-"+activationID))
	path := filepath.Join(env.WorkDir, activationID+".vault")
	vault, err := trust.Provision(path, vaultPassword, env.ServerURL, activationID, "secret-"+activationID)
	require.NoError(t, err)
	return vault
}

func activateDevice(t *testing.T, env Env, activationID string) (*trust.Vault, *channel.Channel) {
	t.Helper()
	vault := provisionDevice(t, env, activationID)
	ch := channel.New(vault)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, activation.New(vault, ch).Activate(ctx, testDeviceModel))
	return vault, ch
}

func simulatorRequest(endpointID, method, url, body string) simulator.DeviceRequest {
	return simulator.DeviceRequest{
		Destination: endpointID,
		Method:      method,
		URL:         url,
		Body:        body,
	}
}

// messagesFrom filters the simulator inbox down to one device, so tests do
// not see traffic produced by the other subtests.
func messagesFrom(env Env, endpointID string) []simulator.ReceivedMessage {
	var out []simulator.ReceivedMessage
	for _, m := range env.Sim.Messages() {
		if m.Source == endpointID {
			out = append(out, m)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "condition not met within "+timeout.String())
}
