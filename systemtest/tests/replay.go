package tests

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratoline/devicelink/internal/dispatch"
	"github.com/stratoline/devicelink/internal/message"
	"github.com/stratoline/devicelink/internal/persist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRestartReplay drives a delivery outage end to end: messages queued
// while the server refuses them survive in the on-disk mirror, and a fresh
// engine over the same store delivers them once the server recovers.
func TestRestartReplay(t *testing.T, env Env) {
	vault, ch := activateDevice(t, env, "ACT-SYS-3")
	defer ch.Close()
	endpointID := vault.EndpointID()

	store, err := persist.Open(filepath.Join(env.WorkDir, "replay.store"))
	require.NoError(t, err)
	defer store.Close()

	engine, err := dispatch.NewEngine(ch, dispatch.Config{
		EndpointID: endpointID,
		Store:      store,
	})
	require.NoError(t, err)

	env.SetOutage(true)

	for _, tag := range []string{"replay-1", "replay-2"} {
		msg := message.NewData(endpointID, testDeviceModel+":data").
			Description(tag).
			Build()
		require.NoError(t, engine.Queue(msg))
	}

	var failed dispatch.Event
	select {
	case failed = <-engine.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery failure reported during outage")
	}
	require.Equal(t, dispatch.EventDeliveryFailed, failed.Kind)

	// Shutting down during the outage leaves the messages mirrored.
	require.NoError(t, engine.Close())

	ctx := context.Background()
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Empty(t, messagesFrom(env, endpointID))

	env.SetOutage(false)

	restarted, err := dispatch.NewEngine(ch, dispatch.Config{
		EndpointID: endpointID,
		Store:      store,
	})
	require.NoError(t, err)
	defer restarted.Close()

	waitFor(t, 5*time.Second, func() bool {
		return len(messagesFrom(env, endpointID)) == 2
	})

	received := messagesFrom(env, endpointID)
	assert.Equal(t, "replay-1", received[0].Payload.Description)
	assert.Equal(t, "replay-2", received[1].Payload.Description)

	waitFor(t, 5*time.Second, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 0
	})
}
