package persist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoline/devicelink/internal/message"
)

func testMessage(id string) message.Message {
	m := message.NewData("EP-42", "urn:test:sensor").
		DataItem("value", 1).
		Build()
	m.ID = id
	return m
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSaveLoadKeepsOrder(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "EP-42", testMessage("A"), testMessage("B")))
	require.NoError(t, s.Save(ctx, "EP-42", testMessage("C")))

	msgs, err := s.Load(ctx, "EP-42")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "A", msgs[0].ID)
	assert.Equal(t, "B", msgs[1].ID)
	assert.Equal(t, "C", msgs[2].ID)
	assert.Equal(t, "urn:test:sensor", msgs[0].Payload.Format)
}

func TestDeleteRemovesAcknowledged(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "EP-42", testMessage("A"), testMessage("B"), testMessage("C")))
	require.NoError(t, s.Delete(ctx, "A", "B"))

	msgs, err := s.Load(ctx, "EP-42")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "C", msgs[0].ID)
}

func TestSaveIsIdempotentPerMessageID(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	m := testMessage("A")
	require.NoError(t, s.Save(ctx, "EP-42", m))
	require.NoError(t, s.Save(ctx, "EP-42", m))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLoadFiltersByEndpoint(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "EP-1", testMessage("A")))
	require.NoError(t, s.Save(ctx, "EP-2", testMessage("B")))

	msgs, err := s.Load(ctx, "EP-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "A", msgs[0].ID)
}

func TestMirrorSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "EP-42", testMessage("A"), testMessage("B")))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.Load(ctx, "EP-42")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "A", msgs[0].ID)
	assert.Equal(t, "B", msgs[1].ID)
}
