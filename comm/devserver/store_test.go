package devserver

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "dev.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertAppAndFunction(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertApp("app-1", "http://localhost:3000/api/inngest"))
	// Upsert with a new URL replaces the old one.
	require.NoError(t, store.UpsertApp("app-1", "http://localhost:4000/api/inngest"))

	config, err := json.Marshal(map[string]string{"id": "fn-1"})
	require.NoError(t, err)
	require.NoError(t, store.UpsertFunction("app-1", "fn-1", config))
	require.NoError(t, store.UpsertFunction("app-1", "fn-1", config))
}

func TestCreateRunIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	event := []byte(`{"name":"user/created"}`)
	require.NoError(t, store.CreateRun("run-1", "app-1", "fn-1", event))
	require.NoError(t, store.CreateRun("run-1", "app-1", "fn-1", event))
}

func TestCheckpointsReplayInRecordingOrder(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateRun("run-1", "app-1", "fn-1", nil))
	require.NoError(t, store.AppendCheckpoint("run-1", "hash-a", "StepRun", []byte(`1`), nil))
	require.NoError(t, store.AppendCheckpoint("run-1", "hash-b", "StepRun", []byte(`2`), nil))
	require.NoError(t, store.AppendCheckpoint("run-1", "hash-c", "StepError", nil, []byte(`{"message":"boom"}`)))

	cps, err := store.LoadCheckpoints("run-1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	require.Equal(t, "hash-a", cps[0].HashedID)
	require.Equal(t, "hash-b", cps[1].HashedID)
	require.Equal(t, "hash-c", cps[2].HashedID)
	require.Equal(t, "StepError", cps[2].Op)
	require.JSONEq(t, `{"message":"boom"}`, string(cps[2].Error))
}

func TestMarkRunStatus(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateRun("run-1", "app-1", "fn-1", nil))
	require.NoError(t, store.MarkRunStatus("run-1", "completed"))
}

func TestLoadCheckpointsForUnknownRun(t *testing.T) {
	store := newTestStore(t)

	cps, err := store.LoadCheckpoints("missing")
	require.NoError(t, err)
	require.Empty(t, cps)
}
