package react

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filmeto/crewflow/core"
	"github.com/filmeto/crewflow/logging"
)

func sampleCheckpoint() Checkpoint {
	return Checkpoint{
		RunID:  "run-42",
		StepID: 3,
		Status: StatusRunning,
		Messages: []core.Message{
			{Role: "system", Content: "You are the director."},
			{Role: "user", Content: "Plan the shoot."},
		},
		PendingUserMessages: []string{"also check the budget"},
		TodoState:           []core.TaskItem{{ID: "t1", Title: "storyboard", Status: "pending"}},
	}
}

func TestFileCheckpointStore_RoundTrip(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	want := sampleCheckpoint()
	require.NoError(t, store.Save(want))

	got, err := store.Load("run-42")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileCheckpointStore_LoadMissing(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("nope")
	require.Error(t, err)
	var cpErr *core.CheckpointError
	assert.ErrorAs(t, err, &cpErr)
	assert.Equal(t, "nope", cpErr.RunID)
}

func TestFileCheckpointStore_OverwriteKeepsOneFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)

	cp := sampleCheckpoint()
	require.NoError(t, store.Save(cp))
	cp.StepID = 4
	require.NoError(t, store.Save(cp))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint_run-42.json", entries[0].Name())

	got, err := store.Load("run-42")
	require.NoError(t, err)
	assert.Equal(t, 4, got.StepID)
}

func TestFileCheckpointStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint_bad.json"), []byte("{not json"), 0o644))

	_, err = store.Load("bad")
	require.Error(t, err)
	var cpErr *core.CheckpointError
	assert.ErrorAs(t, err, &cpErr)
}

func TestFileCheckpointStore_SaveRejectsEmptyRunID(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)

	err = store.Save(Checkpoint{})
	require.Error(t, err)
	var vErr *core.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestMemoryCheckpointStore(t *testing.T) {
	store := NewMemoryCheckpointStore()

	_, err := store.Latest()
	require.Error(t, err)

	cp := sampleCheckpoint()
	require.NoError(t, store.Save(cp))

	got, err := store.Load("run-42")
	require.NoError(t, err)
	assert.Equal(t, cp, got)

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, cp, latest)
}

func TestCheckpointWriter_FlushOnSync(t *testing.T) {
	store := NewMemoryCheckpointStore()
	w := newCheckpointWriter(store, logging.NoOpLogger{})
	defer w.Close()

	cp := sampleCheckpoint()
	for i := 0; i < 50; i++ {
		cp.StepID = i
		w.Enqueue(cp)
	}
	w.Sync()

	got, err := store.Load("run-42")
	require.NoError(t, err)
	// Intermediate snapshots may be dropped under pressure, but the last
	// enqueued snapshot must survive a Sync.
	assert.Equal(t, 49, got.StepID)
}
