package snapshot_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/snapshot"
	"github.com/agdd-project/agdd-core/storage/memstore"
)

func TestSaveSnapshotIdempotentBySteps(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewStore(memstore.New())

	first, err := store.SaveSnapshot(ctx, "run-1", "step-1", map[string]any{"n": 1}, nil)
	require.NoError(t, err)

	second, err := store.SaveSnapshot(ctx, "run-1", "step-1", map[string]any{"n": 2}, nil)
	require.NoError(t, err)

	require.Equal(t, first.SnapshotID, second.SnapshotID)

	latest, ok, err := store.GetLatestSnapshot(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, latest.State["n"])
}

func TestGetSnapshotByStepMiss(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewStore(memstore.New())
	_, ok, err := store.GetSnapshotByStep(ctx, "run-1", "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDurableRunnerCheckpointAndResume(t *testing.T) {
	ctx := context.Background()
	runner := snapshot.NewDurableRunner(snapshot.NewStore(memstore.New()))

	_, err := runner.Checkpoint(ctx, "run-1", "step-1", map[string]any{"progress": 1}, nil)
	require.NoError(t, err)
	_, err = runner.Checkpoint(ctx, "run-1", "step-2", map[string]any{"progress": 2}, nil)
	require.NoError(t, err)

	state, ok, err := runner.Resume(ctx, "run-1", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, state["progress"])

	state, ok, err = runner.Resume(ctx, "run-1", "step-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, state["progress"])

	checkpoints, err := runner.ListCheckpoints(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)

	n, err := runner.Cleanup(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, ok, err = runner.Resume(ctx, "run-1", "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := snapshot.FileBackend{BaseDir: filepath.Join(t.TempDir(), "snapshots")}
	store := snapshot.NewStore(backend)

	saved, err := store.SaveSnapshot(ctx, "run-2", "step-1", map[string]any{"k": "v"}, map[string]any{"note": "first"})
	require.NoError(t, err)

	again, err := store.SaveSnapshot(ctx, "run-2", "step-1", map[string]any{"k": "v2"}, nil)
	require.NoError(t, err)
	require.Equal(t, saved.SnapshotID, again.SnapshotID)

	list, err := store.ListSnapshots(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "v2", list[0].State["k"])

	n, err := store.DeleteSnapshots(ctx, "run-2")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	list, err = store.ListSnapshots(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, list, 0)
}
