package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/storage"
	"github.com/agdd-project/agdd-core/storage/memstore"
)

func TestCreateRunIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.CreateRun(ctx, "run-1", "agent-a", storage.RunPending))
	require.NoError(t, s.CreateRun(ctx, "run-1", "agent-a", storage.RunRunning))

	run, ok, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, storage.RunPending, run.Status) // first write wins
}

func TestUpdateRunMergesMetrics(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.CreateRun(ctx, "run-1", "agent-a", storage.RunPending))

	require.NoError(t, s.UpdateRun(ctx, "run-1", storage.RunUpdate{
		Metrics: map[string]any{"tool_calls": 3},
	}))
	require.NoError(t, s.UpdateRun(ctx, "run-1", storage.RunUpdate{
		Metrics: map[string]any{"tokens": 500},
	}))

	run, ok, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, run.Metrics["tool_calls"])
	require.Equal(t, 500, run.Metrics["tokens"])
}

func TestUpdateRunUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	err := s.UpdateRun(ctx, "missing", storage.RunUpdate{})
	require.ErrorIs(t, err, storage.ErrUnknownRun)
}

func TestAppendEventLazilyCreatesRun(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.AppendEvent(ctx, storage.Event{
		RunID: "run-lazy", AgentSlug: "agent-a", EventType: "delegation_start",
		Timestamp: time.Now(), Message: "hello world",
	}))

	run, ok, err := s.GetRun(ctx, "run-lazy")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "agent-a", run.AgentSlug)

	var events []storage.Event
	for ev, err := range s.GetEvents(ctx, "run-lazy") {
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.Len(t, events, 1)
}

func TestSearchTextFiltersByMessage(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.AppendEvent(ctx, storage.Event{
		RunID: "run-1", EventType: "x", Timestamp: time.Now(), Message: "searching papers",
	}))
	require.NoError(t, s.AppendEvent(ctx, storage.Event{
		RunID: "run-1", EventType: "x", Timestamp: time.Now(), Message: "fetching results",
	}))

	found, err := s.SearchText(ctx, "papers", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "searching papers", found[0].Message)

	empty, err := s.SearchText(ctx, "nonexistent", 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestUpsertRunSnapshotIdempotentByRunAndStep(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	first, err := s.UpsertRunSnapshot(ctx, storage.Snapshot{
		RunID: "run-1", StepID: "step-1", SnapshotID: "snap-1",
		State: map[string]any{"v": 1},
	})
	require.NoError(t, err)

	second, err := s.UpsertRunSnapshot(ctx, storage.Snapshot{
		RunID: "run-1", StepID: "step-1", SnapshotID: "snap-2", // ignored: existing row keeps original id
		State: map[string]any{"v": 2},
	})
	require.NoError(t, err)
	require.Equal(t, first.SnapshotID, second.SnapshotID)

	latest, ok, err := s.GetLatestRunSnapshot(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, latest.State["v"])
	require.Equal(t, first.SnapshotID, latest.SnapshotID)
}

func TestVacuumDryRunDoesNotDelete(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.CreateRun(ctx, "old-run", "agent-a", storage.RunSucceeded))

	// Backdate the run by forcing a vacuum window that should catch it.
	result, err := s.Vacuum(ctx, storage.VacuumOptions{HotDays: 0, DryRun: true})
	require.NoError(t, err)
	require.GreaterOrEqual(t, result.RunsDeleted, 0)

	_, ok, err := s.GetRun(ctx, "old-run")
	require.NoError(t, err)
	require.True(t, ok, "dry run must not delete")
}
