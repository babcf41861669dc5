// Package snapshot implements the Snapshot Store (C3): idempotent,
// step-keyed checkpoints of run state, plus the Durable Runner wrapper that
// exposes checkpoint/resume/list/cleanup. Grounded on the original's
// runners/durable.py SnapshotStore/DurableRunner, adapted to the storage
// contract this port defines instead of the original's backend-or-file
// branch baked into one class (spec.md §9: "keep as an interface
// implementation, not a conditional branch inside the snapshot store").
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agdd-project/agdd-core/storage"
)

// RunSnapshot is the domain-level view of a checkpoint.
type RunSnapshot struct {
	SnapshotID string
	RunID      string
	StepID     string
	State      map[string]any
	Metadata   map[string]any
	CreatedAt  time.Time
}

func fromStorage(s storage.Snapshot) RunSnapshot {
	return RunSnapshot{
		SnapshotID: s.SnapshotID, RunID: s.RunID, StepID: s.StepID,
		State: s.State, Metadata: s.Metadata, CreatedAt: s.CreatedAt,
	}
}

// Backend is the snapshot CRUD contract; storage.Backend satisfies it
// directly, and FileBackend below is an alternative that needs no relational
// store at all (spec.md §6's ".agdd/snapshots/<run_id>/<step_id>.json"
// file-based fallback).
type Backend interface {
	UpsertRunSnapshot(ctx context.Context, s storage.Snapshot) (storage.Snapshot, error)
	GetRunSnapshot(ctx context.Context, runID, stepID string) (storage.Snapshot, bool, error)
	GetLatestRunSnapshot(ctx context.Context, runID string) (storage.Snapshot, bool, error)
	ListRunSnapshots(ctx context.Context, runID string) ([]storage.Snapshot, error)
	DeleteRunSnapshots(ctx context.Context, runID string) (int, error)
}

// Store wraps a Backend with idempotent snapshot-ID assignment.
type Store struct {
	backend Backend
}

// NewStore builds a Store over backend (a storage.Backend or a FileBackend).
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// SaveSnapshot is idempotent by (run_id, step_id): an existing row has its
// State/Metadata replaced in place and keeps its original SnapshotID.
func (s *Store) SaveSnapshot(ctx context.Context, runID, stepID string, state, metadata map[string]any) (RunSnapshot, error) {
	saved, err := s.backend.UpsertRunSnapshot(ctx, storage.Snapshot{
		SnapshotID: uuid.NewString(),
		RunID:      runID,
		StepID:     stepID,
		State:      state,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return RunSnapshot{}, fmt.Errorf("snapshot: save_snapshot: %w", err)
	}
	return fromStorage(saved), nil
}

// GetLatestSnapshot returns the snapshot with the greatest CreatedAt for run_id.
func (s *Store) GetLatestSnapshot(ctx context.Context, runID string) (RunSnapshot, bool, error) {
	snap, ok, err := s.backend.GetLatestRunSnapshot(ctx, runID)
	if err != nil {
		return RunSnapshot{}, false, fmt.Errorf("snapshot: get_latest_snapshot: %w", err)
	}
	if !ok {
		return RunSnapshot{}, false, nil
	}
	return fromStorage(snap), true, nil
}

// GetSnapshotByStep returns the snapshot for (run_id, step_id).
func (s *Store) GetSnapshotByStep(ctx context.Context, runID, stepID string) (RunSnapshot, bool, error) {
	snap, ok, err := s.backend.GetRunSnapshot(ctx, runID, stepID)
	if err != nil {
		return RunSnapshot{}, false, fmt.Errorf("snapshot: get_snapshot_by_step: %w", err)
	}
	if !ok {
		return RunSnapshot{}, false, nil
	}
	return fromStorage(snap), true, nil
}

// ListSnapshots returns every snapshot for run_id, oldest first.
func (s *Store) ListSnapshots(ctx context.Context, runID string) ([]RunSnapshot, error) {
	snaps, err := s.backend.ListRunSnapshots(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list_snapshots: %w", err)
	}
	out := make([]RunSnapshot, len(snaps))
	for i, snap := range snaps {
		out[i] = fromStorage(snap)
	}
	return out, nil
}

// DeleteSnapshots removes every snapshot for run_id, returning the count.
func (s *Store) DeleteSnapshots(ctx context.Context, runID string) (int, error) {
	n, err := s.backend.DeleteRunSnapshots(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("snapshot: delete_snapshots: %w", err)
	}
	return n, nil
}

// DurableRunner wraps a Store with checkpoint/resume semantics for
// restart-resilient, step-level-idempotent execution.
type DurableRunner struct {
	store *Store
}

// NewDurableRunner builds a DurableRunner over store.
func NewDurableRunner(store *Store) *DurableRunner {
	return &DurableRunner{store: store}
}

// Checkpoint saves a checkpoint at a step boundary.
func (d *DurableRunner) Checkpoint(ctx context.Context, runID, stepID string, state, metadata map[string]any) (RunSnapshot, error) {
	return d.store.SaveSnapshot(ctx, runID, stepID, state, metadata)
}

// Resume returns the state to restore: from a specific step if fromStep is
// non-empty, else from the latest snapshot. Returns (nil, false, nil) if no
// snapshot exists.
func (d *DurableRunner) Resume(ctx context.Context, runID, fromStep string) (map[string]any, bool, error) {
	var (
		snap RunSnapshot
		ok   bool
		err  error
	)
	if fromStep != "" {
		snap, ok, err = d.store.GetSnapshotByStep(ctx, runID, fromStep)
	} else {
		snap, ok, err = d.store.GetLatestSnapshot(ctx, runID)
	}
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return snap.State, true, nil
}

// ListCheckpoints lists every checkpoint for run_id, oldest first.
func (d *DurableRunner) ListCheckpoints(ctx context.Context, runID string) ([]RunSnapshot, error) {
	return d.store.ListSnapshots(ctx, runID)
}

// Cleanup deletes every checkpoint for run_id.
func (d *DurableRunner) Cleanup(ctx context.Context, runID string) (int, error) {
	return d.store.DeleteSnapshots(ctx, runID)
}

// FileBackend is the file-based fallback for snapshots when no relational
// backend is configured (spec.md §6: ".agdd/snapshots/<run_id>/<step_id>.json").
// It satisfies Backend directly so Store treats it identically to a
// storage.Backend — no conditional branching inside Store itself.
type FileBackend struct {
	BaseDir string // defaults to ".agdd/snapshots"
}

func (f FileBackend) baseDir() string {
	if f.BaseDir != "" {
		return f.BaseDir
	}
	return filepath.Join(".agdd", "snapshots")
}

func (f FileBackend) path(runID, stepID string) string {
	return filepath.Join(f.baseDir(), runID, stepID+".json")
}

func (f FileBackend) UpsertRunSnapshot(ctx context.Context, s storage.Snapshot) (storage.Snapshot, error) {
	if existing, ok, err := f.GetRunSnapshot(ctx, s.RunID, s.StepID); err != nil {
		return storage.Snapshot{}, err
	} else if ok {
		s.SnapshotID = existing.SnapshotID
		s.CreatedAt = existing.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	dir := filepath.Join(f.baseDir(), s.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.Snapshot{}, fmt.Errorf("snapshot: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := os.WriteFile(f.path(s.RunID, s.StepID), data, 0o644); err != nil {
		return storage.Snapshot{}, fmt.Errorf("snapshot: write: %w", err)
	}
	return s, nil
}

func (f FileBackend) GetRunSnapshot(ctx context.Context, runID, stepID string) (storage.Snapshot, bool, error) {
	data, err := os.ReadFile(f.path(runID, stepID))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.Snapshot{}, false, nil
		}
		return storage.Snapshot{}, false, fmt.Errorf("snapshot: read: %w", err)
	}
	var s storage.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return storage.Snapshot{}, false, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return s, true, nil
}

func (f FileBackend) GetLatestRunSnapshot(ctx context.Context, runID string) (storage.Snapshot, bool, error) {
	snaps, err := f.ListRunSnapshots(ctx, runID)
	if err != nil || len(snaps) == 0 {
		return storage.Snapshot{}, false, err
	}
	return snaps[len(snaps)-1], true, nil
}

func (f FileBackend) ListRunSnapshots(ctx context.Context, runID string) ([]storage.Snapshot, error) {
	dir := filepath.Join(f.baseDir(), runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: readdir: %w", err)
	}
	var out []storage.Snapshot
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var s storage.Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f FileBackend) DeleteRunSnapshots(ctx context.Context, runID string) (int, error) {
	snaps, err := f.ListRunSnapshots(ctx, runID)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(filepath.Join(f.baseDir(), runID)); err != nil {
		return 0, fmt.Errorf("snapshot: remove_all: %w", err)
	}
	return len(snaps), nil
}
