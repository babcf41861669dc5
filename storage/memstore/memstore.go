// Package memstore provides an in-memory storage.Backend for tests and
// single-process development, mirroring the teacher's run/inmem and
// engine/inmem map-backed, mutex-guarded stores.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agdd-project/agdd-core/storage"
)

type store struct {
	mu        sync.RWMutex
	runs      map[string]storage.Run
	events    map[string][]storage.Event // keyed by run_id, insertion order
	tickets   map[string]storage.Ticket
	snapshots map[string]storage.Snapshot // keyed by "run_id:step_id"
	costs     []storage.CostRecord
}

// New returns a new in-memory storage.Backend. Not durable across process
// restarts; intended for tests and the file-based-fallback-free dev path.
func New() storage.Backend {
	return &store{
		runs:      make(map[string]storage.Run),
		events:    make(map[string][]storage.Event),
		tickets:   make(map[string]storage.Ticket),
		snapshots: make(map[string]storage.Snapshot),
	}
}

func snapKey(runID, stepID string) string { return runID + ":" + stepID }

func (s *store) CreateRun(ctx context.Context, runID, agentSlug string, status storage.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok {
		return nil // idempotent under a unique run_id
	}
	s.runs[runID] = storage.Run{
		RunID:     runID,
		AgentSlug: agentSlug,
		Status:    status,
		StartedAt: time.Now().UTC(),
		Metrics:   map[string]any{},
	}
	return nil
}

func (s *store) UpdateRun(ctx context.Context, runID string, update storage.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("memstore: update_run %s: %w", runID, storage.ErrUnknownRun)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.EndedAt != nil {
		run.EndedAt = update.EndedAt
	}
	if update.Metrics != nil {
		if run.Metrics == nil {
			run.Metrics = map[string]any{}
		}
		for k, v := range update.Metrics {
			run.Metrics[k] = v
		}
	}
	s.runs[runID] = run
	return nil
}

func (s *store) GetRun(ctx context.Context, runID string) (storage.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *store) ListRuns(ctx context.Context, filter storage.ListRunsFilter) ([]storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Run
	for _, r := range s.runs {
		if filter.AgentSlug != "" && r.AgentSlug != filter.AgentSlug {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *store) AppendEvent(ctx context.Context, ev storage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[ev.RunID]; !ok {
		s.runs[ev.RunID] = storage.Run{
			RunID:     ev.RunID,
			AgentSlug: ev.AgentSlug,
			Status:    storage.RunRunning,
			StartedAt: time.Now().UTC(),
			Metrics:   map[string]any{},
		}
	}
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *store) GetEvents(ctx context.Context, runID string) iter.Seq2[storage.Event, error] {
	s.mu.RLock()
	evs := append([]storage.Event(nil), s.events[runID]...)
	s.mu.RUnlock()
	return func(yield func(storage.Event, error) bool) {
		for _, ev := range evs {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *store) SearchText(ctx context.Context, query string, limit int) ([]storage.Event, error) {
	if query == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	var out []storage.Event
	for _, evs := range s.events {
		for _, ev := range evs {
			if strings.Contains(strings.ToLower(ev.Message), q) {
				out = append(out, ev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *store) CreateApprovalTicket(ctx context.Context, t storage.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.TicketID] = t
	return nil
}

func (s *store) UpdateApprovalTicket(ctx context.Context, ticketID string, t storage.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return fmt.Errorf("memstore: update_approval_ticket %s: %w", ticketID, storage.ErrUnknownRun)
	}
	s.tickets[ticketID] = t
	return nil
}

func (s *store) GetApprovalTicket(ctx context.Context, ticketID string) (storage.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[ticketID]
	return t, ok, nil
}

func (s *store) ListApprovalTickets(ctx context.Context, filter storage.ListTicketsFilter) ([]storage.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Ticket
	for _, t := range s.tickets {
		if filter.RunID != "" && t.RunID != filter.RunID {
			continue
		}
		if filter.AgentSlug != "" && t.AgentSlug != filter.AgentSlug {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *store) UpsertRunSnapshot(ctx context.Context, snap storage.Snapshot) (storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapKey(snap.RunID, snap.StepID)
	if existing, ok := s.snapshots[key]; ok {
		existing.State = snap.State
		existing.Metadata = snap.Metadata
		s.snapshots[key] = existing
		return existing, nil
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	s.snapshots[key] = snap
	if _, ok := s.runs[snap.RunID]; !ok {
		agentSlug := ""
		if v, ok := snap.Metadata["agent_slug"].(string); ok {
			agentSlug = v
		}
		s.runs[snap.RunID] = storage.Run{
			RunID:     snap.RunID,
			AgentSlug: agentSlug,
			Status:    storage.RunRunning,
			StartedAt: time.Now().UTC(),
			Metrics:   map[string]any{},
		}
	}
	return snap, nil
}

func (s *store) GetRunSnapshot(ctx context.Context, runID, stepID string) (storage.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[snapKey(runID, stepID)]
	return snap, ok, nil
}

func (s *store) GetLatestRunSnapshot(ctx context.Context, runID string) (storage.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest storage.Snapshot
	found := false
	for _, snap := range s.snapshots {
		if snap.RunID != runID {
			continue
		}
		if !found || snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
			found = true
		}
	}
	return latest, found, nil
}

func (s *store) ListRunSnapshots(ctx context.Context, runID string) ([]storage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.Snapshot
	for _, snap := range s.snapshots {
		if snap.RunID == runID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *store) DeleteRunSnapshots(ctx context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, snap := range s.snapshots {
		if snap.RunID == runID {
			delete(s.snapshots, k)
			n++
		}
	}
	return n, nil
}

func (s *store) RecordCost(ctx context.Context, rec storage.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, rec)
	return nil
}

func (s *store) Vacuum(ctx context.Context, opts storage.VacuumOptions) (storage.VacuumResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -opts.HotDays)
	var toDelete []string
	for id, r := range s.runs {
		if r.StartedAt.Before(cutoff) {
			toDelete = append(toDelete, id)
		}
	}
	if opts.DryRun {
		return storage.VacuumResult{RunsDeleted: len(toDelete)}, nil
	}
	deleted := make(map[string]bool, len(toDelete))
	for _, id := range toDelete {
		deleted[id] = true
		delete(s.runs, id)
		delete(s.events, id)
		for k, t := range s.tickets {
			if t.RunID == id {
				delete(s.tickets, k)
			}
		}
		for k, snap := range s.snapshots {
			if snap.RunID == id {
				delete(s.snapshots, k)
			}
		}
	}
	if len(deleted) > 0 {
		kept := s.costs[:0]
		for _, c := range s.costs {
			if !deleted[c.RunID] {
				kept = append(kept, c)
			}
		}
		s.costs = kept
	}
	return storage.VacuumResult{RunsDeleted: len(toDelete)}, nil
}

func (s *store) Close() error { return nil }
