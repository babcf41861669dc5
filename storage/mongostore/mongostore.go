// Package mongostore is an alternate storage.Backend backed by MongoDB,
// demonstrating that the storage contract does not mandate a relational
// engine (spec.md §4.1). Adapted from the teacher's features/{run,runlog,
// session,memory}/mongo packages, which wrap a *mongo.Client behind an
// Options{Client} constructor — collapsed here into one store covering every
// entity this spec persists, since the teacher spreads run/runlog/session/
// memory across four separate Mongo-backed stores for its own domain split.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agdd-project/agdd-core/storage"
)

// Options configures the Mongo-backed store.
type Options struct {
	// Database is the already-connected Mongo database handle.
	Database *mongo.Database
}

// Store implements storage.Backend by delegating to MongoDB collections:
// runs, events, tickets, snapshots, costs.
type Store struct {
	db       *mongo.Database
	runs     *mongo.Collection
	events   *mongo.Collection
	tickets  *mongo.Collection
	snaps    *mongo.Collection
	costs    *mongo.Collection
	closer   func(context.Context) error
}

// NewStore builds a Store using an already-connected database handle.
func NewStore(opts Options) (*Store, error) {
	if opts.Database == nil {
		return nil, errors.New("mongostore: database is required")
	}
	db := opts.Database
	return &Store{
		db:      db,
		runs:    db.Collection("runs"),
		events:  db.Collection("events"),
		tickets: db.Collection("tickets"),
		snaps:   db.Collection("snapshots"),
		costs:   db.Collection("costs"),
	}, nil
}

// NewStoreFromURI connects to uri and returns a Store over the named
// database; the returned Store's Close disconnects the client.
func NewStoreFromURI(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	s, err := NewStore(Options{Database: client.Database(dbName)})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.closer = client.Disconnect
	return s, nil
}

type runDoc struct {
	RunID     string         `bson:"_id"`
	AgentSlug string         `bson:"agent_slug"`
	Status    string         `bson:"status"`
	StartedAt time.Time      `bson:"started_at"`
	EndedAt   *time.Time     `bson:"ended_at,omitempty"`
	Metrics   map[string]any `bson:"metrics"`
}

func (d runDoc) toRun() storage.Run {
	return storage.Run{
		RunID: d.RunID, AgentSlug: d.AgentSlug, Status: storage.RunStatus(d.Status),
		StartedAt: d.StartedAt, EndedAt: d.EndedAt, Metrics: d.Metrics,
	}
}

func (s *Store) CreateRun(ctx context.Context, runID, agentSlug string, status storage.RunStatus) error {
	_, err := s.runs.UpdateOne(ctx,
		bson.M{"_id": runID},
		bson.M{"$setOnInsert": runDoc{
			RunID: runID, AgentSlug: agentSlug, Status: string(status),
			StartedAt: time.Now().UTC(), Metrics: map[string]any{},
		}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongostore: create_run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, runID string, update storage.RunUpdate) error {
	set := bson.M{}
	if update.Status != nil {
		set["status"] = string(*update.Status)
	}
	if update.EndedAt != nil {
		set["ended_at"] = *update.EndedAt
	}
	if update.Metrics != nil {
		for k, v := range update.Metrics {
			set["metrics."+k] = v
		}
	}
	if len(set) == 0 {
		if _, ok, err := s.GetRun(ctx, runID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("mongostore: update_run %s: %w", runID, storage.ErrUnknownRun)
		}
		return nil
	}
	res, err := s.runs.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongostore: update_run: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: update_run %s: %w", runID, storage.ErrUnknownRun)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (storage.Run, bool, error) {
	var doc runDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Run{}, false, nil
	}
	if err != nil {
		return storage.Run{}, false, fmt.Errorf("mongostore: get_run: %w", err)
	}
	return doc.toRun(), true, nil
}

func (s *Store) ListRuns(ctx context.Context, filter storage.ListRunsFilter) ([]storage.Run, error) {
	q := bson.M{}
	if filter.AgentSlug != "" {
		q["agent_slug"] = filter.AgentSlug
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := s.runs.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list_runs: %w", err)
	}
	defer cur.Close(ctx)
	var out []storage.Run
	for cur.Next(ctx) {
		var doc runDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: list_runs decode: %w", err)
		}
		out = append(out, doc.toRun())
	}
	return out, cur.Err()
}

type eventDoc struct {
	RunID     string         `bson:"run_id"`
	AgentSlug string         `bson:"agent_slug"`
	EventType string         `bson:"event_type"`
	Timestamp time.Time      `bson:"timestamp"`
	Level     string         `bson:"level,omitempty"`
	Message   string         `bson:"message,omitempty"`
	Payload   map[string]any `bson:"payload"`
	Seq       int64          `bson:"seq"`
}

func (d eventDoc) toEvent() storage.Event {
	return storage.Event{
		RunID: d.RunID, AgentSlug: d.AgentSlug, EventType: d.EventType,
		Timestamp: d.Timestamp, Level: d.Level, Message: d.Message, Payload: d.Payload,
	}
}

func (s *Store) AppendEvent(ctx context.Context, ev storage.Event) error {
	if _, ok, err := s.GetRun(ctx, ev.RunID); err != nil {
		return err
	} else if !ok {
		if err := s.CreateRun(ctx, ev.RunID, ev.AgentSlug, storage.RunRunning); err != nil {
			return fmt.Errorf("mongostore: lazily creating run for event: %w", err)
		}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	seq, err := s.nextSeq(ctx, ev.RunID)
	if err != nil {
		return err
	}
	_, err = s.events.InsertOne(ctx, eventDoc{
		RunID: ev.RunID, AgentSlug: ev.AgentSlug, EventType: ev.EventType,
		Timestamp: ts, Level: ev.Level, Message: ev.Message, Payload: ev.Payload, Seq: seq,
	})
	if err != nil {
		return fmt.Errorf("mongostore: append_event: %w", err)
	}
	return nil
}

// nextSeq assigns a per-run monotonic sequence number so GetEvents can
// deliver insertion order without relying on timestamp resolution.
func (s *Store) nextSeq(ctx context.Context, runID string) (int64, error) {
	count, err := s.events.CountDocuments(ctx, bson.M{"run_id": runID})
	if err != nil {
		return 0, fmt.Errorf("mongostore: next_seq: %w", err)
	}
	return count, nil
}

func (s *Store) GetEvents(ctx context.Context, runID string) iter.Seq2[storage.Event, error] {
	return func(yield func(storage.Event, error) bool) {
		cur, err := s.events.Find(ctx, bson.M{"run_id": runID}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
		if err != nil {
			yield(storage.Event{}, fmt.Errorf("mongostore: get_events: %w", err))
			return
		}
		defer cur.Close(ctx)
		for cur.Next(ctx) {
			var doc eventDoc
			if err := cur.Decode(&doc); err != nil {
				yield(storage.Event{}, fmt.Errorf("mongostore: get_events decode: %w", err))
				return
			}
			if !yield(doc.toEvent(), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(storage.Event{}, err)
		}
	}
}

func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]storage.Event, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	// Requires a text index on "message"; absent index yields an empty
	// result per the contract rather than surfacing a driver error.
	cur, err := s.events.Find(ctx, bson.M{"$text": bson.M{"$search": query}}, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, nil
	}
	defer cur.Close(ctx)
	var out []storage.Event
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: search_text decode: %w", err)
		}
		out = append(out, doc.toEvent())
	}
	return out, cur.Err()
}

type ticketDoc struct {
	TicketID       string         `bson:"_id"`
	RunID          string         `bson:"run_id"`
	AgentSlug      string         `bson:"agent_slug"`
	ToolName       string         `bson:"tool_name"`
	ToolArgs       map[string]any `bson:"tool_args"`
	MaskedArgs     map[string]any `bson:"masked_args"`
	ArgsHash       string         `bson:"args_hash"`
	StepID         string         `bson:"step_id,omitempty"`
	Status         string         `bson:"status"`
	RequestedAt    time.Time      `bson:"requested_at"`
	ExpiresAt      time.Time      `bson:"expires_at"`
	ResolvedAt     *time.Time     `bson:"resolved_at,omitempty"`
	ResolvedBy     string         `bson:"resolved_by,omitempty"`
	DecisionReason string         `bson:"decision_reason,omitempty"`
	Response       map[string]any `bson:"response,omitempty"`
	Metadata       map[string]any `bson:"metadata"`
}

func ticketToDoc(t storage.Ticket) ticketDoc {
	return ticketDoc{
		TicketID: t.TicketID, RunID: t.RunID, AgentSlug: t.AgentSlug, ToolName: t.ToolName,
		ToolArgs: t.ToolArgs, MaskedArgs: t.MaskedArgs, ArgsHash: t.ArgsHash, StepID: t.StepID,
		Status: string(t.Status), RequestedAt: t.RequestedAt, ExpiresAt: t.ExpiresAt,
		ResolvedAt: t.ResolvedAt, ResolvedBy: t.ResolvedBy, DecisionReason: t.DecisionReason,
		Response: t.Response, Metadata: t.Metadata,
	}
}

func (d ticketDoc) toTicket() storage.Ticket {
	return storage.Ticket{
		TicketID: d.TicketID, RunID: d.RunID, AgentSlug: d.AgentSlug, ToolName: d.ToolName,
		ToolArgs: d.ToolArgs, MaskedArgs: d.MaskedArgs, ArgsHash: d.ArgsHash, StepID: d.StepID,
		Status: storage.TicketStatus(d.Status), RequestedAt: d.RequestedAt, ExpiresAt: d.ExpiresAt,
		ResolvedAt: d.ResolvedAt, ResolvedBy: d.ResolvedBy, DecisionReason: d.DecisionReason,
		Response: d.Response, Metadata: d.Metadata,
	}
}

func (s *Store) CreateApprovalTicket(ctx context.Context, t storage.Ticket) error {
	_, err := s.tickets.InsertOne(ctx, ticketToDoc(t))
	if err != nil {
		return fmt.Errorf("mongostore: create_approval_ticket: %w", err)
	}
	return nil
}

func (s *Store) UpdateApprovalTicket(ctx context.Context, ticketID string, t storage.Ticket) error {
	res, err := s.tickets.UpdateOne(ctx, bson.M{"_id": ticketID}, bson.M{"$set": bson.M{
		"status": string(t.Status), "resolved_at": t.ResolvedAt, "resolved_by": t.ResolvedBy,
		"decision_reason": t.DecisionReason, "response": t.Response, "metadata": t.Metadata,
	}})
	if err != nil {
		return fmt.Errorf("mongostore: update_approval_ticket: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: update_approval_ticket %s: %w", ticketID, storage.ErrUnknownRun)
	}
	return nil
}

func (s *Store) GetApprovalTicket(ctx context.Context, ticketID string) (storage.Ticket, bool, error) {
	var doc ticketDoc
	err := s.tickets.FindOne(ctx, bson.M{"_id": ticketID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Ticket{}, false, nil
	}
	if err != nil {
		return storage.Ticket{}, false, fmt.Errorf("mongostore: get_approval_ticket: %w", err)
	}
	return doc.toTicket(), true, nil
}

func (s *Store) ListApprovalTickets(ctx context.Context, filter storage.ListTicketsFilter) ([]storage.Ticket, error) {
	q := bson.M{}
	if filter.RunID != "" {
		q["run_id"] = filter.RunID
	}
	if filter.AgentSlug != "" {
		q["agent_slug"] = filter.AgentSlug
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	cur, err := s.tickets.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "requested_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list_approval_tickets: %w", err)
	}
	defer cur.Close(ctx)
	var out []storage.Ticket
	for cur.Next(ctx) {
		var doc ticketDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: list_approval_tickets decode: %w", err)
		}
		out = append(out, doc.toTicket())
	}
	return out, cur.Err()
}

type snapshotDoc struct {
	SnapshotID string         `bson:"snapshot_id"`
	RunID      string         `bson:"run_id"`
	StepID     string         `bson:"step_id"`
	State      map[string]any `bson:"state"`
	Metadata   map[string]any `bson:"metadata"`
	CreatedAt  time.Time      `bson:"created_at"`
}

func (d snapshotDoc) toSnapshot() storage.Snapshot {
	return storage.Snapshot{
		SnapshotID: d.SnapshotID, RunID: d.RunID, StepID: d.StepID,
		State: d.State, Metadata: d.Metadata, CreatedAt: d.CreatedAt,
	}
}

func snapKey(runID, stepID string) bson.M { return bson.M{"run_id": runID, "step_id": stepID} }

func (s *Store) UpsertRunSnapshot(ctx context.Context, snap storage.Snapshot) (storage.Snapshot, error) {
	existing, ok, err := s.GetRunSnapshot(ctx, snap.RunID, snap.StepID)
	if err != nil {
		return storage.Snapshot{}, err
	}
	if ok {
		_, err := s.snaps.UpdateOne(ctx, snapKey(snap.RunID, snap.StepID),
			bson.M{"$set": bson.M{"state": snap.State, "metadata": snap.Metadata}})
		if err != nil {
			return storage.Snapshot{}, fmt.Errorf("mongostore: upsert_run_snapshot update: %w", err)
		}
		existing.State = snap.State
		existing.Metadata = snap.Metadata
		return existing, nil
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if _, err := s.snaps.InsertOne(ctx, snapshotDoc{
		SnapshotID: snap.SnapshotID, RunID: snap.RunID, StepID: snap.StepID,
		State: snap.State, Metadata: snap.Metadata, CreatedAt: snap.CreatedAt,
	}); err != nil {
		return storage.Snapshot{}, fmt.Errorf("mongostore: upsert_run_snapshot insert: %w", err)
	}
	if _, ok, err := s.GetRun(ctx, snap.RunID); err != nil {
		return storage.Snapshot{}, err
	} else if !ok {
		agentSlug := ""
		if v, ok := snap.Metadata["agent_slug"].(string); ok {
			agentSlug = v
		}
		if err := s.CreateRun(ctx, snap.RunID, agentSlug, storage.RunRunning); err != nil {
			return storage.Snapshot{}, fmt.Errorf("mongostore: lazily creating run for snapshot: %w", err)
		}
	}
	return snap, nil
}

func (s *Store) GetRunSnapshot(ctx context.Context, runID, stepID string) (storage.Snapshot, bool, error) {
	var doc snapshotDoc
	err := s.snaps.FindOne(ctx, snapKey(runID, stepID)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Snapshot{}, false, nil
	}
	if err != nil {
		return storage.Snapshot{}, false, fmt.Errorf("mongostore: get_run_snapshot: %w", err)
	}
	return doc.toSnapshot(), true, nil
}

func (s *Store) GetLatestRunSnapshot(ctx context.Context, runID string) (storage.Snapshot, bool, error) {
	var doc snapshotDoc
	err := s.snaps.FindOne(ctx, bson.M{"run_id": runID},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return storage.Snapshot{}, false, nil
	}
	if err != nil {
		return storage.Snapshot{}, false, fmt.Errorf("mongostore: get_latest_run_snapshot: %w", err)
	}
	return doc.toSnapshot(), true, nil
}

func (s *Store) ListRunSnapshots(ctx context.Context, runID string) ([]storage.Snapshot, error) {
	cur, err := s.snaps.Find(ctx, bson.M{"run_id": runID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: list_run_snapshots: %w", err)
	}
	defer cur.Close(ctx)
	var out []storage.Snapshot
	for cur.Next(ctx) {
		var doc snapshotDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongostore: list_run_snapshots decode: %w", err)
		}
		out = append(out, doc.toSnapshot())
	}
	return out, cur.Err()
}

func (s *Store) DeleteRunSnapshots(ctx context.Context, runID string) (int, error) {
	res, err := s.snaps.DeleteMany(ctx, bson.M{"run_id": runID})
	if err != nil {
		return 0, fmt.Errorf("mongostore: delete_run_snapshots: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) RecordCost(ctx context.Context, rec storage.CostRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.costs.InsertOne(ctx, bson.M{
		"timestamp": ts, "model": rec.Model, "input_tokens": rec.InputTokens,
		"output_tokens": rec.OutputTokens, "total_tokens": rec.TotalTokens, "cost_usd": rec.CostUSD,
		"run_id": rec.RunID, "step": rec.Step, "agent": rec.Agent, "metadata": rec.Metadata,
	})
	if err != nil {
		return fmt.Errorf("mongostore: record_cost: %w", err)
	}
	return nil
}

func (s *Store) Vacuum(ctx context.Context, opts storage.VacuumOptions) (storage.VacuumResult, error) {
	cutoff := time.Now().AddDate(0, 0, -opts.HotDays)
	cur, err := s.runs.Find(ctx, bson.M{"started_at": bson.M{"$lt": cutoff}}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return storage.VacuumResult{}, fmt.Errorf("mongostore: vacuum find: %w", err)
	}
	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return storage.VacuumResult{}, fmt.Errorf("mongostore: vacuum decode: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	cur.Close(ctx)
	if opts.DryRun || len(ids) == 0 {
		return storage.VacuumResult{RunsDeleted: len(ids)}, nil
	}
	filter := bson.M{"run_id": bson.M{"$in": ids}}
	for _, coll := range []*mongo.Collection{s.events, s.tickets, s.snaps, s.costs} {
		if _, err := coll.DeleteMany(ctx, filter); err != nil {
			return storage.VacuumResult{}, fmt.Errorf("mongostore: vacuum cascade: %w", err)
		}
	}
	if _, err := s.runs.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return storage.VacuumResult{}, fmt.Errorf("mongostore: vacuum runs: %w", err)
	}
	return storage.VacuumResult{RunsDeleted: len(ids)}, nil
}

func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer(context.Background())
}
