// Package sqlitestore is the reference storage.Backend: a single-file,
// WAL-mode SQLite database with an FTS5 virtual table backing SearchText.
// It uses the pure-Go modernc.org/sqlite driver (no cgo), following the
// schema-on-open style the pack's sqlite-backed stores use.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/agdd-project/agdd-core/storage"
)

// Store is a SQLite-backed storage.Backend.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writes; modernc's driver has no internal pool tuning for us
}

// Open opens (or creates) the database at path, enabling WAL mode and
// creating the schema if absent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: enable foreign_keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id     TEXT PRIMARY KEY,
			agent_slug TEXT NOT NULL,
			status     TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT,
			metrics    TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_slug)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			agent_slug TEXT,
			event_type TEXT NOT NULL,
			timestamp  TEXT NOT NULL,
			level      TEXT,
			message    TEXT,
			payload    TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, seq)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
			message, content='events', content_rowid='seq'
		)`,
		`CREATE TRIGGER IF NOT EXISTS events_ai AFTER INSERT ON events BEGIN
			INSERT INTO events_fts(rowid, message) VALUES (new.seq, new.message);
		END`,
		`CREATE TABLE IF NOT EXISTS tickets (
			ticket_id       TEXT PRIMARY KEY,
			run_id          TEXT NOT NULL,
			agent_slug      TEXT,
			tool_name       TEXT NOT NULL,
			tool_args       TEXT NOT NULL DEFAULT '{}',
			masked_args     TEXT NOT NULL DEFAULT '{}',
			args_hash       TEXT NOT NULL,
			step_id         TEXT,
			status          TEXT NOT NULL,
			requested_at    TEXT NOT NULL,
			expires_at      TEXT NOT NULL,
			resolved_at     TEXT,
			resolved_by     TEXT,
			decision_reason TEXT,
			response        TEXT,
			metadata        TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_run ON tickets(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			step_id     TEXT NOT NULL,
			state       TEXT NOT NULL DEFAULT '{}',
			metadata    TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS costs (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     TEXT NOT NULL,
			model         TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			total_tokens  INTEGER NOT NULL,
			cost_usd      REAL NOT NULL,
			run_id        TEXT,
			step          TEXT,
			agent         TEXT,
			metadata      TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlitestore: migrate: %w (%s)", err, stmt)
		}
	}
	return nil
}

func marshalMap(m map[string]any) string {
	if m == nil {
		m = map[string]any{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMap(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreateRun(ctx context.Context, runID, agentSlug string, status storage.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (run_id, agent_slug, status, started_at, metrics)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(run_id) DO NOTHING`,
		runID, agentSlug, string(status), time.Now().UTC().Format(time.RFC3339Nano), "{}")
	if err != nil {
		return fmt.Errorf("sqlitestore: create_run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, runID string, update storage.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok, err := s.getRunLocked(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sqlitestore: update_run %s: %w", runID, storage.ErrUnknownRun)
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
	_, err = s.db.ExecContext(ctx, `UPDATE runs SET status=?, ended_at=?, metrics=? WHERE run_id=?`,
		string(run.Status), nullableTime(run.EndedAt), marshalMap(run.Metrics), runID)
	if err != nil {
		return fmt.Errorf("sqlitestore: update_run: %w", err)
	}
	return nil
}

func (s *Store) getRunLocked(ctx context.Context, runID string) (storage.Run, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, agent_slug, status, started_at, ended_at, metrics
		FROM runs WHERE run_id=?`, runID)
	var (
		run       storage.Run
		startedAt string
		endedAt   sql.NullString
		metrics   string
	)
	if err := row.Scan(&run.RunID, &run.AgentSlug, &run.Status, &startedAt, &endedAt, &metrics); err != nil {
		if err == sql.ErrNoRows {
			return storage.Run{}, false, nil
		}
		return storage.Run{}, false, fmt.Errorf("sqlitestore: get_run: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return storage.Run{}, false, fmt.Errorf("sqlitestore: parse started_at: %w", err)
	}
	run.StartedAt = t
	ended, err := parseNullableTime(endedAt)
	if err != nil {
		return storage.Run{}, false, fmt.Errorf("sqlitestore: parse ended_at: %w", err)
	}
	run.EndedAt = ended
	run.Metrics = unmarshalMap(metrics)
	return run, true, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (storage.Run, bool, error) {
	return s.getRunLocked(ctx, runID)
}

func (s *Store) ListRuns(ctx context.Context, filter storage.ListRunsFilter) ([]storage.Run, error) {
	q := `SELECT run_id, agent_slug, status, started_at, ended_at, metrics FROM runs WHERE 1=1`
	var args []any
	if filter.AgentSlug != "" {
		q += ` AND agent_slug=?`
		args = append(args, filter.AgentSlug)
	}
	if filter.Status != "" {
		q += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list_runs: %w", err)
	}
	defer rows.Close()
	var out []storage.Run
	for rows.Next() {
		var (
			run       storage.Run
			startedAt string
			endedAt   sql.NullString
			metrics   string
		)
		if err := rows.Scan(&run.RunID, &run.AgentSlug, &run.Status, &startedAt, &endedAt, &metrics); err != nil {
			return nil, fmt.Errorf("sqlitestore: list_runs scan: %w", err)
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		run.EndedAt, _ = parseNullableTime(endedAt)
		run.Metrics = unmarshalMap(metrics)
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, ev storage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, err := s.getRunLocked(ctx, ev.RunID); err != nil {
		return err
	} else if !ok {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO runs (run_id, agent_slug, status, started_at, metrics)
			VALUES (?, ?, ?, ?, ?)`, ev.RunID, ev.AgentSlug, string(storage.RunRunning),
			time.Now().UTC().Format(time.RFC3339Nano), "{}"); err != nil {
			return fmt.Errorf("sqlitestore: lazily creating run for event: %w", err)
		}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO events (run_id, agent_slug, event_type, timestamp, level, message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.AgentSlug, ev.EventType, ts.Format(time.RFC3339Nano), ev.Level, ev.Message, marshalMap(ev.Payload))
	if err != nil {
		return fmt.Errorf("sqlitestore: append_event: %w", err)
	}
	return nil
}

func (s *Store) GetEvents(ctx context.Context, runID string) iter.Seq2[storage.Event, error] {
	return func(yield func(storage.Event, error) bool) {
		rows, err := s.db.QueryContext(ctx, `SELECT run_id, agent_slug, event_type, timestamp, level, message, payload
			FROM events WHERE run_id=? ORDER BY seq ASC`, runID)
		if err != nil {
			yield(storage.Event{}, fmt.Errorf("sqlitestore: get_events: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ev        storage.Event
				timestamp string
				level     sql.NullString
				message   sql.NullString
				payload   string
			)
			if err := rows.Scan(&ev.RunID, &ev.AgentSlug, &ev.EventType, &timestamp, &level, &message, &payload); err != nil {
				yield(storage.Event{}, fmt.Errorf("sqlitestore: get_events scan: %w", err))
				return
			}
			ev.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
			ev.Level = level.String
			ev.Message = message.String
			ev.Payload = unmarshalMap(payload)
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
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
	rows, err := s.db.QueryContext(ctx, `SELECT e.run_id, e.agent_slug, e.event_type, e.timestamp, e.level, e.message, e.payload
		FROM events_fts f JOIN events e ON e.seq = f.rowid
		WHERE events_fts MATCH ? ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		// Absent or malformed FTS index yields an empty result, never an error.
		return nil, nil
	}
	defer rows.Close()
	var out []storage.Event
	for rows.Next() {
		var (
			ev        storage.Event
			timestamp string
			level     sql.NullString
			message   sql.NullString
			payload   string
		)
		if err := rows.Scan(&ev.RunID, &ev.AgentSlug, &ev.EventType, &timestamp, &level, &message, &payload); err != nil {
			return nil, fmt.Errorf("sqlitestore: search_text scan: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		ev.Level = level.String
		ev.Message = message.String
		ev.Payload = unmarshalMap(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) CreateApprovalTicket(ctx context.Context, t storage.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tickets
		(ticket_id, run_id, agent_slug, tool_name, tool_args, masked_args, args_hash, step_id,
		 status, requested_at, expires_at, resolved_at, resolved_by, decision_reason, response, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TicketID, t.RunID, t.AgentSlug, t.ToolName, marshalMap(t.ToolArgs), marshalMap(t.MaskedArgs), t.ArgsHash, t.StepID,
		string(t.Status), t.RequestedAt.UTC().Format(time.RFC3339Nano), t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		nullableTime(t.ResolvedAt), t.ResolvedBy, t.DecisionReason, marshalMap(t.Response), marshalMap(t.Metadata))
	if err != nil {
		return fmt.Errorf("sqlitestore: create_approval_ticket: %w", err)
	}
	return nil
}

func (s *Store) UpdateApprovalTicket(ctx context.Context, ticketID string, t storage.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET status=?, resolved_at=?, resolved_by=?,
		decision_reason=?, response=?, metadata=? WHERE ticket_id=?`,
		string(t.Status), nullableTime(t.ResolvedAt), t.ResolvedBy, t.DecisionReason,
		marshalMap(t.Response), marshalMap(t.Metadata), ticketID)
	if err != nil {
		return fmt.Errorf("sqlitestore: update_approval_ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: update_approval_ticket rows_affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlitestore: update_approval_ticket %s: %w", ticketID, storage.ErrUnknownRun)
	}
	return nil
}

func scanTicket(scan func(dest ...any) error) (storage.Ticket, error) {
	var (
		t                                                 storage.Ticket
		toolArgs, maskedArgs, response, metadata          string
		requestedAt, expiresAt                            string
		resolvedAt                                        sql.NullString
		agentSlug, stepID, resolvedBy, decisionReason     sql.NullString
	)
	if err := scan(&t.TicketID, &t.RunID, &agentSlug, &t.ToolName, &toolArgs, &maskedArgs, &t.ArgsHash, &stepID,
		&t.Status, &requestedAt, &expiresAt, &resolvedAt, &resolvedBy, &decisionReason, &response, &metadata); err != nil {
		return storage.Ticket{}, err
	}
	t.AgentSlug = agentSlug.String
	t.StepID = stepID.String
	t.ResolvedBy = resolvedBy.String
	t.DecisionReason = decisionReason.String
	t.ToolArgs = unmarshalMap(toolArgs)
	t.MaskedArgs = unmarshalMap(maskedArgs)
	t.Response = unmarshalMap(response)
	t.Metadata = unmarshalMap(metadata)
	t.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
	t.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	t.ResolvedAt, _ = parseNullableTime(resolvedAt)
	return t, nil
}

const ticketColumns = `ticket_id, run_id, agent_slug, tool_name, tool_args, masked_args, args_hash, step_id,
	status, requested_at, expires_at, resolved_at, resolved_by, decision_reason, response, metadata`

func (s *Store) GetApprovalTicket(ctx context.Context, ticketID string) (storage.Ticket, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id=?`, ticketID)
	t, err := scanTicket(row.Scan)
	if err == sql.ErrNoRows {
		return storage.Ticket{}, false, nil
	}
	if err != nil {
		return storage.Ticket{}, false, fmt.Errorf("sqlitestore: get_approval_ticket: %w", err)
	}
	return t, true, nil
}

func (s *Store) ListApprovalTickets(ctx context.Context, filter storage.ListTicketsFilter) ([]storage.Ticket, error) {
	q := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		q += ` AND run_id=?`
		args = append(args, filter.RunID)
	}
	if filter.AgentSlug != "" {
		q += ` AND agent_slug=?`
		args = append(args, filter.AgentSlug)
	}
	if filter.Status != "" {
		q += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY requested_at ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list_approval_tickets: %w", err)
	}
	defer rows.Close()
	var out []storage.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: list_approval_tickets scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpsertRunSnapshot(ctx context.Context, snap storage.Snapshot) (storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok, err := s.getSnapshotLocked(ctx, snap.RunID, snap.StepID)
	if err != nil {
		return storage.Snapshot{}, err
	}
	if ok {
		if _, err := s.db.ExecContext(ctx, `UPDATE snapshots SET state=?, metadata=? WHERE run_id=? AND step_id=?`,
			marshalMap(snap.State), marshalMap(snap.Metadata), snap.RunID, snap.StepID); err != nil {
			return storage.Snapshot{}, fmt.Errorf("sqlitestore: upsert_run_snapshot update: %w", err)
		}
		existing.State = snap.State
		existing.Metadata = snap.Metadata
		return existing, nil
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO snapshots (snapshot_id, run_id, step_id, state, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.RunID, snap.StepID, marshalMap(snap.State), marshalMap(snap.Metadata),
		snap.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return storage.Snapshot{}, fmt.Errorf("sqlitestore: upsert_run_snapshot insert: %w", err)
	}

	if _, ok, err := s.getRunLocked(ctx, snap.RunID); err != nil {
		return storage.Snapshot{}, err
	} else if !ok {
		agentSlug := ""
		if v, ok := snap.Metadata["agent_slug"].(string); ok {
			agentSlug = v
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO runs (run_id, agent_slug, status, started_at, metrics)
			VALUES (?, ?, ?, ?, ?)`, snap.RunID, agentSlug, string(storage.RunRunning),
			time.Now().UTC().Format(time.RFC3339Nano), "{}"); err != nil {
			return storage.Snapshot{}, fmt.Errorf("sqlitestore: lazily creating run for snapshot: %w", err)
		}
	}
	return snap, nil
}

func (s *Store) getSnapshotLocked(ctx context.Context, runID, stepID string) (storage.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT snapshot_id, run_id, step_id, state, metadata, created_at
		FROM snapshots WHERE run_id=? AND step_id=?`, runID, stepID)
	var snap storage.Snapshot
	var state, metadata, createdAt string
	if err := row.Scan(&snap.SnapshotID, &snap.RunID, &snap.StepID, &state, &metadata, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.Snapshot{}, false, nil
		}
		return storage.Snapshot{}, false, fmt.Errorf("sqlitestore: get_run_snapshot: %w", err)
	}
	snap.State = unmarshalMap(state)
	snap.Metadata = unmarshalMap(metadata)
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return snap, true, nil
}

func (s *Store) GetRunSnapshot(ctx context.Context, runID, stepID string) (storage.Snapshot, bool, error) {
	return s.getSnapshotLocked(ctx, runID, stepID)
}

func (s *Store) GetLatestRunSnapshot(ctx context.Context, runID string) (storage.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT snapshot_id, run_id, step_id, state, metadata, created_at
		FROM snapshots WHERE run_id=? ORDER BY created_at DESC LIMIT 1`, runID)
	var snap storage.Snapshot
	var state, metadata, createdAt string
	if err := row.Scan(&snap.SnapshotID, &snap.RunID, &snap.StepID, &state, &metadata, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.Snapshot{}, false, nil
		}
		return storage.Snapshot{}, false, fmt.Errorf("sqlitestore: get_latest_run_snapshot: %w", err)
	}
	snap.State = unmarshalMap(state)
	snap.Metadata = unmarshalMap(metadata)
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return snap, true, nil
}

func (s *Store) ListRunSnapshots(ctx context.Context, runID string) ([]storage.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot_id, run_id, step_id, state, metadata, created_at
		FROM snapshots WHERE run_id=? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list_run_snapshots: %w", err)
	}
	defer rows.Close()
	var out []storage.Snapshot
	for rows.Next() {
		var snap storage.Snapshot
		var state, metadata, createdAt string
		if err := rows.Scan(&snap.SnapshotID, &snap.RunID, &snap.StepID, &state, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: list_run_snapshots scan: %w", err)
		}
		snap.State = unmarshalMap(state)
		snap.Metadata = unmarshalMap(metadata)
		snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRunSnapshots(ctx context.Context, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE run_id=?`, runID)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete_run_snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: delete_run_snapshots rows_affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) RecordCost(ctx context.Context, rec storage.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO costs
		(timestamp, model, input_tokens, output_tokens, total_tokens, cost_usd, run_id, step, agent, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), rec.Model, rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.CostUSD,
		rec.RunID, rec.Step, rec.Agent, marshalMap(rec.Metadata))
	if err != nil {
		return fmt.Errorf("sqlitestore: record_cost: %w", err)
	}
	return nil
}

func (s *Store) Vacuum(ctx context.Context, opts storage.VacuumOptions) (storage.VacuumResult, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -opts.HotDays).Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE started_at < ?`, cutoff)
	var count int
	if err := row.Scan(&count); err != nil {
		return storage.VacuumResult{}, fmt.Errorf("sqlitestore: vacuum count: %w", err)
	}
	if opts.DryRun {
		return storage.VacuumResult{RunsDeleted: count}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.VacuumResult{}, fmt.Errorf("sqlitestore: vacuum begin: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"events", "tickets", "snapshots", "costs"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`, table), cutoff); err != nil {
			return storage.VacuumResult{}, fmt.Errorf("sqlitestore: vacuum cascade %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff); err != nil {
		return storage.VacuumResult{}, fmt.Errorf("sqlitestore: vacuum runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.VacuumResult{}, fmt.Errorf("sqlitestore: vacuum commit: %w", err)
	}
	return storage.VacuumResult{RunsDeleted: count}, nil
}

func (s *Store) Close() error { return s.db.Close() }
