// Package cost implements the Cost Tracker (C2): a thread-safe dual-writer
// that appends every cost observation to both a JSONL audit log and the
// relational storage.Backend, and answers aggregation queries.
package cost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agdd-project/agdd-core/agent/telemetry"
	"github.com/agdd-project/agdd-core/storage"
)

// Record mirrors storage.CostRecord; kept as a distinct type so callers don't
// need to import storage just to record a cost.
type Record struct {
	Timestamp    time.Time
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	RunID        string
	Step         string
	Agent        string
	Metadata     map[string]any
}

func (r Record) totalTokens() int { return r.InputTokens + r.OutputTokens }

func (r Record) toStorage() storage.CostRecord {
	return storage.CostRecord{
		Timestamp: r.Timestamp, Model: r.Model, InputTokens: r.InputTokens,
		OutputTokens: r.OutputTokens, TotalTokens: r.totalTokens(), CostUSD: r.CostUSD,
		RunID: r.RunID, Step: r.Step, Agent: r.Agent, Metadata: r.Metadata,
	}
}

// ModelBreakdown aggregates cost for a single model.
type ModelBreakdown struct {
	Calls        int
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
}

// Summary is the result of GetSummary.
type Summary struct {
	TotalCalls   int
	TotalTokens  int
	TotalCostUSD float64
	ByModel      map[string]ModelBreakdown
	ByAgent      map[string]ModelBreakdown
}

// SummaryFilter narrows GetSummary.
type SummaryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Agent     string
	RunID     string
}

func (f SummaryFilter) matches(r storage.CostRecord) bool {
	if f.StartTime != nil && r.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && r.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.Agent != "" && r.Agent != f.Agent {
		return false
	}
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	return true
}

// Options configures a Tracker.
type Options struct {
	// Backend is the relational side of the dual write. Required.
	Backend storage.Backend
	// AuditLogPath is the JSONL audit log path. Required.
	AuditLogPath string
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
}

// Tracker is the process-wide Cost Tracker singleton (spec.md §5: "a
// process-wide singleton Cost Tracker holds one write lock over both the
// audit log and the relational handle"). It is constructed explicitly and
// threaded through the Runner rather than reached for as a package global,
// per spec.md §9's ambient-globals re-architecture note — callers that want
// true process-wide sharing hold one Tracker and pass it everywhere.
type Tracker struct {
	mu      sync.Mutex
	backend storage.Backend
	logFile *os.File
	logger  telemetry.Logger
	metrics telemetry.Metrics
	// totalUSD is the running total of every cost recorded by this Tracker.
	totalUSD float64
}

// NewTracker opens (creating if absent, appending otherwise) the audit log
// file and returns a ready Tracker.
func NewTracker(opts Options) (*Tracker, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("cost: backend is required")
	}
	if opts.AuditLogPath == "" {
		return nil, fmt.Errorf("cost: audit log path is required")
	}
	f, err := os.OpenFile(opts.AuditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cost: open audit log: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Tracker{backend: opts.Backend, logFile: f, logger: logger, metrics: metrics}, nil
}

// RecordCost appends rec to both the audit log and the relational store
// under a single lock, so concurrent writers never interleave partial lines
// and the audit log's line order matches call order (spec.md §5 ordering
// guarantee 4).
func (t *Tracker) RecordCost(ctx context.Context, rec Record) error {
	if rec.InputTokens < 0 || rec.OutputTokens < 0 || rec.CostUSD < 0 {
		return fmt.Errorf("cost: negative token count or cost")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	line, err := json.Marshal(rec.toStorage())
	if err != nil {
		return fmt.Errorf("cost: marshal audit line: %w", err)
	}
	line = append(line, '\n')
	if _, err := t.logFile.Write(line); err != nil {
		return fmt.Errorf("cost: write audit log: %w", err)
	}
	if err := t.logFile.Sync(); err != nil {
		return fmt.Errorf("cost: flush audit log: %w", err)
	}

	if err := t.backend.RecordCost(ctx, rec.toStorage()); err != nil {
		return fmt.Errorf("cost: record in backend: %w", err)
	}

	t.totalUSD += rec.CostUSD
	t.metrics.RecordGauge("cost.total_usd", t.totalUSD)
	t.logger.Debug(ctx, "cost recorded", "model", rec.Model, "cost_usd", rec.CostUSD, "run_id", rec.RunID)
	return nil
}

// GetSummary aggregates cost records matching filter. null (empty) Agent
// values are excluded from ByAgent but included in the totals and ByModel
// breakdown, per spec.md §4.2.
func (t *Tracker) GetSummary(ctx context.Context, filter SummaryFilter) (Summary, error) {
	records, err := t.streamForSummary(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	return aggregate(records), nil
}

// streamForSummary reads every cost record currently stored. The reference
// implementation delegates range-filtering to the in-memory pass below since
// storage.Backend does not expose a cost query surface beyond RecordCost;
// a production backend would push StartTime/EndTime/Agent/RunID down as a
// WHERE clause instead.
func (t *Tracker) streamForSummary(ctx context.Context, filter SummaryFilter) ([]storage.CostRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Summaries are computed under the same lock discipline as writes so
	// concurrent RecordCost calls never appear partially (spec.md §4.2).
	all, err := readAuditLog(t.logFile.Name())
	if err != nil {
		return nil, fmt.Errorf("cost: read audit log: %w", err)
	}
	var out []storage.CostRecord
	for _, r := range all {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func readAuditLog(path string) ([]storage.CostRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []storage.CostRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var rec storage.CostRecord
		if err := dec.Decode(&rec); err != nil {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func aggregate(records []storage.CostRecord) Summary {
	s := Summary{ByModel: map[string]ModelBreakdown{}, ByAgent: map[string]ModelBreakdown{}}
	for _, r := range records {
		s.TotalCalls++
		s.TotalTokens += r.TotalTokens
		s.TotalCostUSD += r.CostUSD

		mb := s.ByModel[r.Model]
		mb.Calls++
		mb.InputTokens += r.InputTokens
		mb.OutputTokens += r.OutputTokens
		mb.TotalTokens += r.TotalTokens
		mb.CostUSD += r.CostUSD
		s.ByModel[r.Model] = mb

		if r.Agent == "" {
			continue
		}
		ab := s.ByAgent[r.Agent]
		ab.Calls++
		ab.InputTokens += r.InputTokens
		ab.OutputTokens += r.OutputTokens
		ab.TotalTokens += r.TotalTokens
		ab.CostUSD += r.CostUSD
		s.ByAgent[r.Agent] = ab
	}
	return s
}

// Close flushes and closes the audit log file.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logFile.Close()
}
