// Package storage defines the persistence contract shared by every
// subsystem that needs durable state: runs, events, approval tickets,
// snapshots, and cost records. The contract is deliberately backend-agnostic
// (spec.md §4.1: "the contract does not mandate" a specific engine) — see
// sqlitestore, mongostore, and memstore for concrete implementations.
package storage

import (
	"context"
	"errors"
	"iter"
	"time"
)

// RunStatus is the coarse lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is a single top-level invocation and the root of a tree of child
// delegations.
type Run struct {
	RunID     string
	AgentSlug string
	Status    RunStatus
	StartedAt time.Time
	EndedAt   *time.Time
	Metrics   map[string]any
}

// Event is an append-only entry associated with a Run.
type Event struct {
	RunID     string
	AgentSlug string
	EventType string
	Timestamp time.Time
	Level     string
	Message   string
	Payload   map[string]any
}

// TicketStatus is the lifecycle state of an ApprovalTicket.
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketApproved TicketStatus = "approved"
	TicketDenied   TicketStatus = "denied"
	TicketExpired  TicketStatus = "expired"
)

// Ticket is the persisted form of an ApprovalTicket (spec.md §3). The
// approval package wraps this with the state-machine behavior; storage only
// knows how to persist and query it.
type Ticket struct {
	TicketID       string
	RunID          string
	AgentSlug      string
	ToolName       string
	ToolArgs       map[string]any
	MaskedArgs     map[string]any
	ArgsHash       string
	StepID         string
	Status         TicketStatus
	RequestedAt    time.Time
	ExpiresAt      time.Time
	ResolvedAt     *time.Time
	ResolvedBy     string
	DecisionReason string
	Response       map[string]any
	Metadata       map[string]any
}

// Snapshot is the persisted form of a RunSnapshot (spec.md §3).
type Snapshot struct {
	SnapshotID string
	RunID      string
	StepID     string
	State      map[string]any
	Metadata   map[string]any
	CreatedAt  time.Time
}

// CostRecord is a single cost observation (spec.md §3).
type CostRecord struct {
	Timestamp    time.Time
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
	RunID        string
	Step         string
	Agent        string
	Metadata     map[string]any
}

// ListRunsFilter narrows ListRuns; zero values mean "no filter".
type ListRunsFilter struct {
	AgentSlug string
	Status    RunStatus
	Limit     int
}

// ListTicketsFilter narrows ListApprovalTickets; zero values mean "no filter".
type ListTicketsFilter struct {
	RunID     string
	AgentSlug string
	Status    TicketStatus
}

// RunUpdate is a partial update to a Run; nil fields are left unchanged.
// Metrics is merged into the existing map (see SPEC_FULL.md's Open Question
// decision on update_run semantics), never replaced wholesale.
type RunUpdate struct {
	Status  *RunStatus
	EndedAt *time.Time
	Metrics map[string]any
}

// VacuumOptions controls the retention sweep.
type VacuumOptions struct {
	// HotDays is the number of days of runs to retain; runs started before
	// now−HotDays are deleted (calendar-safe subtraction, never a raw day
	// count that can go negative across month boundaries).
	HotDays int
	// DryRun, when true, reports what would be deleted without deleting.
	DryRun bool
}

// VacuumResult reports what vacuum did (or would do, under DryRun).
type VacuumResult struct {
	RunsDeleted int
}

// ErrUnknownRun is returned by writers (never readers, which return
// (zero, false, nil) on a miss) asked to mutate a row that does not exist:
// UpdateRun for a missing run and UpdateApprovalTicket for a missing ticket.
var ErrUnknownRun = errors.New("storage: unknown run")

// Backend is the storage contract every subsystem depends on. Implementations
// must be safe under concurrent readers and writers.
type Backend interface {
	CreateRun(ctx context.Context, runID, agentSlug string, status RunStatus) error
	UpdateRun(ctx context.Context, runID string, update RunUpdate) error
	GetRun(ctx context.Context, runID string) (Run, bool, error)
	ListRuns(ctx context.Context, filter ListRunsFilter) ([]Run, error)

	// AppendEvent appends an event. It must not fail silently for an unknown
	// run_id: implementations lazily create a Run row for it instead,
	// matching the source's behavior for snapshot-initiated runs.
	AppendEvent(ctx context.Context, ev Event) error
	// GetEvents streams a run's events in insertion order.
	GetEvents(ctx context.Context, runID string) iter.Seq2[Event, error]
	// SearchText full-text searches event messages; an absent FTS index
	// yields an empty result set rather than an error.
	SearchText(ctx context.Context, query string, limit int) ([]Event, error)

	CreateApprovalTicket(ctx context.Context, t Ticket) error
	UpdateApprovalTicket(ctx context.Context, ticketID string, t Ticket) error
	GetApprovalTicket(ctx context.Context, ticketID string) (Ticket, bool, error)
	ListApprovalTickets(ctx context.Context, filter ListTicketsFilter) ([]Ticket, error)

	// UpsertRunSnapshot is idempotent by (run_id, step_id): an existing row
	// has its State/Metadata updated in place and keeps its original
	// SnapshotID.
	UpsertRunSnapshot(ctx context.Context, s Snapshot) (Snapshot, error)
	GetRunSnapshot(ctx context.Context, runID, stepID string) (Snapshot, bool, error)
	GetLatestRunSnapshot(ctx context.Context, runID string) (Snapshot, bool, error)
	ListRunSnapshots(ctx context.Context, runID string) ([]Snapshot, error)
	DeleteRunSnapshots(ctx context.Context, runID string) (int, error)

	RecordCost(ctx context.Context, rec CostRecord) error

	Vacuum(ctx context.Context, opts VacuumOptions) (VacuumResult, error)

	// Close releases any held resources (connections, file handles).
	Close() error
}
