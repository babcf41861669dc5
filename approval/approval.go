// Package approval implements the Approval Gate (C5): the ApprovalTicket
// state machine, the masked-args/args-hash computation required at ticket
// creation, a pluggable Bus for approval.required/approval.updated fan-out,
// and the execute_with_approval high-level helper that ties the Permission
// Evaluator, this gate, and a tool function together. Grounded on the
// original's governance/approval_gate.py state machine and event contract.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agdd-project/agdd-core/agent/canonicaljson"
	"github.com/agdd-project/agdd-core/apierror"
	"github.com/agdd-project/agdd-core/permission"
	"github.com/agdd-project/agdd-core/storage"
)

// defaultRedactedKeys is the default set of args_match-style key-name
// substrings whose values are replaced by redactedSentinel in MaskedArgs,
// per spec.md §4.5; a non-empty Options.RedactKeys replaces this set.
var defaultRedactedKeys = []string{
	"password", "token", "secret", "api_key", "authorization", "credential",
}

const redactedSentinel = "***REDACTED***"

// Ticket is the domain view of an approval ticket; storage.Ticket is its
// persisted form.
type Ticket struct {
	TicketID       string
	RunID          string
	AgentSlug      string
	ToolName       string
	ToolArgs       map[string]any
	MaskedArgs     map[string]any
	ArgsHash       string
	StepID         string
	Status         storage.TicketStatus
	RequestedAt    time.Time
	ExpiresAt      time.Time
	ResolvedAt     *time.Time
	ResolvedBy     string
	DecisionReason string
	Response       map[string]any
	Metadata       map[string]any
}

func fromStorage(t storage.Ticket) Ticket {
	return Ticket{
		TicketID: t.TicketID, RunID: t.RunID, AgentSlug: t.AgentSlug, ToolName: t.ToolName,
		ToolArgs: t.ToolArgs, MaskedArgs: t.MaskedArgs, ArgsHash: t.ArgsHash, StepID: t.StepID,
		Status: t.Status, RequestedAt: t.RequestedAt, ExpiresAt: t.ExpiresAt, ResolvedAt: t.ResolvedAt,
		ResolvedBy: t.ResolvedBy, DecisionReason: t.DecisionReason, Response: t.Response, Metadata: t.Metadata,
	}
}

func (t Ticket) toStorage() storage.Ticket {
	return storage.Ticket{
		TicketID: t.TicketID, RunID: t.RunID, AgentSlug: t.AgentSlug, ToolName: t.ToolName,
		ToolArgs: t.ToolArgs, MaskedArgs: t.MaskedArgs, ArgsHash: t.ArgsHash, StepID: t.StepID,
		Status: t.Status, RequestedAt: t.RequestedAt, ExpiresAt: t.ExpiresAt, ResolvedAt: t.ResolvedAt,
		ResolvedBy: t.ResolvedBy, DecisionReason: t.DecisionReason, Response: t.Response, Metadata: t.Metadata,
	}
}

// MaskArgs builds the shallow redaction view: any key whose name contains
// one of redactKeys (case-insensitive, defaultRedactedKeys if empty) gets
// its value replaced by the sentinel; all other keys pass through
// unchanged. Exported so callers outside this package (e.g. hooks) can
// apply the same masking to args shown in non-ticket events.
func MaskArgs(args map[string]any, redactKeys []string) map[string]any {
	if len(redactKeys) == 0 {
		redactKeys = defaultRedactedKeys
	}
	masked := make(map[string]any, len(args))
	for k, v := range args {
		lower := strings.ToLower(k)
		redacted := false
		for _, pattern := range redactKeys {
			if strings.Contains(lower, pattern) {
				redacted = true
				break
			}
		}
		if redacted {
			masked[k] = redactedSentinel
		} else {
			masked[k] = v
		}
	}
	return masked
}

// argsHash computes a SHA-256 hex digest over the canonical JSON form of
// args (recursively sorted keys), per spec.md §4.5.
func argsHash(args map[string]any) (string, error) {
	canon, err := canonicaljson.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("approval: canonicalize args: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// AlreadyTerminalError is returned for any attempted transition out of a
// terminal ticket state.
type AlreadyTerminalError struct {
	TicketID string
	Status   storage.TicketStatus
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("ticket %s already %s", e.TicketID, e.Status)
}

// ApprovalDenied is raised by wait_for_decision when a ticket is denied.
type ApprovalDenied struct {
	TicketID string
	Reason   string
}

func (e *ApprovalDenied) Error() string {
	return fmt.Sprintf("approval denied for ticket %s: %s", e.TicketID, e.Reason)
}

// ApprovalTimeout is raised by wait_for_decision when a ticket expires
// while waiting.
type ApprovalTimeout struct {
	TicketID string
}

func (e *ApprovalTimeout) Error() string {
	return fmt.Sprintf("approval timed out for ticket %s", e.TicketID)
}

// BusEvent is delivered by a Bus subscription.
type BusEvent struct {
	Kind   string // "approval.required" | "approval.updated"
	Ticket Ticket
}

// Bus fans approval lifecycle events out to any number of listeners. The
// reference PollingBus fans out in-process to local subscribers (the
// storage polling happens in Gate.WaitForDecision); PulseBus publishes over
// Redis via goa.design/pulse. Both must be bit-identical from a listener's
// perspective: one approval.required followed by zero or more
// approval.updated, terminating on a terminal status (spec.md §4.5).
type Bus interface {
	Publish(ctx context.Context, event BusEvent) error
	Subscribe(ctx context.Context, ticketID string) (<-chan BusEvent, func())
}

// Gate implements the ApprovalTicket state machine over a storage.Backend.
type Gate struct {
	backend        storage.Backend
	bus            Bus
	redactKeys     []string
	defaultTimeout time.Duration
}

// Options configures a Gate.
type Options struct {
	Backend storage.Backend
	Bus     Bus // defaults to a process-local PollingBus
	// RedactKeys overrides the default masked-args key-name patterns.
	RedactKeys []string
	// DefaultTimeout is used when CreateTicket is not given an explicit TTL.
	DefaultTimeout time.Duration
}

// NewGate builds a Gate.
func NewGate(opts Options) *Gate {
	bus := opts.Bus
	if bus == nil {
		bus = NewPollingBus(opts.Backend)
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Gate{backend: opts.Backend, bus: bus, redactKeys: opts.RedactKeys, defaultTimeout: timeout}
}

// CreateTicket creates a new pending ticket, computing MaskedArgs and
// ArgsHash, and publishes approval.required.
func (g *Gate) CreateTicket(ctx context.Context, runID, agentSlug, stepID, toolName string, toolArgs map[string]any, ttl time.Duration) (Ticket, error) {
	if ttl <= 0 {
		ttl = g.defaultTimeout
	}
	hash, err := argsHash(toolArgs)
	if err != nil {
		return Ticket{}, err
	}
	now := time.Now().UTC()
	ticket := Ticket{
		TicketID:    uuid.NewString(),
		RunID:       runID,
		AgentSlug:   agentSlug,
		ToolName:    toolName,
		ToolArgs:    toolArgs,
		MaskedArgs:  MaskArgs(toolArgs, g.redactKeys),
		ArgsHash:    hash,
		StepID:      stepID,
		Status:      storage.TicketPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := g.backend.CreateApprovalTicket(ctx, ticket.toStorage()); err != nil {
		return Ticket{}, fmt.Errorf("approval: create ticket: %w", err)
	}
	_ = g.bus.Publish(ctx, BusEvent{Kind: "approval.required", Ticket: ticket})
	return ticket, nil
}

// GetTicket returns a ticket by ID.
func (g *Gate) GetTicket(ctx context.Context, ticketID string) (Ticket, bool, error) {
	t, ok, err := g.backend.GetApprovalTicket(ctx, ticketID)
	if err != nil {
		return Ticket{}, false, fmt.Errorf("approval: get ticket: %w", err)
	}
	if !ok {
		return Ticket{}, false, nil
	}
	return fromStorage(t), true, nil
}

func (g *Gate) transition(ctx context.Context, ticketID, resolvedBy, reason string, target storage.TicketStatus, response map[string]any) (Ticket, error) {
	current, ok, err := g.GetTicket(ctx, ticketID)
	if err != nil {
		return Ticket{}, err
	}
	if !ok {
		return Ticket{}, apierror.ErrNotFound
	}
	if current.Status != storage.TicketPending {
		return Ticket{}, &AlreadyTerminalError{TicketID: ticketID, Status: current.Status}
	}
	now := time.Now().UTC()
	current.Status = target
	current.ResolvedAt = &now
	current.ResolvedBy = resolvedBy
	current.DecisionReason = reason
	current.Response = response
	if err := g.backend.UpdateApprovalTicket(ctx, ticketID, current.toStorage()); err != nil {
		return Ticket{}, fmt.Errorf("approval: update ticket: %w", err)
	}
	_ = g.bus.Publish(ctx, BusEvent{Kind: "approval.updated", Ticket: current})
	return current, nil
}

// Approve transitions a pending ticket to approved.
func (g *Gate) Approve(ctx context.Context, ticketID, resolvedBy, reason string, response map[string]any) (Ticket, error) {
	return g.transition(ctx, ticketID, resolvedBy, reason, storage.TicketApproved, response)
}

// Deny transitions a pending ticket to denied.
func (g *Gate) Deny(ctx context.Context, ticketID, resolvedBy, reason string) (Ticket, error) {
	return g.transition(ctx, ticketID, resolvedBy, reason, storage.TicketDenied, nil)
}

// ExpireOldTickets scans pending tickets and transitions any whose
// ExpiresAt is in the past to expired, returning the count transitioned.
func (g *Gate) ExpireOldTickets(ctx context.Context) (int, error) {
	pending, err := g.backend.ListApprovalTickets(ctx, storage.ListTicketsFilter{Status: storage.TicketPending})
	if err != nil {
		return 0, fmt.Errorf("approval: list pending tickets: %w", err)
	}
	now := time.Now().UTC()
	count := 0
	for _, t := range pending {
		if now.Before(t.ExpiresAt) {
			continue
		}
		if _, err := g.transition(ctx, t.TicketID, "system", "expired", storage.TicketExpired, nil); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

// WaitForDecision suspends until ticket reaches a terminal status, polling
// every pollInterval, or returns early via ctx cancellation.
func (g *Gate) WaitForDecision(ctx context.Context, ticketID string, pollInterval time.Duration) (Ticket, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ch, cancel := g.bus.Subscribe(ctx, ticketID)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		current, ok, err := g.GetTicket(ctx, ticketID)
		if err != nil {
			return Ticket{}, err
		}
		if ok {
			if result, done, werr := evaluateTerminal(current); done {
				return result, werr
			}
			if time.Now().UTC().After(current.ExpiresAt) {
				expired, err := g.transition(ctx, ticketID, "system", "expired", storage.TicketExpired, nil)
				if err != nil {
					return Ticket{}, err
				}
				return Ticket{}, &ApprovalTimeout{TicketID: expired.TicketID}
			}
		}
		select {
		case <-ctx.Done():
			return Ticket{}, ctx.Err()
		case event := <-ch:
			if result, done, werr := evaluateTerminal(event.Ticket); done {
				return result, werr
			}
		case <-ticker.C:
		}
	}
}

func evaluateTerminal(t Ticket) (Ticket, bool, error) {
	switch t.Status {
	case storage.TicketApproved:
		return t, true, nil
	case storage.TicketDenied:
		return Ticket{}, true, &ApprovalDenied{TicketID: t.TicketID, Reason: t.DecisionReason}
	case storage.TicketExpired:
		return Ticket{}, true, &ApprovalTimeout{TicketID: t.TicketID}
	default:
		return Ticket{}, false, nil
	}
}

// ToolFunc executes a tool given its (already validated) arguments.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// ExecuteWithApproval evaluates permission for toolName, then: NEVER raises
// a deny error; ALWAYS invokes toolFn immediately; REQUIRE_APPROVAL creates
// a ticket, waits for a decision via pollInterval, and invokes toolFn only
// on approval (spec.md §4.5 high-level helper).
func ExecuteWithApproval(
	ctx context.Context,
	evaluator *permission.Evaluator,
	gate *Gate,
	runID, agentSlug, stepID, toolName string,
	toolArgs map[string]any,
	toolFn ToolFunc,
	evalContext map[string]any,
	pollInterval time.Duration,
) (any, error) {
	perm := evaluator.Evaluate(toolName, evalContext)
	switch perm {
	case permission.Never:
		return nil, apierror.New(apierror.CodeInsufficientPermissions, fmt.Sprintf("tool %s is not permitted", toolName))
	case permission.Always:
		return toolFn(ctx, toolArgs)
	case permission.RequireApproval:
		ticket, err := gate.CreateTicket(ctx, runID, agentSlug, stepID, toolName, toolArgs, 0)
		if err != nil {
			return nil, err
		}
		if _, err := gate.WaitForDecision(ctx, ticket.TicketID, pollInterval); err != nil {
			return nil, err
		}
		return toolFn(ctx, toolArgs)
	default:
		return nil, fmt.Errorf("approval: unknown permission %q", perm)
	}
}

// PollingBus is the in-process, no-dependency Bus: Publish fans out
// synchronously to subscribers registered at call time, and Subscribe
// registers a buffered channel under a mutex.
type PollingBus struct {
	mu          sync.Mutex
	subscribers map[string][]chan BusEvent
	backend     storage.Backend
}

// NewPollingBus builds a PollingBus. backend is accepted for interface
// parity with PulseBus but is not required for in-process fan-out.
func NewPollingBus(backend storage.Backend) *PollingBus {
	return &PollingBus{subscribers: make(map[string][]chan BusEvent), backend: backend}
}

func (b *PollingBus) Publish(ctx context.Context, event BusEvent) error {
	b.mu.Lock()
	chans := append([]chan BusEvent(nil), b.subscribers[event.Ticket.TicketID]...)
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *PollingBus) Subscribe(ctx context.Context, ticketID string) (<-chan BusEvent, func()) {
	ch := make(chan BusEvent, 8)
	b.mu.Lock()
	b.subscribers[ticketID] = append(b.subscribers[ticketID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[ticketID]
		for i, c := range subs {
			if c == ch {
				b.subscribers[ticketID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}
