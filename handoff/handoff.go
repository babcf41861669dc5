// Package handoff implements the Handoff Tool (C7): delegation to another
// agent under the same governance as any other tool. Grounded on the
// original routing/handoff_tool.py's HandoffRequest/HandoffAdapter/
// HandoffTool trio (read in full), adapted so the native platform adapter
// delegates through an injected Invoker function rather than importing the
// Agent Runner directly (this package sits below runner in the dependency
// graph; runner wires the two together at construction time).
package handoff

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agdd-project/agdd-core/approval"
	"github.com/agdd-project/agdd-core/permission"
	"github.com/agdd-project/agdd-core/storage"
)

// Status is the lifecycle state of a HandoffRequest.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// Request captures everything needed to route and execute a delegation.
type Request struct {
	HandoffID    string
	SourceAgent  string
	TargetAgent  string
	Task         string
	Payload      map[string]any
	Context      map[string]any
	CreatedAt    time.Time
	Status       Status
	Result       map[string]any
	Error        string
	Metadata     map[string]any
}

// Adapter is a platform-specific handoff executor.
type Adapter interface {
	Supports(platform string) bool
	Execute(ctx context.Context, request Request) (map[string]any, error)
	ToolSchema() map[string]any
}

// Invoker delegates a handoff into the Agent Runner; the native adapter
// calls this instead of holding a direct Runner dependency.
type Invoker func(ctx context.Context, targetAgent string, payload map[string]any, handoffContext map[string]any) (map[string]any, error)

// nativeAdapter is the core's own adapter, supporting the "agdd"/"native"
// platform identifiers by delegating into the Agent Runner via Invoker.
type nativeAdapter struct {
	invoke Invoker
}

func (a nativeAdapter) Supports(platform string) bool {
	p := strings.ToLower(platform)
	return p == "agdd" || p == "native"
}

func (a nativeAdapter) Execute(ctx context.Context, request Request) (map[string]any, error) {
	if a.invoke == nil {
		return nil, fmt.Errorf("handoff: native adapter has no invoker configured")
	}
	return a.invoke(ctx, request.TargetAgent, request.Payload, request.Context)
}

func (a nativeAdapter) ToolSchema() map[string]any {
	return map[string]any{
		"name":        "handoff",
		"description": "Delegate work to another agent or system",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target_agent": map[string]any{"type": "string", "description": "Agent slug or identifier to delegate to"},
				"task":         map[string]any{"type": "string", "description": "Task description for the target agent"},
				"context":      map[string]any{"type": "object", "description": "Additional context to pass to target agent"},
			},
			"required": []string{"target_agent", "task"},
		},
	}
}

// NewNativeAdapter builds the core's own adapter, delegating execution to
// invoke (typically runner.InvokeSAG/InvokeMAG bound at construction time).
func NewNativeAdapter(invoke Invoker) Adapter {
	return nativeAdapter{invoke: invoke}
}

// Tool is the Handoff-as-a-Tool implementation: adapter registry, optional
// governance (Permission Evaluator + Approval Gate), request tracking, and
// Storage event emission.
type Tool struct {
	mu        sync.Mutex
	adapters  []Adapter
	evaluator *permission.Evaluator
	gate      *approval.Gate
	backend   storage.Backend
	requests  map[string]Request
	pollInterval time.Duration
}

// Options configures a Tool.
type Options struct {
	Adapters  []Adapter // appended after the always-present native adapter
	Evaluator *permission.Evaluator
	Gate      *approval.Gate
	Backend   storage.Backend
	PollInterval time.Duration
}

// NewTool builds a Tool. A native adapter (invoke) is always registered
// first so platform "agdd"/"native" always resolves.
func NewTool(invoke Invoker, opts Options) *Tool {
	adapters := append([]Adapter{NewNativeAdapter(invoke)}, opts.Adapters...)
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Tool{
		adapters: adapters, evaluator: opts.Evaluator, gate: opts.Gate,
		backend: opts.Backend, requests: make(map[string]Request), pollInterval: poll,
	}
}

// GetAdapter returns the first registered adapter supporting platform.
func (t *Tool) GetAdapter(platform string) (Adapter, bool) {
	for _, a := range t.adapters {
		if a.Supports(platform) {
			return a, true
		}
	}
	return nil, false
}

// GetToolSchema returns the tool schema for platform.
func (t *Tool) GetToolSchema(platform string) (map[string]any, error) {
	adapter, ok := t.GetAdapter(platform)
	if !ok {
		return nil, fmt.Errorf("handoff: unsupported platform %q", platform)
	}
	return adapter.ToolSchema(), nil
}

func (t *Tool) track(request Request) {
	t.mu.Lock()
	t.requests[request.HandoffID] = request
	t.mu.Unlock()
}

func (t *Tool) emit(ctx context.Context, eventType string, request Request) {
	if t.backend == nil {
		return
	}
	_ = t.backend.AppendEvent(ctx, storage.Event{
		RunID: fmt.Sprint(request.Metadata["run_id"]), AgentSlug: request.SourceAgent,
		EventType: eventType, Timestamp: time.Now().UTC(),
		Message: fmt.Sprintf("handoff %s -> %s", request.SourceAgent, request.TargetAgent),
		Payload: map[string]any{"handoff_id": request.HandoffID, "target_agent": request.TargetAgent, "status": string(request.Status)},
	})
}

// Handoff executes a delegation from sourceAgent to targetAgent on
// platform, under permission-evaluator/approval-gate governance if
// configured (spec.md §4.7).
func (t *Tool) Handoff(ctx context.Context, sourceAgent, targetAgent, task, platform, runID string, payload, handoffContext map[string]any) (Request, error) {
	handoffID := uuid.NewString()

	// The delegated context always carries handoff_id and parent_run_id so the
	// target agent (or a nested handoff) can trace back to this delegation,
	// even if the caller's context didn't set them.
	delegatedContext := make(map[string]any, len(handoffContext)+2)
	for k, v := range handoffContext {
		delegatedContext[k] = v
	}
	delegatedContext["handoff_id"] = handoffID
	delegatedContext["parent_run_id"] = runID

	request := Request{
		HandoffID:   handoffID,
		SourceAgent: sourceAgent,
		TargetAgent: targetAgent,
		Task:        task,
		Payload:     payload,
		Context:     delegatedContext,
		CreatedAt:   time.Now().UTC(),
		Status:      StatusPending,
		Metadata:    map[string]any{"platform": platform, "run_id": runID},
	}
	t.track(request)
	t.emit(ctx, "handoff.requested", request)

	if t.evaluator != nil {
		evalCtx := map[string]any{
			"agent_slug": sourceAgent, "run_id": runID, "target_agent": targetAgent, "platform": platform,
		}
		perm := t.evaluator.Evaluate("handoff", evalCtx)
		switch perm {
		case permission.Never:
			request.Status = StatusRejected
			request.Error = "handoff not allowed by policy"
			t.track(request)
			t.emit(ctx, "handoff.failed", request)
			return request, fmt.Errorf("handoff: target %s not allowed by policy", targetAgent)
		case permission.RequireApproval:
			if t.gate == nil {
				request.Status = StatusRejected
				request.Error = "approval required but approval gate not configured"
				t.track(request)
				t.emit(ctx, "handoff.failed", request)
				return request, fmt.Errorf("handoff: target %s requires approval but no gate configured", targetAgent)
			}
			ticket, err := t.gate.CreateTicket(ctx, runID, sourceAgent, "", "handoff",
				map[string]any{"target_agent": targetAgent, "task": task, "platform": platform}, 0)
			if err != nil {
				return request, err
			}
			if _, err := t.gate.WaitForDecision(ctx, ticket.TicketID, t.pollInterval); err != nil {
				request.Status = StatusRejected
				request.Error = fmt.Sprintf("approval denied: %v", err)
				t.track(request)
				t.emit(ctx, "handoff.failed", request)
				return request, fmt.Errorf("handoff: target %s denied: %w", targetAgent, err)
			}
		}
	}

	adapter, ok := t.GetAdapter(platform)
	if !ok {
		request.Status = StatusFailed
		request.Error = fmt.Sprintf("unsupported platform: %s", platform)
		t.track(request)
		t.emit(ctx, "handoff.failed", request)
		return request, fmt.Errorf("handoff: unsupported platform %q", platform)
	}

	request.Status = StatusInProgress
	t.track(request)

	result, err := adapter.Execute(ctx, request)
	if err != nil {
		request.Status = StatusFailed
		request.Error = err.Error()
		t.track(request)
		t.emit(ctx, "handoff.failed", request)
		return request, err
	}

	request.Status = StatusCompleted
	request.Result = result
	t.track(request)
	t.emit(ctx, "handoff.completed", request)
	return request, nil
}

// GetHandoff returns a tracked request by ID.
func (t *Tool) GetHandoff(handoffID string) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.requests[handoffID]
	return r, ok
}

// ListHandoffs returns tracked requests optionally filtered by source agent
// and/or status, newest first.
func (t *Tool) ListHandoffs(sourceAgent string, status Status) []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Request, 0, len(t.requests))
	for _, r := range t.requests {
		if sourceAgent != "" && r.SourceAgent != sourceAgent {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
