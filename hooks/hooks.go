// Package hooks implements the Runner Hooks (C10): the narrow interceptor
// interface the Agent Runner invokes around every tool execution, bridging
// the Permission Evaluator, the Approval Gate, and the shared Storage
// Backend.
//
// Grounded on original_source/src/magsag/runners/hooks.py's RunnerHooks
// (read in full), adapted to the split permission.Evaluator/approval.Gate
// pair this port uses instead of magsag's single combined gate, and to an
// explicit execctx.Context rather than a free-form context dict.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agdd-project/agdd-core/agent/execctx"
	"github.com/agdd-project/agdd-core/agent/telemetry"
	"github.com/agdd-project/agdd-core/approval"
	"github.com/agdd-project/agdd-core/permission"
	"github.com/agdd-project/agdd-core/storage"
)

// BackendFactory lazily constructs the shared Storage Backend. It is called
// at most once; a failing factory permanently disables event persistence
// rather than being retried on every hook invocation.
type BackendFactory func(ctx context.Context) (storage.Backend, error)

// Options configures a Hooks value.
type Options struct {
	Evaluator      *permission.Evaluator
	Gate           *approval.Gate
	Backend        storage.Backend        // used directly if set
	BackendFactory BackendFactory         // used lazily if Backend is nil
	Logger         telemetry.Logger
	RedactKeys     []string
	PollInterval   time.Duration
}

// Hooks bridges governance (permission + approval) and storage around tool
// execution. A nil Evaluator disables permission checks entirely (every
// tool runs as Always); a nil Gate makes REQUIRE_APPROVAL fail closed, since
// there is nowhere to send the ticket.
type Hooks struct {
	evaluator *permission.Evaluator
	gate      *approval.Gate
	logger    telemetry.Logger

	redactKeys   []string
	pollInterval time.Duration

	backendOnce    sync.Once
	backend        storage.Backend
	backendErr     error
	backendFactory BackendFactory
}

// New builds a Hooks value from opts.
func New(opts Options) *Hooks {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	h := &Hooks{
		evaluator:      opts.Evaluator,
		gate:           opts.Gate,
		logger:         logger,
		redactKeys:     opts.RedactKeys,
		pollInterval:   poll,
		backendFactory: opts.BackendFactory,
	}
	if opts.Backend != nil {
		h.backend = opts.Backend
		h.backendOnce.Do(func() {}) // pre-resolved, skip lazy acquisition
	}
	return h
}

// storageBackend lazily acquires the shared backend. A failing factory is
// only ever invoked once; thereafter every hook call degrades to log-only
// behavior instead of retrying.
func (h *Hooks) storageBackend(ctx context.Context) storage.Backend {
	h.backendOnce.Do(func() {
		if h.backend != nil || h.backendFactory == nil {
			return
		}
		backend, err := h.backendFactory(ctx)
		if err != nil {
			h.backendErr = err
			h.logger.Warn(ctx, "runner hooks could not acquire storage backend", "error", err)
			return
		}
		h.backend = backend
	})
	return h.backend
}

// recordEvent persists a governance event, degrading silently (log-only) on
// any failure to acquire the backend or append to it — event persistence
// must never block or fail a tool invocation.
func (h *Hooks) recordEvent(ctx context.Context, execCtx execctx.Context, eventType, level, message string, payload map[string]any) {
	if execCtx.RunID == "" {
		return
	}
	backend := h.storageBackend(ctx)
	if backend == nil {
		return
	}
	agentSlug := string(execCtx.AgentSlug)
	if agentSlug == "" {
		agentSlug = "unknown"
	}
	event := storage.Event{
		RunID:     execCtx.RunID,
		AgentSlug: agentSlug,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Payload:   jsonSafeMap(payload),
	}
	if err := backend.AppendEvent(ctx, event); err != nil {
		h.logger.Warn(ctx, "failed to record runner hook event",
			"event_type", eventType, "run_id", execCtx.RunID, "error", err)
	}
}

// PreToolExecution runs the Permission Evaluator, emits
// tool.permission.checked, and for REQUIRE_APPROVAL interacts with the
// Approval Gate end to end: create ticket, await decision, emit
// tool.approval.{requested,granted,denied,timeout}. Returns
// *approval.ApprovalDenied for NEVER or a denial, *approval.ApprovalTimeout
// on timeout.
func (h *Hooks) PreToolExecution(ctx context.Context, toolName string, toolArgs map[string]any, execCtx execctx.Context) error {
	if h.evaluator == nil {
		h.logger.Debug(ctx, "permission evaluator not configured, skipping check", "tool", toolName)
		return nil
	}

	evalContext := execCtxToEvalContext(execCtx)
	perm := h.evaluator.Evaluate(toolName, evalContext)

	h.recordEvent(ctx, execCtx, "tool.permission.checked", "", fmt.Sprintf("permission evaluated for %s", toolName),
		map[string]any{"tool": toolName, "permission": string(perm)})

	switch perm {
	case permission.Never:
		h.recordEvent(ctx, execCtx, "tool.permission.denied", "error",
			fmt.Sprintf("tool %s execution blocked by policy", toolName),
			map[string]any{"tool": toolName, "permission": string(perm)})
		return &approval.ApprovalDenied{TicketID: "", Reason: fmt.Sprintf("tool %s is not allowed by policy", toolName)}

	case permission.RequireApproval:
		if h.gate == nil {
			h.logger.Warn(ctx, "approval required but no gate configured", "tool", toolName)
			return &approval.ApprovalDenied{TicketID: "", Reason: fmt.Sprintf("tool %s requires approval but no gate is configured", toolName)}
		}

		ticket, err := h.gate.CreateTicket(ctx, execCtx.RunID, string(execCtx.AgentSlug), execCtx.StepID, toolName, toolArgs, 0)
		if err != nil {
			return err
		}

		h.recordEvent(ctx, execCtx, "tool.approval.requested", "",
			fmt.Sprintf("approval requested for %s", toolName),
			map[string]any{"tool": toolName, "ticket_id": ticket.TicketID, "masked_args": approval.MaskArgs(toolArgs, h.redactKeys)})

		decision, err := h.gate.WaitForDecision(ctx, ticket.TicketID, h.pollInterval)
		switch {
		case err == nil:
			h.recordEvent(ctx, execCtx, "tool.approval.granted", "",
				fmt.Sprintf("approval granted for %s", toolName),
				map[string]any{"tool": toolName, "ticket_id": decision.TicketID, "resolved_by": decision.ResolvedBy, "decision_reason": decision.DecisionReason})
			return nil

		case isApprovalTimeout(err):
			h.recordEvent(ctx, execCtx, "tool.approval.timeout", "error",
				fmt.Sprintf("approval timed out for %s", toolName),
				map[string]any{"tool": toolName, "ticket_id": ticket.TicketID, "reason": err.Error()})
			return err

		default:
			h.recordEvent(ctx, execCtx, "tool.approval.denied", "error",
				fmt.Sprintf("approval denied for %s", toolName),
				map[string]any{"tool": toolName, "ticket_id": ticket.TicketID, "reason": err.Error()})
			return err
		}
	}

	// Always: proceed without approval.
	return nil
}

// PostToolExecution emits tool.executed with a masked-args view and a
// JSON-safe projection of result.
func (h *Hooks) PostToolExecution(ctx context.Context, toolName string, toolArgs map[string]any, result any, execCtx execctx.Context) {
	h.recordEvent(ctx, execCtx, "tool.executed", "", fmt.Sprintf("tool %s executed successfully", toolName),
		map[string]any{
			"tool":        toolName,
			"masked_args": approval.MaskArgs(toolArgs, h.redactKeys),
			"result":      jsonSafeValue(result),
		})
}

// OnToolError emits tool.error with error_type and error_message.
func (h *Hooks) OnToolError(ctx context.Context, toolName string, toolArgs map[string]any, toolErr error, execCtx execctx.Context) {
	h.recordEvent(ctx, execCtx, "tool.error", "error", fmt.Sprintf("tool %s raised %s", toolName, toolErr.Error()),
		map[string]any{
			"tool":          toolName,
			"masked_args":   approval.MaskArgs(toolArgs, h.redactKeys),
			"error_type":    fmt.Sprintf("%T", toolErr),
			"error_message": toolErr.Error(),
		})
}

// ToolFunc is a governed tool invocation: arguments in, result out.
type ToolFunc func(ctx context.Context, toolArgs map[string]any) (any, error)

// ExecuteWithHooks wraps fn with the full pre/post/error hook sequence,
// mirroring the source's execute_with_hooks: a tool never runs without a
// permission check first, and every outcome (success or error) is recorded.
func ExecuteWithHooks(ctx context.Context, h *Hooks, toolName string, toolArgs map[string]any, execCtx execctx.Context, fn ToolFunc) (any, error) {
	if err := h.PreToolExecution(ctx, toolName, toolArgs, execCtx); err != nil {
		return nil, err
	}

	result, err := fn(ctx, toolArgs)
	if err != nil {
		h.OnToolError(ctx, toolName, toolArgs, err, execCtx)
		return nil, err
	}

	h.PostToolExecution(ctx, toolName, toolArgs, result, execCtx)
	return result, nil
}

func isApprovalTimeout(err error) bool {
	var timeout *approval.ApprovalTimeout
	return errors.As(err, &timeout)
}

func execCtxToEvalContext(execCtx execctx.Context) map[string]any {
	ctx := map[string]any{
		"run_id":     execCtx.RunID,
		"agent_slug": string(execCtx.AgentSlug),
		"step_id":    execCtx.StepID,
	}
	if execCtx.ParentRunID != "" {
		ctx["parent_run_id"] = execCtx.ParentRunID
	}
	if execCtx.HandoffID != "" {
		ctx["handoff_id"] = execCtx.HandoffID
	}
	for k, v := range execCtx.Labels {
		ctx[k] = v
	}
	return ctx
}

// jsonSafeValue round-trips v through encoding/json so the stored payload
// only ever contains JSON-representable values, mirroring the source's
// json_safe() projection of arbitrary tool results.
func jsonSafeValue(v any) any {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}

func jsonSafeMap(m map[string]any) map[string]any {
	safe, ok := jsonSafeValue(m).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return safe
}
