// Package execctx defines the execution context value threaded through the
// Agent Runner and its hooks. The runtime never relies on task-local storage
// for run_id/parent_run_id/step_id propagation (ambient globals are a
// re-architecture point for this port): every call that needs these
// identifiers takes an explicit Context value, so ownership is clear and a
// context built for one goroutine never leaks into another.
package execctx

import "github.com/agdd-project/agdd-core/agent"

// Context carries the identifiers and delegation metadata active for the
// current invocation. It is passed by value; callers that need to narrow it
// for a nested call (e.g. a SAG delegation) build a derived copy rather than
// mutating a shared one.
type Context struct {
	// RunID uniquely identifies the current top-level or nested run.
	RunID string
	// ParentRunID identifies the run that scheduled this one. Empty for
	// top-level MAG invocations.
	ParentRunID string
	// StepID identifies the current step within the run, used as half of the
	// snapshot idempotency key (run_id, step_id).
	StepID string
	// AgentSlug identifies the agent executing under this context.
	AgentSlug agent.Ident
	// TaskIndex and TotalTasks locate this context within a MAG's fan-out of
	// SAG delegations (0-based index, total task count).
	TaskIndex  int
	TotalTasks int
	// HandoffID is set when this context originates from a Handoff Tool
	// invocation, so the receiving MAG can correlate back to the request.
	HandoffID string
	// Labels carries caller-provided metadata (tenant, priority, etc.) that
	// should propagate to child contexts and emitted events.
	Labels map[string]string
}

// WithRun returns a copy of ctx with RunID and ParentRunID set, used when a
// Runner mints a run_id for an invocation that doesn't already carry one.
func (ctx Context) WithRun(runID, parentRunID string) Context {
	ctx.RunID = runID
	ctx.ParentRunID = parentRunID
	return ctx
}

// ForDelegation returns a derived Context for a single SAG delegation
// produced by a MAG's task fan-out: the current run becomes the derived
// context's ParentRunID (its RunID is left empty for the callee to mint),
// and the task position is recorded.
func (ctx Context) ForDelegation(agentSlug agent.Ident, taskIndex, totalTasks int) Context {
	return Context{
		ParentRunID: ctx.RunID,
		AgentSlug:   agentSlug,
		TaskIndex:   taskIndex,
		TotalTasks:  totalTasks,
		HandoffID:   ctx.HandoffID,
		Labels:      ctx.Labels,
	}
}
