// Package engine defines the durable-execution seam behind InvokeMAG: a
// pluggable backend so a MAG run can survive a process restart instead of
// being lost with the goroutine that started it. This is narrower than a
// general-purpose workflow engine — the Agent Runner has exactly one
// long-running operation worth making durable (MAG orchestration), not an
// arbitrary catalog of workflows — but the pluggable-backend idea itself is
// adapted from runtime/agent/engine's Engine/WorkflowHandle abstraction
// (read in full): swap Engine implementations (in-process, Temporal)
// without touching the caller.
package engine

import "context"

// Request starts a durable MAG run.
type Request struct {
	RunID   string
	Slug    string
	Payload map[string]any
}

// Handle lets a caller wait on (or cancel) a started run without blocking
// the call that started it.
type Handle interface {
	Wait(ctx context.Context) (map[string]any, error)
	Cancel(ctx context.Context) error
}

// Engine starts a durable MAG run and returns a Handle to it.
type Engine interface {
	ExecuteMAG(ctx context.Context, req Request) (Handle, error)
}

// MAGInvoker is the shape of runner.Runner.InvokeMAG an Engine backend
// drives; kept as a function type rather than an interface so engine
// implementations don't import the runner package and risk a cycle.
type MAGInvoker func(ctx context.Context, slug string, payload map[string]any) (map[string]any, error)
