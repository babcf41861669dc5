// Package inmemengine is an in-process engine.Engine: it runs a MAG
// invocation on a goroutine and hands back a Handle to it. Not durable —
// a process restart loses in-flight runs — but useful for local
// development and tests without a Temporal cluster. Adapted (condensed
// considerably) from runtime/agent/engine/inmem's goroutine-plus-channel
// shape (read in full): that package juggles a full workflow/activity/
// signal catalog for arbitrary generated workflows, where this one drives
// a single fixed operation (MAGInvoker), so the registry/signal machinery
// has no equivalent here.
package inmemengine

import (
	"context"
	"sync"

	"github.com/agdd-project/agdd-core/runner/engine"
)

// Engine runs MAG invocations on goroutines.
type Engine struct {
	invoke engine.MAGInvoker
}

// New wraps invoke (typically a *runner.Runner's InvokeMAG) as a durable-
// seam-shaped Engine.
func New(invoke engine.MAGInvoker) *Engine {
	return &Engine{invoke: invoke}
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result map[string]any
	err    error
}

// ExecuteMAG implements engine.Engine.
func (e *Engine) ExecuteMAG(ctx context.Context, req engine.Request) (engine.Handle, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		result, err := e.invoke(runCtx, req.Slug, req.Payload)
		h.mu.Lock()
		h.result, h.err = result, err
		h.mu.Unlock()
	}()

	return h, nil
}

func (h *handle) Wait(ctx context.Context) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	h.cancel()
	return nil
}
