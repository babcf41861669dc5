package hooks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/agent/execctx"
	"github.com/agdd-project/agdd-core/approval"
	"github.com/agdd-project/agdd-core/hooks"
	"github.com/agdd-project/agdd-core/permission"
	"github.com/agdd-project/agdd-core/storage"
	"github.com/agdd-project/agdd-core/storage/memstore"
)

func execContext(runID string) execctx.Context {
	return execctx.Context{RunID: runID, AgentSlug: "planner", StepID: "step-1"}
}

func TestPreToolExecutionNoopWithoutEvaluator(t *testing.T) {
	h := hooks.New(hooks.Options{})
	err := h.PreToolExecution(context.Background(), "search", map[string]any{}, execContext("run-1"))
	require.NoError(t, err)
}

func TestPreToolExecutionAlwaysPermissionRecordsCheckedEvent(t *testing.T) {
	backend := memstore.New()
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"read_file": {Permission: "ALWAYS"}}
	eval := permission.NewEvaluator(policy, "production")
	h := hooks.New(hooks.Options{Evaluator: eval, Backend: backend})

	ctx := context.Background()
	require.NoError(t, h.PreToolExecution(ctx, "read_file", map[string]any{"path": "a.txt"}, execContext("run-1")))

	events, err := backend.SearchText(ctx, "permission", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestPreToolExecutionNeverPermissionRejects(t *testing.T) {
	backend := memstore.New()
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"dangerous_tool": {Permission: "NEVER"}}
	eval := permission.NewEvaluator(policy, "production")
	h := hooks.New(hooks.Options{Evaluator: eval, Backend: backend})

	err := h.PreToolExecution(context.Background(), "dangerous_tool", map[string]any{}, execContext("run-1"))
	require.Error(t, err)
	var denied *approval.ApprovalDenied
	require.True(t, errors.As(err, &denied))
}

func TestPreToolExecutionRequireApprovalWithoutGateFailsClosed(t *testing.T) {
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"send_email": {Permission: "REQUIRE_APPROVAL"}}
	eval := permission.NewEvaluator(policy, "production")
	h := hooks.New(hooks.Options{Evaluator: eval})

	err := h.PreToolExecution(context.Background(), "send_email", map[string]any{}, execContext("run-1"))
	require.Error(t, err)
}

func TestPreToolExecutionRequireApprovalGrantedProceeds(t *testing.T) {
	backend := memstore.New()
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"send_email": {Permission: "REQUIRE_APPROVAL"}}
	eval := permission.NewEvaluator(policy, "production")
	gate := approval.NewGate(approval.Options{Backend: backend, DefaultTimeout: time.Minute})
	h := hooks.New(hooks.Options{Evaluator: eval, Gate: gate, Backend: backend, PollInterval: 5 * time.Millisecond})

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			tickets, _ := backend.ListApprovalTickets(ctx, storage.ListTicketsFilter{Status: storage.TicketPending})
			if len(tickets) > 0 {
				_, _ = gate.Approve(ctx, tickets[0].TicketID, "reviewer", "ok", nil)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	err := h.PreToolExecution(ctx, "send_email", map[string]any{"password": "hunter2"}, execContext("run-1"))
	<-done
	require.NoError(t, err)

	events, err := backend.SearchText(ctx, "granted", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestExecuteWithHooksRecordsExecutedEvent(t *testing.T) {
	backend := memstore.New()
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"calculate": {Permission: "ALWAYS"}}
	eval := permission.NewEvaluator(policy, "production")
	h := hooks.New(hooks.Options{Evaluator: eval, Backend: backend})

	ctx := context.Background()
	result, err := hooks.ExecuteWithHooks(ctx, h, "calculate", map[string]any{"x": 1}, execContext("run-1"),
		func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"sum": 2}, nil
		})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"sum": 2}, result)

	events, err := backend.SearchText(ctx, "executed", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestExecuteWithHooksRecordsErrorEvent(t *testing.T) {
	backend := memstore.New()
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"calculate": {Permission: "ALWAYS"}}
	eval := permission.NewEvaluator(policy, "production")
	h := hooks.New(hooks.Options{Evaluator: eval, Backend: backend})

	ctx := context.Background()
	boom := errors.New("boom")
	_, err := hooks.ExecuteWithHooks(ctx, h, "calculate", map[string]any{}, execContext("run-1"),
		func(ctx context.Context, args map[string]any) (any, error) {
			return nil, boom
		})
	require.ErrorIs(t, err, boom)

	events, err := backend.SearchText(ctx, "boom", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestStorageBackendFactoryFailureDegradesSilently(t *testing.T) {
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"read_file": {Permission: "ALWAYS"}}
	eval := permission.NewEvaluator(policy, "production")
	h := hooks.New(hooks.Options{
		Evaluator: eval,
		BackendFactory: func(ctx context.Context) (storage.Backend, error) {
			return nil, errors.New("no backend available")
		},
	})

	err := h.PreToolExecution(context.Background(), "read_file", map[string]any{}, execContext("run-1"))
	require.NoError(t, err)
}

func TestPostToolExecutionMasksSensitiveArgs(t *testing.T) {
	backend := memstore.New()
	h := hooks.New(hooks.Options{Backend: backend})

	ctx := context.Background()
	h.PostToolExecution(ctx, "login", map[string]any{"password": "hunter2"}, map[string]any{"ok": true}, execContext("run-1"))

	events, err := backend.SearchText(ctx, "executed", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	masked, ok := events[0].Payload["masked_args"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "***REDACTED***", masked["password"])
}
