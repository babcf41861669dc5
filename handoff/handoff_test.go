package handoff_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/approval"
	"github.com/agdd-project/agdd-core/handoff"
	"github.com/agdd-project/agdd-core/permission"
	"github.com/agdd-project/agdd-core/storage"
	"github.com/agdd-project/agdd-core/storage/memstore"
)

func nativeInvoker(result map[string]any, err error) handoff.Invoker {
	return func(ctx context.Context, targetAgent string, payload, handoffContext map[string]any) (map[string]any, error) {
		return result, err
	}
}

func TestHandoffSucceedsWithoutGovernance(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	tool := handoff.NewTool(nativeInvoker(map[string]any{"ok": true}, nil), handoff.Options{Backend: backend})

	req, err := tool.Handoff(ctx, "planner", "researcher", "find sources", "agdd", "run-1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, handoff.StatusCompleted, req.Status)
	require.Equal(t, true, req.Result["ok"])

	events, err := backend.SearchText(ctx, "handoff", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestHandoffRejectedByNeverPolicy(t *testing.T) {
	ctx := context.Background()
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"handoff": {Permission: "NEVER"}}
	eval := permission.NewEvaluator(policy, "production")

	tool := handoff.NewTool(nativeInvoker(map[string]any{}, nil), handoff.Options{Evaluator: eval})

	req, err := tool.Handoff(ctx, "planner", "researcher", "find sources", "agdd", "run-1", nil, nil)
	require.Error(t, err)
	require.Equal(t, handoff.StatusRejected, req.Status)
}

func TestHandoffRejectedWhenApprovalRequiredButNoGate(t *testing.T) {
	ctx := context.Background()
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"handoff": {Permission: "REQUIRE_APPROVAL"}}
	eval := permission.NewEvaluator(policy, "production")

	tool := handoff.NewTool(nativeInvoker(map[string]any{}, nil), handoff.Options{Evaluator: eval})

	req, err := tool.Handoff(ctx, "planner", "researcher", "find sources", "agdd", "run-1", nil, nil)
	require.Error(t, err)
	require.Equal(t, handoff.StatusRejected, req.Status)
}

func TestHandoffProceedsOnApproval(t *testing.T) {
	ctx := context.Background()
	policy := permission.DefaultPolicy()
	policy.Tools = map[string]permission.ToolConfig{"handoff": {Permission: "REQUIRE_APPROVAL"}}
	eval := permission.NewEvaluator(policy, "production")
	backend := memstore.New()
	gate := approval.NewGate(approval.Options{Backend: backend, DefaultTimeout: time.Minute})

	tool := handoff.NewTool(nativeInvoker(map[string]any{"done": true}, nil), handoff.Options{
		Evaluator: eval, Gate: gate, Backend: backend, PollInterval: 5 * time.Millisecond,
	})

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

	req, err := tool.Handoff(ctx, "planner", "researcher", "find sources", "agdd", "run-1", nil, nil)
	<-done
	require.NoError(t, err)
	require.Equal(t, handoff.StatusCompleted, req.Status)
}

func TestListHandoffsFiltersAndOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	tool := handoff.NewTool(nativeInvoker(map[string]any{}, nil), handoff.Options{})

	_, err := tool.Handoff(ctx, "planner", "researcher", "t1", "agdd", "run-1", nil, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = tool.Handoff(ctx, "planner", "writer", "t2", "agdd", "run-2", nil, nil)
	require.NoError(t, err)

	all := tool.ListHandoffs("planner", "")
	require.Len(t, all, 2)
	require.Equal(t, "writer", all[0].TargetAgent)

	completed := tool.ListHandoffs("", handoff.StatusCompleted)
	require.Len(t, completed, 2)
}

// TestHandoffInjectsHandoffIDAndParentRunIDIntoDelegatedContext mirrors the
// original's test_handoff_magsag_runner_integration contract: the context
// the adapter/invoker actually receives must carry handoff_id and
// parent_run_id merged in, even though the caller only supplied trace_id.
func TestHandoffInjectsHandoffIDAndParentRunIDIntoDelegatedContext(t *testing.T) {
	ctx := context.Background()
	var delegatedContext map[string]any
	invoker := func(ctx context.Context, targetAgent string, payload, handoffContext map[string]any) (map[string]any, error) {
		delegatedContext = handoffContext
		return map[string]any{"ok": true}, nil
	}
	tool := handoff.NewTool(invoker, handoff.Options{})

	callerContext := map[string]any{"trace_id": "T"}
	req, err := tool.Handoff(ctx, "planner", "secondary", "find sources", "agdd", "run-1",
		map[string]any{"id": "X"}, callerContext)
	require.NoError(t, err)

	require.Equal(t, req.HandoffID, delegatedContext["handoff_id"])
	require.Equal(t, "run-1", delegatedContext["parent_run_id"])
	require.Equal(t, "T", delegatedContext["trace_id"])

	// the caller's original map is untouched
	require.NotContains(t, callerContext, "handoff_id")
	require.NotContains(t, callerContext, "parent_run_id")
}

func TestGetToolSchemaUnsupportedPlatform(t *testing.T) {
	tool := handoff.NewTool(nativeInvoker(map[string]any{}, nil), handoff.Options{})
	_, err := tool.GetToolSchema("unknown-platform")
	require.Error(t, err)
}
