package execctx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agdd-project/agdd-core/agent"
	"github.com/agdd-project/agdd-core/agent/execctx"
)

func TestWithRunSetsRunAndParent(t *testing.T) {
	ctx := execctx.Context{StepID: "step-1"}
	derived := ctx.WithRun("run-1", "run-0")

	assert.Equal(t, "run-1", derived.RunID)
	assert.Equal(t, "run-0", derived.ParentRunID)
	assert.Equal(t, "step-1", derived.StepID)
}

func TestForDelegationCarriesParentAndTaskPosition(t *testing.T) {
	ctx := execctx.Context{
		RunID:     "mag-run-1",
		HandoffID: "handoff-9",
		Labels:    map[string]string{"tenant": "acme"},
	}

	delegated := ctx.ForDelegation(agent.Ident("compensation-advisor-sag"), 1, 3)

	assert.Equal(t, "mag-run-1", delegated.ParentRunID)
	assert.Empty(t, delegated.RunID)
	assert.Equal(t, agent.Ident("compensation-advisor-sag"), delegated.AgentSlug)
	assert.Equal(t, 1, delegated.TaskIndex)
	assert.Equal(t, 3, delegated.TotalTasks)
	assert.Equal(t, "handoff-9", delegated.HandoffID)
	assert.Equal(t, ctx.Labels, delegated.Labels)
}

func TestForDelegationDoesNotMutateParent(t *testing.T) {
	parent := execctx.Context{RunID: "mag-run-1"}
	_ = parent.ForDelegation(agent.Ident("x"), 0, 1)

	assert.Equal(t, "mag-run-1", parent.RunID)
	assert.Empty(t, parent.ParentRunID)
}
