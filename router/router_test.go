package router_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/router"
)

func writeRoutingPolicy(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "default.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestExactTaskTypeBeatsGlob(t *testing.T) {
	path := writeRoutingPolicy(t, `
name: default
routes:
  - task_type: "offer-*"
    provider: anthropic
    model: claude-3-5-sonnet
    priority: 1
  - task_type: "offer-orchestration"
    provider: openai
    model: gpt-4o
    priority: 0
`)
	policy, err := router.LoadRoutingPolicy(path)
	require.NoError(t, err)

	route, ok := policy.GetRoute("offer-orchestration", nil)
	require.True(t, ok)
	require.Equal(t, "openai", route.Provider)
}

func TestHigherPriorityGlobWinsWhenNoExactMatch(t *testing.T) {
	path := writeRoutingPolicy(t, `
name: default
routes:
  - task_type: "support-*"
    provider: low
    priority: 1
  - task_type: "support-*"
    provider: high
    priority: 10
`)
	policy, err := router.LoadRoutingPolicy(path)
	require.NoError(t, err)

	route, ok := policy.GetRoute("support-ticket", nil)
	require.True(t, ok)
	require.Equal(t, "high", route.Provider)
}

func TestGetPlanMetadataIsDefensiveCopy(t *testing.T) {
	path := writeRoutingPolicy(t, `
name: default
routes:
  - task_type: "offer-orchestration"
    provider: openai
    model: gpt-4o
    metadata:
      team: growth
`)
	policy, err := router.LoadRoutingPolicy(path)
	require.NoError(t, err)

	plan, ok := router.GetPlan("offer-orchestration", nil, policy)
	require.True(t, ok)
	plan.Metadata["team"] = "mutated"

	plan2, ok := router.GetPlan("offer-orchestration", nil, policy)
	require.True(t, ok)
	require.Equal(t, "growth", plan2.Metadata["team"])
}

func TestGetPlanEnvOverrideBeatsPolicyButNotExplicitOverride(t *testing.T) {
	path := writeRoutingPolicy(t, `
name: default
routes:
  - task_type: "offer-orchestration"
    provider: openai
    model: gpt-4o
`)
	policy, err := router.LoadRoutingPolicy(path)
	require.NoError(t, err)

	t.Setenv("AGDD_PROVIDER", "anthropic")

	plan, ok := router.GetPlan("offer-orchestration", nil, policy)
	require.True(t, ok)
	require.Equal(t, "anthropic", plan.Provider)

	plan, ok = router.GetPlan("offer-orchestration", map[string]any{"provider": "google"}, policy)
	require.True(t, ok)
	require.Equal(t, "google", plan.Provider)
}

func TestGetPlanNoMatchReturnsFalse(t *testing.T) {
	policy := router.RoutingPolicy{Name: "empty"}
	_, ok := router.GetPlan("anything", nil, policy)
	require.False(t, ok)
}
