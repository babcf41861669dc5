package router_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agdd-project/agdd-core/router"
)

// TestGetPlanMetadataNeverAliasesRouteProperty generalizes
// TestGetPlanMetadataIsDefensiveCopy across arbitrary metadata keys/values:
// for any route carrying a metadata entry, mutating a resolved Plan's
// Metadata must never change what a later GetPlan call for the same policy
// returns.
func TestGetPlanMetadataNeverAliasesRouteProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mutating a Plan's metadata never mutates the Route's", prop.ForAll(
		func(key, original, mutated string) bool {
			policy := router.RoutingPolicy{
				Name: "prop",
				Routes: []router.Route{{
					TaskType: "task",
					Provider: "openai",
					Metadata: map[string]any{key: original},
				}},
			}

			plan, ok := router.GetPlan("task", nil, policy)
			if !ok {
				return false
			}
			plan.Metadata[key] = mutated

			plan2, ok := router.GetPlan("task", nil, policy)
			if !ok {
				return false
			}
			return plan2.Metadata[key] == original
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
