package runner

import (
	"context"
	"fmt"

	"github.com/agdd-project/agdd-core/catalog"
	"github.com/agdd-project/agdd-core/skill"
)

// NewDefaultCatalog builds the reference catalog this runtime ships against:
// offer-orchestrator-mag (the generic MAG pattern, no Entrypoint) and
// compensation-advisor-sag (a real domain Entrypoint backed by skills).
// Grounded on agents/main/offer-orchestrator-mag/code/orchestrator.py and
// its sibling compensation-advisor-sag (read in full) for the metadata and
// domain logic this demo catalog encodes.
func NewDefaultCatalog(skills *skill.Runtime) (*catalog.InMemoryCatalog, error) {
	c := catalog.NewInMemoryCatalog()

	if err := c.Register(catalog.Descriptor{
		Slug:    "offer-orchestrator-mag",
		Kind:    catalog.KindMAG,
		Name:    "OfferOrchestratorMAG",
		Version: "0.1.0",
		Metadata: map[string]any{
			"default_sag": "compensation-advisor-sag",
		},
	}); err != nil {
		return nil, err
	}

	if err := c.Register(catalog.Descriptor{
		Slug:       "compensation-advisor-sag",
		Kind:       catalog.KindSAG,
		Name:       "CompensationAdvisorSAG",
		Version:    "0.1.0",
		Entrypoint: compensationAdvisorEntrypoint(skills),
		Metadata: map[string]any{
			"task_type": "compensation-advice",
		},
	}); err != nil {
		return nil, err
	}

	return c, nil
}

// compensationAdvisorEntrypoint closes over the skills runtime it needs
// (skill.salary-band-lookup) at registration time rather than taking it as
// a call-time parameter — catalog.Entrypoint's signature is fixed to
// (ctx, input), so dependencies a SAG needs are captured at construction,
// the same way a Python agent module closes over its imports at load time.
func compensationAdvisorEntrypoint(skills *skill.Runtime) catalog.Entrypoint {
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		profile, _ := input["candidate_profile"].(map[string]any)
		if profile == nil {
			profile = input
		}

		if skills == nil || !skills.Exists("skill.salary-band-lookup") {
			return nil, fmt.Errorf("compensation-advisor-sag: salary-band-lookup skill unavailable")
		}
		band, err := skills.Invoke(ctx, "skill.salary-band-lookup", map[string]any{
			"role":     profile["role"],
			"level":    profile["level"],
			"location": profile["location"],
		})
		if err != nil {
			return nil, fmt.Errorf("compensation-advisor-sag: %w", err)
		}

		return map[string]any{
			"offer": map[string]any{
				"role":          profile["role"],
				"level":         profile["level"],
				"location":      profile["location"],
				"salary_band":   band,
				"recommended":   band["min"],
				"currency":      band["currency"],
			},
		}, nil
	}
}
