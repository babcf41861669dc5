// Package skill implements the skill execution runtime the Agent Runner
// consults during MAG orchestration (skill.task-decomposition,
// skill.result-aggregation) and SAG entrypoints consult for domain
// computation (skill.salary-band-lookup).
//
// Grounded on original_source/agents/main/offer-orchestrator-mag/code/
// orchestrator.py's `skills.exists(name)` / `skills.invoke(name, args)`
// calling convention (read in full) and
// tests/unit/test_agent_runner.py's TestSkillRuntime (read in full), which
// together fix the exact two-method surface a SkillRuntime exposes.
package skill

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes one named skill.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Runtime is a registry of skill Handlers, looked up by name.
type Runtime struct {
	mu     sync.RWMutex
	skills map[string]Handler
}

// NewRuntime returns an empty Runtime.
func NewRuntime() *Runtime {
	return &Runtime{skills: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Runtime) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[name] = h
}

// Exists reports whether name is registered.
func (r *Runtime) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[name]
	return ok
}

// Invoke runs the named skill. Callers are expected to check Exists first
// where a fallback path is available (orchestrator.py's pattern); Invoke
// itself just errors on an unknown name rather than silently no-op'ing.
func (r *Runtime) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	h, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("skill: unknown skill %q", name)
	}
	return h(ctx, args)
}

// NewDefaultRuntime returns a Runtime pre-registered with the built-in
// skills the reference orchestrator and its SAG rely on: task decomposition
// (fallback-aware fan-out), result aggregation (first-successful-output
// fallback), and a salary band lookup domain skill.
func NewDefaultRuntime() *Runtime {
	r := NewRuntime()
	r.Register("skill.task-decomposition", taskDecomposition)
	r.Register("skill.result-aggregation", resultAggregation)
	r.Register("skill.salary-band-lookup", salaryBandLookup)
	return r
}

// taskDecomposition produces the single-task fan-out orchestrator.py falls
// back to itself when no richer decomposition is configured: one delegation
// to compensation-advisor-sag carrying the whole candidate profile.
func taskDecomposition(ctx context.Context, args map[string]any) (map[string]any, error) {
	profile := args["candidate_profile"]
	return map[string]any{
		"tasks": []any{
			map[string]any{
				"sag_id": "compensation-advisor-sag",
				"input":  map[string]any{"candidate_profile": profile},
			},
		},
	}, nil
}

// resultAggregation shallow-merges successful task outputs, later results
// overriding earlier ones on key collision. With a single result (the
// common case for the default decomposition above) this is equivalent to
// orchestrator.py's "use the first successful result" fallback.
func resultAggregation(ctx context.Context, args map[string]any) (map[string]any, error) {
	results, _ := args["results"].([]any)
	merged := map[string]any{}
	for _, r := range results {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged, nil
}

// levelBaseSalary is a deterministic, illustrative base-salary-by-level
// table (USD/year) the lookup scales by a location multiplier.
var levelBaseSalary = map[string]float64{
	"Junior":    80000,
	"Mid":       110000,
	"Senior":    145000,
	"Staff":     180000,
	"Principal": 220000,
}

// locationMultiplier adjusts the base salary for cost-of-living; unknown
// locations (including "Remote") use a neutral 1.0 multiplier.
var locationMultiplier = map[string]float64{
	"San Francisco, CA": 1.35,
	"New York, NY":      1.30,
	"Seattle, WA":       1.20,
	"Austin, TX":        1.05,
}

// salaryBandLookup resolves role/level/location to a {min, max, currency}
// band. Unknown levels default to the Mid band so a partially-specified
// candidate profile still produces a usable result.
func salaryBandLookup(ctx context.Context, args map[string]any) (map[string]any, error) {
	role, _ := args["role"].(string)
	level, _ := args["level"].(string)
	location, _ := args["location"].(string)

	base, ok := levelBaseSalary[level]
	if !ok {
		base = levelBaseSalary["Mid"]
	}
	multiplier, ok := locationMultiplier[location]
	if !ok {
		multiplier = 1.0
	}

	return map[string]any{
		"role":     role,
		"level":    level,
		"location": location,
		"min":      base * multiplier * 0.9,
		"max":      base * multiplier * 1.15,
		"currency": "USD",
	}, nil
}
