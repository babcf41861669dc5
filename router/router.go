// Package router implements the Router + SLA Optimizer (C6): task-type to
// provider/model routing with priority and glob matching, environment
// variable overrides, and a deterministic cost/latency optimizer selecting a
// model tier, cache strategy, and batch setting from SLA parameters.
// Grounded on the original routing/policy.py (Route/RoutingPolicy) and
// optimization/optimizer.py (CostOptimizer), both read in full.
package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Route maps a task type to a provider/model and execution strategy flags.
type Route struct {
	TaskType          string         `yaml:"task_type"`
	Provider          string         `yaml:"provider"`
	Model             string         `yaml:"model"`
	UseBatch          bool           `yaml:"use_batch"`
	UseCache          bool           `yaml:"use_cache"`
	StructuredOutput  bool           `yaml:"structured_output"`
	Moderation        bool           `yaml:"moderation"`
	Priority          int            `yaml:"priority"`
	Metadata          map[string]any `yaml:"metadata"`
}

// Plan is the resolved execution plan for a task type; Metadata is always a
// defensive copy of the Route's so callers mutating it never affect the
// policy (spec.md §4.6).
type Plan struct {
	TaskType         string
	Provider         string
	Model            string
	UseBatch         bool
	UseCache         bool
	StructuredOutput bool
	Moderation       bool
	Metadata         map[string]any
}

func planFromRoute(r Route) Plan {
	return Plan{
		TaskType: r.TaskType, Provider: r.Provider, Model: r.Model,
		UseBatch: r.UseBatch, UseCache: r.UseCache, StructuredOutput: r.StructuredOutput,
		Moderation: r.Moderation, Metadata: copyMetadata(r.Metadata),
	}
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RoutingPolicy is an ordered (by descending Priority) set of Routes.
type RoutingPolicy struct {
	Name        string
	Description string
	Routes      []Route
}

type policyDocument struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Routes      []Route `yaml:"routes"`
}

// LoadRoutingPolicy reads a RoutingPolicy from a YAML file, sorting routes
// by descending priority.
func LoadRoutingPolicy(path string) (RoutingPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RoutingPolicy{}, fmt.Errorf("router: read routing policy: %w", err)
	}
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return RoutingPolicy{}, fmt.Errorf("router: parse routing policy: %w", err)
	}
	if doc.Name == "" {
		doc.Name = strippedStem(path)
	}
	routes := doc.Routes
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Priority > routes[j].Priority })
	return RoutingPolicy{Name: doc.Name, Description: doc.Description, Routes: routes}, nil
}

func strippedStem(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)]
}

// GetRoute resolves task_type against p's routes: exact task_type match
// beats glob match, multiple matches are already ordered by descending
// priority. overrides, when provided, are applied on top of the matched
// route's fields.
func (p RoutingPolicy) GetRoute(taskType string, overrides map[string]any) (Route, bool) {
	var matched *Route
	for i := range p.Routes {
		if p.Routes[i].TaskType == taskType {
			matched = &p.Routes[i]
			break
		}
	}
	if matched == nil {
		for i := range p.Routes {
			ok, err := filepath.Match(p.Routes[i].TaskType, taskType)
			if err == nil && ok {
				matched = &p.Routes[i]
				break
			}
		}
	}
	if matched == nil {
		return Route{}, false
	}
	if len(overrides) == 0 {
		return *matched, true
	}
	return applyRouteOverrides(*matched, overrides), true
}

func applyRouteOverrides(route Route, overrides map[string]any) Route {
	if v, ok := overrides["provider"].(string); ok {
		route.Provider = v
	}
	if v, ok := overrides["model"].(string); ok {
		route.Model = v
	}
	if v, ok := overrides["use_batch"].(bool); ok {
		route.UseBatch = v
	}
	if v, ok := overrides["use_cache"].(bool); ok {
		route.UseCache = v
	}
	if v, ok := overrides["structured_output"].(bool); ok {
		route.StructuredOutput = v
	}
	if v, ok := overrides["moderation"].(bool); ok {
		route.Moderation = v
	}
	if v, ok := overrides["priority"].(int); ok {
		route.Priority = v
	}
	if v, ok := overrides["metadata"].(map[string]any); ok {
		route.Metadata = v
	}
	return route
}

// Namespace is the environment-variable prefix GetPlan reads overrides from
// (e.g. "AGDD" -> AGDD_PROVIDER / AGDD_MODEL).
const Namespace = "AGDD"

// GetPlan resolves task_type to a Plan using policy. <Namespace>_PROVIDER and
// <Namespace>_MODEL environment variables override the selected route's
// provider/model; explicit overrides take precedence over those env vars
// (spec.md §4.6). Returns (Plan{}, false) if no route matches.
func GetPlan(taskType string, overrides map[string]any, policy RoutingPolicy) (Plan, bool) {
	merged := map[string]any{}
	if v := os.Getenv(Namespace + "_PROVIDER"); v != "" {
		merged["provider"] = v
	}
	if v := os.Getenv(Namespace + "_MODEL"); v != "" {
		merged["model"] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	route, ok := policy.GetRoute(taskType, merged)
	if !ok {
		return Plan{}, false
	}
	return planFromRoute(route), true
}

// LoadPolicy loads a named routing policy file ("<name>.yaml") from dir.
func LoadPolicy(dir, name string) (RoutingPolicy, error) {
	return LoadRoutingPolicy(filepath.Join(dir, name+".yaml"))
}
