// Package permission implements the Permission Evaluator (C4): a declarative,
// YAML-backed policy mapping (tool, context, environment) to one of
// ALWAYS/REQUIRE_APPROVAL/NEVER, evaluated in a fixed six-step precedence
// order. Grounded on the original governance/permission_evaluator.py, with
// the free-form Python dict policy replaced by typed Go structs decoded via
// gopkg.in/yaml.v3, the library the router policy loader also uses.
package permission

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Permission is one of the three governance outcomes for a tool invocation.
type Permission string

const (
	Always          Permission = "ALWAYS"
	RequireApproval Permission = "REQUIRE_APPROVAL"
	Never           Permission = "NEVER"
)

func parsePermission(raw string) (Permission, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(Always):
		return Always, nil
	case string(RequireApproval):
		return RequireApproval, nil
	case string(Never):
		return Never, nil
	default:
		return "", fmt.Errorf("permission: unknown permission value %q", raw)
	}
}

// ToolConfig is a single tools.<name> entry.
type ToolConfig struct {
	Permission  string `yaml:"permission"`
	Description string `yaml:"description"`
}

// CategoryConfig groups tools by glob pattern under one permission.
type CategoryConfig struct {
	Tools      []string `yaml:"tools"`
	Permission string   `yaml:"permission"`
}

// CategoryEntry pairs a categories.<name> key with its config.
type CategoryEntry struct {
	Name string
	CategoryConfig
}

// CategoryList decodes the categories mapping while preserving its YAML
// declaration order: Evaluator.checkCategory iterates it for first-match
// precedence when two categories' glob patterns both match the same tool,
// and a plain Go map would randomize that order on every process run.
type CategoryList []CategoryEntry

func (c *CategoryList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == 0 || value.Tag == "!!null" {
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("permission: categories: expected a mapping")
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		var entry CategoryEntry
		if err := value.Content[i].Decode(&entry.Name); err != nil {
			return err
		}
		if err := value.Content[i+1].Decode(&entry.CategoryConfig); err != nil {
			return err
		}
		*c = append(*c, entry)
	}
	return nil
}

// MatchCondition is a context-rule / dangerous-pattern predicate.
type MatchCondition struct {
	Tool        string                    `yaml:"tool"`
	ToolPattern string                    `yaml:"tool_pattern"`
	ArgsMatch   map[string]MatchValue     `yaml:"args_match"`
	ContextMatch map[string]MatchValue    `yaml:"context_match"`
}

// MatchValue is either a literal/glob scalar or a {less_than,greater_than}
// numeric comparator object; yaml.v3 decodes whichever shape is present.
type MatchValue struct {
	scalar      any
	isComparator bool
	lessThan     *float64
	greaterThan  *float64
}

func (m *MatchValue) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.MappingNode {
		var cmp struct {
			LessThan    *float64 `yaml:"less_than"`
			GreaterThan *float64 `yaml:"greater_than"`
		}
		if err := value.Decode(&cmp); err != nil {
			return err
		}
		m.isComparator = true
		m.lessThan = cmp.LessThan
		m.greaterThan = cmp.GreaterThan
		return nil
	}
	var scalar any
	if err := value.Decode(&scalar); err != nil {
		return err
	}
	m.scalar = scalar
	return nil
}

// matches reports whether value satisfies m, using glob matching for
// string-vs-string comparisons, the less_than/greater_than comparators for
// numeric values, and exact equality otherwise.
func (m MatchValue) matches(value any) bool {
	if m.isComparator {
		num, ok := toFloat(value)
		if !ok {
			return false
		}
		if m.lessThan != nil && !(num < *m.lessThan) {
			return false
		}
		if m.greaterThan != nil && !(num > *m.greaterThan) {
			return false
		}
		return true
	}
	patternStr, patternIsString := m.scalar.(string)
	valueStr, valueIsString := value.(string)
	if patternIsString && valueIsString {
		ok, err := filepath.Match(patternStr, valueStr)
		return err == nil && ok
	}
	return m.scalar == value
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ContextRule is one entry of the ordered context_rules list.
type ContextRule struct {
	Name       string         `yaml:"name"`
	Condition  MatchCondition `yaml:"condition"`
	Permission string         `yaml:"permission"`
}

// DangerousPattern is one entry of the dangerous_patterns list.
type DangerousPattern struct {
	Pattern    string `yaml:"pattern"`
	Permission string `yaml:"permission"`
}

// OverrideEntry pairs an environment override's tool-name/glob-pattern key
// with its permission.
type OverrideEntry struct {
	Pattern    string
	Permission string
}

// OverrideList decodes an environment's overrides mapping while preserving
// its YAML declaration order, for the same first-match-precedence reason as
// CategoryList.
type OverrideList []OverrideEntry

func (o *OverrideList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == 0 || value.Tag == "!!null" {
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("permission: overrides: expected a mapping")
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		var entry OverrideEntry
		if err := value.Content[i].Decode(&entry.Pattern); err != nil {
			return err
		}
		if err := value.Content[i+1].Decode(&entry.Permission); err != nil {
			return err
		}
		*o = append(*o, entry)
	}
	return nil
}

// EnvironmentConfig is one environments.<name> entry.
type EnvironmentConfig struct {
	Overrides         OverrideList `yaml:"overrides"`
	DefaultPermission string       `yaml:"default_permission"`
}

// Policy is the full tool-permission policy document (spec.md §6).
type Policy struct {
	DefaultPermission string                       `yaml:"default_permission"`
	Tools             map[string]ToolConfig        `yaml:"tools"`
	Categories        CategoryList                 `yaml:"categories"`
	ContextRules      []ContextRule                `yaml:"context_rules"`
	DangerousPatterns []DangerousPattern            `yaml:"dangerous_patterns"`
	Environments      map[string]EnvironmentConfig `yaml:"environments"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{DefaultPermission: string(RequireApproval)}
}

// LoadPolicy reads and validates a tool-permission policy from path. Every
// permission string anywhere in the document (default, tool, category,
// context rule, dangerous pattern, environment override/default) must parse
// as one of ALWAYS/REQUIRE_APPROVAL/NEVER, or loading fails.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("permission: read policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("permission: parse policy: %w", err)
	}
	if p.DefaultPermission == "" {
		p.DefaultPermission = string(RequireApproval)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	if _, err := parsePermission(p.DefaultPermission); err != nil {
		return fmt.Errorf("permission: default_permission: %w", err)
	}
	for name, t := range p.Tools {
		if t.Permission == "" {
			continue
		}
		if _, err := parsePermission(t.Permission); err != nil {
			return fmt.Errorf("permission: tools.%s: %w", name, err)
		}
	}
	for _, c := range p.Categories {
		if c.Permission == "" {
			continue
		}
		if _, err := parsePermission(c.Permission); err != nil {
			return fmt.Errorf("permission: categories.%s: %w", c.Name, err)
		}
	}
	for i, rule := range p.ContextRules {
		if rule.Permission == "" {
			continue
		}
		if _, err := parsePermission(rule.Permission); err != nil {
			return fmt.Errorf("permission: context_rules[%d]: %w", i, err)
		}
	}
	for i, dp := range p.DangerousPatterns {
		if dp.Permission == "" {
			continue
		}
		if _, err := parsePermission(dp.Permission); err != nil {
			return fmt.Errorf("permission: dangerous_patterns[%d]: %w", i, err)
		}
	}
	for name, env := range p.Environments {
		for _, o := range env.Overrides {
			if _, err := parsePermission(o.Permission); err != nil {
				return fmt.Errorf("permission: environments.%s.overrides.%s: %w", name, o.Pattern, err)
			}
		}
		if env.DefaultPermission != "" {
			if _, err := parsePermission(env.DefaultPermission); err != nil {
				return fmt.Errorf("permission: environments.%s.default_permission: %w", name, err)
			}
		}
	}
	return nil
}

// Evaluator answers permission queries against a loaded Policy and an
// ambient environment name.
type Evaluator struct {
	policy      Policy
	environment string
}

// NewEvaluator builds an Evaluator. environment selects the environments.<name>
// override block (e.g. "development", "staging", "production").
func NewEvaluator(policy Policy, environment string) *Evaluator {
	return &Evaluator{policy: policy, environment: environment}
}

// Evaluate resolves the permission for tool_name given context, in the fixed
// six-step precedence order (first match wins): exact tool rule, context
// rules, dangerous patterns, category, environment override, policy default.
func (e *Evaluator) Evaluate(toolName string, context map[string]any) Permission {
	if perm, ok := e.checkToolPermission(toolName); ok {
		return perm
	}
	if perm, ok := e.checkContextRules(toolName, context); ok {
		return perm
	}
	if perm, ok := e.checkDangerousPatterns(toolName); ok {
		return perm
	}
	if perm, ok := e.checkCategory(toolName); ok {
		return perm
	}
	if perm, ok := e.checkEnvironmentOverride(toolName); ok {
		return perm
	}
	perm, _ := parsePermission(e.policy.DefaultPermission)
	return perm
}

func (e *Evaluator) checkToolPermission(toolName string) (Permission, bool) {
	cfg, ok := e.policy.Tools[toolName]
	if !ok || cfg.Permission == "" {
		return "", false
	}
	perm, err := parsePermission(cfg.Permission)
	if err != nil {
		return "", false
	}
	return perm, true
}

func (e *Evaluator) checkContextRules(toolName string, context map[string]any) (Permission, bool) {
	for _, rule := range e.policy.ContextRules {
		if !ruleMatches(toolName, context, rule.Condition) {
			continue
		}
		if rule.Permission == "" {
			continue
		}
		perm, err := parsePermission(rule.Permission)
		if err != nil {
			continue
		}
		return perm, true
	}
	return "", false
}

func ruleMatches(toolName string, context map[string]any, cond MatchCondition) bool {
	if cond.Tool != "" && cond.Tool != toolName {
		return false
	}
	if cond.ToolPattern != "" {
		ok, err := filepath.Match(cond.ToolPattern, toolName)
		if err != nil || !ok {
			return false
		}
	}
	if len(cond.ArgsMatch) > 0 {
		toolArgs, _ := context["tool_args"].(map[string]any)
		if !matchesMap(toolArgs, cond.ArgsMatch) {
			return false
		}
	}
	if len(cond.ContextMatch) > 0 {
		if !matchesMap(context, cond.ContextMatch) {
			return false
		}
	}
	return true
}

func matchesMap(data map[string]any, patterns map[string]MatchValue) bool {
	for key, pattern := range patterns {
		value, ok := data[key]
		if !ok {
			return false
		}
		if !pattern.matches(value) {
			return false
		}
	}
	return true
}

func (e *Evaluator) checkDangerousPatterns(toolName string) (Permission, bool) {
	for _, dp := range e.policy.DangerousPatterns {
		if dp.Pattern == "" {
			continue
		}
		ok, err := filepath.Match(dp.Pattern, toolName)
		if err != nil || !ok {
			continue
		}
		if dp.Permission == "" {
			continue
		}
		perm, err := parsePermission(dp.Permission)
		if err != nil {
			continue
		}
		return perm, true
	}
	return "", false
}

func (e *Evaluator) checkCategory(toolName string) (Permission, bool) {
	for _, cat := range e.policy.Categories {
		for _, pattern := range cat.Tools {
			ok, err := filepath.Match(pattern, toolName)
			if err != nil || !ok {
				continue
			}
			if cat.Permission == "" {
				continue
			}
			perm, err := parsePermission(cat.Permission)
			if err != nil {
				continue
			}
			return perm, true
		}
	}
	return "", false
}

func (e *Evaluator) checkEnvironmentOverride(toolName string) (Permission, bool) {
	env, ok := e.policy.Environments[e.environment]
	if !ok {
		return "", false
	}
	for _, o := range env.Overrides {
		if o.Pattern != toolName {
			continue
		}
		if perm, err := parsePermission(o.Permission); err == nil {
			return perm, true
		}
	}
	for _, o := range env.Overrides {
		ok, err := filepath.Match(o.Pattern, toolName)
		if err != nil || !ok {
			continue
		}
		if perm, err := parsePermission(o.Permission); err == nil {
			return perm, true
		}
	}
	if env.DefaultPermission != "" {
		if perm, err := parsePermission(env.DefaultPermission); err == nil {
			return perm, true
		}
	}
	return "", false
}

// ToolMetadata describes a single tool for introspection purposes.
type ToolMetadata struct {
	ToolName    string
	Description string
	Permission  Permission
}

// GetToolMetadata returns descriptive metadata for toolName, including its
// resolved permission under an empty context.
func (e *Evaluator) GetToolMetadata(toolName string) ToolMetadata {
	cfg := e.policy.Tools[toolName]
	return ToolMetadata{
		ToolName:    toolName,
		Description: cfg.Description,
		Permission:  e.Evaluate(toolName, nil),
	}
}

// ListAllowedTools returns every explicitly configured tool whose resolved
// permission under context is ALWAYS.
func (e *Evaluator) ListAllowedTools(context map[string]any) []string {
	var allowed []string
	for toolName := range e.policy.Tools {
		if e.Evaluate(toolName, context) == Always {
			allowed = append(allowed, toolName)
		}
	}
	return allowed
}
