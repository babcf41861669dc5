package permission_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/permission"
)

func writePolicy(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool_permissions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestExactToolRuleWinsOverEverything(t *testing.T) {
	path := writePolicy(t, `
default_permission: REQUIRE_APPROVAL
tools:
  filesystem.read_file:
    permission: ALWAYS
dangerous_patterns:
  - pattern: "filesystem.*"
    permission: NEVER
`)
	policy, err := permission.LoadPolicy(path)
	require.NoError(t, err)
	eval := permission.NewEvaluator(policy, "production")
	require.Equal(t, permission.Always, eval.Evaluate("filesystem.read_file", nil))
}

func TestContextRuleBeatsDangerousPattern(t *testing.T) {
	path := writePolicy(t, `
default_permission: REQUIRE_APPROVAL
context_rules:
  - name: small-writes-ok
    condition:
      tool: filesystem.write_file
      args_match:
        size_bytes:
          less_than: 1024
    permission: ALWAYS
dangerous_patterns:
  - pattern: "filesystem.*"
    permission: NEVER
`)
	policy, err := permission.LoadPolicy(path)
	require.NoError(t, err)
	eval := permission.NewEvaluator(policy, "production")

	ctx := map[string]any{"tool_args": map[string]any{"size_bytes": float64(10)}}
	require.Equal(t, permission.Always, eval.Evaluate("filesystem.write_file", ctx))

	ctx = map[string]any{"tool_args": map[string]any{"size_bytes": float64(2048)}}
	require.Equal(t, permission.Never, eval.Evaluate("filesystem.write_file", ctx))
}

func TestDangerousPatternBeatsCategory(t *testing.T) {
	path := writePolicy(t, `
default_permission: REQUIRE_APPROVAL
categories:
  filesystem_tools:
    tools: ["filesystem.*"]
    permission: ALWAYS
dangerous_patterns:
  - pattern: "filesystem.delete_*"
    permission: NEVER
`)
	policy, err := permission.LoadPolicy(path)
	require.NoError(t, err)
	eval := permission.NewEvaluator(policy, "production")

	require.Equal(t, permission.Never, eval.Evaluate("filesystem.delete_file", nil))
	require.Equal(t, permission.Always, eval.Evaluate("filesystem.write_file", nil))
}

func TestCategoryPrecedenceFollowsDeclarationOrder(t *testing.T) {
	path := writePolicy(t, `
default_permission: REQUIRE_APPROVAL
categories:
  broad_filesystem:
    tools: ["filesystem.*"]
    permission: REQUIRE_APPROVAL
  narrow_read:
    tools: ["filesystem.read_*"]
    permission: ALWAYS
`)
	policy, err := permission.LoadPolicy(path)
	require.NoError(t, err)
	eval := permission.NewEvaluator(policy, "production")

	// Both categories match filesystem.read_file; the first one declared in
	// the YAML document must win, every time, not whichever a Go map
	// iteration happens to visit first.
	for i := 0; i < 20; i++ {
		require.Equal(t, permission.RequireApproval, eval.Evaluate("filesystem.read_file", nil))
	}
}

func TestEnvironmentOverridePrecedenceFollowsDeclarationOrder(t *testing.T) {
	path := writePolicy(t, `
default_permission: REQUIRE_APPROVAL
environments:
  production:
    overrides:
      "filesystem.*": REQUIRE_APPROVAL
      "filesystem.read_*": ALWAYS
`)
	policy, err := permission.LoadPolicy(path)
	require.NoError(t, err)
	eval := permission.NewEvaluator(policy, "production")

	for i := 0; i < 20; i++ {
		require.Equal(t, permission.RequireApproval, eval.Evaluate("filesystem.read_file", nil))
	}
}

func TestEnvironmentOverrideBeatsDefault(t *testing.T) {
	path := writePolicy(t, `
default_permission: REQUIRE_APPROVAL
environments:
  development:
    overrides:
      shell.exec: ALWAYS
    default_permission: ALWAYS
  production:
    default_permission: NEVER
`)
	policy, err := permission.LoadPolicy(path)
	require.NoError(t, err)

	devEval := permission.NewEvaluator(policy, "development")
	require.Equal(t, permission.Always, devEval.Evaluate("shell.exec", nil))
	require.Equal(t, permission.Always, devEval.Evaluate("anything.else", nil))

	prodEval := permission.NewEvaluator(policy, "production")
	require.Equal(t, permission.Never, prodEval.Evaluate("anything.else", nil))
}

func TestPolicyDefaultFallback(t *testing.T) {
	policy := permission.DefaultPolicy()
	eval := permission.NewEvaluator(policy, "production")
	require.Equal(t, permission.RequireApproval, eval.Evaluate("unknown.tool", nil))
}

func TestLoadPolicyRejectsUnknownPermission(t *testing.T) {
	path := writePolicy(t, `
default_permission: MAYBE
`)
	_, err := permission.LoadPolicy(path)
	require.Error(t, err)
}

func TestListAllowedToolsOnlyReturnsAlwaysTools(t *testing.T) {
	path := writePolicy(t, `
default_permission: REQUIRE_APPROVAL
tools:
  search.web:
    permission: ALWAYS
  shell.exec:
    permission: NEVER
`)
	policy, err := permission.LoadPolicy(path)
	require.NoError(t, err)
	eval := permission.NewEvaluator(policy, "production")

	allowed := eval.ListAllowedTools(nil)
	require.Equal(t, []string{"search.web"}, allowed)
}

func TestGetToolMetadataIncludesResolvedPermission(t *testing.T) {
	path := writePolicy(t, `
default_permission: REQUIRE_APPROVAL
tools:
  search.web:
    permission: ALWAYS
    description: "Search the public web"
`)
	policy, err := permission.LoadPolicy(path)
	require.NoError(t, err)
	eval := permission.NewEvaluator(policy, "production")

	meta := eval.GetToolMetadata("search.web")
	require.Equal(t, "Search the public web", meta.Description)
	require.Equal(t, permission.Always, meta.Permission)
}
