package skill_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/skill"
)

func TestExistsAndInvokeUnregistered(t *testing.T) {
	r := skill.NewRuntime()
	require.False(t, r.Exists("skill.nonexistent"))

	_, err := r.Invoke(context.Background(), "skill.nonexistent", nil)
	require.Error(t, err)
}

func TestRegisterAndInvoke(t *testing.T) {
	r := skill.NewRuntime()
	r.Register("skill.echo", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return args, nil
	})
	require.True(t, r.Exists("skill.echo"))

	out, err := r.Invoke(context.Background(), "skill.echo", map[string]any{"a": 1})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1}, out)
}

func TestInvokePropagatesHandlerError(t *testing.T) {
	r := skill.NewRuntime()
	boom := errors.New("boom")
	r.Register("skill.broken", func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, boom
	})
	_, err := r.Invoke(context.Background(), "skill.broken", nil)
	require.ErrorIs(t, err, boom)
}

func TestDefaultRuntimeSalaryBandLookup(t *testing.T) {
	r := skill.NewDefaultRuntime()
	require.True(t, r.Exists("skill.salary-band-lookup"))
	require.False(t, r.Exists("skill.nonexistent"))

	out, err := r.Invoke(context.Background(), "skill.salary-band-lookup", map[string]any{
		"role": "Senior Engineer", "level": "Senior", "location": "New York, NY",
	})
	require.NoError(t, err)
	require.Contains(t, out, "min")
	require.Contains(t, out, "max")
	require.Equal(t, "USD", out["currency"])

	min := out["min"].(float64)
	max := out["max"].(float64)
	require.Less(t, min, max)
}

func TestDefaultRuntimeSalaryBandLookupUnknownLevelDefaultsToMid(t *testing.T) {
	r := skill.NewDefaultRuntime()
	out, err := r.Invoke(context.Background(), "skill.salary-band-lookup", map[string]any{
		"role": "Engineer",
	})
	require.NoError(t, err)
	require.Greater(t, out["min"].(float64), 0.0)
}

func TestDefaultRuntimeTaskDecomposition(t *testing.T) {
	r := skill.NewDefaultRuntime()
	out, err := r.Invoke(context.Background(), "skill.task-decomposition", map[string]any{
		"candidate_profile": map[string]any{"role": "Engineer"},
	})
	require.NoError(t, err)
	tasks, ok := out["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 1)
}

func TestDefaultRuntimeResultAggregationMergesResults(t *testing.T) {
	r := skill.NewDefaultRuntime()
	out, err := r.Invoke(context.Background(), "skill.result-aggregation", map[string]any{
		"results": []any{
			map[string]any{"offer": map[string]any{"role": "Engineer"}},
		},
	})
	require.NoError(t, err)
	require.Contains(t, out, "offer")
}
