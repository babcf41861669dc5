package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/agent/execctx"
	"github.com/agdd-project/agdd-core/catalog"
	"github.com/agdd-project/agdd-core/cost"
	"github.com/agdd-project/agdd-core/memory"
	"github.com/agdd-project/agdd-core/runner"
	"github.com/agdd-project/agdd-core/skill"
	"github.com/agdd-project/agdd-core/storage"
)

func newTestRunner(t *testing.T) (*runner.Runner, *catalog.InMemoryCatalog, string) {
	t.Helper()
	skills := skill.NewDefaultRuntime()
	cat, err := runner.NewDefaultCatalog(skills)
	require.NoError(t, err)

	baseDir := t.TempDir()
	backend := storage.NewInMemoryBackend()

	tracker, err := cost.NewTracker(cost.Options{
		Backend:      backend,
		AuditLogPath: filepath.Join(baseDir, "costs.jsonl"),
	})
	require.NoError(t, err)

	store := memory.NewStore(memory.NewInMemoryBackend())

	r, err := runner.New(runner.Options{
		Catalog:      cat,
		Skills:       skills,
		BaseDir:      baseDir,
		CostTracker:  tracker,
		Backend:      backend,
		MemoryStore:  store,
		EnableMemory: true,
		DefaultRetry: runner.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffCoefficient: 2},
	})
	require.NoError(t, err)
	return r, cat, baseDir
}

func TestInvokeSAGSuccess(t *testing.T) {
	r, _, _ := newTestRunner(t)
	result, err := r.InvokeSAG(context.Background(), runner.Delegation{
		TaskID: "task-1",
		SAGID:  "compensation-advisor-sag",
		Input: map[string]any{
			"candidate_profile": map[string]any{
				"role": "Engineer", "level": "Senior", "location": "New York, NY",
			},
		},
	}, execctx.Context{RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.Contains(t, result.Output, "offer")
	require.Contains(t, result.Metrics, "llm_plan")
}

func TestInvokeSAGUnknownSlug(t *testing.T) {
	r, _, _ := newTestRunner(t)
	_, err := r.InvokeSAG(context.Background(), runner.Delegation{
		TaskID: "task-1", SAGID: "nonexistent-sag",
	}, execctx.Context{RunID: "run-1"})
	require.Error(t, err)
}

func TestInvokeSAGRetryThenSuccess(t *testing.T) {
	r, cat, _ := newTestRunner(t)

	attempts := 0
	require.NoError(t, cat.Register(catalog.Descriptor{
		Slug: "flaky-sag", Kind: catalog.KindSAG,
		Entrypoint: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("transient failure")
			}
			return map[string]any{"ok": true}, nil
		},
	}))

	result, err := r.InvokeSAG(context.Background(), runner.Delegation{
		TaskID: "task-1", SAGID: "flaky-sag",
	}, execctx.Context{RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.Equal(t, 2, attempts)
}

func TestInvokeSAGRetryExhaustionReturnsFailureResult(t *testing.T) {
	r, cat, _ := newTestRunner(t)

	require.NoError(t, cat.Register(catalog.Descriptor{
		Slug: "always-fails-sag", Kind: catalog.KindSAG,
		Entrypoint: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return nil, errors.New("permanent failure")
		},
	}))

	result, err := r.InvokeSAG(context.Background(), runner.Delegation{
		TaskID: "task-1", SAGID: "always-fails-sag",
	}, execctx.Context{RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, "failure", result.Status)
	require.NotEmpty(t, result.Error)
}

func TestInvokeMAGSuccess(t *testing.T) {
	r, _, baseDir := newTestRunner(t)

	output, err := r.InvokeMAG(context.Background(), "offer-orchestrator-mag", map[string]any{
		"role": "Engineer", "level": "Staff", "location": "Austin, TX",
	}, nil)
	require.NoError(t, err)
	require.Contains(t, output, "offer")

	metadata, ok := output["metadata"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "OfferOrchestratorMAG", metadata["generated_by"])
	require.EqualValues(t, 1, metadata["task_count"])
	require.EqualValues(t, 1, metadata["successful_tasks"])

	runID, _ := metadata["run_id"].(string)
	require.NotEmpty(t, runID)

	runDir := filepath.Join(baseDir, runID)
	require.FileExists(t, filepath.Join(runDir, "logs.jsonl"))
	require.FileExists(t, filepath.Join(runDir, "metrics.json"))
	require.FileExists(t, filepath.Join(runDir, "summary.json"))
}

func TestInvokeMAGUnknownSlug(t *testing.T) {
	r, _, _ := newTestRunner(t)
	_, err := r.InvokeMAG(context.Background(), "nonexistent-mag", map[string]any{}, nil)
	require.Error(t, err)
}

func TestInvokeMAGRecordsCostsWithPlaceholderLast(t *testing.T) {
	r, _, baseDir := newTestRunner(t)

	_, err := r.InvokeMAG(context.Background(), "offer-orchestrator-mag", map[string]any{
		"role": "Engineer", "level": "Mid", "location": "Seattle, WA",
	}, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(baseDir, "costs.jsonl"))
	require.NoError(t, err)

	var lastLine []byte
	for _, line := range splitNonEmptyLines(data) {
		lastLine = line
	}
	require.NotNil(t, lastLine)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lastLine, &rec))
	metadata, _ := rec["Metadata"].(map[string]any)
	require.Equal(t, true, metadata["placeholder"])
}

func TestInvokeMAGWithMemoryEnabledSucceeds(t *testing.T) {
	r, _, _ := newTestRunner(t)

	output, err := r.InvokeMAG(context.Background(), "offer-orchestrator-mag", map[string]any{
		"role": "Engineer", "level": "Junior", "location": "Remote",
	}, nil)
	require.NoError(t, err)
	require.Contains(t, output, "offer")
}

func splitNonEmptyLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func TestObservabilityLoggerFinalizeWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	obs, err := runner.NewObservabilityLogger("run-x", "some-agent", dir, nil)
	require.NoError(t, err)

	runDir := filepath.Join(dir, "run-x")
	require.DirExists(t, runDir)

	obs.Log(context.Background(), "start", map[string]any{"agent": "some-agent"})
	obs.Metric("latency_ms", 12.5)
	require.NoError(t, obs.Finalize(map[string]any{"status": "success"}))

	require.FileExists(t, filepath.Join(runDir, "logs.jsonl"))
	require.FileExists(t, filepath.Join(runDir, "metrics.json"))

	summaryData, err := os.ReadFile(filepath.Join(runDir, "summary.json"))
	require.NoError(t, err)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(summaryData, &summary))
	require.Equal(t, "run-x", summary["run_id"])
	require.Equal(t, "success", summary["status"])
}

func TestHandoffWithoutToolConfiguredErrors(t *testing.T) {
	r, _, _ := newTestRunner(t)
	_, err := r.Handoff(context.Background(), "source-agent", "target-agent", "do-something", nil)
	require.Error(t, err)
}
