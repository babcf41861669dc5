// Package runner implements the Agent Runner (C8): the central orchestrator
// that resolves agents from a Catalog, mints and tracks run identifiers,
// executes the MAG orchestration pattern, applies a retry policy to SAG
// delegations, and wires cost attribution, memory capture, and Runner Hooks
// governance around every invocation.
//
// Grounded on three sources, since the Python agent_runner.py module itself
// is absent from the retrieval pack: tests/unit/test_agent_runner.py (read
// in full, the authoritative behavioral contract for ObservabilityLogger,
// SkillRuntime, Delegation, Result, and AgentRunner's public surface),
// agents/main/offer-orchestrator-mag/code/orchestrator.py (read in full,
// the concrete MAG orchestration pattern spec.md §4.8 abstracts), and
// spec.md §4.8's prose contract for invoke_mag/invoke_sag.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agdd-project/agdd-core/agent"
	"github.com/agdd-project/agdd-core/agent/execctx"
	"github.com/agdd-project/agdd-core/agent/telemetry"
	"github.com/agdd-project/agdd-core/apierror"
	"github.com/agdd-project/agdd-core/catalog"
	"github.com/agdd-project/agdd-core/cost"
	"github.com/agdd-project/agdd-core/handoff"
	"github.com/agdd-project/agdd-core/hooks"
	"github.com/agdd-project/agdd-core/memory"
	"github.com/agdd-project/agdd-core/router"
	"github.com/agdd-project/agdd-core/skill"
	"github.com/agdd-project/agdd-core/storage"
)

// Delegation is a request to delegate work to a SAG, built by the Runner's
// MAG orchestration pattern (or by a caller invoking a SAG directly).
type Delegation struct {
	TaskID  string
	SAGID   string
	Input   map[string]any
	Context map[string]any // parent_run_id, task_index, total_tasks
}

// Result is what invoke_sag returns: status is always "success" or
// "failure" — exhausted retries produce a failure Result rather than a
// returned error, so a MAG's aggregation step can still work with partial
// results (spec.md §4.8).
type Result struct {
	TaskID  string
	Status  string
	Output  map[string]any
	Metrics map[string]any
	Error   string
}

// RetryPolicy controls invoke_sag's attempt/backoff behavior.
type RetryPolicy struct {
	MaxAttempts        int
	InitialBackoff     time.Duration
	BackoffCoefficient float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 2.0
	}
	return p
}

// Options configures a Runner.
type Options struct {
	Catalog catalog.Catalog // required
	Skills  *skill.Runtime  // nil disables task-decomposition/result-aggregation skills

	BaseDir string // per-run observability directory root; default ".runs/agents"

	RoutingPolicy router.RoutingPolicy // zero value: GetPlan never matches, callers get a default plan

	CostTracker *cost.Tracker  // nil disables cost recording
	Backend     storage.Backend // nil disables run/event persistence and observability mirroring
	Hooks       *hooks.Hooks    // nil skips permission/approval governance around SAG entrypoints
	HandoffTool *handoff.Tool   // nil makes Handoff return an error

	MemoryStore  *memory.Store
	EnableMemory bool

	Logger       telemetry.Logger
	DefaultRetry RetryPolicy

	// RateLimiter, when set, is waited on before every invoke_sag entrypoint
	// call, smoothing bursts of delegation traffic against downstream
	// provider rate limits.
	RateLimiter interface {
		Wait(ctx context.Context) error
	}
}

// Runner is the Agent Runner.
type Runner struct {
	catalog catalog.Catalog
	skills  *skill.Runtime

	baseDir string
	routing router.RoutingPolicy

	costs       *cost.Tracker
	backend     storage.Backend
	hooks       *hooks.Hooks
	handoffTool *handoff.Tool

	memoryStore  *memory.Store
	enableMemory bool

	logger       telemetry.Logger
	defaultRetry RetryPolicy
	limiter      interface {
		Wait(ctx context.Context) error
	}
}

// New builds a Runner. Catalog is required; every other dependency is
// optional and degrades to a no-op when absent, matching the rest of this
// runtime's "governance only where configured" posture.
func New(opts Options) (*Runner, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("runner: catalog is required")
	}
	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir = filepath.Join(".runs", "agents")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Runner{
		catalog: opts.Catalog, skills: opts.Skills,
		baseDir: baseDir, routing: opts.RoutingPolicy,
		costs: opts.CostTracker, backend: opts.Backend, hooks: opts.Hooks, handoffTool: opts.HandoffTool,
		memoryStore: opts.MemoryStore, enableMemory: opts.EnableMemory,
		logger: logger, defaultRetry: opts.DefaultRetry.withDefaults(), limiter: opts.RateLimiter,
	}, nil
}

func shortID() string {
	return uuid.New().String()[:8]
}

// InvokeMAG resolves slug from the catalog and runs the generic MAG
// orchestration pattern over payload (spec.md §4.8): task decomposition,
// per-task SAG delegation, result aggregation, and a metadata envelope.
// parent, when non-nil and already carrying a RunID, makes this invocation
// a nested run under that context instead of minting a fresh top-level one.
func (r *Runner) InvokeMAG(ctx context.Context, slug string, payload map[string]any, parent *execctx.Context) (map[string]any, error) {
	desc, ok := r.catalog.Resolve(slug)
	if !ok || desc.Kind != catalog.KindMAG {
		return nil, fmt.Errorf("runner: invoke_mag %q: %w", slug, apierror.ErrAgentNotFound)
	}

	execCtx := execctx.Context{AgentSlug: agent.Ident(slug)}
	if parent != nil && parent.RunID != "" {
		execCtx = parent.WithRun(parent.RunID, parent.ParentRunID)
		execCtx.AgentSlug = agent.Ident(slug)
	} else {
		execCtx.RunID = fmt.Sprintf("mag-%s", shortID())
	}

	obs, err := newObservabilityLogger(execCtx.RunID, slug, r.baseDir, r.backend)
	if err != nil {
		return nil, fmt.Errorf("runner: invoke_mag: %w", err)
	}
	start := time.Now()
	obs.Log(ctx, "start", map[string]any{"agent": desc.Name})

	if r.enableMemory && r.memoryStore != nil {
		if _, err := r.memoryStore.Capture(ctx, memory.ScopeSession, slug, "input", payload,
			memory.NewEntryOptions{RunID: execCtx.RunID}); err != nil {
			r.logger.Warn(ctx, "runner: failed to capture input memory", "run_id", execCtx.RunID, "error", err)
		}
	}

	aggregated, taskCount, successCount, err := r.runMAGOrchestration(ctx, execCtx, obs, desc, payload)
	duration := time.Since(start)
	if err != nil {
		obs.Metric("latency_ms", float64(duration.Milliseconds()))
		obs.Log(ctx, "error", map[string]any{"error": err.Error(), "duration_ms": duration.Milliseconds()})
		_ = obs.Finalize(map[string]any{"status": "failure", "error": err.Error()})
		return nil, err
	}

	version := desc.Version
	if version == "" {
		version = "0.1.0"
	}
	output := map[string]any{
		"offer": aggregated["offer"],
		"metadata": map[string]any{
			"generated_by":     desc.Name,
			"run_id":           execCtx.RunID,
			"timestamp":        time.Now().UTC().Format(time.RFC3339),
			"version":          version,
			"task_count":       taskCount,
			"successful_tasks": successCount,
		},
	}

	obs.Metric("latency_ms", float64(duration.Milliseconds()))
	obs.Metric("task_count", float64(taskCount))
	obs.Metric("success_count", float64(successCount))
	obs.Log(ctx, "end", map[string]any{
		"status": "success", "duration_ms": duration.Milliseconds(),
		"tasks": taskCount, "successful": successCount,
	})
	if err := obs.Finalize(output); err != nil {
		r.logger.Warn(ctx, "runner: failed to finalize observability artifacts", "run_id", execCtx.RunID, "error", err)
	}

	if r.enableMemory && r.memoryStore != nil {
		if _, err := r.memoryStore.Capture(ctx, memory.ScopeSession, slug, "output", output,
			memory.NewEntryOptions{RunID: execCtx.RunID}); err != nil {
			r.logger.Warn(ctx, "runner: failed to capture output memory", "run_id", execCtx.RunID, "error", err)
		}
	}

	if r.costs != nil {
		if err := r.costs.RecordCost(ctx, cost.Record{
			Model: "placeholder", RunID: execCtx.RunID, Agent: slug,
			Metadata: map[string]any{"placeholder": true},
		}); err != nil {
			r.logger.Warn(ctx, "runner: failed to record mag cost", "run_id", execCtx.RunID, "error", err)
		}
	}

	return output, nil
}

// magTask is one decomposed unit of work, prior to Delegation construction.
type magTask struct {
	sagID string
	input map[string]any
}

func (r *Runner) runMAGOrchestration(ctx context.Context, execCtx execctx.Context, obs *ObservabilityLogger, desc catalog.Descriptor, payload map[string]any) (map[string]any, int, int, error) {
	tasks := r.decomposeTasks(ctx, obs, desc, payload)
	taskCount := len(tasks)

	results := make([]Result, 0, taskCount)
	for idx, task := range tasks {
		taskID := fmt.Sprintf("task-%s", shortID())
		delegation := Delegation{
			TaskID: taskID, SAGID: task.sagID, Input: task.input,
			Context: map[string]any{
				"parent_run_id": execCtx.RunID,
				"task_index":    idx,
				"total_tasks":   taskCount,
			},
		}
		obs.Log(ctx, "delegation_start", map[string]any{"task_id": taskID, "sag_id": delegation.SAGID, "index": idx})

		delegateCtx := execCtx.ForDelegation(agent.Ident(delegation.SAGID), idx, taskCount)
		result, err := r.InvokeSAG(ctx, delegation, delegateCtx)
		if err != nil {
			obs.Log(ctx, "delegation_error", map[string]any{"task_id": taskID, "error": err.Error()})
			result = Result{TaskID: taskID, Status: "failure", Output: map[string]any{}, Metrics: map[string]any{}, Error: err.Error()}
		} else {
			obs.Log(ctx, "delegation_complete", map[string]any{"task_id": taskID, "status": result.Status, "metrics": result.Metrics})
			if result.Status != "success" {
				obs.Log(ctx, "delegation_failure", map[string]any{"task_id": taskID, "error": result.Error})
			}
		}
		results = append(results, result)
	}

	aggregated := r.aggregateResults(ctx, obs, results)
	successCount := 0
	for _, res := range results {
		if res.Status == "success" {
			successCount++
		}
	}
	if successCount == 0 {
		return nil, taskCount, 0, fmt.Errorf("runner: invoke_mag: all %d delegated tasks failed: %w", taskCount, apierror.ErrExecutionFailed)
	}
	return aggregated, taskCount, successCount, nil
}

// decomposeTasks runs skill.task-decomposition over payload when available,
// falling back to a single delegation to the MAG's default_sag metadata
// (or "compensation-advisor-sag" if unset) — orchestrator.py's fallback.
func (r *Runner) decomposeTasks(ctx context.Context, obs *ObservabilityLogger, desc catalog.Descriptor, payload map[string]any) []magTask {
	defaultSAG, _ := desc.Metadata["default_sag"].(string)
	if defaultSAG == "" {
		defaultSAG = "compensation-advisor-sag"
	}
	fallback := []magTask{{sagID: defaultSAG, input: map[string]any{"candidate_profile": payload}}}

	if r.skills == nil || !r.skills.Exists("skill.task-decomposition") {
		return fallback
	}
	result, err := r.skills.Invoke(ctx, "skill.task-decomposition", map[string]any{"candidate_profile": payload})
	if err != nil {
		obs.Log(ctx, "decomposition_error", map[string]any{"error": err.Error()})
		return fallback
	}

	raw, _ := result["tasks"].([]any)
	tasks := make([]magTask, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		sagID, _ := m["sag_id"].(string)
		if sagID == "" {
			sagID = defaultSAG
		}
		input, _ := m["input"].(map[string]any)
		tasks = append(tasks, magTask{sagID: sagID, input: input})
	}
	if len(tasks) == 0 {
		return fallback
	}
	obs.Log(ctx, "decomposition", map[string]any{"task_count": len(tasks)})
	return tasks
}

// aggregateResults runs skill.result-aggregation over successful outputs,
// falling back to the first successful output (orchestrator.py's fallback).
func (r *Runner) aggregateResults(ctx context.Context, obs *ObservabilityLogger, results []Result) map[string]any {
	successfulOutputs := make([]any, 0, len(results))
	for _, res := range results {
		if res.Status == "success" {
			successfulOutputs = append(successfulOutputs, res.Output)
		}
	}

	if r.skills != nil && r.skills.Exists("skill.result-aggregation") {
		aggregated, err := r.skills.Invoke(ctx, "skill.result-aggregation", map[string]any{"results": successfulOutputs})
		if err == nil {
			obs.Log(ctx, "aggregation", map[string]any{"result_count": len(successfulOutputs)})
			return aggregated
		}
		obs.Log(ctx, "aggregation_error", map[string]any{"error": err.Error()})
	}
	for _, res := range results {
		if res.Status == "success" {
			return res.Output
		}
	}
	return map[string]any{}
}

// InvokeSAG resolves delegation.SAGID from the catalog and runs its
// Entrypoint under the Runner's retry policy, Runner Hooks governance (when
// configured), and cost attribution. A failed SAG after exhausting retries
// yields a failure Result rather than a returned error (spec.md §4.8); an
// error return here means the delegation itself was malformed (unknown
// slug, wrong kind) rather than an execution failure.
func (r *Runner) InvokeSAG(ctx context.Context, delegation Delegation, execCtx execctx.Context) (Result, error) {
	desc, ok := r.catalog.Resolve(delegation.SAGID)
	if !ok || desc.Kind != catalog.KindSAG {
		return Result{}, fmt.Errorf("runner: invoke_sag %q: %w", delegation.SAGID, apierror.ErrAgentNotFound)
	}
	if desc.Entrypoint == nil {
		return Result{}, fmt.Errorf("runner: invoke_sag %q: no entrypoint registered", delegation.SAGID)
	}

	if execCtx.RunID == "" {
		if parentRunID, _ := delegation.Context["parent_run_id"].(string); parentRunID != "" {
			execCtx.RunID = parentRunID
		} else {
			execCtx.RunID = fmt.Sprintf("sag-%s", shortID())
		}
	}
	execCtx.AgentSlug = agent.Ident(delegation.SAGID)

	taskType, _ := desc.Metadata["task_type"].(string)
	if taskType == "" {
		taskType = delegation.SAGID
	}
	plan, planFound := router.GetPlan(taskType, nil, r.routing)
	if !planFound {
		plan = router.Plan{TaskType: taskType, Provider: "default", Model: "default", Metadata: map[string]any{}}
	}
	planMap := map[string]any{
		"task_type": plan.TaskType, "provider": plan.Provider, "model": plan.Model,
		"use_batch": plan.UseBatch, "use_cache": plan.UseCache,
		"structured_output": plan.StructuredOutput, "moderation": plan.Moderation,
	}

	start := time.Now()
	output, attempts, invokeErr := r.invokeWithRetry(ctx, desc, delegation, execCtx)
	duration := time.Since(start)

	metrics := map[string]any{
		"duration_ms": duration.Milliseconds(),
		"llm_plan":    planMap,
		"attempts":    attempts,
	}

	if r.costs != nil {
		if err := r.costs.RecordCost(ctx, cost.Record{
			Model: plan.Model, RunID: execCtx.RunID, Agent: delegation.SAGID,
			Metadata: map[string]any{"task_id": delegation.TaskID},
		}); err != nil {
			r.logger.Warn(ctx, "runner: failed to record sag cost", "run_id", execCtx.RunID, "error", err)
		}
	}

	if invokeErr != nil {
		return Result{TaskID: delegation.TaskID, Status: "failure", Output: map[string]any{}, Metrics: metrics, Error: invokeErr.Error()}, nil
	}
	return Result{TaskID: delegation.TaskID, Status: "success", Output: output, Metrics: metrics}, nil
}

// invokeWithRetry runs the SAG entrypoint up to MaxAttempts times with
// exponential backoff between failures, returning the attempt count actually
// used regardless of outcome.
func (r *Runner) invokeWithRetry(ctx context.Context, desc catalog.Descriptor, delegation Delegation, execCtx execctx.Context) (map[string]any, int, error) {
	policy := r.defaultRetry
	attempts := 0
	var output map[string]any
	var lastErr error
	backoff := policy.InitialBackoff

retryLoop:
	for {
		attempts++
		out, err := r.invokeSAGEntrypoint(ctx, desc, delegation, execCtx)
		if err == nil {
			output, lastErr = out, nil
			break retryLoop
		}
		lastErr = err
		if attempts >= policy.MaxAttempts {
			break retryLoop
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retryLoop
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * policy.BackoffCoefficient)
	}
	return output, attempts, lastErr
}

// invokeSAGEntrypoint runs the entrypoint itself, wrapped in the rate
// limiter and Runner Hooks when configured.
func (r *Runner) invokeSAGEntrypoint(ctx context.Context, desc catalog.Descriptor, delegation Delegation, execCtx execctx.Context) (map[string]any, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("runner: rate limiter: %w", err)
		}
	}

	if r.hooks == nil {
		return desc.Entrypoint(ctx, delegation.Input)
	}

	result, err := hooks.ExecuteWithHooks(ctx, r.hooks, delegation.SAGID, delegation.Input, execCtx,
		func(ctx context.Context, args map[string]any) (any, error) {
			return desc.Entrypoint(ctx, args)
		})
	if err != nil {
		return nil, err
	}
	output, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("runner: sag %q returned non-map output", delegation.SAGID)
	}
	return output, nil
}

// Handoff delegates from sourceAgent to targetAgent via the configured
// Handoff Tool, returning the tool's {handoff_id, status, result} view.
func (r *Runner) Handoff(ctx context.Context, sourceAgent, targetAgent, task string, handoffContext map[string]any) (map[string]any, error) {
	if r.handoffTool == nil {
		return nil, fmt.Errorf("runner: handoff: no handoff tool configured")
	}
	runID, _ := handoffContext["run_id"].(string)
	req, err := r.handoffTool.Handoff(ctx, sourceAgent, targetAgent, task, "agdd", runID, nil, handoffContext)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"handoff_id": req.HandoffID,
		"status":     string(req.Status),
		"result":     req.Result,
	}, nil
}

// ObservabilityLogger is the per-run disk artifact writer: logs.jsonl (one
// line per Log call), metrics.json, and summary.json, mirroring
// ObservabilityLogger's three-file contract in
// tests/unit/test_agent_runner.py. When a storage.Backend is configured,
// every Log call is additionally mirrored as a storage.Event so the same
// timeline is queryable through Storage, not just the filesystem.
type ObservabilityLogger struct {
	RunID     string
	RunDir    string
	agentSlug string
	backend   storage.Backend

	mu      sync.Mutex
	entries []logLine
	metrics map[string]float64
}

type logLine struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// newObservabilityLogger creates runID's observability directory under
// baseDir/runID and returns a ready logger.
func newObservabilityLogger(runID, agentSlug, baseDir string, backend storage.Backend) (*ObservabilityLogger, error) {
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("observability logger: mkdir %s: %w", dir, err)
	}
	return &ObservabilityLogger{
		RunID: runID, RunDir: dir, agentSlug: agentSlug, backend: backend,
		metrics: make(map[string]float64),
	}, nil
}

// NewObservabilityLogger is the exported constructor for callers assembling
// a Runner-independent observability trail (tests, custom orchestration).
func NewObservabilityLogger(runID, agentSlug, baseDir string, backend storage.Backend) (*ObservabilityLogger, error) {
	return newObservabilityLogger(runID, agentSlug, baseDir, backend)
}

// Log records event/data in memory and, if a Storage backend is attached,
// appends a mirrored mag.<event> Event.
func (o *ObservabilityLogger) Log(ctx context.Context, event string, data map[string]any) {
	now := time.Now().UTC()
	o.mu.Lock()
	o.entries = append(o.entries, logLine{Event: event, Data: data, Timestamp: now})
	o.mu.Unlock()

	if o.backend == nil {
		return
	}
	_ = o.backend.AppendEvent(ctx, storage.Event{
		RunID: o.RunID, AgentSlug: o.agentSlug, EventType: "mag." + event,
		Timestamp: now, Message: event, Payload: data,
	})
}

// Metric records a named gauge value for this run.
func (o *ObservabilityLogger) Metric(name string, value float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics[name] = value
}

// Finalize writes logs.jsonl, metrics.json, and summary.json to RunDir.
// summary is merged with run_id before being written.
func (o *ObservabilityLogger) Finalize(summary map[string]any) error {
	o.mu.Lock()
	entries := append([]logLine(nil), o.entries...)
	metrics := make(map[string]float64, len(o.metrics))
	for k, v := range o.metrics {
		metrics[k] = v
	}
	o.mu.Unlock()

	if err := writeJSONLines(filepath.Join(o.RunDir, "logs.jsonl"), entries); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(o.RunDir, "metrics.json"), metrics); err != nil {
		return err
	}

	final := map[string]any{"run_id": o.RunID}
	for k, v := range summary {
		final[k] = v
	}
	return writeJSON(filepath.Join(o.RunDir, "summary.json"), final)
}

func writeJSONLines(path string, entries []logLine) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("observability logger: create %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("observability logger: write %s: %w", path, err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("observability logger: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("observability logger: write %s: %w", path, err)
	}
	return nil
}
