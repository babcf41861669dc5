// Package determinism implements the Determinism Controller (C9):
// process-wide deterministic-mode state, seed resolution, provider-config
// normalization, and replay-context restoration for reproducible runs.
//
// Grounded on original_source/src/agdd/runner_determinism.py and its
// magsag/runner_determinism.py sibling (both read in full); the replay
// restore behavior follows the magsag variant, which always restores
// deterministic_mode exactly (including clearing the cached seed when the
// replayed snapshot was non-deterministic) rather than only ever turning
// determinism on.
//
// Unlike the Python original's module-level globals, state here lives on a
// Controller value constructed from config.Config, matching the
// constructor-injection pattern used by agent/telemetry and config itself —
// the Controller never reads os.Getenv; its env-derived seed arrives through
// config.Config.
package determinism

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/agdd-project/agdd-core/agent/canonicaljson"
	"github.com/agdd-project/agdd-core/config"
)

// reseedGlobalPRNG applies seed to math/rand's global source, or reseeds it
// from system entropy when seed is nil. Mirrors the original's
// random.seed(seed)/random.seed() calls: this runtime has no PRNG consumer
// of its own yet, but downstream code (retry jitter, sampling) that reaches
// for math/rand's top-level functions inherits the same determinism
// guarantee the original gave every caller of Python's random module.
func reseedGlobalPRNG(seed *int64) {
	if seed != nil {
		rand.Seed(*seed)
		return
	}
	rand.Seed(time.Now().UnixNano())
}

// Snapshot captures environment state for later replay.
type Snapshot struct {
	Timestamp         time.Time
	Seed              int64
	DeterministicMode bool
	EnvVars           map[string]string
}

// Controller holds deterministic-mode state for a process.
type Controller struct {
	mu   sync.Mutex
	mode bool
	seed *int64
	cfg  config.Config
}

// New builds a Controller seeded from cfg.DeterministicSeed, if set
// (AGDD_DETERMINISTIC_SEED). Deterministic mode starts disabled; callers
// enable it explicitly via SetMode.
func New(cfg config.Config) *Controller {
	c := &Controller{cfg: cfg}
	if cfg.DeterministicSeed != nil {
		seed := *cfg.DeterministicSeed
		c.seed = &seed
	}
	return c
}

// SetMode enables or disables deterministic execution mode. Enabling while a
// seed is already cached re-applies that seed to the global PRNG
// immediately; disabling reseeds the PRNG with fresh system entropy so
// deterministic behavior never leaks into a subsequent non-deterministic run.
func (c *Controller) SetMode(enabled bool) {
	c.mu.Lock()
	c.mode = enabled
	seed := c.seed
	c.mu.Unlock()

	if enabled {
		if seed != nil {
			reseedGlobalPRNG(seed)
		}
		return
	}
	reseedGlobalPRNG(nil)
}

// Mode reports whether deterministic mode is currently enabled.
func (c *Controller) Mode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetSeed explicitly sets the deterministic seed, taking priority over any
// value derived from the environment or wall clock, and immediately applies
// it to the global PRNG regardless of whether deterministic mode is
// currently enabled.
func (c *Controller) SetSeed(seed int64) {
	c.mu.Lock()
	c.seed = &seed
	c.mu.Unlock()
	reseedGlobalPRNG(&seed)
}

// ClearSeed drops the cached seed, forcing the next GetSeed call to
// re-derive one, and reseeds the global PRNG with fresh system entropy.
func (c *Controller) ClearSeed() {
	c.mu.Lock()
	c.seed = nil
	c.mu.Unlock()
	reseedGlobalPRNG(nil)
}

// GetSeed resolves the deterministic seed in priority order: an explicit
// SetSeed call (or the AGDD_DETERMINISTIC_SEED value the Controller was
// constructed with) beats a value derived from the wall clock, rounded to
// the minute so it stays stable across calls within the same process.
// The derived value is cached for the remainder of the process lifetime.
func (c *Controller) GetSeed() int64 {
	c.mu.Lock()
	if c.seed != nil {
		seed := *c.seed
		c.mu.Unlock()
		return seed
	}
	derived := (time.Now().Unix() / 60) * 60
	c.seed = &derived
	mode := c.mode
	c.mu.Unlock()

	if mode {
		reseedGlobalPRNG(&derived)
	}
	return derived
}

// ApplyDeterministicSettings returns a deep copy of providerConfig with
// deterministic overrides applied when the Controller's mode is enabled:
// temperature forced to 0, the resolved seed injected, top_p coerced to 1.0
// (greedy decoding) if present, and deterministic_mode/deterministic_seed
// stamped into metadata. The original is never mutated; when mode is
// disabled the copy is returned unmodified.
func (c *Controller) ApplyDeterministicSettings(providerConfig map[string]any) (map[string]any, error) {
	cp, err := deepCopyMap(providerConfig)
	if err != nil {
		return nil, err
	}
	if !c.Mode() {
		return cp, nil
	}
	seed := c.GetSeed()
	cp["temperature"] = 0.0
	cp["seed"] = seed
	if _, hasTopP := cp["top_p"]; hasTopP {
		cp["top_p"] = 1.0
	}
	meta, ok := cp["metadata"].(map[string]any)
	if !ok {
		meta = map[string]any{}
	}
	meta["deterministic_mode"] = true
	meta["deterministic_seed"] = seed
	cp["metadata"] = meta
	return cp, nil
}

// SnapshotEnvironment captures the current deterministic state and the
// config-derived environment values that may affect agent execution.
func (c *Controller) SnapshotEnvironment() Snapshot {
	mode := c.Mode()
	seed := c.GetSeed()

	envVars := make(map[string]string)
	if c.cfg.DeterministicSeed != nil {
		envVars[config.Namespace+"_DETERMINISTIC_SEED"] = strconv.FormatInt(*c.cfg.DeterministicSeed, 10)
	}
	if c.cfg.EnableMCP {
		envVars[config.Namespace+"_ENABLE_MCP"] = "true"
	}
	if c.cfg.LogLevel != "" {
		envVars[config.Namespace+"_LOG_LEVEL"] = c.cfg.LogLevel
	}
	if c.cfg.BaseDir != "" {
		envVars[config.Namespace+"_BASE_DIR"] = c.cfg.BaseDir
	}

	return Snapshot{
		Timestamp:         time.Now().UTC(),
		Seed:              seed,
		DeterministicMode: mode,
		EnvVars:           envVars,
	}
}

// CreateReplayContext restores the Controller's state from snapshot and
// returns a context map ready to pass to agent execution. Deterministic
// mode is restored exactly as recorded: when the snapshot was
// non-deterministic, mode is turned off and the cached seed is cleared
// rather than left over from whatever ran before the replay.
func (c *Controller) CreateReplayContext(snapshot Snapshot, additional map[string]any) map[string]any {
	context := map[string]any{
		"replay_mode":      true,
		"replay_timestamp": snapshot.Timestamp,
		"replay_seed":      snapshot.Seed,
	}

	c.SetMode(snapshot.DeterministicMode)
	if snapshot.DeterministicMode {
		c.SetSeed(snapshot.Seed)
		context["deterministic"] = true
	} else {
		c.ClearSeed()
	}

	for k, v := range additional {
		context[k] = v
	}
	return context
}

// ComputeRunFingerprint derives a stable, short identifier for a run
// configuration from its agent slug, input payload, and provider config, so
// equivalent runs can be recognized for replay purposes. It is a pure
// function: fingerprinting does not depend on or mutate Controller state.
func ComputeRunFingerprint(agentSlug string, payload, providerConfig map[string]any) (string, error) {
	components := map[string]any{
		"agent":   agentSlug,
		"payload": payload,
		"config":  providerConfig,
	}
	encoded, err := canonicaljson.Marshal(components)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:16], nil
}

func deepCopyMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}
