package determinism_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/config"
	"github.com/agdd-project/agdd-core/determinism"
)

func TestGetSeedPrefersExplicitConfigSeed(t *testing.T) {
	seed := int64(42)
	c := determinism.New(config.Config{DeterministicSeed: &seed})
	require.Equal(t, int64(42), c.GetSeed())
}

func TestSetSeedOverridesConfigSeed(t *testing.T) {
	seed := int64(42)
	c := determinism.New(config.Config{DeterministicSeed: &seed})
	c.SetSeed(7)
	require.Equal(t, int64(7), c.GetSeed())
}

func TestGetSeedDerivesAndCachesWhenUnset(t *testing.T) {
	c := determinism.New(config.Config{})
	first := c.GetSeed()
	second := c.GetSeed()
	require.Equal(t, first, second)
	require.Zero(t, first%60)
}

func TestApplyDeterministicSettingsNoopWhenModeDisabled(t *testing.T) {
	c := determinism.New(config.Config{})
	original := map[string]any{"temperature": 0.7}
	applied, err := c.ApplyDeterministicSettings(original)
	require.NoError(t, err)
	require.Equal(t, 0.7, applied["temperature"])
	// original is untouched regardless
	require.Equal(t, 0.7, original["temperature"])
}

func TestApplyDeterministicSettingsStampsConfigWhenModeEnabled(t *testing.T) {
	seed := int64(99)
	c := determinism.New(config.Config{DeterministicSeed: &seed})
	c.SetMode(true)

	original := map[string]any{"temperature": 0.9, "top_p": 0.95}
	applied, err := c.ApplyDeterministicSettings(original)
	require.NoError(t, err)

	require.Equal(t, 0.0, applied["temperature"])
	require.Equal(t, int64(99), applied["seed"])
	require.Equal(t, 1.0, applied["top_p"])
	meta, ok := applied["metadata"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, meta["deterministic_mode"])
	require.Equal(t, int64(99), meta["deterministic_seed"])

	// original config was not mutated
	require.Equal(t, 0.9, original["temperature"])
	require.NotContains(t, original, "seed")
}

func TestApplyDeterministicSettingsDoesNotAddTopPWhenAbsent(t *testing.T) {
	c := determinism.New(config.Config{})
	c.SetMode(true)
	applied, err := c.ApplyDeterministicSettings(map[string]any{})
	require.NoError(t, err)
	require.NotContains(t, applied, "top_p")
}

func TestCreateReplayContextRestoresDeterministicSnapshot(t *testing.T) {
	c := determinism.New(config.Config{})
	snapshot := determinism.Snapshot{DeterministicMode: true, Seed: 123}

	ctx := c.CreateReplayContext(snapshot, map[string]any{"extra": "value"})
	require.Equal(t, true, ctx["replay_mode"])
	require.Equal(t, int64(123), ctx["replay_seed"])
	require.Equal(t, true, ctx["deterministic"])
	require.Equal(t, "value", ctx["extra"])

	require.True(t, c.Mode())
	require.Equal(t, int64(123), c.GetSeed())
}

func TestCreateReplayContextClearsSeedForNonDeterministicSnapshot(t *testing.T) {
	seed := int64(55)
	c := determinism.New(config.Config{DeterministicSeed: &seed})
	c.SetMode(true)
	require.True(t, c.Mode())

	snapshot := determinism.Snapshot{DeterministicMode: false}
	ctx := c.CreateReplayContext(snapshot, nil)

	require.NotContains(t, ctx, "deterministic")
	require.False(t, c.Mode())
	// cached explicit seed was cleared; GetSeed now derives a fresh one
	require.NotEqual(t, int64(55), c.GetSeed())
}

func TestSnapshotEnvironmentCapturesConfigDerivedVars(t *testing.T) {
	seed := int64(10)
	c := determinism.New(config.Config{
		DeterministicSeed: &seed,
		EnableMCP:         true,
		LogLevel:          "debug",
		BaseDir:           ".runs",
	})
	snap := c.SnapshotEnvironment()
	require.Equal(t, "10", snap.EnvVars["AGDD_DETERMINISTIC_SEED"])
	require.Equal(t, "true", snap.EnvVars["AGDD_ENABLE_MCP"])
	require.Equal(t, "debug", snap.EnvVars["AGDD_LOG_LEVEL"])
	require.Equal(t, ".runs", snap.EnvVars["AGDD_BASE_DIR"])
}

func TestComputeRunFingerprintIsStableAndOrderIndependent(t *testing.T) {
	payload := map[string]any{"b": 2, "a": 1}
	cfg := map[string]any{"model": "gpt-4o"}

	first, err := determinism.ComputeRunFingerprint("planner", payload, cfg)
	require.NoError(t, err)
	require.Len(t, first, 16)

	reordered := map[string]any{"a": 1, "b": 2}
	second, err := determinism.ComputeRunFingerprint("planner", reordered, cfg)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestComputeRunFingerprintChangesWithPayload(t *testing.T) {
	cfg := map[string]any{"model": "gpt-4o"}
	first, err := determinism.ComputeRunFingerprint("planner", map[string]any{"a": 1}, cfg)
	require.NoError(t, err)
	second, err := determinism.ComputeRunFingerprint("planner", map[string]any{"a": 2}, cfg)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestSetSeedReseedsGlobalPRNG(t *testing.T) {
	c := determinism.New(config.Config{})
	c.SetSeed(123)
	first := rand.Int63()

	c.SetSeed(123)
	second := rand.Int63()

	require.Equal(t, first, second, "reapplying the same seed must reproduce the same draw")
}

func TestSetModeEnablingReappliesCachedSeed(t *testing.T) {
	seed := int64(7)
	c := determinism.New(config.Config{DeterministicSeed: &seed})

	c.SetMode(true)
	first := rand.Int63()

	c.SetMode(false) // reseeds with fresh entropy
	c.SetMode(true)  // must re-apply the cached seed, not leave entropy in place
	second := rand.Int63()

	require.Equal(t, first, second)
}

func TestSetModeDisablingReseedsWithFreshEntropy(t *testing.T) {
	seed := int64(55)
	c := determinism.New(config.Config{DeterministicSeed: &seed})

	c.SetMode(true)
	c.SetMode(false)
	afterFirstDisable := rand.Int63()

	c.SetMode(true)
	c.SetMode(false)
	afterSecondDisable := rand.Int63()

	require.NotEqual(t, afterFirstDisable, afterSecondDisable)
}

func TestClearSeedReseedsWithFreshEntropy(t *testing.T) {
	seed := int64(99)
	c := determinism.New(config.Config{DeterministicSeed: &seed})

	c.SetSeed(99)
	c.ClearSeed()
	afterFirstClear := rand.Int63()

	c.SetSeed(99)
	c.ClearSeed()
	afterSecondClear := rand.Int63()

	require.NotEqual(t, afterFirstClear, afterSecondClear)
}
