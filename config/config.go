// Package config reads the runtime's environment variables once at process
// start into a typed Config value. Subsystems take the fields they need
// through their own Options structs, matching the dependency-injection
// pattern used throughout the runtime; the one exception is router.GetPlan,
// which reads AGDD_PROVIDER and AGDD_MODEL itself on every call. Unknown
// environment variables are ignored.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Namespace is the environment variable prefix, "AGDD" per the chosen
// namespace token (see DESIGN.md).
const Namespace = "AGDD"

// Config holds every `AGDD_*` setting the runtime consumes.
type Config struct {
	// DeterministicSeed is the explicit seed override, parsed from
	// AGDD_DETERMINISTIC_SEED. Zero value (nil) means unset — the
	// Determinism Controller falls through to its own resolution order.
	DeterministicSeed *int64
	// Provider overrides the Router's selected Plan.Provider.
	Provider string
	// Model overrides the Router's selected Plan.Model.
	Model string
	// Environment selects the Permission Evaluator's environment override
	// bucket (development|staging|production, free-form otherwise).
	Environment string
	// BaseDir is the root directory for persisted state (".runs" by
	// default).
	BaseDir string
	// EnableMCP toggles MCP tool-server integration.
	EnableMCP bool
	// LogLevel is passed through to the logger's configuration.
	LogLevel string
}

// DefaultBaseDir is used when AGDD_BASE_DIR is unset.
const DefaultBaseDir = ".runs"

// FromEnviron reads Config from the process environment. It never returns an
// error: malformed values (e.g. a non-numeric seed) are treated as unset
// rather than rejected, since this spec's env vars are all advisory
// overrides with well-defined fallbacks.
func FromEnviron() Config {
	cfg := Config{
		Provider:    os.Getenv(envKey("PROVIDER")),
		Model:       os.Getenv(envKey("MODEL")),
		Environment: os.Getenv(envKey("ENVIRONMENT")),
		BaseDir:     os.Getenv(envKey("BASE_DIR")),
		LogLevel:    os.Getenv(envKey("LOG_LEVEL")),
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = DefaultBaseDir
	}
	if v := os.Getenv(envKey("ENABLE_MCP")); v != "" {
		cfg.EnableMCP = parseBool(v)
	}
	if v := os.Getenv(envKey("DETERMINISTIC_SEED")); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.DeterministicSeed = &seed
		}
	}
	return cfg
}

func envKey(suffix string) string {
	return Namespace + "_" + suffix
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
