package router

import "fmt"

// ExecutionMode selects realtime vs batch agent execution.
type ExecutionMode string

const (
	ModeRealtime ExecutionMode = "realtime"
	ModeBatch    ExecutionMode = "batch"
)

// ModelTier is a cost/quality tier for model selection.
type ModelTier string

const (
	TierLocal    ModelTier = "local"
	TierMini     ModelTier = "mini"
	TierStandard ModelTier = "standard"
	TierPremium  ModelTier = "premium"
)

// CacheStrategy controls how aggressively prompt caching is applied.
type CacheStrategy string

const (
	CacheNone         CacheStrategy = "none"
	CacheAggressive   CacheStrategy = "aggressive"
	CacheConservative CacheStrategy = "conservative"
)

// allTiers is the fixed cost-ascending tier order spec.md §4.6 names:
// local < mini < standard < premium.
var allTiers = []ModelTier{TierLocal, TierMini, TierStandard, TierPremium}

var tierBaseCost = map[ModelTier]float64{
	TierLocal: 0.0, TierMini: 0.002, TierStandard: 0.01, TierPremium: 0.03,
}

var tierQuality = map[ModelTier]float64{
	TierLocal: 0.5, TierMini: 0.8, TierStandard: 0.9, TierPremium: 0.95,
}

var tierBaseLatencyMS = map[ModelTier]int{
	TierLocal: 500, TierMini: 1000, TierStandard: 2000, TierPremium: 3000,
}

// SLAParameters describes the service-level constraints an ExecutionPlan
// must satisfy.
type SLAParameters struct {
	MaxLatencyMS     *int
	MaxCostUSD       *float64
	MinQuality       float64
	RealtimeRequired bool
	AllowCache       bool
	AllowBatch       bool
}

// ExecutionPlan is the deterministic output of Optimize.
type ExecutionPlan struct {
	Mode               ExecutionMode
	ModelTier          ModelTier
	CacheStrategy      CacheStrategy
	EnableBatch        bool
	EstimatedCostUSD   float64
	EstimatedLatencyMS int
	Reasoning          string
}

// Optimize implements the deterministic cost/latency optimizer of spec.md
// §4.6: identical SLA parameters always yield an identical plan.
func Optimize(sla SLAParameters) ExecutionPlan {
	mode := ModeBatch
	if sla.RealtimeRequired {
		mode = ModeRealtime
	}

	tier := selectModelTier(sla)
	cache := selectCacheStrategy(sla, tier)
	enableBatch := sla.AllowBatch && mode == ModeBatch

	cacheMultiplier := 1.0
	switch cache {
	case CacheAggressive:
		cacheMultiplier = 0.3
	case CacheConservative:
		cacheMultiplier = 0.6
	}
	estimatedCost := tierBaseCost[tier] * cacheMultiplier

	latency := float64(tierBaseLatencyMS[tier])
	if mode == ModeRealtime {
		latency *= 0.8
	}
	if enableBatch {
		latency += 5000
	}

	return ExecutionPlan{
		Mode: mode, ModelTier: tier, CacheStrategy: cache, EnableBatch: enableBatch,
		EstimatedCostUSD: estimatedCost, EstimatedLatencyMS: int(latency),
		Reasoning: buildReasoning(sla, mode, tier, cache, enableBatch),
	}
}

// selectModelTier picks the cheapest affordable tier meeting min_quality;
// when none does, the cost constraint wins if one was given (highest-quality
// affordable tier), else the cheapest tier meeting quality overall is used.
func selectModelTier(sla SLAParameters) ModelTier {
	var affordable []ModelTier
	if sla.MaxCostUSD != nil {
		for _, tier := range allTiers {
			if tierBaseCost[tier] <= *sla.MaxCostUSD {
				affordable = append(affordable, tier)
			}
		}
	} else {
		affordable = allTiers
	}

	for _, tier := range affordable {
		if tierQuality[tier] >= sla.MinQuality {
			return tier
		}
	}

	if sla.MaxCostUSD != nil {
		if len(affordable) > 0 {
			return affordable[len(affordable)-1]
		}
		return TierLocal
	}

	for _, tier := range allTiers {
		if tierQuality[tier] >= sla.MinQuality {
			return tier
		}
	}
	return TierLocal
}

func selectCacheStrategy(sla SLAParameters, tier ModelTier) CacheStrategy {
	if !sla.AllowCache {
		return CacheNone
	}
	if sla.MaxCostUSD != nil && *sla.MaxCostUSD < 0.005 {
		return CacheAggressive
	}
	if tier == TierStandard || tier == TierPremium {
		return CacheConservative
	}
	return CacheAggressive
}

func buildReasoning(sla SLAParameters, mode ExecutionMode, tier ModelTier, cache CacheStrategy, enableBatch bool) string {
	reasoning := ""
	if mode == ModeBatch {
		reasoning += "Non-realtime workload -> BATCH mode"
	} else {
		reasoning += "Realtime required -> REALTIME mode"
	}

	switch {
	case sla.MaxCostUSD != nil && *sla.MaxCostUSD < 0.001:
		reasoning += fmt.Sprintf("; Low cost budget ($%g) -> %s", *sla.MaxCostUSD, upper(string(tier)))
	case sla.MinQuality >= 0.9:
		reasoning += fmt.Sprintf("; High quality requirement (%g) -> %s", sla.MinQuality, upper(string(tier)))
	default:
		reasoning += fmt.Sprintf("; Quality requirement (%g) -> %s", sla.MinQuality, upper(string(tier)))
	}

	if cache != CacheNone {
		reasoning += fmt.Sprintf("; Caching enabled -> %s", upper(string(cache)))
	}
	if enableBatch {
		reasoning += "; Batch processing enabled for cost optimization"
	}
	return reasoning
}

func upper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'z' {
			out[i] = c - ('a' - 'A')
		}
	}
	return string(out)
}
