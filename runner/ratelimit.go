package runner

import (
	"golang.org/x/time/rate"
)

// NewRateLimiter builds a token-bucket limiter suitable for Options.RateLimiter:
// ratePerMinute SAG delegations are admitted per minute on average, with
// bursts up to burst delegations admitted immediately. *rate.Limiter already
// satisfies the RateLimiter interface's Wait(ctx) error shape, so this is a
// thin constructor rather than an adapter.
//
// Condensed from the adaptive tokens-per-minute limiter in the model-client
// middleware this runtime's LLM provider layer is out of scope for (see
// DESIGN.md): that limiter adjusts its budget in response to provider
// backoff signals and coordinates it across a process cluster via a
// replicated map. invoke_sag has no provider-rate-limit feedback to adapt
// to and the Runner is not clustered, so a fixed-budget limiter is enough
// here; reach for the adaptive version's pattern again if delegation traffic
// ever needs to back off dynamically.
func NewRateLimiter(ratePerMinute float64, burst int) *rate.Limiter {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	if burst <= 0 {
		burst = int(ratePerMinute)
		if burst <= 0 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(ratePerMinute/60.0), burst)
}
