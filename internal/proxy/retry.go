package proxy

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls the delay between provider attempts within
// requestWithFailover. Delay for attempt n (0-indexed) is
// min(initial * multiplier^n, max) jittered by ±(jitter * delay).
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            float64 // fraction in [0,1]
}

// defaultRetryPolicy applies to chat/completions and any route not
// otherwise named below.
var defaultRetryPolicy = RetryPolicy{
	MaxRetries:        3,
	InitialDelay:      200 * time.Millisecond,
	MaxDelay:          5 * time.Second,
	BackoffMultiplier: 2.0,
	Jitter:            0.2,
}

// readOnlyRetryPolicy is returned for the idempotent "embeddings" and
// "models_list" routes, where retrying is always safe. Only
// requestWithFailover consults a route's policy: the embeddings handler calls
// the provider once without it, so embedding requests are not retried.
var readOnlyRetryPolicy = RetryPolicy{
	MaxRetries:        5,
	InitialDelay:      200 * time.Millisecond,
	MaxDelay:          5 * time.Second,
	BackoffMultiplier: 2.0,
	Jitter:            0.2,
}

// imageGenerationRetryPolicy applies to non-idempotent image generation:
// retrying risks duplicate billable generations, so it defaults to 1 (no
// retry beyond the initial attempt).
var imageGenerationRetryPolicy = RetryPolicy{
	MaxRetries:        1,
	InitialDelay:      200 * time.Millisecond,
	MaxDelay:          5 * time.Second,
	BackoffMultiplier: 2.0,
	Jitter:            0.2,
}

// retryPolicyForRoute returns the configured RetryPolicy for a route name,
// falling back to defaultRetryPolicy for anything unrecognized.
func retryPolicyForRoute(route string) RetryPolicy {
	switch route {
	case "embeddings", "models_list":
		return readOnlyRetryPolicy
	case "image_generation":
		return imageGenerationRetryPolicy
	default:
		return defaultRetryPolicy
	}
}

// delay returns the backoff duration for the n-th (0-indexed) retry
// attempt, jittered by ±(Jitter * base delay).
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && base > max {
		base = max
	}
	if p.Jitter <= 0 {
		return time.Duration(base)
	}
	spread := base * p.Jitter
	// uniform(-spread, +spread)
	offset := (rand.Float64()*2 - 1) * spread
	d := base + offset
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
