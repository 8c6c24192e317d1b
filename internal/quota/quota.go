// Package quota enforces the gateway's three ordered admission checks: IP
// rate limiting on the unauthenticated path, per-identity rate limiting and
// concurrency capping, and cent-valued budget enforcement. The rate-limit and
// budget counters use the atomic reserve/commit/release primitives on
// internal/cache so an estimate can be taken before dispatch and trued up (or
// refunded) after; the concurrency and hourly IP counters use IncrBy.
package quota

import "errors"

var (
	// ErrRateLimited is returned when a rate-limit counter would exceed its
	// configured limit. Callers should surface RetryAfter to the client.
	ErrRateLimited = errors.New("quota: rate limit exceeded")

	// ErrConcurrencyLimit is returned when a subject already has
	// concurrent_requests in flight.
	ErrConcurrencyLimit = errors.New("quota: concurrency limit exceeded")

	// ErrBudgetExceeded is returned when a cent-valued budget reservation
	// would exceed its limit for the Block action.
	ErrBudgetExceeded = errors.New("quota: budget exceeded")

	// ErrPerKeyLimitAboveGlobal is a config-time validation error: a
	// per-key override must not exceed the corresponding global limit.
	ErrPerKeyLimitAboveGlobal = errors.New("quota: per-key limit exceeds global limit")
)

// BudgetExceededError carries the scope a budget check failed at, since
// ErrBudgetExceeded alone doesn't identify api_key vs user vs project vs org.
type BudgetExceededError struct {
	Scope string
}

func (e *BudgetExceededError) Error() string {
	return "quota: budget exceeded (scope=" + e.Scope + ")"
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// RateLimitedError carries the duration the caller should wait before
// retrying.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string { return "quota: rate limited" }
func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }
