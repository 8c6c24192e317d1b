package quota

import "time"

// WindowMode selects the rate-limit counting algorithm.
type WindowMode string

const (
	WindowFixed   WindowMode = "fixed"
	WindowSliding WindowMode = "sliding"
)

// BudgetAction is the behavior applied once a budget is exceeded.
type BudgetAction string

const (
	BudgetBlock    BudgetAction = "block"
	BudgetWarn     BudgetAction = "warn"
	BudgetThrottle BudgetAction = "throttle"
)

// RateLimitConfig configures the per-identity request-token rate limiter.
type RateLimitConfig struct {
	Mode WindowMode
	// Window is the bucketing period (e.g. time.Minute for per-minute,
	// 24*time.Hour for per-day).
	Window time.Duration
	// Limit is the maximum number of estimated tokens allowed per Window.
	Limit int64
	// EstimatedTokensPerRequest is the default per-request cost estimate
	// used when a request-shape-specific estimate isn't available.
	EstimatedTokensPerRequest int64
}

// ConcurrencyConfig bounds in-flight requests per subject.
type ConcurrencyConfig struct {
	ConcurrentRequests int64
}

// BudgetConfig configures cent-valued spend enforcement for one scope.
type BudgetConfig struct {
	LimitCents int64
	Period     time.Duration // e.g. 24h or 30*24h
	Action     BudgetAction
	// ThrottleFactor scales down the rate-limit allowance (multiplied into
	// RateLimitConfig.Limit) for the remainder of the period once exceeded
	// under BudgetThrottle.
	ThrottleFactor float64
}

// IPLimiterConfig configures the unauthenticated-path IP rate limiter.
type IPLimiterConfig struct {
	// RequestsPerMinute feeds the token-bucket dimension (x/time/rate).
	RequestsPerMinute float64
	Burst             int
	// RequestsPerHour is an optional secondary windowed counter enforced
	// through the cache's IncrBy primitive. 0 disables it.
	RequestsPerHour int64
}

// Pricing is a model's cost schedule, all figures in millionths of a dollar
// per unit (ten-thousandths of a cent, i.e. cents * 10,000) to keep integer
// arithmetic precise for sub-cent per-token prices.
type Pricing struct {
	PerInputTokenMicros       int64
	PerOutputTokenMicros      int64
	PerCachedReadTokenMicros  int64
	PerCachedWriteTokenMicros int64
	PerImageMicros            int64
	PerSecondMicros           int64
	PerCharacterMicros        int64
}

// Usage is the billable quantities of one request/response pair.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	CachedReadTokens  int64
	CachedWriteTokens int64
	Images            int64
	Seconds           float64
	Characters        int64
}

// CostCents computes the integer-cent cost of usage under p, rounding up so
// fractional-cent costs never under-bill.
func (p Pricing) CostCents(u Usage) int64 {
	micros := u.InputTokens*p.PerInputTokenMicros +
		u.OutputTokens*p.PerOutputTokenMicros +
		u.CachedReadTokens*p.PerCachedReadTokenMicros +
		u.CachedWriteTokens*p.PerCachedWriteTokenMicros +
		u.Images*p.PerImageMicros +
		int64(u.Seconds*float64(p.PerSecondMicros)) +
		u.Characters*p.PerCharacterMicros

	const microsPerCent = 10_000
	cents := micros / microsPerCent
	if micros%microsPerCent != 0 {
		cents++
	}
	return cents
}

// ValidatePerKeyLimit returns ErrPerKeyLimitAboveGlobal if a per-key override
// exceeds the corresponding global limit. global <= 0 means unbounded.
func ValidatePerKeyLimit(global, perKey int64) error {
	if global > 0 && perKey > global {
		return ErrPerKeyLimitAboveGlobal
	}
	return nil
}
