package quota

import (
	"context"
	"fmt"
	"time"
)

// BudgetTracker enforces cent-valued spend limits per scope (api_key, user,
// project, org) using the same reserve/commit/release protocol as
// RateLimiter, keyed by scope+period so each period starts a fresh counter.
type BudgetTracker struct {
	cache Cache
	nowFn func() time.Time
}

func NewBudgetTracker(c Cache) *BudgetTracker {
	return &BudgetTracker{cache: c, nowFn: time.Now}
}

func (b *BudgetTracker) now() time.Time {
	if b.nowFn != nil {
		return b.nowFn()
	}
	return time.Now()
}

func budgetKey(scope, scopeID string, periodStart time.Time) string {
	return fmt.Sprintf("budget:%s:%s:%d", scope, scopeID, periodStart.Unix())
}

func throttleKey(scope, scopeID string, periodStart time.Time) string {
	return fmt.Sprintf("budget_throttled:%s:%s:%d", scope, scopeID, periodStart.Unix())
}

// PeriodStart truncates now to the start of the most recent period-aligned
// window, anchored at the Unix epoch so all callers agree on boundaries.
func PeriodStart(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	unix := now.Unix()
	secs := int64(period / time.Second)
	return time.Unix((unix/secs)*secs, 0).UTC()
}

// BudgetReservation identifies an in-flight cent reservation.
type BudgetReservation struct {
	key string
	id  string
}

// Reserve estimates a request's cost in cents against scope's budget for the
// period containing now. On BudgetBlock, exceeding the limit fails with
// BudgetExceededError. On BudgetWarn, the request is admitted regardless (the
// caller is expected to emit a warning header). On BudgetThrottle, the
// request is admitted and a throttle flag is set for the remainder of the
// period so the rate limiter can apply ThrottleFactor.
func (b *BudgetTracker) Reserve(ctx context.Context, scope, scopeID string, cfg BudgetConfig, estimateCents int64) (*BudgetReservation, error) {
	start := PeriodStart(b.now(), cfg.Period)
	key := budgetKey(scope, scopeID, start)

	id, newValue, err := b.cache.Reserve(ctx, key, estimateCents, cfg.Period)
	if err != nil {
		return nil, err
	}

	if cfg.LimitCents > 0 && newValue > cfg.LimitCents {
		switch cfg.Action {
		case BudgetBlock:
			_ = b.cache.Release(ctx, key, id)
			return nil, &BudgetExceededError{Scope: scope}
		case BudgetThrottle:
			remaining := cfg.Period - b.now().Sub(start)
			if remaining < 0 {
				remaining = cfg.Period
			}
			_ = b.cache.Set(ctx, throttleKey(scope, scopeID, start), []byte("1"), remaining)
		case BudgetWarn:
			// Admit silently; caller surfaces a warning header.
		}
	}

	return &BudgetReservation{key: key, id: id}, nil
}

// Commit replaces the estimate with the actual cost once known.
func (b *BudgetTracker) Commit(ctx context.Context, res *BudgetReservation, actualCents int64) error {
	if res == nil {
		return nil
	}
	return b.cache.Commit(ctx, res.key, res.id, actualCents)
}

// Release refunds a reservation in full (upstream error before any cost was
// incurred).
func (b *BudgetTracker) Release(ctx context.Context, res *BudgetReservation) error {
	if res == nil {
		return nil
	}
	return b.cache.Release(ctx, res.key, res.id)
}

// Throttled reports whether scope is currently in a post-budget-exceeded
// throttle window, so the rate limiter can scale its limit down by
// ThrottleFactor for the remainder of the period.
func (b *BudgetTracker) Throttled(ctx context.Context, scope, scopeID string, period time.Duration) bool {
	start := PeriodStart(b.now(), period)
	_, ok := b.cache.Get(ctx, throttleKey(scope, scopeID, start))
	return ok
}
