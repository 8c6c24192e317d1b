package quota

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
)

func newTestCache(t *testing.T) *cache.MemoryCache {
	t.Helper()
	c := cache.NewMemoryCache(context.Background())
	t.Cleanup(c.Close)
	return c
}

func TestRateLimiterFixedWindowAdmitsUnderLimit(t *testing.T) {
	c := newTestCache(t)
	rl := NewRateLimiter(c, RateLimitConfig{Mode: WindowFixed, Window: time.Minute, Limit: 100})

	res, err := rl.Reserve(context.Background(), "key-1", 40)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res == nil {
		t.Fatal("expected a reservation")
	}
}

func TestRateLimiterFixedWindowRejectsOverLimit(t *testing.T) {
	c := newTestCache(t)
	rl := NewRateLimiter(c, RateLimitConfig{Mode: WindowFixed, Window: time.Minute, Limit: 100})

	if _, err := rl.Reserve(context.Background(), "key-2", 80); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	_, err := rl.Reserve(context.Background(), "key-2", 80)
	if err == nil {
		t.Fatal("expected RateLimited on second reserve")
	}
	var rlErr *RateLimitedError
	if !isRateLimitedError(err, &rlErr) {
		t.Fatalf("err = %v, want *RateLimitedError", err)
	}
}

func isRateLimitedError(err error, target **RateLimitedError) bool {
	if e, ok := err.(*RateLimitedError); ok {
		*target = e
		return true
	}
	return false
}

func TestRateLimiterReleaseRefundsReservation(t *testing.T) {
	c := newTestCache(t)
	rl := NewRateLimiter(c, RateLimitConfig{Mode: WindowFixed, Window: time.Minute, Limit: 100})

	res, err := rl.Reserve(context.Background(), "key-3", 90)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := rl.Release(context.Background(), res); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Room should be freed up for a second reservation of the same size.
	if _, err := rl.Reserve(context.Background(), "key-3", 90); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
}

func TestRateLimiterSlidingWindowWeighsPreviousBucket(t *testing.T) {
	c := newTestCache(t)
	rl := NewRateLimiter(c, RateLimitConfig{Mode: WindowSliding, Window: time.Minute, Limit: 100})
	base := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	rl.nowFn = func() time.Time { return base }

	if _, err := rl.Reserve(context.Background(), "key-4", 90); err != nil {
		t.Fatalf("Reserve in first bucket: %v", err)
	}

	// One second into the next bucket, the previous bucket (90) is still
	// weighted at ~98%, so a further 40 pushes the effective count over 100.
	rl.nowFn = func() time.Time { return base.Add(time.Minute + time.Second) }
	_, err := rl.Reserve(context.Background(), "key-4", 40)
	if err == nil {
		t.Fatal("expected sliding-window reservation to be rejected")
	}
}

func TestConcurrencyLimiterEnforcesCapAndReleases(t *testing.T) {
	c := newTestCache(t)
	cl := NewConcurrencyLimiter(c)
	ctx := context.Background()

	release1, err := cl.Acquire(ctx, "subject-1", 2)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	release2, err := cl.Acquire(ctx, "subject-1", 2)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if _, err := cl.Acquire(ctx, "subject-1", 2); err != ErrConcurrencyLimit {
		t.Fatalf("Acquire 3 = %v, want ErrConcurrencyLimit", err)
	}

	release1()
	if _, err := cl.Acquire(ctx, "subject-1", 2); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release2()
}

func TestBudgetTrackerBlocksOverLimit(t *testing.T) {
	c := newTestCache(t)
	bt := NewBudgetTracker(c)
	cfg := BudgetConfig{LimitCents: 100, Period: time.Hour, Action: BudgetBlock}

	if _, err := bt.Reserve(context.Background(), "api_key", "k1", cfg, 80); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	_, err := bt.Reserve(context.Background(), "api_key", "k1", cfg, 80)
	if err == nil {
		t.Fatal("expected BudgetExceededError")
	}
}

func TestBudgetTrackerThrottleSetsFlag(t *testing.T) {
	c := newTestCache(t)
	bt := NewBudgetTracker(c)
	cfg := BudgetConfig{LimitCents: 100, Period: time.Hour, Action: BudgetThrottle, ThrottleFactor: 0.5}

	if _, err := bt.Reserve(context.Background(), "org", "org-1", cfg, 150); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !bt.Throttled(context.Background(), "org", "org-1", cfg.Period) {
		t.Fatal("expected Throttled to report true after exceeding under BudgetThrottle")
	}
}

func TestBudgetTrackerCommitReplacesEstimate(t *testing.T) {
	c := newTestCache(t)
	bt := NewBudgetTracker(c)
	cfg := BudgetConfig{LimitCents: 1000, Period: time.Hour, Action: BudgetBlock}

	res, err := bt.Reserve(context.Background(), "api_key", "k2", cfg, 50)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := bt.Commit(context.Background(), res, 10); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Actual (10) replaced the estimate (50), freeing most of the budget.
	if _, err := bt.Reserve(context.Background(), "api_key", "k2", cfg, 900); err != nil {
		t.Fatalf("Reserve after commit: %v", err)
	}
}

func TestPricingCostCentsRoundsUp(t *testing.T) {
	p := Pricing{PerInputTokenMicros: 1, PerOutputTokenMicros: 2}
	got := p.CostCents(Usage{InputTokens: 1, OutputTokens: 1})
	if got != 1 {
		t.Fatalf("CostCents = %d, want 1 (rounded up from 0.0003 cents)", got)
	}
}

func TestValidatePerKeyLimit(t *testing.T) {
	if err := ValidatePerKeyLimit(100, 50); err != nil {
		t.Fatalf("ValidatePerKeyLimit(100,50) = %v, want nil", err)
	}
	if err := ValidatePerKeyLimit(100, 200); err != ErrPerKeyLimitAboveGlobal {
		t.Fatalf("ValidatePerKeyLimit(100,200) = %v, want ErrPerKeyLimitAboveGlobal", err)
	}
	if err := ValidatePerKeyLimit(0, 200); err != nil {
		t.Fatalf("ValidatePerKeyLimit(0,200) = %v, want nil (unbounded global)", err)
	}
}

func TestIPLimiterTokenBucket(t *testing.T) {
	c := newTestCache(t)
	l := NewIPLimiter(c, IPLimiterConfig{RequestsPerMinute: 60, Burst: 2})

	ok, err := l.Allow(context.Background(), "1.2.3.4")
	if err != nil || !ok {
		t.Fatalf("Allow 1 = %v, %v", ok, err)
	}
	ok, err = l.Allow(context.Background(), "1.2.3.4")
	if err != nil || !ok {
		t.Fatalf("Allow 2 = %v, %v", ok, err)
	}
	ok, err = l.Allow(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("Allow 3: %v", err)
	}
	if ok {
		t.Fatal("expected burst of 2 to be exhausted on the third immediate call")
	}
}

func TestIPLimiterHourlyCounter(t *testing.T) {
	c := newTestCache(t)
	l := NewIPLimiter(c, IPLimiterConfig{RequestsPerMinute: 6000, Burst: 100, RequestsPerHour: 2})

	ctx := context.Background()
	if ok, err := l.Allow(ctx, "5.6.7.8"); err != nil || !ok {
		t.Fatalf("Allow 1 = %v, %v", ok, err)
	}
	if ok, err := l.Allow(ctx, "5.6.7.8"); err != nil || !ok {
		t.Fatalf("Allow 2 = %v, %v", ok, err)
	}
	ok, err := l.Allow(ctx, "5.6.7.8")
	if err != nil {
		t.Fatalf("Allow 3: %v", err)
	}
	if ok {
		t.Fatal("expected hourly cap of 2 to reject the third request")
	}
}
