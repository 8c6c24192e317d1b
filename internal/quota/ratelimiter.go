package quota

import (
	"context"
	"fmt"
	"time"
)

// Cache is the subset of cache.Cache the rate limiter and budget tracker
// need — the counter/reservation primitives, not the response-cache Get/Set.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Reserve(ctx context.Context, key string, amount int64, ttl time.Duration) (reservationID string, newValue int64, err error)
	Commit(ctx context.Context, key, reservationID string, actual int64) error
	Release(ctx context.Context, key, reservationID string) error
}

// RateLimiter enforces RateLimitConfig.Limit over a fixed or sliding window
// using the cache's atomic reserve/commit/release primitives.
type RateLimiter struct {
	cache Cache
	cfg   RateLimitConfig
	// nowFn is overridable in tests.
	nowFn func() time.Time
}

func NewRateLimiter(c Cache, cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{cache: c, cfg: cfg, nowFn: time.Now}
}

func (r *RateLimiter) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}

// bucketKey returns the wall-clock bucket identifier for t at the configured
// window granularity (integer division of the unix timestamp).
func (r *RateLimiter) bucketKey(subject string, t time.Time) string {
	bucket := t.Unix() / int64(r.cfg.Window/time.Second)
	return fmt.Sprintf("ratelimit:%s:%d", subject, bucket)
}

// Reservation identifies an in-flight rate-limit reservation so it can be
// released (e.g. on upstream error, rate limiting doesn't reconcile to an
// "actual" the way budgets do — it's simply refunded in full).
type Reservation struct {
	key string
	id  string
}

// Reserve estimates `estimate` tokens of usage against subject's window and
// either admits the request (returning a Reservation to Release on failure)
// or fails with RateLimited.
//
// Fixed window: one counter per bucket; overshoot is corrected by releasing
// the reservation immediately, so no caller is ever double-counted.
//
// Sliding window: the current bucket's reservation is weighted against the
// previous bucket's count by the elapsed fraction of the current window,
// approximating a continuous window with two fixed counters. The
// weighted-count read and the reserve are not a single atomic operation, so
// sliding-window enforcement is approximate under heavy concurrent bursts at
// a window boundary; fixed-window enforcement has no such gap.
func (r *RateLimiter) Reserve(ctx context.Context, subject string, estimate int64) (*Reservation, error) {
	if estimate <= 0 {
		estimate = r.cfg.EstimatedTokensPerRequest
	}
	now := r.now()
	currentKey := r.bucketKey(subject, now)

	switch r.cfg.Mode {
	case WindowSliding:
		return r.reserveSliding(ctx, subject, currentKey, now, estimate)
	default:
		return r.reserveFixed(ctx, currentKey, estimate)
	}
}

func (r *RateLimiter) reserveFixed(ctx context.Context, currentKey string, estimate int64) (*Reservation, error) {
	id, newValue, err := r.cache.Reserve(ctx, currentKey, estimate, r.cfg.Window)
	if err != nil {
		return nil, err
	}
	if newValue > r.cfg.Limit {
		_ = r.cache.Release(ctx, currentKey, id)
		return nil, &RateLimitedError{RetryAfterSeconds: secondsUntilNextBucket(r.cfg.Window, r.now())}
	}
	return &Reservation{key: currentKey, id: id}, nil
}

func (r *RateLimiter) reserveSliding(ctx context.Context, subject, currentKey string, now time.Time, estimate int64) (*Reservation, error) {
	windowSecs := int64(r.cfg.Window / time.Second)
	prevKey := r.bucketKey(subject, now.Add(-r.cfg.Window))
	elapsed := now.Unix() % windowSecs
	frac := float64(elapsed) / float64(windowSecs)

	prevCount, err := r.cache.IncrBy(ctx, prevKey, 0, r.cfg.Window)
	if err != nil {
		return nil, err
	}

	id, currentCount, err := r.cache.Reserve(ctx, currentKey, estimate, 2*r.cfg.Window)
	if err != nil {
		return nil, err
	}

	weighted := float64(prevCount)*(1-frac) + float64(currentCount)
	if weighted > float64(r.cfg.Limit) {
		_ = r.cache.Release(ctx, currentKey, id)
		return nil, &RateLimitedError{RetryAfterSeconds: secondsUntilNextBucket(r.cfg.Window, now)}
	}
	return &Reservation{key: currentKey, id: id}, nil
}

// Release refunds a reservation in full (e.g. on upstream error before any
// usage was incurred).
func (r *RateLimiter) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	return r.cache.Release(ctx, res.key, res.id)
}

// Commit replaces the estimate with the actual token usage once the
// provider's usage fields (or accumulated streaming deltas) are known, so a
// request that consumed fewer tokens than estimated doesn't keep the
// difference reserved for the rest of the window.
func (r *RateLimiter) Commit(ctx context.Context, res *Reservation, actual int64) error {
	if res == nil {
		return nil
	}
	return r.cache.Commit(ctx, res.key, res.id, actual)
}

func secondsUntilNextBucket(window time.Duration, now time.Time) int {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return 1
	}
	elapsed := now.Unix() % secs
	return int(secs - elapsed)
}
