package quota

import (
	"context"
	"time"
)

// concurrencyBookkeepingTTL bounds how long a stuck counter can linger if a
// caller crashes between Acquire and the deferred release — long enough to
// never expire mid-request, short enough to self-heal.
const concurrencyBookkeepingTTL = time.Hour

// ConcurrencyLimiter enforces a cap on in-flight requests per subject.
type ConcurrencyLimiter struct {
	cache Cache
}

func NewConcurrencyLimiter(c Cache) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{cache: c}
}

// Acquire increments subject's in-flight counter and fails with
// ErrConcurrencyLimit if it would exceed limit. The returned release func
// must be called exactly once (typically deferred) regardless of outcome.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context, subject string, limit int64) (release func(), err error) {
	key := "concurrency:" + subject
	newValue, err := l.cache.IncrBy(ctx, key, 1, concurrencyBookkeepingTTL)
	if err != nil {
		return func() {}, err
	}
	if newValue > limit {
		_, _ = l.cache.IncrBy(ctx, key, -1, concurrencyBookkeepingTTL)
		return func() {}, ErrConcurrencyLimit
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		_, _ = l.cache.IncrBy(context.WithoutCancel(ctx), key, -1, concurrencyBookkeepingTTL)
	}, nil
}
