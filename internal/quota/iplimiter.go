package quota

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiterIdleTTL bounds how long an idle IP's token bucket is kept around.
const ipLimiterIdleTTL = 10 * time.Minute

type ipBucket struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// IPLimiter enforces a per-minute token-bucket limit (golang.org/x/time/rate)
// plus an optional per-hour windowed counter (via Cache.IncrBy) per client
// IP, for the unauthenticated path.
type IPLimiter struct {
	cfg   IPLimiterConfig
	cache Cache

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

func NewIPLimiter(c Cache, cfg IPLimiterConfig) *IPLimiter {
	return &IPLimiter{cfg: cfg, cache: c, buckets: make(map[string]*ipBucket)}
}

// Allow reports whether ip may proceed, creating its token bucket lazily.
func (l *IPLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	if !l.tokenBucketAllow(ip) {
		return false, nil
	}
	if l.cfg.RequestsPerHour <= 0 {
		return true, nil
	}

	hourBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	key := "ip_hourly:" + ip + ":" + strconv.FormatInt(hourBucket, 10)
	count, err := l.cache.IncrBy(ctx, key, 1, time.Hour)
	if err != nil {
		// Cache outage: fall back to the token-bucket decision already made.
		return true, nil
	}
	return count <= l.cfg.RequestsPerHour, nil
}

func (l *IPLimiter) tokenBucketAllow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		rps := l.cfg.RequestsPerMinute / 60
		burst := l.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		l.buckets[ip] = b
	}
	b.lastSeenAt = time.Now()
	return b.limiter.Allow()
}

// Sweep removes token buckets idle for longer than ipLimiterIdleTTL, bounding
// memory growth under a churning set of client IPs. Call periodically from a
// background goroutine.
func (l *IPLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-ipLimiterIdleTTL)
	for ip, b := range l.buckets {
		if b.lastSeenAt.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}
