// Package cache provides Redis-backed exact-match caching.
//
// Key format: SHA-256(workspace_id + provider + model + temperature + messages_json)
//
// Graceful degradation: when Redis is unavailable, Get returns (nil, false)
// and Set returns nil so the proxy never fails due to a missing cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultCacheTimeout = 500 * time.Millisecond

// incrByScript atomically increments a counter, setting its TTL only at
// creation so repeated calls within the window don't keep pushing expiry out.
// KEYS[1] = counter key
// ARGV[1] = delta
// ARGV[2] = ttl in milliseconds (0 = no expiry)
// Returns: new counter value.
var incrByScript = redis.NewScript(`
	local existed = redis.call('EXISTS', KEYS[1])
	local newVal = redis.call('INCRBY', KEYS[1], ARGV[1])
	if existed == 0 and tonumber(ARGV[2]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return newVal
`)

// reserveScript performs the same increment as incrByScript but also records
// a reservation hash entry under a derived key so Commit/Release can later
// true it up.
// KEYS[1] = counter key
// KEYS[2] = reservation key (hash: reservation_id -> amount)
// ARGV[1] = amount
// ARGV[2] = ttl in milliseconds (0 = no expiry)
// ARGV[3] = reservation id
// Returns: new counter value.
var reserveScript = redis.NewScript(`
	local existed = redis.call('EXISTS', KEYS[1])
	local newVal = redis.call('INCRBY', KEYS[1], ARGV[1])
	if existed == 0 and tonumber(ARGV[2]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	redis.call('HSET', KEYS[2], ARGV[3], ARGV[1])
	if tonumber(ARGV[2]) > 0 then
		redis.call('PEXPIRE', KEYS[2], ARGV[2])
	end
	return newVal
`)

// commitScript adjusts the counter by (actual - reserved) and clears the
// reservation hash entry. Returns -1 if the reservation id is unknown.
// KEYS[1] = counter key
// KEYS[2] = reservation key
// ARGV[1] = reservation id
// ARGV[2] = actual amount
var commitScript = redis.NewScript(`
	local reserved = redis.call('HGET', KEYS[2], ARGV[1])
	if reserved == false then
		return -1
	end
	redis.call('HDEL', KEYS[2], ARGV[1])
	local delta = tonumber(ARGV[2]) - tonumber(reserved)
	if delta ~= 0 then
		redis.call('INCRBY', KEYS[1], delta)
	end
	return 1
`)

// releaseScript subtracts a reservation's amount back out and clears it.
// Returns -1 if the reservation id is unknown.
// KEYS[1] = counter key
// KEYS[2] = reservation key
// ARGV[1] = reservation id
var releaseScript = redis.NewScript(`
	local reserved = redis.call('HGET', KEYS[2], ARGV[1])
	if reserved == false then
		return -1
	end
	redis.call('HDEL', KEYS[2], ARGV[1])
	redis.call('DECRBY', KEYS[1], tonumber(reserved))
	return 1
`)

// setIfAbsentScript stores value under key only if it does not already exist.
// Returns 1 if the set happened, 0 otherwise.
var setIfAbsentScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	if tonumber(ARGV[2]) > 0 then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	else
		redis.call('SET', KEYS[1], ARGV[1])
	end
	return 1
`)

func reservationHashKey(key string) string {
	return key + ":reservations"
}

// ExactCache is a Redis-backed cache that implements the Cache interface.
//
// The key/value operations degrade gracefully when Redis is unavailable
// (the counter operations IncrBy/Reserve/Commit/Release/SetIfAbsent return
// Redis errors to the caller):
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error (silent degradation keeps proxy alive).
//   - Delete returns the underlying error so callers can log/handle it.
type ExactCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewExactCacheFromClient wraps an existing Redis client in an ExactCache.
// The caller owns the client lifecycle (creation and Close).
func NewExactCacheFromClient(redisCli *redis.Client) *ExactCache {
	return &ExactCache{client: redisCli, queryTimeout: defaultCacheTimeout}
}

// NewExactCacheFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns an ExactCache.
// Returns an error if the URL is invalid or the initial ping fails.
func NewExactCacheFromURL(ctx context.Context, redisURL string) (*ExactCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &ExactCache{client: cli, queryTimeout: defaultCacheTimeout}, nil
}

// Get retrieves the value for key from Redis.
// Returns (data, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN level but not propagated.
func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL.
// Returns nil even on Redis error — graceful degradation keeps the proxy
// functioning when the cache layer is unavailable.
func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil // always nil — degrade gracefully
}

// Delete removes key from Redis.
// Returns the underlying error so callers can decide how to handle it.
func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *ExactCache) Close() error {
	return c.client.Close()
}

// IncrBy atomically adds delta to the integer counter at key, creating it at
// 0 with ttl if absent, and returns the new value.
func (c *ExactCache) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	result, err := incrByScript.Run(ctx, c.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: INCRBY %s: %w", key, err)
	}
	return result, nil
}

// Reserve atomically adds amount to the counter at key and records a
// reservation so it can later be reconciled with Commit or undone with
// Release.
func (c *ExactCache) Reserve(ctx context.Context, key string, amount int64, ttl time.Duration) (string, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	id := uuid.NewString()
	result, err := reserveScript.Run(ctx, c.client,
		[]string{key, reservationHashKey(key)},
		amount, ttl.Milliseconds(), id,
	).Int64()
	if err != nil {
		return "", 0, fmt.Errorf("cache: RESERVE %s: %w", key, err)
	}
	return id, result, nil
}

// Commit replaces a reservation's estimated amount with the actual value.
func (c *ExactCache) Commit(ctx context.Context, key, reservationID string, actual int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	result, err := commitScript.Run(ctx, c.client,
		[]string{key, reservationHashKey(key)},
		reservationID, actual,
	).Int64()
	if err != nil {
		return fmt.Errorf("cache: COMMIT %s: %w", key, err)
	}
	if result == -1 {
		return ErrReservationNotFound
	}
	return nil
}

// Release undoes a reservation, subtracting its amount back out of the
// counter at key.
func (c *ExactCache) Release(ctx context.Context, key, reservationID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	result, err := releaseScript.Run(ctx, c.client,
		[]string{key, reservationHashKey(key)},
		reservationID,
	).Int64()
	if err != nil {
		return fmt.Errorf("cache: RELEASE %s: %w", key, err)
	}
	if result == -1 {
		return ErrReservationNotFound
	}
	return nil
}

// SetIfAbsent stores value under key only if key does not already hold a
// value, returning true when the set happened.
func (c *ExactCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	result, err := setIfAbsentScript.Run(ctx, c.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: SETNX %s: %w", key, err)
	}
	return result == 1, nil
}
