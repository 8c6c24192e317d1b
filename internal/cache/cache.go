// Package cache provides caching and atomic-counter primitives shared by the
// response cache, the quota engine, and the policy-version gossip mechanism.
//
// Two backends implement Cache: MemoryCache (in-process, size-bounded LRU)
// and ExactCache (Redis). Response-cache operations (Get/Set/Delete) degrade
// gracefully on backend errors — a cache outage must never fail a request.
// Counter operations (IncrBy/Reserve/Commit/Release/SetIfAbsent) do the
// opposite: they return real errors so quota/policy callers can fail closed,
// per the gateway's security model.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrReservationNotFound is returned by Commit/Release when the reservation
// id is unknown — already committed, already released, or never existed.
var ErrReservationNotFound = errors.New("cache: reservation not found")

// Cache is the full contract backing the response cache, rate limiter,
// budget reservations, concurrency counters, and policy version gossip.
type Cache interface {
	// Get/Set/Delete are the response-cache primitives. They degrade
	// gracefully: Get returns (nil, false) and Set returns nil on backend
	// failure so a cache outage never fails the request it backs.
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrBy atomically adds delta to the integer counter at key (creating it
	// at 0 if absent) and returns the new value. ttl is applied only when the
	// key is created; it does not refresh on existing keys.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Reserve atomically adds amount to the counter at key and records a
	// reservation so it can later be reconciled with Commit or undone with
	// Release. Returns the reservation id and the new counter value.
	Reserve(ctx context.Context, key string, amount int64, ttl time.Duration) (reservationID string, newValue int64, err error)

	// Commit replaces a reservation's estimated amount with the actual
	// value: the counter at key is adjusted by (actual - reserved amount)
	// and the reservation is cleared. Returns ErrReservationNotFound if the
	// reservation id is unknown.
	Commit(ctx context.Context, key, reservationID string, actual int64) error

	// Release undoes a reservation, subtracting its amount back out of the
	// counter at key. Returns ErrReservationNotFound if the reservation id
	// is unknown. Used on upstream failure to refund the estimate.
	Release(ctx context.Context, key, reservationID string) error

	// SetIfAbsent stores value under key only if key does not already hold a
	// value, returning true when the set happened. Used for "at-most-one"
	// guards (policy version refresh races, LRU eviction serialization).
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}
