package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

const (
	apiKeyCacheTTL = time.Minute

	apiKeyHashKeyPrefix    = "api_key:"
	apiKeyByIDKeyPrefix    = "api_key_by_id:"
	apiKeyReverseKeyPrefix = "api_key_reverse:"
)

// HashAPIKey returns the deterministic SHA-256 hex digest used as the
// lookup key for a presented credential and as the Store's stored secret
// hash. Hashing happens before any cache or store access so the raw secret
// is never logged or held beyond this call frame.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// resolveAPIKey implements the API-key path of §4.D: hash, cache lookup
// (falling back to Store), liveness/rotation check, and scope/model/IP
// enforcement is left to the caller (handlers check ModelAllowed/IPAllowed
// against the request's specifics, since those vary per endpoint).
func (r *Resolver) resolveAPIKey(ctx context.Context, rawKey string) (*store.APIKey, error) {
	hash := HashAPIKey(rawKey)

	key, err := r.lookupByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	if err := activeAt(key, r.now()); err != nil {
		return nil, err
	}
	return key, nil
}

func (r *Resolver) lookupByHash(ctx context.Context, hash string) (*store.APIKey, error) {
	cacheKey := apiKeyHashKeyPrefix + hash

	if raw, ok := r.cache.Get(ctx, cacheKey); ok {
		var k store.APIKey
		if err := json.Unmarshal(raw, &k); err == nil {
			return &k, nil
		}
	}

	key, err := r.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("identity: lookup api key: %w", err)
	}

	r.cacheAPIKey(ctx, key)
	return key, nil
}

// cacheAPIKey populates the forward (by hash, by id) and reverse (id ->
// hash) cache entries for key. Best-effort: cache write failures are
// swallowed since Get/Set degrade gracefully per the cache contract.
func (r *Resolver) cacheAPIKey(ctx context.Context, key *store.APIKey) {
	raw, err := json.Marshal(key)
	if err != nil {
		return
	}
	_ = r.cache.Set(ctx, apiKeyHashKeyPrefix+key.SecretHash, raw, apiKeyCacheTTL)
	_ = r.cache.Set(ctx, apiKeyByIDKeyPrefix+key.ID, raw, apiKeyCacheTTL)
	_ = r.cache.Set(ctx, apiKeyReverseKeyPrefix+key.ID, []byte(key.SecretHash), apiKeyCacheTTL)
}

// InvalidateAPIKey deletes the identity cache entries associated with id on
// revoke/rotate: api_key:<hash>, api_key_by_id:<id> and api_key_reverse:<id>.
// The rate-limit, budget and concurrency counters for the key are not
// deleted; nothing in the quota package resets them either.
func (r *Resolver) InvalidateAPIKey(ctx context.Context, id string) error {
	var hash string
	if raw, ok := r.cache.Get(ctx, apiKeyReverseKeyPrefix+id); ok {
		hash = string(raw)
	}

	if hash == "" {
		if key, err := r.store.GetAPIKeyByID(ctx, id); err == nil {
			hash = key.SecretHash
		}
	}

	if hash != "" {
		if err := r.cache.Delete(ctx, apiKeyHashKeyPrefix+hash); err != nil {
			return fmt.Errorf("identity: invalidate %s: %w", id, err)
		}
	}
	if err := r.cache.Delete(ctx, apiKeyByIDKeyPrefix+id); err != nil {
		return fmt.Errorf("identity: invalidate %s: %w", id, err)
	}
	if err := r.cache.Delete(ctx, apiKeyReverseKeyPrefix+id); err != nil {
		return fmt.Errorf("identity: invalidate %s: %w", id, err)
	}
	return nil
}
