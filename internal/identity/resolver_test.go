package identity

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.MemStore) {
	t.Helper()
	s := store.NewMemStore()
	c := cache.NewMemoryCache(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	r := New(Config{APIKey: KeyConfig{Prefix: "gw_"}}, c, s)
	return r, s
}

func mustCreateKey(t *testing.T, s *store.MemStore, rawSecret string, owner store.Owner) *store.APIKey {
	t.Helper()
	k := &store.APIKey{
		ID:         "key-" + rawSecret,
		Name:       "test key",
		Prefix:     "gw_",
		SecretHash: HashAPIKey(rawSecret),
		Owner:      owner,
		CreatedAt:  time.Now(),
	}
	if err := s.CreateAPIKey(context.Background(), k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return k
}

func TestResolveAmbiguousCredentials(t *testing.T) {
	r, _ := newTestResolver(t)
	headers := map[string]string{
		"X-Api-Key":     "gw_abc",
		"Authorization": "Bearer gw_abc",
	}
	_, err := r.Resolve(context.Background(), headers, net.ParseIP("10.0.0.1"))
	if !errors.Is(err, ErrAmbiguousCredentials) {
		t.Fatalf("Resolve = %v, want ErrAmbiguousCredentials", err)
	}
}

func TestResolveAPIKeyViaHeader(t *testing.T) {
	r, s := newTestResolver(t)
	mustCreateKey(t, s, "secret-1", store.Owner{Kind: store.OwnerUser, ID: "user-1"})

	res, err := r.Resolve(context.Background(), map[string]string{"X-Api-Key": "secret-1"}, net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Subject.UserID != "user-1" {
		t.Fatalf("UserID = %q, want user-1", res.Subject.UserID)
	}
}

func TestResolveAPIKeyViaBearerPrefix(t *testing.T) {
	r, s := newTestResolver(t)
	mustCreateKey(t, s, "gw_live_abc", store.Owner{Kind: store.OwnerUser, ID: "user-2"})

	res, err := r.Resolve(context.Background(), map[string]string{"Authorization": "Bearer gw_live_abc"}, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Subject.UserID != "user-2" {
		t.Fatalf("UserID = %q, want user-2", res.Subject.UserID)
	}
}

func TestResolveAPIKeyUnknownSecret(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), map[string]string{"X-Api-Key": "nonexistent"}, nil)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Resolve = %v, want ErrUnauthenticated", err)
	}
}

func TestResolveAPIKeyRevoked(t *testing.T) {
	r, s := newTestResolver(t)
	k := mustCreateKey(t, s, "secret-revoked", store.Owner{Kind: store.OwnerUser, ID: "user-3"})
	if err := s.RevokeAPIKey(context.Background(), k.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}

	_, err := r.Resolve(context.Background(), map[string]string{"X-Api-Key": "secret-revoked"}, nil)
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("Resolve = %v, want ErrRevoked", err)
	}
}

func TestResolveAPIKeyDuringGracePeriod(t *testing.T) {
	r, s := newTestResolver(t)
	old := mustCreateKey(t, s, "secret-old", store.Owner{Kind: store.OwnerUser, ID: "user-4"})
	newKey := &store.APIKey{
		ID:         "key-new",
		Name:       old.Name,
		Prefix:     old.Prefix,
		SecretHash: HashAPIKey("secret-new"),
		Owner:      old.Owner,
		CreatedAt:  time.Now(),
	}
	grace := time.Now().Add(time.Hour)
	if err := s.RotateAPIKey(context.Background(), old.ID, grace, newKey); err != nil {
		t.Fatalf("RotateAPIKey: %v", err)
	}

	// Old secret still authenticates during the grace window.
	if _, err := r.Resolve(context.Background(), map[string]string{"X-Api-Key": "secret-old"}, nil); err != nil {
		t.Fatalf("Resolve(old) during grace = %v, want nil", err)
	}
	// New secret authenticates immediately.
	if _, err := r.Resolve(context.Background(), map[string]string{"X-Api-Key": "secret-new"}, nil); err != nil {
		t.Fatalf("Resolve(new) = %v, want nil", err)
	}
}

func TestResolveAPIKeyPastGraceIsRevoked(t *testing.T) {
	r, s := newTestResolver(t)
	old := mustCreateKey(t, s, "secret-expired-grace", store.Owner{Kind: store.OwnerUser, ID: "user-5"})
	newKey := &store.APIKey{
		ID:         "key-new-2",
		SecretHash: HashAPIKey("secret-new-2"),
		Owner:      old.Owner,
		CreatedAt:  time.Now(),
	}
	grace := time.Now().Add(-time.Minute)
	if err := s.RotateAPIKey(context.Background(), old.ID, grace, newKey); err != nil {
		t.Fatalf("RotateAPIKey: %v", err)
	}

	_, err := r.Resolve(context.Background(), map[string]string{"X-Api-Key": "secret-expired-grace"}, nil)
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("Resolve(old) past grace = %v, want ErrRevoked", err)
	}
}

func TestResolveIPNotAllowed(t *testing.T) {
	r, s := newTestResolver(t)
	k2 := &store.APIKey{
		ID:          "key-ip-2",
		SecretHash:  HashAPIKey("secret-ip-2"),
		Owner:       store.Owner{Kind: store.OwnerUser, ID: "user-7"},
		IPAllowlist: []string{"192.168.1.0/24"},
		CreatedAt:   time.Now(),
	}
	if err := s.CreateAPIKey(context.Background(), k2); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	_, err := r.Resolve(context.Background(), map[string]string{"X-Api-Key": "secret-ip-2"}, net.ParseIP("10.0.0.1"))
	if !errors.Is(err, ErrIPNotAllowed) {
		t.Fatalf("Resolve = %v, want ErrIPNotAllowed", err)
	}

	res, err := r.Resolve(context.Background(), map[string]string{"X-Api-Key": "secret-ip-2"}, net.ParseIP("192.168.1.5"))
	if err != nil {
		t.Fatalf("Resolve(allowed ip): %v", err)
	}
	if res.Subject.UserID != "user-7" {
		t.Fatalf("UserID = %q", res.Subject.UserID)
	}
}

func TestResolveProxyAuthTrustedLoopback(t *testing.T) {
	s := store.NewMemStore()
	c := cache.NewMemoryCache(context.Background())
	defer c.Close()

	r := New(Config{ProxyAuth: &ProxyAuthConfig{IdentityHeader: "X-Forwarded-User"}}, c, s)

	res, err := r.Resolve(context.Background(), map[string]string{"X-Forwarded-User": "alice@example.com"}, net.ParseIP("127.0.0.1"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Subject.ExternalID != "alice@example.com" {
		t.Fatalf("ExternalID = %q", res.Subject.ExternalID)
	}
	if res.Warning == "" {
		t.Fatal("expected loopback-fallback warning")
	}
}

func TestResolveProxyAuthUntrustedSource(t *testing.T) {
	s := store.NewMemStore()
	c := cache.NewMemoryCache(context.Background())
	defer c.Close()

	r := New(Config{ProxyAuth: &ProxyAuthConfig{
		IdentityHeader: "X-Forwarded-User",
		TrustedProxies: []string{"10.0.0.0/8"},
	}}, c, s)

	_, err := r.Resolve(context.Background(), map[string]string{"X-Forwarded-User": "alice@example.com"}, net.ParseIP("203.0.113.5"))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Resolve = %v, want ErrUnauthenticated", err)
	}
}

func TestModelAllowedWildcard(t *testing.T) {
	k := &store.APIKey{AllowedModels: []string{"gpt-4*"}}
	if !ModelAllowed(k, "gpt-4-turbo") {
		t.Fatal("expected gpt-4-turbo to match gpt-4*")
	}
	if ModelAllowed(k, "claude-3") {
		t.Fatal("expected claude-3 to not match gpt-4*")
	}
}

func TestInvalidateAPIKeyClearsCache(t *testing.T) {
	r, s := newTestResolver(t)
	k := mustCreateKey(t, s, "secret-invalidate", store.Owner{Kind: store.OwnerUser, ID: "user-8"})

	if _, err := r.Resolve(context.Background(), map[string]string{"X-Api-Key": "secret-invalidate"}, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := r.InvalidateAPIKey(context.Background(), k.ID); err != nil {
		t.Fatalf("InvalidateAPIKey: %v", err)
	}

	if _, ok := r.cache.Get(context.Background(), apiKeyHashKeyPrefix+k.SecretHash); ok {
		t.Fatal("expected forward cache entry to be evicted")
	}
	if _, ok := r.cache.Get(context.Background(), apiKeyReverseKeyPrefix+k.ID); ok {
		t.Fatal("expected reverse cache entry to be evicted")
	}
}
