package identity

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Cache is the subset of cache.Cache the resolver needs. Declared
// separately so tests can supply a minimal fake without pulling in the full
// Cache contract's counter methods.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store is the subset of store.Store the resolver needs.
type Store interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error)
	GetAPIKeyByID(ctx context.Context, id string) (*store.APIKey, error)
}

// Resolver implements the §4.D identity resolution algorithm: API key,
// then JWT, then proxy-auth, each tried in a fixed order with an
// ambiguous-credentials short-circuit.
type Resolver struct {
	cfg   Config
	cache Cache
	store Store

	jwtVerifier *jwtVerifier

	// nowFn is overridable in tests; defaults to time.Now.
	nowFn func() time.Time
}

// New builds a Resolver. cfg.JWT may be nil to disable the JWT path;
// cfg.ProxyAuth may be nil to disable the proxy-auth path.
func New(cfg Config, c cache.Cache, s Store) *Resolver {
	r := &Resolver{cfg: cfg, cache: c, store: s}
	if cfg.JWT != nil {
		r.jwtVerifier = newJWTVerifier(cfg.JWT)
	}
	return r
}

func (r *Resolver) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}

// Result carries the outcome of a successful resolution, including the
// warning the caller should log (e.g. "proxy-auth trusted loopback because
// no trusted_proxies configured") without forcing identity to depend on a
// logger.
type Result struct {
	Subject *Subject
	Warning string
}

// Resolve implements the resolution order:
//  1. Both X-API-Key and Authorization: Bearer present -> AmbiguousCredentials.
//  2. X-API-Key present -> API-key path.
//  3. Bearer token with the configured key prefix -> API-key path.
//  4. Other Bearer -> JWT path.
//  5. No bearer/api-key headers -> proxy-auth path.
func (r *Resolver) Resolve(ctx context.Context, headers map[string]string, remoteIP net.IP) (*Result, error) {
	apiKeyHeader := strings.TrimSpace(headers["X-Api-Key"])
	authHeader := strings.TrimSpace(headers["Authorization"])
	bearer := parseBearer(authHeader)

	if apiKeyHeader != "" && bearer != "" {
		return nil, ErrAmbiguousCredentials
	}

	switch {
	case apiKeyHeader != "":
		return r.resolveAPIKeyRequest(ctx, apiKeyHeader, remoteIP)
	case bearer != "" && r.cfg.APIKey.Prefix != "" && strings.HasPrefix(bearer, r.cfg.APIKey.Prefix):
		return r.resolveAPIKeyRequest(ctx, bearer, remoteIP)
	case bearer != "":
		subject, err := r.resolveJWT(ctx, bearer)
		if err != nil {
			return nil, err
		}
		return &Result{Subject: subject}, nil
	default:
		subject, usedLoopbackFallback, err := r.resolveProxyAuth(ctx, headers, remoteIP)
		if err != nil {
			return nil, err
		}
		if subject == nil {
			return nil, ErrUnauthenticated
		}
		res := &Result{Subject: subject}
		if usedLoopbackFallback {
			res.Warning = "proxy-auth: no trusted_proxies configured, trusting loopback only"
		}
		return res, nil
	}
}

func (r *Resolver) resolveAPIKeyRequest(ctx context.Context, raw string, remoteIP net.IP) (*Result, error) {
	key, err := r.resolveAPIKey(ctx, raw)
	if err != nil {
		return nil, err
	}

	if remoteIP != nil && !IPAllowed(key, remoteIP) {
		return nil, ErrIPNotAllowed
	}

	s := &Subject{APIKey: key}
	switch key.Owner.Kind {
	case store.OwnerUser:
		s.UserID = key.Owner.ID
	case store.OwnerOrganization:
		s.OrgIDs = []string{key.Owner.ID}
	case store.OwnerTeam:
		s.TeamIDs = []string{key.Owner.ID}
	case store.OwnerProject:
		s.ProjectIDs = []string{key.Owner.ID}
	case store.OwnerServiceAccount:
		s.ServiceAccountID = key.Owner.ID
	}
	return &Result{Subject: s}, nil
}

func parseBearer(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return strings.TrimSpace(authHeader[len(prefix):])
	}
	return ""
}

// RequireScope returns ErrScopeMissing unless the resolved API key carries
// scope (or has no scope restriction at all, which means "all scopes").
func RequireScope(key *store.APIKey, scope string) error {
	if key == nil || len(key.Scopes) == 0 {
		return nil
	}
	for _, s := range key.Scopes {
		if s == scope {
			return nil
		}
	}
	return ErrScopeMissing
}
