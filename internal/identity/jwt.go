package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// jwtVerifier wraps a JWKS-backed oidc.IDTokenVerifier, built lazily on
// first use and reused afterwards (held per Resolver rather than as a
// package-level global).
type jwtVerifier struct {
	mu       sync.Mutex
	cfg      *JWTConfig
	verifier *oidc.IDTokenVerifier
}

func newJWTVerifier(cfg *JWTConfig) *jwtVerifier {
	return &jwtVerifier{cfg: cfg}
}

func (v *jwtVerifier) get(ctx context.Context) *oidc.IDTokenVerifier {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier != nil {
		return v.verifier
	}

	keySet := oidc.NewRemoteKeySet(ctx, v.cfg.JWKSURL)
	v.verifier = oidc.NewVerifier(v.cfg.Issuer, keySet, &oidc.Config{
		ClientID:        firstOrEmpty(v.cfg.Audience),
		SkipIssuerCheck: v.cfg.Issuer == "",
	})
	return v.verifier
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// resolveJWT implements the JWT path of §4.D: validates the token against
// the cached JWKS, checks the algorithm allowlist, and extracts a Subject
// from the configured claim names.
func (r *Resolver) resolveJWT(ctx context.Context, rawToken string) (*Subject, error) {
	cfg := r.cfg.JWT
	if cfg == nil {
		return nil, ErrJWTInvalid
	}

	if err := checkAlgorithmAllowed(rawToken, cfg.AllowedAlgorithms); err != nil {
		return nil, err
	}

	idToken, err := r.jwtVerifier.get(ctx).Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWTInvalid, err)
	}

	var claims jwt.MapClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrJWTInvalid, err)
	}

	if len(cfg.Audience) > 0 && !audienceMatches(idToken.Audience, cfg.Audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrJWTInvalid)
	}

	return r.subjectFromClaims(claims), nil
}

func audienceMatches(got []string, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}

// checkAlgorithmAllowed parses (without verifying the signature) the JWT
// header to read "alg" and rejects anything outside the configured
// allowlist before the network round-trip to fetch JWKS. This stops
// algorithm-confusion attacks (e.g. "alg: none") before any key lookup.
func checkAlgorithmAllowed(rawToken string, allowed []string) error {
	if len(allowed) == 0 {
		return fmt.Errorf("%w: no allowed algorithms configured", ErrJWTInvalid)
	}

	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("%w: malformed token: %v", ErrJWTInvalid, err)
	}

	alg := token.Method.Alg()
	for _, a := range allowed {
		if a == alg {
			return nil
		}
	}
	return fmt.Errorf("%w: algorithm %q not permitted", ErrJWTInvalid, alg)
}

// subjectFromClaims maps JWT claims onto a Subject using the configured
// claim names, applying role_mapping to each extracted role.
func (r *Resolver) subjectFromClaims(claims jwt.MapClaims) *Subject {
	cfg := r.cfg.JWT

	identityClaim := cfg.IdentityClaim
	if identityClaim == "" {
		identityClaim = "sub"
	}
	roleClaim := cfg.RoleClaim
	if roleClaim == "" {
		roleClaim = "roles"
	}

	s := &Subject{
		ExternalID: claimString(claims, identityClaim),
		Email:      claimString(claims, "email"),
	}

	for _, role := range claimStringArray(claims, roleClaim) {
		s.Roles = append(s.Roles, mapRole(cfg.RoleMapping, role))
	}
	if cfg.OrgClaim != "" {
		s.OrgIDs = claimStringArray(claims, cfg.OrgClaim)
	}
	if cfg.TeamClaim != "" {
		s.TeamIDs = claimStringArray(claims, cfg.TeamClaim)
	}
	if cfg.ProjectClaim != "" {
		s.ProjectIDs = claimStringArray(claims, cfg.ProjectClaim)
	}
	return s
}

func mapRole(mapping map[string]string, role string) string {
	if mapped, ok := mapping[role]; ok {
		return mapped
	}
	return role
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func claimStringArray(claims jwt.MapClaims, key string) []string {
	switch v := claims[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}
