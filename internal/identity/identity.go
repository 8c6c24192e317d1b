// Package identity resolves the caller of a gateway request into a Subject:
// an API key, a validated JWT, or a trusted reverse-proxy identity header
// set. Exactly one resolution path is attempted per request, in a fixed
// order, and results are cached with an invalidation-safe reverse index so
// key rotation and revocation take effect without waiting out a TTL.
package identity

import (
	"errors"
	"net"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Errors returned by Resolve and the validators it calls. Handlers map these
// to HTTP responses via pkg/apierr.
var (
	ErrAmbiguousCredentials = errors.New("identity: both API key and bearer token presented")
	ErrUnauthenticated      = errors.New("identity: no credentials presented")
	ErrExpired              = errors.New("identity: credential expired")
	ErrRevoked              = errors.New("identity: credential revoked")
	ErrIPNotAllowed         = errors.New("identity: source ip not in allowlist")
	ErrModelNotAllowed      = errors.New("identity: model not permitted for this credential")
	ErrScopeMissing         = errors.New("identity: required scope missing")
	ErrJWTInvalid           = errors.New("identity: jwt validation failed")
)

// Subject is the derived identity attached to a request's PolicyContext and
// audit trail. It is assembled differently depending on which resolution
// path fired, but has the same shape regardless.
type Subject struct {
	UserID           string
	ExternalID       string
	Email            string
	Roles            []string
	OrgIDs           []string
	TeamIDs          []string
	ProjectIDs       []string
	ServiceAccountID string

	// APIKey is set only when the request authenticated via the API-key
	// path; nil for JWT and proxy-auth paths.
	APIKey *store.APIKey
}

// HasRole reports whether role (already mapped to internal naming) is
// present on the subject.
func (s *Subject) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsOrgMember reports whether orgID is among the subject's organizations.
func (s *Subject) IsOrgMember(orgID string) bool { return contains(s.OrgIDs, orgID) }

// IsTeamMember reports whether teamID is among the subject's teams.
func (s *Subject) IsTeamMember(teamID string) bool { return contains(s.TeamIDs, teamID) }

// IsProjectMember reports whether projectID is among the subject's projects.
func (s *Subject) IsProjectMember(projectID string) bool { return contains(s.ProjectIDs, projectID) }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// matchModel implements the allowed-model pattern rule: exact match, or a
// trailing "*" wildcard matching any model sharing the given prefix.
func matchModel(pattern, model string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		return len(model) >= len(pattern)-1 && model[:len(pattern)-1] == pattern[:len(pattern)-1]
	}
	return pattern == model
}

// ModelAllowed reports whether model matches any of the key's allowed-model
// patterns. An empty pattern list means no model restriction.
func ModelAllowed(k *store.APIKey, model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, p := range k.AllowedModels {
		if matchModel(p, model) {
			return true
		}
	}
	return false
}

// IPAllowed reports whether remoteIP matches any of the key's IP allowlist
// entries (plain IPs or CIDRs). An empty allowlist means no IP restriction.
func IPAllowed(k *store.APIKey, remoteIP net.IP) bool {
	if len(k.IPAllowlist) == 0 {
		return true
	}
	for _, entry := range k.IPAllowlist {
		if ip := net.ParseIP(entry); ip != nil {
			if ip.Equal(remoteIP) {
				return true
			}
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(remoteIP) {
			return true
		}
	}
	return false
}

// activeAt reports whether key k authenticates at time now, accounting for
// revocation, expiry, and the rotation grace window. A key in rotation
// (RotatedFrom set on the NEW key doesn't apply here — grace windows are
// checked on the OLD key via GraceExpiry) keeps validating until now passes
// GraceExpiry.
func activeAt(k *store.APIKey, now time.Time) error {
	if k.RevokedAt != nil && !now.Before(*k.RevokedAt) {
		return ErrRevoked
	}
	if k.GraceExpiry != nil && !now.Before(*k.GraceExpiry) {
		// Past the grace window: an old, rotated-away key is treated as revoked.
		return ErrRevoked
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return ErrExpired
	}
	return nil
}
