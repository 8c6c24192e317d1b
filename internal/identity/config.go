package identity

import "time"

// JWTConfig configures the JWT authentication path: a JWKS-validated
// bearer token whose claims are mapped onto a Subject.
type JWTConfig struct {
	Issuer   string
	Audience []string
	JWKSURL  string

	// AllowedAlgorithms must be non-empty; validated at config load time.
	// SECURITY: HMAC algorithms (HS*) are accepted but logged as a warning
	// since they imply a shared secret rather than a public/private keypair.
	AllowedAlgorithms []string

	IdentityClaim string // default "sub"
	OrgClaim      string
	RoleClaim     string // default "roles"
	TeamClaim     string
	ProjectClaim  string

	// RoleMapping translates IdP role names to internal role names.
	RoleMapping map[string]string

	JWKSRefresh time.Duration // default 1h
}

// ProxyAuthConfig configures the trusted-reverse-proxy identity path.
type ProxyAuthConfig struct {
	IdentityHeader string
	EmailHeader    string
	NameHeader     string
	GroupsHeader   string

	// TrustedProxies lists CIDRs the request's remote address must fall
	// within for proxy-auth headers to be trusted. An empty list trusts
	// only loopback, logged as a warning at resolution time.
	TrustedProxies []string

	// JWTAssertion, when set, re-validates an additional signed JWT header
	// carried alongside the plain identity headers.
	JWTAssertion *JWTConfig
	AssertionHeader string
}

// KeyConfig configures the API-key authentication path.
type KeyConfig struct {
	// Prefix identifies the key family accepted via the Authorization
	// bearer header (in addition to the dedicated X-API-Key header, which
	// is always accepted regardless of prefix).
	Prefix string
}

// Config aggregates every authentication path's configuration.
type Config struct {
	APIKey    KeyConfig
	JWT       *JWTConfig // nil disables the JWT path
	ProxyAuth *ProxyAuthConfig // nil disables the proxy-auth path
}
