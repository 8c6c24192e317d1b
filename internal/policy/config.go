package policy

import "time"

// AuditConfig controls which authorization decisions get logged.
type AuditConfig struct {
	LogAllowed bool
	LogDenied  bool
}

// DefaultAuditConfig matches the upstream default: only denials are logged.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{LogAllowed: false, LogDenied: true}
}

// GatewayConfig controls policy enforcement on /v1/* gateway endpoints,
// independent of admin RBAC so it can be rolled out separately.
type GatewayConfig struct {
	Enabled       bool
	DefaultEffect Effect
}

// Config is the authorization engine's tunables.
type Config struct {
	// Enabled gates admin-endpoint policy enforcement. When false, all admin
	// requests are allowed without evaluating policies.
	Enabled bool

	// DefaultEffect applies when no policy matches an admin request.
	DefaultEffect Effect

	Gateway GatewayConfig

	// MaxExpressionLength bounds a policy condition's length in bytes. 0
	// disables the check.
	MaxExpressionLength int

	// FailOnEvaluationError, when true, treats a condition evaluation error
	// as a deny for that policy row (fail-closed). When false, the erroring
	// policy is skipped and evaluation continues to the next candidate.
	FailOnEvaluationError bool

	// PolicyCacheTTL controls how often a node re-checks the cache for an
	// org's policy version before trusting its local compiled set.
	PolicyCacheTTL time.Duration

	// LazyLoadPolicies, when true, loads an org's policies on first access
	// instead of eagerly at startup.
	LazyLoadPolicies bool

	// MaxCachedOrgs bounds the org policy cache; 0 means unbounded.
	MaxCachedOrgs int

	// PolicyEvictionBatchSize is how many least-recently-used orgs are
	// evicted at once when MaxCachedOrgs is reached.
	PolicyEvictionBatchSize int

	Audit AuditConfig
}

// DefaultConfig matches the upstream defaults.
func DefaultConfig() Config {
	return Config{
		DefaultEffect:           EffectDeny,
		Gateway:                 GatewayConfig{Enabled: false, DefaultEffect: EffectAllow},
		MaxExpressionLength:     4096,
		FailOnEvaluationError:   true,
		PolicyCacheTTL:          time.Second,
		PolicyEvictionBatchSize: 100,
		Audit:                   DefaultAuditConfig(),
	}
}
