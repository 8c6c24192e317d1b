// Package store defines the abstract persistence layer for the gateway:
// organizations, teams, projects, users, service accounts, API keys,
// policies, spend snapshots, and the audit log. Two backends are provided:
// memstore (in-process, used by tests and the zero-dependency quick-start)
// and pgstore (Postgres via lib/pq + sqlx).
//
// The Store owns authoritative entity bytes; caches (internal/cache) hold
// coherent, version-tagged copies. Cross-entity references are ids; there
// are no cycles.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned on unique-constraint violations (slug per parent,
// policy name per org, API key hash global).
var ErrConflict = errors.New("store: conflict")

// OwnerKind is the tag of the API key owner sum type.
type OwnerKind string

const (
	OwnerOrganization    OwnerKind = "organization"
	OwnerTeam            OwnerKind = "team"
	OwnerProject         OwnerKind = "project"
	OwnerUser            OwnerKind = "user"
	OwnerServiceAccount  OwnerKind = "service_account"
)

// Owner is the API key owner: an inclusive variant over the five kinds
// above. ID is the owner's id within Kind.
type Owner struct {
	Kind      OwnerKind `json:"kind"`
	ID        string    `json:"id"`
}

// BudgetPeriod enumerates the period an API-key budget resets on.
type BudgetPeriod string

const (
	BudgetDaily   BudgetPeriod = "daily"
	BudgetMonthly BudgetPeriod = "monthly"
)

// Budget is an API key's optional spend cap.
type Budget struct {
	LimitCents int64        `json:"limit_cents"`
	Period     BudgetPeriod `json:"period"`
}

// Organization is the root tenant.
type Organization struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug"`
	DisplayName string     `json:"display_name"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Team is a sub-scope under an Organization.
type Team struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	Slug      string     `json:"slug"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Project is a sub-scope under an Organization, optionally under a Team.
type Project struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	TeamID    string     `json:"team_id,omitempty"`
	Slug      string     `json:"slug"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// User is an external identity mapped to an internal record.
type User struct {
	ID         string     `json:"id"`
	ExternalID string     `json:"external_id"`
	Email      string     `json:"email"`
	Roles      []string   `json:"roles"`
	OrgIDs     []string   `json:"org_ids"`
	TeamIDs    []string   `json:"team_ids"`
	ProjectIDs []string   `json:"project_ids"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// ServiceAccount is a non-human actor bound to an organization.
type ServiceAccount struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// APIKey is a credential record. The raw secret is never stored — only
// SecretHash. Rotation always issues a new id; RotatedFrom points back to
// the key it replaces, with both keys valid until GraceExpiry.
type APIKey struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Prefix         string     `json:"prefix"`
	SecretHash     string     `json:"-"`
	Owner          Owner      `json:"owner"`
	Budget         *Budget    `json:"budget,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Scopes         []string   `json:"scopes"`
	AllowedModels  []string   `json:"allowed_models,omitempty"` // trailing "*" wildcard only
	IPAllowlist    []string   `json:"ip_allowlist,omitempty"`   // IPs or CIDRs
	RateLimitRPM   int        `json:"rate_limit_rpm,omitempty"`
	RateLimitTPM   int        `json:"rate_limit_tpm,omitempty"`
	RotatedFrom    string     `json:"rotated_from,omitempty"`
	GraceExpiry    *time.Time `json:"grace_expiry,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Active reports whether the key authenticates at instant now: not
// revoked, not expired, and either never rotated or still inside the
// grace window.
func (k *APIKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	if k.GraceExpiry != nil && !now.Before(*k.GraceExpiry) {
		return false
	}
	return true
}

// PolicyEffect is the outcome a matching policy produces.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectDeny  PolicyEffect = "deny"
)

// Policy is a named authorization rule. Name is unique within OwnerOrgID
// (empty OwnerOrgID denotes a system policy).
type Policy struct {
	ID          string       `json:"id"`
	OrgID       string       `json:"org_id,omitempty"` // empty => system policy
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Resource    string       `json:"resource"`
	Action      string       `json:"action"`
	Condition   string       `json:"condition"`
	Effect      PolicyEffect `json:"effect"`
	Priority    int32        `json:"priority"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// SpendScope is the accounting scope a spend snapshot tracks.
type SpendScope string

const (
	ScopeAPIKey  SpendScope = "api_key"
	ScopeUser    SpendScope = "user"
	ScopeProject SpendScope = "project"
	ScopeOrg     SpendScope = "org"
)

// SpendPeriod is the reset period of a spend snapshot.
type SpendPeriod string

const (
	PeriodDay   SpendPeriod = "day"
	PeriodMonth SpendPeriod = "month"
)

// SpendSnapshot is the authoritative actual-spend counter for a scope+period.
// The in-flight estimate lives in Cache as a reservation; Available =
// Limit - CentsActual - reserved.
type SpendSnapshot struct {
	Scope       SpendScope  `json:"scope"`
	ScopeID     string      `json:"scope_id"`
	Period      SpendPeriod `json:"period"`
	PeriodStart time.Time   `json:"period_start"`
	CentsActual int64       `json:"cents_actual"`
}

// AuditEntry is an append-only audit log row.
type AuditEntry struct {
	ID           string    `json:"id"`
	ActorType    string    `json:"actor_type"`
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	OrgID        string    `json:"org_id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	Details      string    `json:"details,omitempty"` // JSON-encoded
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Page is a cursor-paged result set.
type Page[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"next_cursor,omitempty"`
	PrevCursor *string `json:"prev_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

// ListOptions controls cursor-paged listing. Cursor is opaque (see cursor.go).
type ListOptions struct {
	Cursor string
	Limit  int
}

// Store is the abstract persistence interface. All entity lookups exclude
// soft-deleted rows unless noted.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error)

	// Teams / Projects
	CreateTeam(ctx context.Context, t *Team) error
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)

	// Users / Service accounts
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error
	GetServiceAccount(ctx context.Context, id string) (*ServiceAccount, error)

	// API keys
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByID(ctx context.Context, id string) (*APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	// RotateAPIKey is transactional: it inserts newKey with RotatedFrom set
	// to oldID and sets oldID's GraceExpiry in a single unit of work.
	RotateAPIKey(ctx context.Context, oldID string, graceExpiry time.Time, newKey *APIKey) error
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
	ListAPIKeysByOwner(ctx context.Context, owner Owner, opts ListOptions) (Page[*APIKey], error)

	// Policies
	// UpsertPolicy is transactional: it writes the policy row and bumps the
	// org's policy version in the same unit of work.
	UpsertPolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, orgID, id string) error
	ListPolicies(ctx context.Context, orgID string) ([]*Policy, error)
	ListSystemPolicies(ctx context.Context) ([]*Policy, error)
	// OrgPolicyVersion returns the org's authoritative policy version (for
	// cold-start reconciliation; steady-state reads go through Cache gossip).
	OrgPolicyVersion(ctx context.Context, orgID string) (int64, error)

	// Spend
	GetSpend(ctx context.Context, scope SpendScope, scopeID string, period SpendPeriod, periodStart time.Time) (*SpendSnapshot, error)
	// ReconcileSpend is transactional: applies deltaCents to the snapshot
	// (creating it at 0 if absent) in the same unit of work as the caller's
	// matching cache reservation release.
	ReconcileSpend(ctx context.Context, scope SpendScope, scopeID string, period SpendPeriod, periodStart time.Time, deltaCents int64) error

	// Audit
	AppendAudit(ctx context.Context, entries []*AuditEntry) error

	// Close releases backend resources (connection pools, etc).
	Close() error
}
