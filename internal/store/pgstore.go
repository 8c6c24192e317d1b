package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PGStore implements Store on PostgreSQL, via sqlx for query convenience and
// lib/pq for array parameters (scopes, allowed models, IP allowlist) and the
// postgres driver registration.
type PGStore struct {
	db *sqlx.DB
}

// NewPGStore connects to dsn, verifies connectivity, and returns a PGStore.
// The caller owns its lifecycle (Close).
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	return &PGStore{db: db}, nil
}

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, slug, display_name, created_at)
		VALUES ($1, $2, $3, $4)
	`, org.ID, org.Slug, org.DisplayName, org.CreatedAt)
	return mapPGError(err)
}

func (s *PGStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var o Organization
	err := s.db.GetContext(ctx, &o, `
		SELECT id, slug, display_name, created_at, deleted_at
		FROM organizations WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

func (s *PGStore) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	var o Organization
	err := s.db.GetContext(ctx, &o, `
		SELECT id, slug, display_name, created_at, deleted_at
		FROM organizations WHERE slug = $1 AND deleted_at IS NULL
	`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

func (s *PGStore) CreateTeam(ctx context.Context, t *Team) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (id, org_id, slug, name, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.OrgID, t.Slug, t.Name, t.CreatedAt)
	return mapPGError(err)
}

func (s *PGStore) CreateProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, org_id, team_id, slug, name, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
	`, p.ID, p.OrgID, p.TeamID, p.Slug, p.Name, p.CreatedAt)
	return mapPGError(err)
}

func (s *PGStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `
		SELECT id, org_id, COALESCE(team_id, '') AS team_id, slug, name, created_at, deleted_at
		FROM projects WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (s *PGStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var roles, orgIDs, teamIDs, projectIDs pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, email, roles, org_ids, team_ids, project_ids, created_at, deleted_at
		FROM users WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&u.ID, &u.ExternalID, &u.Email, &roles, &orgIDs, &teamIDs, &projectIDs, &u.CreatedAt, &u.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Roles, u.OrgIDs, u.TeamIDs, u.ProjectIDs = roles, orgIDs, teamIDs, projectIDs
	return &u, nil
}

func (s *PGStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `SELECT id FROM users WHERE external_id = $1 AND deleted_at IS NULL`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *PGStore) UpsertUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, email, roles, org_ids, team_ids, project_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email, roles = EXCLUDED.roles,
			org_ids = EXCLUDED.org_ids, team_ids = EXCLUDED.team_ids, project_ids = EXCLUDED.project_ids
	`, u.ID, u.ExternalID, u.Email, pq.Array(u.Roles), pq.Array(u.OrgIDs), pq.Array(u.TeamIDs), pq.Array(u.ProjectIDs), u.CreatedAt)
	return mapPGError(err)
}

func (s *PGStore) GetServiceAccount(ctx context.Context, id string) (*ServiceAccount, error) {
	var sa ServiceAccount
	err := s.db.GetContext(ctx, &sa, `
		SELECT id, org_id, name, created_at, deleted_at
		FROM service_accounts WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &sa, err
}

func (s *PGStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys
			(id, name, prefix, secret_hash, owner_kind, owner_id, budget_limit_cents, budget_period,
			 expires_at, scopes, allowed_models, ip_allowlist, rate_limit_rpm, rate_limit_tpm, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, k.ID, k.Name, k.Prefix, k.SecretHash, k.Owner.Kind, k.Owner.ID, budgetLimit(k.Budget), budgetPeriod(k.Budget),
		k.ExpiresAt, pq.Array(k.Scopes), pq.Array(k.AllowedModels), pq.Array(k.IPAllowlist),
		k.RateLimitRPM, k.RateLimitTPM, k.CreatedAt)
	return mapPGError(err)
}

func (s *PGStore) scanAPIKey(row interface {
	Scan(dest ...any) error
}) (*APIKey, error) {
	var k APIKey
	var budgetCents sql.NullInt64
	var budgetPeriod sql.NullString
	var scopes, allowedModels, ipAllowlist pq.StringArray
	var rotatedFrom sql.NullString

	err := row.Scan(&k.ID, &k.Name, &k.Prefix, &k.SecretHash, &k.Owner.Kind, &k.Owner.ID,
		&budgetCents, &budgetPeriod, &k.ExpiresAt, &scopes, &allowedModels, &ipAllowlist,
		&k.RateLimitRPM, &k.RateLimitTPM, &rotatedFrom, &k.GraceExpiry, &k.RevokedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	if budgetCents.Valid {
		k.Budget = &Budget{LimitCents: budgetCents.Int64, Period: BudgetPeriod(budgetPeriod.String)}
	}
	k.Scopes, k.AllowedModels, k.IPAllowlist = scopes, allowedModels, ipAllowlist
	k.RotatedFrom = rotatedFrom.String
	return &k, nil
}

const apiKeyColumns = `id, name, prefix, secret_hash, owner_kind, owner_id, budget_limit_cents, budget_period,
	expires_at, scopes, allowed_models, ip_allowlist, rate_limit_rpm, rate_limit_tpm, rotated_from, grace_expiry, revoked_at, created_at`

func (s *PGStore) GetAPIKeyByID(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id)
	k, err := s.scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

func (s *PGStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE secret_hash = $1`, hash)
	k, err := s.scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

// RotateAPIKey inserts newKey and sets oldID's grace_expiry in one transaction.
func (s *PGStore) RotateAPIKey(ctx context.Context, oldID string, graceExpiry time.Time, newKey *APIKey) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE api_keys SET grace_expiry = $1 WHERE id = $2`, graceExpiry, oldID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO api_keys
			(id, name, prefix, secret_hash, owner_kind, owner_id, budget_limit_cents, budget_period,
			 expires_at, scopes, allowed_models, ip_allowlist, rate_limit_rpm, rate_limit_tpm, rotated_from, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, newKey.ID, newKey.Name, newKey.Prefix, newKey.SecretHash, newKey.Owner.Kind, newKey.Owner.ID,
		budgetLimit(newKey.Budget), budgetPeriod(newKey.Budget), newKey.ExpiresAt,
		pq.Array(newKey.Scopes), pq.Array(newKey.AllowedModels), pq.Array(newKey.IPAllowlist),
		newKey.RateLimitRPM, newKey.RateLimitTPM, oldID, newKey.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PGStore) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return mapPGError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ListAPIKeysByOwner(ctx context.Context, owner Owner, opts ListOptions) (Page[*APIKey], error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	afterID, _, err := DecodeCursor(opts.Cursor)
	if err != nil {
		return Page[*APIKey]{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE owner_kind = $1 AND owner_id = $2 AND id > $3
		ORDER BY id LIMIT $4
	`, owner.Kind, owner.ID, afterID, limit+1)
	if err != nil {
		return Page[*APIKey]{}, err
	}
	defer rows.Close()

	var items []*APIKey
	for rows.Next() {
		k, err := s.scanAPIKey(rows)
		if err != nil {
			return Page[*APIKey]{}, err
		}
		items = append(items, k)
	}

	page := Page[*APIKey]{}
	if len(items) > limit {
		page.HasMore = true
		items = items[:limit]
		nc := EncodeCursor(items[len(items)-1].ID, "forward")
		page.NextCursor = &nc
	}
	page.Items = items
	return page, rows.Err()
}

func (s *PGStore) UpsertPolicy(ctx context.Context, p *Policy) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (id, org_id, name, description, resource, action, condition, effect, priority, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, resource = EXCLUDED.resource,
			action = EXCLUDED.action, condition = EXCLUDED.condition, effect = EXCLUDED.effect,
			priority = EXCLUDED.priority, updated_at = EXCLUDED.updated_at
	`, p.ID, p.OrgID, p.Name, p.Description, p.Resource, p.Action, p.Condition, p.Effect, p.Priority, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return mapPGError(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO org_policy_versions (org_id, version) VALUES ($1, 1)
		ON CONFLICT (org_id) DO UPDATE SET version = org_policy_versions.version + 1
	`, p.OrgID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PGStore) DeletePolicy(ctx context.Context, orgID, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO org_policy_versions (org_id, version) VALUES ($1, 1)
		ON CONFLICT (org_id) DO UPDATE SET version = org_policy_versions.version + 1
	`, orgID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PGStore) ListPolicies(ctx context.Context, orgID string) ([]*Policy, error) {
	var out []*Policy
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, org_id, name, description, resource, action, condition, effect, priority, created_at, updated_at
		FROM policies WHERE org_id = $1 ORDER BY id
	`, orgID)
	return out, err
}

func (s *PGStore) ListSystemPolicies(ctx context.Context) ([]*Policy, error) {
	var out []*Policy
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, org_id, name, description, resource, action, condition, effect, priority, created_at, updated_at
		FROM policies WHERE org_id = '' ORDER BY id
	`)
	return out, err
}

func (s *PGStore) OrgPolicyVersion(ctx context.Context, orgID string) (int64, error) {
	var v int64
	err := s.db.GetContext(ctx, &v, `SELECT version FROM org_policy_versions WHERE org_id = $1`, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *PGStore) GetSpend(ctx context.Context, scope SpendScope, scopeID string, period SpendPeriod, periodStart time.Time) (*SpendSnapshot, error) {
	var snap SpendSnapshot
	err := s.db.GetContext(ctx, &snap, `
		SELECT scope, scope_id, period, period_start, cents_actual
		FROM spend_snapshots WHERE scope = $1 AND scope_id = $2 AND period = $3 AND period_start = $4
	`, scope, scopeID, period, periodStart)
	if errors.Is(err, sql.ErrNoRows) {
		return &SpendSnapshot{Scope: scope, ScopeID: scopeID, Period: period, PeriodStart: periodStart}, nil
	}
	return &snap, err
}

func (s *PGStore) ReconcileSpend(ctx context.Context, scope SpendScope, scopeID string, period SpendPeriod, periodStart time.Time, deltaCents int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spend_snapshots (scope, scope_id, period, period_start, cents_actual)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, scope_id, period, period_start)
		DO UPDATE SET cents_actual = spend_snapshots.cents_actual + EXCLUDED.cents_actual
	`, scope, scopeID, period, periodStart, deltaCents)
	return err
}

func (s *PGStore) AppendAudit(ctx context.Context, entries []*AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO audit_log
			(id, actor_type, actor_id, action, resource_type, resource_id, org_id, project_id, details, ip, user_agent, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.ActorType, e.ActorID, e.Action, e.ResourceType,
			e.ResourceID, e.OrgID, e.ProjectID, e.Details, e.IP, e.UserAgent, e.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func budgetLimit(b *Budget) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: b.LimitCents, Valid: true}
}

func budgetPeriod(b *Budget) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b.Period), Valid: true}
}

func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}
