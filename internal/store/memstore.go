package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store backed by plain maps under a single mutex.
// It is used by tests and by the zero-dependency quick-start deployment
// (no Postgres configured). It is not suitable for multi-replica
// deployments — state is local to the process.
type MemStore struct {
	mu sync.Mutex

	orgs     map[string]*Organization
	teams    map[string]*Team
	projects map[string]*Project
	users    map[string]*User
	svcAccts map[string]*ServiceAccount
	keys     map[string]*APIKey
	policies map[string]*Policy // id -> policy
	orgVer   map[string]int64   // orgID -> policy version
	spend    map[string]*SpendSnapshot
	audit    []*AuditEntry
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		orgs:     make(map[string]*Organization),
		teams:    make(map[string]*Team),
		projects: make(map[string]*Project),
		users:    make(map[string]*User),
		svcAccts: make(map[string]*ServiceAccount),
		keys:     make(map[string]*APIKey),
		policies: make(map[string]*Policy),
		orgVer:   make(map[string]int64),
		spend:    make(map[string]*SpendSnapshot),
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) CreateOrganization(_ context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.Slug == org.Slug && o.DeletedAt == nil {
			return ErrConflict
		}
	}
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *MemStore) GetOrganization(_ context.Context, id string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemStore) GetOrganizationBySlug(_ context.Context, slug string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.Slug == slug && o.DeletedAt == nil {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) CreateTeam(_ context.Context, t *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.teams[t.ID] = &cp
	return nil
}

func (s *MemStore) CreateProject(_ context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemStore) GetProject(_ context.Context, id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemStore) GetUserByExternalID(_ context.Context, externalID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) UpsertUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemStore) GetServiceAccount(_ context.Context, id string) (*ServiceAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.svcAccts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sa
	return &cp, nil
}

func (s *MemStore) CreateAPIKey(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys {
		if existing.SecretHash == k.SecretHash {
			return ErrConflict
		}
	}
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

func (s *MemStore) GetAPIKeyByID(_ context.Context, id string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *MemStore) GetAPIKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.SecretHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) RotateAPIKey(_ context.Context, oldID string, graceExpiry time.Time, newKey *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.keys[oldID]
	if !ok {
		return ErrNotFound
	}
	oldCp := *old
	oldCp.GraceExpiry = &graceExpiry
	s.keys[oldID] = &oldCp

	newKey.RotatedFrom = oldID
	cp := *newKey
	s.keys[newKey.ID] = &cp
	return nil
}

func (s *MemStore) RevokeAPIKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	cp := *k
	cp.RevokedAt = &at
	s.keys[id] = &cp
	return nil
}

func (s *MemStore) ListAPIKeysByOwner(_ context.Context, owner Owner, opts ListOptions) (Page[*APIKey], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*APIKey
	for _, k := range s.keys {
		if k.Owner == owner {
			cp := *k
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	return paginate(matched, opts, func(k *APIKey) string { return k.ID })
}

func (s *MemStore) UpsertPolicy(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.policies {
		if existing.OrgID == p.OrgID && existing.Name == p.Name && existing.ID != p.ID {
			return ErrConflict
		}
	}
	cp := *p
	s.policies[p.ID] = &cp
	s.orgVer[p.OrgID]++
	return nil
}

func (s *MemStore) DeletePolicy(_ context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[id]; !ok || p.OrgID != orgID {
		return ErrNotFound
	}
	delete(s.policies, id)
	s.orgVer[orgID]++
	return nil
}

func (s *MemStore) ListPolicies(_ context.Context, orgID string) ([]*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Policy
	for _, p := range s.policies {
		if p.OrgID == orgID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListSystemPolicies(_ context.Context) ([]*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Policy
	for _, p := range s.policies {
		if p.OrgID == "" {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) OrgPolicyVersion(_ context.Context, orgID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orgVer[orgID], nil
}

func spendKey(scope SpendScope, scopeID string, period SpendPeriod, periodStart time.Time) string {
	return string(scope) + "|" + scopeID + "|" + string(period) + "|" + periodStart.UTC().Format(time.RFC3339)
}

func (s *MemStore) GetSpend(_ context.Context, scope SpendScope, scopeID string, period SpendPeriod, periodStart time.Time) (*SpendSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.spend[spendKey(scope, scopeID, period, periodStart)]
	if !ok {
		return &SpendSnapshot{Scope: scope, ScopeID: scopeID, Period: period, PeriodStart: periodStart}, nil
	}
	cp := *snap
	return &cp, nil
}

func (s *MemStore) ReconcileSpend(_ context.Context, scope SpendScope, scopeID string, period SpendPeriod, periodStart time.Time, deltaCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := spendKey(scope, scopeID, period, periodStart)
	snap, ok := s.spend[key]
	if !ok {
		snap = &SpendSnapshot{Scope: scope, ScopeID: scopeID, Period: period, PeriodStart: periodStart}
	}
	cp := *snap
	cp.CentsActual += deltaCents
	s.spend[key] = &cp
	return nil
}

func (s *MemStore) AppendAudit(_ context.Context, entries []*AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		cp := *e
		s.audit = append(s.audit, &cp)
	}
	return nil
}

// Audit returns a snapshot of all audit entries recorded so far (test helper).
func (s *MemStore) Audit() []*AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// paginate applies a cursor window over an already-sorted slice of
// pointer-typed items (T is e.g. *APIKey).
func paginate[T any](items []T, opts ListOptions, idOf func(T) string) (Page[T], error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	afterID, _, err := DecodeCursor(opts.Cursor)
	if err != nil {
		return Page[T]{}, err
	}

	start := 0
	if afterID != "" {
		for i, it := range items {
			if idOf(it) == afterID {
				start = i + 1
				break
			}
		}
	}

	end := start + limit
	hasMore := end < len(items)
	if end > len(items) {
		end = len(items)
	}

	window := items[start:end]
	page := Page[T]{HasMore: hasMore, Items: window}
	if hasMore && len(window) > 0 {
		nc := EncodeCursor(idOf(window[len(window)-1]), "forward")
		page.NextCursor = &nc
	}
	return page, nil
}
