// Package admin implements the §6 control-plane REST surface: API-key
// lifecycle management (create, revoke, rotate, list) for org/project admins
// and for self-service callers. Every handler is JSON in/out and paged via
// the Store's opaque cursor where it lists.
package admin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/policy"
	"github.com/nulpointcorp/llm-gateway/internal/store"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// Store is the subset of store.Store the admin handlers need.
type Store interface {
	CreateAPIKey(ctx context.Context, k *store.APIKey) error
	GetAPIKeyByID(ctx context.Context, id string) (*store.APIKey, error)
	RotateAPIKey(ctx context.Context, oldID string, graceExpiry time.Time, newKey *store.APIKey) error
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
	ListAPIKeysByOwner(ctx context.Context, owner store.Owner, opts store.ListOptions) (store.Page[*store.APIKey], error)
}

// Invalidator is implemented by identity.Resolver; separated so handlers
// don't need the full Resolver surface.
type Invalidator interface {
	InvalidateAPIKey(ctx context.Context, id string) error
}

// Handlers holds the dependencies every admin endpoint needs.
type Handlers struct {
	Store       Store
	Invalidator Invalidator
	Policy      *policy.Engine
	Audit       *audit.Logger
	Log         *slog.Logger

	// KeyFamily is the configured API-key prefix family (e.g. "gw_") that
	// every created key's secret begins with; DisplayPrefix is the
	// additionally-appended class tag (default "live_").
	KeyFamily     string
	DisplayPrefix string

	// DefaultGraceDuration bounds rotation grace when a caller doesn't
	// specify one (§4.D: grace period in [1s, 7d]).
	DefaultGraceDuration time.Duration
}

func (h *Handlers) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// generateSecret returns a raw API key value: <family><display-prefix><random>.
// The raw value is returned to the caller exactly once; only its hash is
// ever persisted.
func (h *Handlers) generateSecret() (raw, prefix string, err error) {
	family := h.KeyFamily
	if family == "" {
		family = "gw_"
	}
	tag := h.DisplayPrefix
	if tag == "" {
		tag = "live_"
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	random := base64.RawURLEncoding.EncodeToString(buf)
	prefix = family + tag
	return prefix + random, prefix, nil
}

// ── Request/response DTOs ───────────────────────────────────────────────────

type createKeyRequest struct {
	Name          string       `json:"name"`
	OwnerKind     string       `json:"owner_kind"`
	OwnerID       string       `json:"owner_id"`
	BudgetCents   int64        `json:"budget_cents,omitempty"`
	BudgetPeriod  string       `json:"budget_period,omitempty"` // "daily" | "monthly"
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	Scopes        []string     `json:"scopes,omitempty"`
	AllowedModels []string     `json:"allowed_models,omitempty"`
	IPAllowlist   []string     `json:"ip_allowlist,omitempty"`
	RateLimitRPM  int          `json:"rate_limit_rpm,omitempty"`
	RateLimitTPM  int          `json:"rate_limit_tpm,omitempty"`
}

type apiKeyResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Prefix        string     `json:"prefix"`
	Owner         store.Owner `json:"owner"`
	BudgetCents   int64      `json:"budget_cents,omitempty"`
	BudgetPeriod  string     `json:"budget_period,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Scopes        []string   `json:"scopes,omitempty"`
	AllowedModels []string   `json:"allowed_models,omitempty"`
	RateLimitRPM  int        `json:"rate_limit_rpm,omitempty"`
	RateLimitTPM  int        `json:"rate_limit_tpm,omitempty"`
	RotatedFrom   string     `json:"rotated_from,omitempty"`
	GraceExpiry   *time.Time `json:"grace_expiry,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	// Secret is populated only on the one-shot creation/rotation response.
	Secret string `json:"secret,omitempty"`
}

func toResponse(k *store.APIKey, secret string) apiKeyResponse {
	var budgetCents int64
	var budgetPeriod string
	if k.Budget != nil {
		budgetCents = k.Budget.LimitCents
		budgetPeriod = string(k.Budget.Period)
	}
	return apiKeyResponse{
		ID:            k.ID,
		Name:          k.Name,
		Prefix:        k.Prefix,
		Owner:         k.Owner,
		BudgetCents:   budgetCents,
		BudgetPeriod:  budgetPeriod,
		ExpiresAt:     k.ExpiresAt,
		Scopes:        k.Scopes,
		AllowedModels: k.AllowedModels,
		RateLimitRPM:  k.RateLimitRPM,
		RateLimitTPM:  k.RateLimitTPM,
		RotatedFrom:   k.RotatedFrom,
		GraceExpiry:   k.GraceExpiry,
		RevokedAt:     k.RevokedAt,
		CreatedAt:     k.CreatedAt,
		Secret:        secret,
	}
}

// ── Handlers ─────────────────────────────────────────────────────────────

// CreateAPIKey handles POST /admin/v1/api-keys. The owner is taken from the
// request body; self-service routes wrap this with an owner override (see
// CreateMyAPIKey).
func (h *Handlers) CreateAPIKey(ctx *fasthttp.RequestCtx, actorID string) {
	var req createKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Name == "" || req.OwnerID == "" || req.OwnerKind == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "name, owner_kind, and owner_id are required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	raw, prefix, err := h.generateSecret()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to generate key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	key := &store.APIKey{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Prefix:        prefix,
		SecretHash:    identity.HashAPIKey(raw),
		Owner:         store.Owner{Kind: store.OwnerKind(req.OwnerKind), ID: req.OwnerID},
		ExpiresAt:     req.ExpiresAt,
		Scopes:        req.Scopes,
		AllowedModels: req.AllowedModels,
		IPAllowlist:   req.IPAllowlist,
		RateLimitRPM:  req.RateLimitRPM,
		RateLimitTPM:  req.RateLimitTPM,
		CreatedAt:     time.Now(),
	}
	if req.BudgetCents > 0 {
		key.Budget = &store.Budget{LimitCents: req.BudgetCents, Period: store.BudgetPeriod(req.BudgetPeriod)}
	}

	if err := h.Store.CreateAPIKey(ctx, key); err != nil {
		h.writeStoreErr(ctx, err)
		return
	}
	h.audit(ctx, actorID, "api_key.create", key.ID, key.Owner)

	writeJSON(ctx, fasthttp.StatusCreated, toResponse(key, raw))
}

// RevokeAPIKey handles DELETE /admin/v1/api-keys/{id}.
func (h *Handlers) RevokeAPIKey(ctx *fasthttp.RequestCtx, id, actorID string) {
	if err := h.Store.RevokeAPIKey(ctx, id, time.Now()); err != nil {
		h.writeStoreErr(ctx, err)
		return
	}
	if h.Invalidator != nil {
		if err := h.Invalidator.InvalidateAPIKey(ctx, id); err != nil {
			h.log().Warn("revoke_invalidate_failed", slog.String("key_id", id), slog.String("error", err.Error()))
		}
	}
	h.audit(ctx, actorID, "api_key.revoke", id, store.Owner{})
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// RotateAPIKey handles POST /admin/v1/api-keys/{id}/rotate. The new key
// inherits the old key's scopes/limits/budget; the old key keeps
// authenticating until graceExpiry.
func (h *Handlers) RotateAPIKey(ctx *fasthttp.RequestCtx, id, actorID string) {
	old, err := h.Store.GetAPIKeyByID(ctx, id)
	if err != nil {
		h.writeStoreErr(ctx, err)
		return
	}

	var body struct {
		GraceSeconds int64 `json:"grace_seconds,omitempty"`
	}
	_ = json.Unmarshal(ctx.PostBody(), &body)

	grace := h.DefaultGraceDuration
	if grace <= 0 {
		grace = time.Hour
	}
	if body.GraceSeconds > 0 {
		grace = time.Duration(body.GraceSeconds) * time.Second
	}
	if grace < time.Second {
		grace = time.Second
	}
	if grace > 7*24*time.Hour {
		grace = 7 * 24 * time.Hour
	}
	graceExpiry := time.Now().Add(grace)

	raw, prefix, err := h.generateSecret()
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to generate key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	newKey := &store.APIKey{
		ID:            uuid.New().String(),
		Name:          old.Name,
		Prefix:        prefix,
		SecretHash:    identity.HashAPIKey(raw),
		Owner:         old.Owner,
		Budget:        old.Budget,
		ExpiresAt:     old.ExpiresAt,
		Scopes:        old.Scopes,
		AllowedModels: old.AllowedModels,
		IPAllowlist:   old.IPAllowlist,
		RateLimitRPM:  old.RateLimitRPM,
		RateLimitTPM:  old.RateLimitTPM,
		RotatedFrom:   old.ID,
		CreatedAt:     time.Now(),
	}

	if err := h.Store.RotateAPIKey(ctx, old.ID, graceExpiry, newKey); err != nil {
		h.writeStoreErr(ctx, err)
		return
	}
	if h.Invalidator != nil {
		// The old key's cached row must be dropped so the grace-expiry
		// bookkeeping just written is picked up on next lookup rather than
		// serving a stale cached copy for up to apiKeyCacheTTL.
		if err := h.Invalidator.InvalidateAPIKey(ctx, old.ID); err != nil {
			h.log().Warn("rotate_invalidate_failed", slog.String("key_id", old.ID), slog.String("error", err.Error()))
		}
	}
	h.audit(ctx, actorID, "api_key.rotate", newKey.ID, newKey.Owner)

	writeJSON(ctx, fasthttp.StatusCreated, toResponse(newKey, raw))
}

// audit records a control-plane event via the configured Logger, a no-op
// when Audit isn't wired (e.g. in tests).
func (h *Handlers) audit(ctx *fasthttp.RequestCtx, actorID, action, resourceID string, owner store.Owner) {
	if h.Audit == nil {
		return
	}
	orgID := ""
	if owner.Kind == store.OwnerOrganization {
		orgID = owner.ID
	}
	h.Audit.Log(audit.Entry{
		ActorType:    "user",
		ActorID:      actorID,
		Action:       action,
		ResourceType: "api_key",
		ResourceID:   resourceID,
		OrgID:        orgID,
		IP:           ctx.RemoteIP().String(),
		UserAgent:    string(ctx.UserAgent()),
	})
}

// ListAPIKeysByOrg handles GET /admin/v1/organizations/{org}/api-keys.
func (h *Handlers) ListAPIKeysByOrg(ctx *fasthttp.RequestCtx, orgID string) {
	h.list(ctx, store.Owner{Kind: store.OwnerOrganization, ID: orgID})
}

// ListAPIKeysByProject handles
// GET /admin/v1/organizations/{org}/projects/{p}/api-keys.
func (h *Handlers) ListAPIKeysByProject(ctx *fasthttp.RequestCtx, projectID string) {
	h.list(ctx, store.Owner{Kind: store.OwnerProject, ID: projectID})
}

func (h *Handlers) list(ctx *fasthttp.RequestCtx, owner store.Owner) {
	opts := store.ListOptions{
		Cursor: string(ctx.QueryArgs().Peek("cursor")),
		Limit:  ctx.QueryArgs().GetUintOrZero("limit"),
	}
	page, err := h.Store.ListAPIKeysByOwner(ctx, owner, opts)
	if err != nil {
		h.writeStoreErr(ctx, err)
		return
	}
	items := make([]apiKeyResponse, len(page.Items))
	for i, k := range page.Items {
		items[i] = toResponse(k, "")
	}
	writeJSON(ctx, fasthttp.StatusOK, struct {
		Items      []apiKeyResponse `json:"items"`
		NextCursor *string          `json:"next_cursor,omitempty"`
		PrevCursor *string          `json:"prev_cursor,omitempty"`
		HasMore    bool             `json:"has_more"`
	}{items, page.NextCursor, page.PrevCursor, page.HasMore})
}

// ── Self-service ─────────────────────────────────────────────────────────
//
// Self-service routes enforce owner == caller.user_id and return 404 (never
// 403) on a mismatch, per §6's anti-enumeration rule: a caller probing
// another user's key id learns nothing beyond "not found".

// ListMyAPIKeys handles GET /admin/v1/me/api-keys.
func (h *Handlers) ListMyAPIKeys(ctx *fasthttp.RequestCtx, callerUserID string) {
	h.list(ctx, store.Owner{Kind: store.OwnerUser, ID: callerUserID})
}

// CreateMyAPIKey handles POST /admin/v1/me/api-keys: identical to
// CreateAPIKey but the owner is forced to the caller, ignoring any
// owner_kind/owner_id in the body.
func (h *Handlers) CreateMyAPIKey(ctx *fasthttp.RequestCtx, callerUserID string) {
	var req createKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.OwnerKind = string(store.OwnerUser)
	req.OwnerID = callerUserID
	body, _ := json.Marshal(req)
	ctx.Request.SetBody(body)
	h.CreateAPIKey(ctx, callerUserID)
}

// DeleteMyAPIKey handles DELETE /admin/v1/me/api-keys/{id}. Returns 404
// (not 403) if the key belongs to someone else.
func (h *Handlers) DeleteMyAPIKey(ctx *fasthttp.RequestCtx, id, callerUserID string) {
	key, err := h.Store.GetAPIKeyByID(ctx, id)
	if err != nil {
		h.writeStoreErr(ctx, err)
		return
	}
	if key.Owner.Kind != store.OwnerUser || key.Owner.ID != callerUserID {
		apierr.Write(ctx, fasthttp.StatusNotFound, "not found", apierr.TypeNotFoundError, apierr.CodeNotFound)
		return
	}
	h.RevokeAPIKey(ctx, id, callerUserID)
}

// RotateMyAPIKey handles POST /admin/v1/me/api-keys/{id}/rotate. Same
// ownership check as DeleteMyAPIKey.
func (h *Handlers) RotateMyAPIKey(ctx *fasthttp.RequestCtx, id, callerUserID string) {
	key, err := h.Store.GetAPIKeyByID(ctx, id)
	if err != nil {
		h.writeStoreErr(ctx, err)
		return
	}
	if key.Owner.Kind != store.OwnerUser || key.Owner.ID != callerUserID {
		apierr.Write(ctx, fasthttp.StatusNotFound, "not found", apierr.TypeNotFoundError, apierr.CodeNotFound)
		return
	}
	h.RotateAPIKey(ctx, id, callerUserID)
}

func (h *Handlers) writeStoreErr(ctx *fasthttp.RequestCtx, err error) {
	if err == store.ErrNotFound {
		apierr.Write(ctx, fasthttp.StatusNotFound, "not found", apierr.TypeNotFoundError, apierr.CodeNotFound)
		return
	}
	if err == store.ErrConflict {
		apierr.Write(ctx, fasthttp.StatusConflict, "conflict", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(v)
	ctx.SetBody(body)
}
