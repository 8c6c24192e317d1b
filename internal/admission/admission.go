// Package admission implements the §4.J admission pipeline: the orchestrator
// that runs every gateway request through identity resolution, policy
// authorization, quota reservation, and input guardrails before dispatch,
// then output guardrails and quota reconciliation after. It owns the single
// cancellation token a request's stages share and the audit emission for
// every decision point.
//
// Stages run in a fixed order (§5): identity -> policy -> quota -> guardrails
// -> dispatch -> guardrails(out) -> reconcile. Only the guardrails Concurrent
// execution mode races a stage against dispatch; every other stage completes
// before the next begins.
package admission

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/audit"
	"github.com/nulpointcorp/llm-gateway/internal/guardrails"
	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/policy"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Metrics is the narrow subset of metrics.Registry admission needs.
type Metrics interface {
	RecordRateLimit(result string)
}

// Pipeline wires together every admission-time subsystem. All fields are
// injected so tests can supply minimal fakes; Guardrails and Metrics may be
// nil (guardrails disabled / metrics disabled).
type Pipeline struct {
	Resolver    *identity.Resolver
	Policy      *policy.Engine
	RateLimiter *quota.RateLimiter
	Concurrency *quota.ConcurrencyLimiter
	Budget      *quota.BudgetTracker
	IPLimiter   *quota.IPLimiter
	Guardrails  *guardrails.Pipeline
	Audit       *audit.Logger
	Metrics     Metrics

	Cfg Config
}

// Config carries the knobs that aren't already embedded in the injected
// subsystems.
type Config struct {
	// DefaultGatewayEffect is the outcome when no policy matches a gateway
	// (data-plane) request; admin endpoints always default-deny and are not
	// covered by this pipeline.
	DefaultGatewayEffect policy.Effect
	// TrustedProxies are the CIDRs the client-IP header is trusted from.
	TrustedProxies []string
	// IPHeader names the header carrying the original client IP when the
	// immediate peer is a trusted proxy (e.g. "X-Forwarded-For").
	IPHeader string
	// AllowAnonymous permits requests with no credentials to proceed under
	// the IP limiter alone, for deployments that expose an unauthenticated
	// tier. Default false: ErrUnauthenticated is terminal.
	AllowAnonymous bool
	// GlobalRateLimit / GlobalConcurrency / GlobalBudget are the fallback
	// limits applied when an API key carries no override of its own.
	GlobalRateLimit   quota.RateLimitConfig
	GlobalConcurrency int64
	GlobalBudget      quota.BudgetConfig
	// Pricing maps model name to its cost schedule for budget reconciliation.
	Pricing map[string]quota.Pricing
}

// Request is the endpoint-neutral shape the HTTP layer extracts from an
// inbound request before calling Admit. ResourceType/Action identify the
// policy resource being accessed (e.g. "model"/"use" for a completion call).
type Request struct {
	Headers       map[string]string
	RemoteAddr    net.IP
	ResourceType  string
	Action        string
	Model         string
	MaxTokens     uint64
	MessagesCount uint64
	HasTools      bool
	HasFileSearch bool
	Stream        bool
	Reasoning     string
	ResponseFmt   string
	Temperature   float64
	HasImages     bool
	ImageCount    uint32
	ImageSize     string
	ImageQuality  string
	CharCount     uint64
	Voice         string
	Language      string
	// EstimatedTokens overrides the rate limiter's default per-request
	// token estimate when the caller can compute a better one up front.
	EstimatedTokens int64
	// EstimatedCostCents overrides the budget tracker's default estimate.
	EstimatedCostCents int64
	// PromptText is the flattened request text evaluated by input
	// guardrails (e.g. concatenated message content). Empty skips input
	// guardrail text evaluation even when a Guardrails pipeline is set.
	PromptText string
}

// DispatchFunc performs the actual provider call and reports actual usage
// for reconciliation. It must return promptly on ctx cancellation.
type DispatchFunc func(ctx context.Context) (resp any, usage quota.Usage, err error)

// Outcome is what Admit returns on success: the dispatch response plus the
// (possibly redacted) output guardrail result.
type Outcome struct {
	Response       any
	Subject        *identity.Subject
	OutputResult   *guardrails.Result
	PolicyDecision *policy.Decision
}

var (
	// ErrDenied wraps a policy deny decision; callers map to 403.
	ErrDenied = errors.New("admission: denied by policy")
)

// DeniedError carries the policy name (when audit.log_denied reveals it) for
// the 403 response body.
type DeniedError struct {
	PolicyName string
}

func (e *DeniedError) Error() string { return "admission: denied" }
func (e *DeniedError) Unwrap() error { return ErrDenied }

// release is a best-effort cleanup closure; errors are swallowed since the
// reservation is already being abandoned.
type release func()

func noop() {}

// Admit runs the full §4.J sequence for one request. On any failure prior to
// dispatch, reservations already taken are released and an audit record is
// emitted before returning. On success, quota is reconciled with actual
// usage and an "allowed" audit record is emitted.
func (p *Pipeline) Admit(ctx context.Context, req Request, dispatch DispatchFunc) (*Outcome, error) {
	clientIP := p.clientIP(req)

	// 1. Identity resolution.
	result, err := p.Resolver.Resolve(ctx, req.Headers, clientIP)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) && p.Cfg.AllowAnonymous {
			if ok := p.allowIP(ctx, clientIP); !ok {
				p.auditDeny("", "unauthenticated", req, clientIP, "ip_rate_limited")
				return nil, &quota.RateLimitedError{}
			}
			result = &identity.Result{Subject: &identity.Subject{}}
		} else {
			p.auditDeny("", "unauthenticated", req, clientIP, err.Error())
			return nil, err
		}
	}
	subject := result.Subject

	// 2. Policy authorization.
	pc := p.policyContext(req, subject)
	decision, err := p.Policy.Evaluate(ctx, *subject, pc, p.Cfg.DefaultGatewayEffect)
	if err != nil {
		p.auditDeny(actorID(subject), "policy_error", req, clientIP, err.Error())
		return nil, err
	}
	if !decision.Allowed {
		p.auditDeny(actorID(subject), "policy_deny", req, clientIP, decision.PolicyName)
		return nil, &DeniedError{PolicyName: decision.PolicyName}
	}
	p.auditAllow(actorID(subject), "policy_allow", req, clientIP, decision.PolicyName)

	// 3. Quota reservation: rate limit, concurrency, budget. Each acquired
	// resource is tracked so a later failure releases everything already
	// taken, not just the last one.
	var releases []release
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	rlRes, err := p.reserveRateLimit(ctx, subject, req)
	if err != nil {
		releaseAll()
		p.auditDeny(actorID(subject), "rate_limited", req, clientIP, err.Error())
		return nil, err
	}
	if rlRes != nil {
		releases = append(releases, func() { p.RateLimiter.Release(context.WithoutCancel(ctx), rlRes) })
	}

	concRelease, err := p.acquireConcurrency(ctx, subject)
	if err != nil {
		releaseAll()
		p.auditDeny(actorID(subject), "concurrency_limited", req, clientIP, err.Error())
		return nil, err
	}
	releases = append(releases, concRelease)

	budgetRes, err := p.reserveBudget(ctx, subject, req)
	if err != nil {
		releaseAll()
		p.auditDeny(actorID(subject), "budget_exceeded", req, clientIP, err.Error())
		return nil, err
	}
	if budgetRes != nil {
		releases = append(releases, func() { p.Budget.Release(context.WithoutCancel(ctx), budgetRes) })
	}

	// 4. Input guardrails, then dispatch.
	var (
		resp     any
		usage    quota.Usage
		dispErr  error
		gDispatch guardrails.DispatchFunc = func(dctx context.Context) (any, error) {
			r, u, e := dispatch(dctx)
			usage = u
			return r, e
		}
	)

	var outResult *guardrails.Result
	if p.Guardrails != nil {
		gin := guardrails.Input{Stage: guardrails.StageInput, Text: flattenForGuardrails(req), Model: req.Model, OrgID: pc.OrgID, UserID: subject.UserID}
		_, resp, dispErr = p.Guardrails.RunInput(ctx, gin, gDispatch)
	} else {
		resp, dispErr = gDispatch(ctx)
	}

	if dispErr != nil {
		releaseAll()
		var blocked *guardrails.BlockedError
		if errors.As(dispErr, &blocked) {
			p.auditDeny(actorID(subject), "guardrail_blocked_input", req, clientIP, dispErr.Error())
		} else {
			p.auditDeny(actorID(subject), "dispatch_error", req, clientIP, dispErr.Error())
		}
		return nil, dispErr
	}

	// 5. Output guardrails over the produced text, if configured.
	if p.Guardrails != nil {
		outText := guardrailsOutputText(resp)
		outIn := guardrails.Input{Stage: guardrails.StageOutput, Text: outText, Model: req.Model, OrgID: pc.OrgID, UserID: subject.UserID}
		var gerr error
		outResult, gerr = p.Guardrails.RunOutput(ctx, outIn)
		if gerr != nil {
			releaseAll()
			p.auditDeny(actorID(subject), "guardrail_blocked_output", req, clientIP, gerr.Error())
			return nil, gerr
		}
	}

	// 6. Reconcile quota with actual usage now that it's known.
	if rlRes != nil {
		_ = p.RateLimiter.Commit(ctx, rlRes, usage.InputTokens+usage.OutputTokens)
	}
	if budgetRes != nil {
		cost := int64(0)
		if pr, ok := p.Cfg.Pricing[req.Model]; ok {
			cost = pr.CostCents(usage)
		}
		_ = p.Budget.Commit(ctx, budgetRes, cost)
	}
	concRelease()

	p.auditAllow(actorID(subject), "request_completed", req, clientIP, "")

	return &Outcome{Response: resp, Subject: subject, OutputResult: outResult, PolicyDecision: decision}, nil
}

// Ticket is returned by AdmitGate: the identity/policy/quota stages have
// already run and passed, and the caller now owns the reservations until it
// calls Commit or Release. Used by HTTP handlers whose dispatch path (e.g.
// SSE streaming) can't be expressed as a single DispatchFunc the way Admit
// requires.
type Ticket struct {
	p           *Pipeline
	subject     *identity.Subject
	decision    *policy.Decision
	req         Request
	clientIP    net.IP
	rlRes       *quota.Reservation
	budgetRes   *quota.BudgetReservation
	concRelease release
	done        bool
}

// Subject returns the resolved caller identity.
func (t *Ticket) Subject() *identity.Subject { return t.subject }

// PolicyDecision returns the policy evaluation that admitted this request.
func (t *Ticket) PolicyDecision() *policy.Decision { return t.decision }

// AdmitGate runs identity resolution, policy authorization, and quota
// reservation (stages 1-3 of Admit) and returns a Ticket the caller must
// resolve with Commit or Release exactly once. Input/output guardrails are
// the caller's responsibility when using this entry point; Admit applies
// them automatically.
func (p *Pipeline) AdmitGate(ctx context.Context, req Request) (*Ticket, error) {
	clientIP := p.clientIP(req)

	result, err := p.Resolver.Resolve(ctx, req.Headers, clientIP)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) && p.Cfg.AllowAnonymous {
			if ok := p.allowIP(ctx, clientIP); !ok {
				p.auditDeny("", "unauthenticated", req, clientIP, "ip_rate_limited")
				return nil, &quota.RateLimitedError{}
			}
			result = &identity.Result{Subject: &identity.Subject{}}
		} else {
			p.auditDeny("", "unauthenticated", req, clientIP, err.Error())
			return nil, err
		}
	}
	subject := result.Subject

	pc := p.policyContext(req, subject)
	decision, err := p.Policy.Evaluate(ctx, *subject, pc, p.Cfg.DefaultGatewayEffect)
	if err != nil {
		p.auditDeny(actorID(subject), "policy_error", req, clientIP, err.Error())
		return nil, err
	}
	if !decision.Allowed {
		p.auditDeny(actorID(subject), "policy_deny", req, clientIP, decision.PolicyName)
		return nil, &DeniedError{PolicyName: decision.PolicyName}
	}
	p.auditAllow(actorID(subject), "policy_allow", req, clientIP, decision.PolicyName)

	t := &Ticket{p: p, subject: subject, decision: decision, req: req, clientIP: clientIP}

	t.rlRes, err = p.reserveRateLimit(ctx, subject, req)
	if err != nil {
		p.auditDeny(actorID(subject), "rate_limited", req, clientIP, err.Error())
		return nil, err
	}

	t.concRelease, err = p.acquireConcurrency(ctx, subject)
	if err != nil {
		if t.rlRes != nil {
			p.RateLimiter.Release(context.WithoutCancel(ctx), t.rlRes)
		}
		p.auditDeny(actorID(subject), "concurrency_limited", req, clientIP, err.Error())
		return nil, err
	}

	t.budgetRes, err = p.reserveBudget(ctx, subject, req)
	if err != nil {
		if t.rlRes != nil {
			p.RateLimiter.Release(context.WithoutCancel(ctx), t.rlRes)
		}
		t.concRelease()
		p.auditDeny(actorID(subject), "budget_exceeded", req, clientIP, err.Error())
		return nil, err
	}

	return t, nil
}

// Commit reconciles quota with actual usage and records a successful
// completion audit entry. Safe to call at most once; a second call is a
// no-op.
func (t *Ticket) Commit(ctx context.Context, usage quota.Usage) {
	if t.done {
		return
	}
	t.done = true
	if t.rlRes != nil {
		_ = t.p.RateLimiter.Commit(ctx, t.rlRes, usage.InputTokens+usage.OutputTokens)
	}
	if t.budgetRes != nil {
		cost := int64(0)
		if pr, ok := t.p.Cfg.Pricing[t.req.Model]; ok {
			cost = pr.CostCents(usage)
		}
		_ = t.p.Budget.Commit(ctx, t.budgetRes, cost)
	}
	if t.concRelease != nil {
		t.concRelease()
	}
	t.p.auditAllow(actorID(t.subject), "request_completed", t.req, t.clientIP, "")
}

// Release undoes every reservation the Ticket holds without reconciling
// usage, for when dispatch fails before producing any usable response. Safe
// to call at most once; a second call is a no-op.
func (t *Ticket) Release(ctx context.Context, reason string) {
	if t.done {
		return
	}
	t.done = true
	if t.rlRes != nil {
		_ = t.p.RateLimiter.Release(ctx, t.rlRes)
	}
	if t.budgetRes != nil {
		_ = t.p.Budget.Release(ctx, t.budgetRes)
	}
	if t.concRelease != nil {
		t.concRelease()
	}
	t.p.auditDeny(actorID(t.subject), "dispatch_error", t.req, t.clientIP, reason)
}

func actorID(s *identity.Subject) string {
	if s == nil {
		return ""
	}
	if s.APIKey != nil {
		return s.APIKey.ID
	}
	if s.UserID != "" {
		return s.UserID
	}
	return s.ExternalID
}

func (p *Pipeline) clientIP(req Request) net.IP {
	if p.Cfg.IPHeader != "" {
		if raw := req.Headers[p.Cfg.IPHeader]; raw != "" {
			if ip := firstIP(raw); ip != nil {
				return ip
			}
		}
	}
	return req.RemoteAddr
}

func firstIP(xff string) net.IP {
	for i := 0; i < len(xff); i++ {
		if xff[i] == ',' {
			return net.ParseIP(trimSpace(xff[:i]))
		}
	}
	return net.ParseIP(trimSpace(xff))
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

func (p *Pipeline) allowIP(ctx context.Context, ip net.IP) bool {
	if p.IPLimiter == nil || ip == nil {
		return true
	}
	ok, err := p.IPLimiter.Allow(ctx, ip.String())
	if err != nil {
		return true // fail open on cache outage; degrades protection, not security
	}
	return ok
}

func (p *Pipeline) policyContext(req Request, subject *identity.Subject) policy.Context {
	now := policy.NowTimeContext(time.Now())
	pc := policy.Context{
		ResourceType: req.ResourceType,
		Action:       req.Action,
		Model:        req.Model,
		Now:          &now,
		Request: &policy.RequestContext{
			MaxTokens:       req.MaxTokens,
			MessagesCount:   req.MessagesCount,
			HasTools:        req.HasTools,
			HasFileSearch:   req.HasFileSearch,
			Stream:          req.Stream,
			ReasoningEffort: req.Reasoning,
			ResponseFormat:  req.ResponseFmt,
			Temperature:     req.Temperature,
			HasImages:       req.HasImages,
			ImageCount:      req.ImageCount,
			ImageSize:       req.ImageSize,
			ImageQuality:    req.ImageQuality,
			CharacterCount:  req.CharCount,
			Voice:           req.Voice,
			Language:        req.Language,
		},
	}
	if len(subject.OrgIDs) > 0 {
		pc.OrgID = subject.OrgIDs[0]
	}
	if len(subject.TeamIDs) > 0 {
		pc.TeamID = subject.TeamIDs[0]
	}
	if len(subject.ProjectIDs) > 0 {
		pc.ProjectID = subject.ProjectIDs[0]
	}
	return pc
}

func (p *Pipeline) reserveRateLimit(ctx context.Context, subject *identity.Subject, req Request) (*quota.Reservation, error) {
	if p.RateLimiter == nil {
		return nil, nil
	}
	estimate := req.EstimatedTokens
	if key := subject.APIKey; key != nil && key.RateLimitTPM > 0 {
		if estimate <= 0 {
			estimate = int64(key.RateLimitTPM) / 60
		}
	}
	res, err := p.RateLimiter.Reserve(ctx, subjectKey(subject), estimate)
	if err != nil {
		var rl *quota.RateLimitedError
		if errors.As(err, &rl) && p.Metrics != nil {
			p.Metrics.RecordRateLimit("blocked")
		}
		return nil, err
	}
	if p.Metrics != nil {
		p.Metrics.RecordRateLimit("allowed")
	}
	return res, nil
}

func (p *Pipeline) acquireConcurrency(ctx context.Context, subject *identity.Subject) (release, error) {
	if p.Concurrency == nil {
		return noop, nil
	}
	limit := p.Cfg.GlobalConcurrency
	rel, err := p.Concurrency.Acquire(ctx, subjectKey(subject), limit)
	if err != nil {
		return noop, err
	}
	return release(rel), nil
}

func (p *Pipeline) reserveBudget(ctx context.Context, subject *identity.Subject, req Request) (*quota.BudgetReservation, error) {
	if p.Budget == nil {
		return nil, nil
	}
	cfg := p.Cfg.GlobalBudget
	scope := "api_key"
	scopeID := subjectKey(subject)
	if key := subject.APIKey; key != nil && key.Budget != nil {
		cfg.LimitCents = key.Budget.LimitCents
		if key.Budget.Period == store.BudgetDaily {
			cfg.Period = 24 * time.Hour
		} else {
			cfg.Period = 30 * 24 * time.Hour
		}
	}
	if cfg.LimitCents <= 0 {
		return nil, nil
	}

	estimate := req.EstimatedCostCents
	if estimate <= 0 {
		if pr, ok := p.Cfg.Pricing[req.Model]; ok {
			estimate = pr.CostCents(quota.Usage{InputTokens: int64(req.MaxTokens)})
		}
	}
	return p.Budget.Reserve(ctx, scope, scopeID, cfg, estimate)
}

func subjectKey(s *identity.Subject) string {
	if s == nil {
		return "anonymous"
	}
	if s.APIKey != nil {
		return "key:" + s.APIKey.ID
	}
	if s.UserID != "" {
		return "user:" + s.UserID
	}
	if s.ExternalID != "" {
		return "ext:" + s.ExternalID
	}
	return "anonymous"
}

func flattenForGuardrails(req Request) string {
	return req.PromptText
}

func guardrailsOutputText(resp any) string {
	type texter interface{ GuardrailText() string }
	if t, ok := resp.(texter); ok {
		return t.GuardrailText()
	}
	return ""
}

func (p *Pipeline) auditDeny(actor, action string, req Request, ip net.IP, detail string) {
	if p.Audit == nil {
		return
	}
	p.Audit.Log(audit.Entry{
		ActorType:    "api_key",
		ActorID:      actor,
		Action:       action,
		ResourceType: req.ResourceType,
		Details:      map[string]any{"reason": detail, "model": req.Model},
		IP:           ipString(ip),
	})
}

func (p *Pipeline) auditAllow(actor, action string, req Request, ip net.IP, policyName string) {
	if p.Audit == nil {
		return
	}
	p.Audit.Log(audit.Entry{
		ActorType:    "api_key",
		ActorID:      actor,
		Action:       action,
		ResourceType: req.ResourceType,
		Details:      map[string]any{"policy": policyName, "model": req.Model},
		IP:           ipString(ip),
	})
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
