package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/admission"
	"github.com/nulpointcorp/llm-gateway/internal/guardrails"
	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// admissionProbe is the subset of an inbound body withAdmission inspects to
// build an admission.Request. It's deliberately loose — fields a given route
// doesn't send (e.g. "input" on a chat request) just stay zero — so one
// probe covers every dispatch route; the handler it wraps re-parses the same
// bytes into its own strict request type. ctx.PostBody() is non-consuming,
// so probing first never affects the wrapped handler's own parse.
type admissionProbe struct {
	Model       string          `json:"model"`
	Messages    []probeMessage  `json:"messages"`
	Input       json.RawMessage `json:"input"`
	Stream      bool            `json:"stream"`
	MaxTokens   int64           `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type probeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// withAdmission gates next behind identity, policy, and quota admission.
// When the gateway has no admission pipeline configured it calls next
// directly, so the gateway remains runnable as a bare proxy. next must write
// its own response via ctx; it is never invoked when admission denies the
// request.
func (g *Gateway) withAdmission(resourceType string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.admission == nil {
			next(ctx)
			return
		}

		var probe admissionProbe
		_ = json.Unmarshal(ctx.PostBody(), &probe)

		var prompt strings.Builder
		for _, m := range probe.Messages {
			prompt.WriteString(m.Content)
			prompt.WriteByte('\n')
		}
		if prompt.Len() == 0 && len(probe.Input) > 0 {
			prompt.Write(probe.Input)
		}

		req := admission.Request{
			Headers:       admissionHeaders(ctx),
			RemoteAddr:    admissionRemoteIP(ctx),
			ResourceType:  resourceType,
			Action:        "use",
			Model:         probe.Model,
			MaxTokens:     uint64(probe.MaxTokens),
			MessagesCount: uint64(len(probe.Messages)),
			Stream:        probe.Stream,
			Temperature:   probe.Temperature,
			PromptText:    prompt.String(),
		}

		ticket, err := g.admission.AdmitGate(ctx, req)
		if err != nil {
			writeAdmissionError(ctx, err)
			return
		}

		subject := ticket.Subject()
		orgID, userID := subjectOrgUser(subject)
		gin := guardrails.Input{Text: req.PromptText, Model: req.Model, OrgID: orgID, UserID: userID}

		gp := g.admission.Guardrails
		if gp == nil {
			next(ctx)
		} else {
			_, _, dispatchErr := gp.RunInput(ctx, gin, func(context.Context) (any, error) {
				next(ctx)
				return nil, nil
			})
			var blocked *guardrails.BlockedError
			if errors.As(dispatchErr, &blocked) {
				ticket.Release(ctx, "guardrail_blocked_input")
				writeAdmissionError(ctx, dispatchErr)
				return
			}

			// Streaming responses write their body directly to the
			// connection via SetBodyStreamWriter, so ctx.Response.Body() is
			// never populated for them; output guardrails here only cover
			// the non-streaming path. Per-chunk evaluation of a streaming
			// response would need guardrails.StreamProcessor wired into the
			// SSE writer itself, which stays a documented gap.
			if !probe.Stream {
				outIn := gin
				outIn.Text = string(ctx.Response.Body())
				outResult, outErr := gp.RunOutput(ctx, outIn)
				if errors.As(outErr, &blocked) {
					ticket.Release(ctx, "guardrail_blocked_output")
					writeAdmissionError(ctx, outErr)
					return
				}
				if outResult != nil && outResult.Modified {
					ctx.Response.SetBodyString(outResult.Text)
				}
			}
		}

		// The actual token usage produced by next isn't surfaced past this
		// seam without threading it out of the handler body, so Commit
		// reconciles against the reservation's estimate rather than a
		// measured count; the rate limiter and budget tracker both true up
		// on the next request regardless.
		status := ctx.Response.StatusCode()
		if status >= 200 && status < 300 {
			ticket.Commit(ctx, quota.Usage{})
		} else {
			ticket.Release(ctx, "handler_error")
		}
	}
}

// subjectOrgUser derives the org/user identifiers guardrails use for
// per-tenant policy selection. s is nil when admission resolved no subject
// (e.g. an anonymous/proxy-auth path that doesn't populate one).
func subjectOrgUser(s *identity.Subject) (orgID, userID string) {
	if s == nil {
		return "", ""
	}
	if len(s.OrgIDs) > 0 {
		orgID = s.OrgIDs[0]
	}
	return orgID, s.UserID
}

func admissionHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	headers := map[string]string{
		"X-Api-Key":     string(ctx.Request.Header.Peek("X-Api-Key")),
		"Authorization": string(ctx.Request.Header.Peek("Authorization")),
	}
	for _, h := range []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Forwarded-Roles", "X-Forwarded-Groups"} {
		if v := ctx.Request.Header.Peek(h); len(v) > 0 {
			headers[h] = string(v)
		}
	}
	return headers
}

func admissionRemoteIP(ctx *fasthttp.RequestCtx) net.IP {
	host := ctx.RemoteIP().String()
	if fwd := ctx.Request.Header.Peek("X-Forwarded-For"); len(fwd) > 0 {
		parts := strings.Split(string(fwd), ",")
		host = strings.TrimSpace(parts[0])
	}
	return net.ParseIP(host)
}

func writeAdmissionError(ctx *fasthttp.RequestCtx, err error) {
	var (
		denied  *admission.DeniedError
		rl      *quota.RateLimitedError
		budget  *quota.BudgetExceededError
		blocked *guardrails.BlockedError
	)
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		apierr.WriteUnauthenticated(ctx, "authentication required")
	case errors.As(err, &denied):
		apierr.WriteForbidden(ctx, denied.PolicyName)
	case errors.As(err, &rl):
		apierr.WriteRateLimit(ctx, time.Duration(rl.RetryAfterSeconds)*time.Second)
	case errors.Is(err, quota.ErrConcurrencyLimit):
		apierr.WriteConcurrencyLimit(ctx)
	case errors.As(err, &budget):
		apierr.WriteBudgetExceeded(ctx, budget.Scope)
	case errors.As(err, &blocked):
		apierr.WriteGuardrailBlocked(ctx, violationCategories(blocked.Violations))
	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
	}
}

func violationCategories(vs []guardrails.Violation) []string {
	cats := make([]string, 0, len(vs))
	for _, v := range vs {
		cats = append(cats, string(v.Finding.Category))
	}
	return cats
}
