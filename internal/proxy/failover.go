package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// failoverEvent records one failover attempt for observability.
type failoverEvent struct {
	From      string
	To        string
	Reason    string
	LatencyMs int64
}

// ModelFallback names one entry in a model's fallback chain. Provider is
// optional — an empty Provider means "the same provider, a different
// model" (e.g. falling back from gpt-4o to gpt-4o-mini on OpenAI).
type ModelFallback struct {
	Model    string
	Provider string
}

// FailoverChains holds the structured fallback configuration: which models
// to try (per model, in order) before falling back to a provider's own
// declared provider chain, and which providers to try (per provider, in
// order) once model-level options are exhausted. Both maps may be nil, in
// which case buildCandidateList falls back to providers.DefaultFallbackOrder
// entirely, preserving the gateway's pre-existing behavior.
type FailoverChains struct {
	ModelFallbacks    map[string][]ModelFallback
	ProviderFallbacks map[string][]string
}

// fallbackCandidate is one provider/model pair requestWithFailover will try.
type fallbackCandidate struct {
	provider string
	model    string
}

// requestWithFailover tries the primary provider/model and, on retryable
// errors, walks the configured fallback chain (model fallbacks first, then
// provider fallbacks, then providers.DefaultFallbackOrder) until one
// succeeds, g.maxRetries is exhausted, or the chain runs out.
//
// It skips providers whose circuit breaker is in the Open state.
// Returns the successful response, the name of the provider that served it,
// and nil — or nil, "", and a *ProviderChainExhaustedError if every
// candidate fails.
func (g *Gateway) requestWithFailover(
	ctx context.Context,
	req *providers.ProxyRequest,
	primary string,
	route string,
) (*providers.ProxyResponse, string, error) {

	candidates := buildCandidateList(primary, req.Model, g.failover)
	policy := retryPolicyForRoute(route)
	maxRetries := g.maxRetries
	if policy.MaxRetries > 0 && policy.MaxRetries < maxRetries {
		maxRetries = policy.MaxRetries
	}

	originalModel := req.Model
	defer func() { req.Model = originalModel }()

	var lastErr error

	prevProvider := ""
	prevReason := ""
	havePrevFailure := false
	attempts := 0
	attempted := make([]string, 0, len(candidates))

	for _, cand := range candidates {
		if attempts >= maxRetries {
			break
		}

		prov, ok := g.providers[cand.provider]
		if !ok {
			continue // provider not configured, skip
		}

		name := cand.provider

		// Allow() can transition Open->HalfOpen and mark a probe in flight,
		// so it must be called at most once per candidate per loop iteration.
		allowed := true
		if g.cb != nil {
			allowed = g.cb.Allow(name)
		}

		// Skip providers whose circuit breaker is open.
		if !allowed {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("provider", name),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				g.metrics.ObserveUpstreamAttempt(name, route, "circuit_reject", 0)
			}
			continue
		}

		// Back off before every attempt beyond the first — jittered
		// exponential delay, per the route's retry policy. Retries (and
		// their delay) are skipped when the circuit is open, which is
		// already handled above.
		if attempts > 0 {
			select {
			case <-time.After(policy.delay(attempts - 1)):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}

		// We are switching to a different provider after a failure.
		if havePrevFailure && prevProvider != "" && prevProvider != name {
			if g.metrics != nil {
				g.metrics.RecordFailover(primary, prevProvider, name, prevReason)
			}
		}

		req.Model = cand.model

		start := time.Now()
		resp, err := prov.Request(ctx, req)
		dur := time.Since(start)
		latencyMs := dur.Milliseconds()
		attempts++
		attempted = append(attempted, fmt.Sprintf("%s/%s", name, cand.model))

		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, route, "success", dur)
			}
			// ── Success ───────────────────────────────────────────────────────
			if g.cb != nil {
				g.cb.RecordSuccess(name)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				}
			}
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", primary),
					slog.String("to", name),
					slog.Int64("latency_ms", latencyMs),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess(primary, name)
				}
			}
			return resp, name, nil
		}

		// ── Failure ───────────────────────────────────────────────────────────
		// 429 (rate limited) reflects the caller, not provider health, so it
		// must not count toward the circuit breaker's failure threshold.
		if g.cb != nil {
			if sc, ok := err.(providers.StatusCoder); ok {
				g.cb.RecordHTTPResult(name, sc.HTTPStatus())
			} else {
				g.cb.RecordFailure(name)
			}
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
			}
		}

		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, route, reason, dur)
			g.metrics.RecordError(name, reason)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", req.RequestID),
			slog.String("from", primary),
			slog.String("to", name),
			slog.String("reason", reason),
			slog.Int64("latency_ms", latencyMs),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevProvider = name
		prevReason = reason
		havePrevFailure = true

		// Non-retryable errors (4xx) abort failover immediately — further
		// providers are unlikely to return a different result for the same
		// request parameters.
		if !isRetryable(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers available")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return nil, "", &ProviderChainExhaustedError{LastError: lastErr, Attempts: attempted}
}

// ProviderChainExhaustedError reports that every candidate in a fallback
// chain failed. Attempts records each "provider/model" pair tried, in order,
// for diagnostics and client-facing error detail.
type ProviderChainExhaustedError struct {
	LastError error
	Attempts  []string
}

func (e *ProviderChainExhaustedError) Error() string {
	return fmt.Sprintf("failover: all providers failed after %d attempt(s): %v", len(e.Attempts), e.LastError)
}

func (e *ProviderChainExhaustedError) Unwrap() error { return e.LastError }

// buildCandidateList returns the ordered list of (provider, model) pairs to
// try for this request, starting with primary/model:
//
//  1. primary/model itself.
//  2. model's configured fallbacks (chains.ModelFallbacks[model]), in order —
//     an entry with an empty Provider targets the primary provider with a
//     different model name.
//  3. primary's configured provider fallbacks (chains.ProviderFallbacks[primary]),
//     each tried with the original model name.
//  4. providers.DefaultFallbackOrder, for any provider not already present —
//     the pre-existing behavior, kept as the final safety net so a gateway
//     with no fallback chains configured behaves exactly as before.
//
// Already-seen (provider, model) pairs are skipped, which is both the dedup
// rule and the runtime half of cycle detection: a chain that loops back to
// an already-attempted pair simply stops growing instead of repeating.
func buildCandidateList(primary, model string, chains FailoverChains) []fallbackCandidate {
	seen := map[string]bool{}
	out := make([]fallbackCandidate, 0, 4)

	add := func(provider, forModel string) {
		key := provider + "/" + forModel
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, fallbackCandidate{provider: provider, model: forModel})
	}

	add(primary, model)

	for _, mf := range chains.ModelFallbacks[model] {
		provider := mf.Provider
		if provider == "" {
			provider = primary
		}
		add(provider, mf.Model)
	}

	for _, provider := range chains.ProviderFallbacks[primary] {
		add(provider, model)
	}

	for _, provider := range providers.DefaultFallbackOrder {
		add(provider, model)
	}

	return out
}

// isRetryable returns true for errors that should trigger provider failover.
//
//   - 5xx provider errors → retryable (infrastructure failure)
//   - context.DeadlineExceeded → retryable (timeout, different provider may be faster)
//   - 4xx provider errors (including 429) → NOT retryable (caller-level
//     problem — a different provider is not expected to behave differently)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true // unknown errors are treated as retryable
}

// classifyError converts an error into a short human-readable category string
// used in log fields and metrics labels.
func classifyError(err error) string {
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
