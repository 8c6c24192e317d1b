// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeNotFoundError     = "not_found_error"
	TypeGuardrailError    = "guardrail_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded      = "rate_limit_exceeded"
	CodeInvalidAPIKey          = "invalid_api_key"
	CodeInternalError          = "internal_error"
	CodeProviderError          = "provider_error"
	CodeRequestTimeout         = "request_timeout"
	CodeNotImplemented         = "not_implemented"
	CodeInvalidRequest         = "invalid_request"
	CodeAmbiguousCreds         = "ambiguous_credentials"
	CodeForbidden              = "forbidden"
	CodeNotFound               = "not_found"
	CodeConcurrencyLimit       = "concurrency_limit_exceeded"
	CodeBudgetExceeded         = "budget_exceeded"
	CodeGuardrailBlocked       = "guardrail_blocked"
	CodeModelNotAllowed        = "model_not_allowed"
	CodeIPNotAllowed           = "ip_not_allowed"
	CodePayloadTooLarge        = "payload_too_large"
	CodeUnsupportedMedia       = "unsupported_media_type"
	CodeProviderUnavailable    = "provider_unavailable"
	CodeProviderChainExhausted = "provider_chain_exhausted"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502 (including 504)
//	Default       → 502
//
// Timeouts are written separately by WriteTimeout (504).
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error with the given retry-after delay.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteAmbiguousCredentials writes a 400 when both X-API-Key and Authorization
// are present on the same request.
func WriteAmbiguousCredentials(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadRequest,
		"both an API key header and an Authorization bearer token were supplied; send exactly one",
		TypeInvalidRequest, CodeAmbiguousCreds)
}

// WriteUnauthenticated writes a 401 for missing/invalid/expired/revoked credentials.
func WriteUnauthenticated(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
}

// WriteForbidden writes a 403 policy-denial response. policyName is included
// only when the caller has determined audit.log_denied permits revealing it.
func WriteForbidden(ctx *fasthttp.RequestCtx, policyName string) {
	msg := "request denied by policy"
	if policyName != "" {
		msg = "request denied by policy: " + policyName
	}
	Write(ctx, fasthttp.StatusForbidden, msg, TypePermissionError, CodeForbidden)
}

// WriteNotFound writes a 404. Used both for genuine not-found resources and,
// deliberately, for self-service ownership mismatches (anti-enumeration).
func WriteNotFound(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "resource not found"
	}
	Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFoundError, CodeNotFound)
}

// WriteConcurrencyLimit writes a 429 for a per-identity concurrency cap breach.
func WriteConcurrencyLimit(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusTooManyRequests,
		"too many concurrent requests for this credential", TypeRateLimitError, CodeConcurrencyLimit)
}

// WriteBudgetExceeded writes a 429 for a budget (cents) exhaustion in scope.
func WriteBudgetExceeded(ctx *fasthttp.RequestCtx, scope string) {
	Write(ctx, fasthttp.StatusTooManyRequests,
		fmt.Sprintf("budget exceeded for scope %q", scope), TypeRateLimitError, CodeBudgetExceeded)
}

// WriteGuardrailBlocked writes a 400 naming the guardrail categories that fired.
func WriteGuardrailBlocked(ctx *fasthttp.RequestCtx, categories []string) {
	Write(ctx, fasthttp.StatusBadRequest,
		fmt.Sprintf("content blocked by guardrails: %s", strings.Join(categories, ", ")),
		TypeGuardrailError, CodeGuardrailBlocked)
}

// WriteModelNotAllowed writes a 403 for a model outside an API key's allowed patterns.
func WriteModelNotAllowed(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusForbidden,
		fmt.Sprintf("model %q is not allowed for this credential", model),
		TypePermissionError, CodeModelNotAllowed)
}

// WriteIPNotAllowed writes a 403 for a client IP outside an API key's allowlist.
func WriteIPNotAllowed(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusForbidden,
		"client IP is not on the allowlist for this credential", TypePermissionError, CodeIPNotAllowed)
}

// WriteProviderUnavailable writes a 503 when a provider's circuit breaker is open.
func WriteProviderUnavailable(ctx *fasthttp.RequestCtx, provider string) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		fmt.Sprintf("provider %q is temporarily unavailable", provider),
		TypeProviderError, CodeProviderUnavailable)
}

// WriteProviderChainExhausted writes a 502 naming every provider/model pair
// the fallback chain tried before giving up, and the final error.
func WriteProviderChainExhausted(ctx *fasthttp.RequestCtx, attempts []string, lastErr error) {
	msg := fmt.Sprintf("all providers in the fallback chain failed (tried: %s): %v",
		strings.Join(attempts, " -> "), lastErr)
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderChainExhausted)
}
