// Package secrets provides an abstract secret store for provider credentials
// and other gateway-managed secret material. Backends are interchangeable:
// env, memory, AWS Secrets Manager, Azure Key Vault, GCP Secret Manager, and
// HashiCorp Vault all satisfy the same Manager interface.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
)

// ErrNotFound is returned by Get when no secret exists for the given key.
// Backends MUST return this sentinel rather than a backend-specific error so
// callers can treat "missing credential" uniformly across backends.
var ErrNotFound = errors.New("secrets: not found")

// Manager is the abstract interface every secret backend implements.
// Values are plain strings; structured values are the caller's
// responsibility to encode (see EncodeValue/DecodeValue for the `{"value":
// "..."}` interop convention used by provider credential lookups).
type Manager interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) error
}

var disallowedChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize rewrites a logical key into one safe for backends with
// restrictive naming rules, replacing any character outside
// [A-Za-z0-9_-] with a hyphen. Path separators ("/") are replaced like any
// other disallowed rune, and every backend applies Sanitize to its keys, so
// a logical key like "gateway/providers/openai" (see ProviderKey) is stored
// under the flat name "gateway-providers-openai".
func Sanitize(key string) string {
	return disallowedChars.ReplaceAllString(key, "-")
}

// ProviderKey builds the stable opaque key used for provider credential
// lookups: "gateway/providers/<name>".
func ProviderKey(provider string) string {
	return "gateway/providers/" + provider
}

// encodedValue is the JSON envelope the AWS, Azure and GCP backends store
// values in. The Vault backend keeps the same "value" field natively in its
// KV v2 map instead.
type encodedValue struct {
	Value string `json:"value"`
}

// EncodeValue wraps a plain string value into the `{"value": "..."}` JSON
// envelope used for structured interop.
func EncodeValue(value string) (string, error) {
	b, err := json.Marshal(encodedValue{Value: value})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeValue reverses EncodeValue. If raw is not a JSON object with a
// "value" field, raw is returned unchanged — this lets backends that
// already hand back a bare string (env, memory) skip the envelope.
func DecodeValue(raw string) string {
	var v encodedValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	if v.Value == "" {
		return raw
	}
	return v.Value
}
