package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvManager reads secrets from environment variables. Set and Delete are
// unsupported since a process cannot durably mutate its own environment for
// other processes to observe; it exists for the zero-dependency quick start
// where provider keys are supplied directly via env vars.
type EnvManager struct {
	// Prefix is prepended to the sanitized key before the env var lookup,
	// e.g. Prefix "GATEWAY_SECRET_" turns "gateway/providers/openai" into
	// "GATEWAY_SECRET_gateway-providers-openai".
	Prefix string
}

// NewEnvManager returns an EnvManager with the given prefix.
func NewEnvManager(prefix string) *EnvManager {
	return &EnvManager{Prefix: prefix}
}

func (m *EnvManager) envName(key string) string {
	return m.Prefix + Sanitize(key)
}

func (m *EnvManager) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(m.envName(key))
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *EnvManager) Set(_ context.Context, key, value string) error {
	return fmt.Errorf("secrets: env backend is read-only, cannot set %q", key)
}

func (m *EnvManager) Delete(_ context.Context, key string) error {
	return fmt.Errorf("secrets: env backend is read-only, cannot delete %q", key)
}

func (m *EnvManager) HealthCheck(_ context.Context) error { return nil }
