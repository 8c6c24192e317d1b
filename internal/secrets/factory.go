package secrets

import (
	"context"
	"fmt"
)

// Config selects and configures a single secrets backend. Exactly one of
// the backend-specific sub-configs is consulted, chosen by Backend.
type Config struct {
	Backend string // "env" | "memory" | "aws" | "azure" | "gcp" | "vault"

	EnvPrefix string

	AWSRegion string
	AWSPrefix string

	AzureVaultURL string

	GCPProject string

	Vault VaultConfig
}

// New builds the Manager selected by cfg.Backend.
func New(ctx context.Context, cfg Config) (Manager, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryManager(), nil
	case "env":
		return NewEnvManager(cfg.EnvPrefix), nil
	case "aws":
		return NewAWSManager(ctx, AWSManagerOptions{Region: cfg.AWSRegion, Prefix: cfg.AWSPrefix})
	case "azure":
		return NewAzureManager(cfg.AzureVaultURL)
	case "gcp":
		return NewGCPManager(ctx, cfg.GCPProject)
	case "vault":
		return NewVaultManager(ctx, cfg.Vault)
	default:
		return nil, fmt.Errorf("secrets: unknown backend %q", cfg.Backend)
	}
}
