package secrets

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultAuthMethod selects how VaultManager authenticates to the server.
type VaultAuthMethod struct {
	// Token, when non-empty, authenticates directly with a static token.
	Token string

	// AppRole authenticates via the AppRole auth method when Token is empty
	// and RoleID is set.
	AppRoleMount string
	RoleID       string
	SecretID     string

	// Kubernetes authenticates via the Kubernetes auth method when Token
	// and RoleID are both empty and KubernetesRole is set.
	KubernetesMount string
	KubernetesRole  string
	KubernetesJWT   string
}

// VaultConfig configures a VaultManager.
type VaultConfig struct {
	Address    string
	Auth       VaultAuthMethod
	Mount      string // KV v2 mount point, default "secret"
	PathPrefix string // path prefix under the mount, default "gateway"
}

// VaultManager implements Manager against HashiCorp Vault's (or OpenBao's)
// KV v2 secrets engine.
type VaultManager struct {
	client     *vaultapi.Client
	mount      string
	pathPrefix string
}

// NewVaultManager builds a VaultManager, performing AppRole or Kubernetes
// login up front when Token auth isn't configured.
func NewVaultManager(ctx context.Context, cfg VaultConfig) (*VaultManager, error) {
	clientCfg := vaultapi.DefaultConfig()
	clientCfg.Address = cfg.Address

	client, err := vaultapi.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault: client: %w", err)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	pathPrefix := cfg.PathPrefix
	if pathPrefix == "" {
		pathPrefix = "gateway"
	}

	m := &VaultManager{client: client, mount: mount, pathPrefix: pathPrefix}

	switch {
	case cfg.Auth.Token != "":
		client.SetToken(cfg.Auth.Token)
	case cfg.Auth.RoleID != "":
		if err := m.loginAppRole(ctx, cfg.Auth); err != nil {
			return nil, err
		}
	case cfg.Auth.KubernetesRole != "":
		if err := m.loginKubernetes(ctx, cfg.Auth); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("secrets: vault: no authentication method configured")
	}

	return m, nil
}

func (m *VaultManager) loginAppRole(ctx context.Context, auth VaultAuthMethod) error {
	mount := auth.AppRoleMount
	if mount == "" {
		mount = "approle"
	}
	secret, err := m.client.Logical().WriteWithContext(ctx, "auth/"+mount+"/login", map[string]interface{}{
		"role_id":   auth.RoleID,
		"secret_id": auth.SecretID,
	})
	if err != nil {
		return fmt.Errorf("secrets: vault: approle login: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("secrets: vault: approle login: empty auth response")
	}
	m.client.SetToken(secret.Auth.ClientToken)
	return nil
}

func (m *VaultManager) loginKubernetes(ctx context.Context, auth VaultAuthMethod) error {
	mount := auth.KubernetesMount
	if mount == "" {
		mount = "kubernetes"
	}
	secret, err := m.client.Logical().WriteWithContext(ctx, "auth/"+mount+"/login", map[string]interface{}{
		"role": auth.KubernetesRole,
		"jwt":  auth.KubernetesJWT,
	})
	if err != nil {
		return fmt.Errorf("secrets: vault: kubernetes login: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("secrets: vault: kubernetes login: empty auth response")
	}
	m.client.SetToken(secret.Auth.ClientToken)
	return nil
}

func (m *VaultManager) fullPath(key string) string {
	return m.pathPrefix + "/" + Sanitize(key)
}

func (m *VaultManager) Get(ctx context.Context, key string) (string, error) {
	secret, err := m.client.KVv2(m.mount).Get(ctx, m.fullPath(key))
	if err != nil {
		if vaultapi.ErrSecretNotFound(err) || secret == nil {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("secrets: vault: get %q: %w", key, err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrNotFound
	}
	raw, ok := secret.Data["value"].(string)
	if !ok {
		return "", ErrNotFound
	}
	return raw, nil
}

func (m *VaultManager) Set(ctx context.Context, key, value string) error {
	_, err := m.client.KVv2(m.mount).Put(ctx, m.fullPath(key), map[string]interface{}{
		"value": value,
	})
	if err != nil {
		return fmt.Errorf("secrets: vault: set %q: %w", key, err)
	}
	return nil
}

func (m *VaultManager) Delete(ctx context.Context, key string) error {
	err := m.client.KVv2(m.mount).DeleteMetadata(ctx, m.fullPath(key))
	if err != nil && !vaultapi.ErrSecretNotFound(err) {
		return fmt.Errorf("secrets: vault: delete %q: %w", key, err)
	}
	return nil
}

func (m *VaultManager) HealthCheck(ctx context.Context) error {
	health, err := m.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("secrets: vault: health check: %w", err)
	}
	if !health.Initialized || health.Sealed {
		return fmt.Errorf("secrets: vault: server not ready (initialized=%v sealed=%v)", health.Initialized, health.Sealed)
	}
	return nil
}
