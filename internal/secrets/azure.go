package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
)

// AzureManager implements Manager using Azure Key Vault. Key Vault secret
// names permit only alphanumerics and hyphens, so every key passes through
// Sanitize and has its underscores replaced with hyphens before use.
type AzureManager struct {
	client *azsecrets.Client
}

// NewAzureManager builds an AzureManager against the given vault URL
// (e.g. "https://my-vault.vault.azure.net/"), authenticating with the
// default Azure credential chain (env vars, managed identity, CLI login).
func NewAzureManager(vaultURL string) (*AzureManager, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: azure: credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: azure: client: %w", err)
	}

	return &AzureManager{client: client}, nil
}

func (m *AzureManager) name(key string) string {
	return strings.ReplaceAll(Sanitize(key), "_", "-")
}

func (m *AzureManager) Get(ctx context.Context, key string) (string, error) {
	resp, err := m.client.GetSecret(ctx, m.name(key), "", nil)
	if err != nil {
		if isAzureNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("secrets: azure: get %q: %w", key, err)
	}
	if resp.Value == nil {
		return "", ErrNotFound
	}
	return DecodeValue(*resp.Value), nil
}

func (m *AzureManager) Set(ctx context.Context, key, value string) error {
	encoded, err := EncodeValue(value)
	if err != nil {
		return err
	}
	_, err = m.client.SetSecret(ctx, m.name(key), azsecrets.SetSecretParameters{
		Value: &encoded,
	}, nil)
	if err != nil {
		return fmt.Errorf("secrets: azure: set %q: %w", key, err)
	}
	return nil
}

func (m *AzureManager) Delete(ctx context.Context, key string) error {
	_, err := m.client.DeleteSecret(ctx, m.name(key), nil)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("secrets: azure: delete %q: %w", key, err)
	}
	return nil
}

func (m *AzureManager) HealthCheck(ctx context.Context) error {
	pager := m.client.NewListSecretPropertiesPager(nil)
	if !pager.More() {
		return nil
	}
	_, err := pager.NextPage(ctx)
	if err != nil {
		return fmt.Errorf("secrets: azure: health check: %w", err)
	}
	return nil
}

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
