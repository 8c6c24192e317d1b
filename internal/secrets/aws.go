package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// AWSManager implements Manager using AWS Secrets Manager. Each logical key
// becomes a secret name under the given Prefix.
type AWSManager struct {
	client *secretsmanager.Client
	prefix string
}

// AWSManagerOptions configures an AWSManager.
type AWSManagerOptions struct {
	Region string
	Prefix string
}

// NewAWSManager loads the default AWS config chain (env, shared config,
// IRSA/instance role) and returns an AWSManager.
func NewAWSManager(ctx context.Context, opts AWSManagerOptions) (*AWSManager, error) {
	var cfgOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("secrets: aws: load config: %w", err)
	}

	return &AWSManager{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: opts.Prefix,
	}, nil
}

func (m *AWSManager) name(key string) string {
	return m.prefix + Sanitize(key)
}

func (m *AWSManager) Get(ctx context.Context, key string) (string, error) {
	out, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(m.name(key)),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("secrets: aws: get %q: %w", key, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secrets: aws: secret %q has no string value", key)
	}
	return DecodeValue(*out.SecretString), nil
}

func (m *AWSManager) Set(ctx context.Context, key, value string) error {
	encoded, err := EncodeValue(value)
	if err != nil {
		return err
	}
	name := m.name(key)

	_, err = m.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(encoded),
	})
	if err == nil {
		return nil
	}

	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return fmt.Errorf("secrets: aws: set %q: %w", key, err)
	}

	_, err = m.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(encoded),
	})
	if err != nil {
		return fmt.Errorf("secrets: aws: create %q: %w", key, err)
	}
	return nil
}

func (m *AWSManager) Delete(ctx context.Context, key string) error {
	_, err := m.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(m.name(key)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("secrets: aws: delete %q: %w", key, err)
	}
	return nil
}

func (m *AWSManager) HealthCheck(ctx context.Context) error {
	_, err := m.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	if err != nil {
		return fmt.Errorf("secrets: aws: health check: %w", err)
	}
	return nil
}
