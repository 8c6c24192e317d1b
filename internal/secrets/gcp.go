package secrets

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/api/googleapi"
	secretmanager "google.golang.org/api/secretmanager/v1"
)

// GCPManager implements Manager using Google Cloud Secret Manager. Keys are
// addressed as "projects/<project>/secrets/<name>"; Sanitize maps the
// logical key into <name>.
type GCPManager struct {
	svc     *secretmanager.Service
	project string
}

// NewGCPManager builds a GCPManager for the given GCP project, using
// Application Default Credentials.
func NewGCPManager(ctx context.Context, project string) (*GCPManager, error) {
	svc, err := secretmanager.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcp: client: %w", err)
	}
	return &GCPManager{svc: svc, project: project}, nil
}

func (m *GCPManager) secretName(key string) string {
	return "projects/" + m.project + "/secrets/" + Sanitize(key)
}

func (m *GCPManager) Get(ctx context.Context, key string) (string, error) {
	resp, err := m.svc.Projects.Secrets.Versions.
		Access(m.secretName(key) + "/versions/latest").
		Context(ctx).Do()
	if err != nil {
		if isGCPNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("secrets: gcp: get %q: %w", key, err)
	}
	raw, err := decodeGCPPayload(resp.Payload.Data)
	if err != nil {
		return "", fmt.Errorf("secrets: gcp: decode %q: %w", key, err)
	}
	return DecodeValue(raw), nil
}

func (m *GCPManager) Set(ctx context.Context, key, value string) error {
	encoded, err := EncodeValue(value)
	if err != nil {
		return err
	}
	name := m.secretName(key)

	_, err = m.svc.Projects.Secrets.Get(name).Context(ctx).Do()
	if err != nil {
		if !isGCPNotFound(err) {
			return fmt.Errorf("secrets: gcp: lookup %q: %w", key, err)
		}
		_, err = m.svc.Projects.Secrets.Create(
			"projects/"+m.project, &secretmanager.Secret{
				Replication: &secretmanager.Replication{Automatic: &secretmanager.Automatic{}},
			},
		).SecretId(Sanitize(key)).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("secrets: gcp: create %q: %w", key, err)
		}
	}

	_, err = m.svc.Projects.Secrets.AddVersion(name, &secretmanager.AddSecretVersionRequest{
		Payload: &secretmanager.SecretPayload{Data: encodeGCPPayload(encoded)},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("secrets: gcp: add version %q: %w", key, err)
	}
	return nil
}

func (m *GCPManager) Delete(ctx context.Context, key string) error {
	_, err := m.svc.Projects.Secrets.Delete(m.secretName(key)).Context(ctx).Do()
	if err != nil && !isGCPNotFound(err) {
		return fmt.Errorf("secrets: gcp: delete %q: %w", key, err)
	}
	return nil
}

func (m *GCPManager) HealthCheck(ctx context.Context) error {
	_, err := m.svc.Projects.Secrets.List("projects/" + m.project).PageSize(1).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("secrets: gcp: health check: %w", err)
	}
	return nil
}

func isGCPNotFound(err error) bool {
	var apiErr *googleapi.Error
	if e, ok := err.(*googleapi.Error); ok {
		apiErr = e
	}
	return apiErr != nil && apiErr.Code == 404
}

// decodeGCPPayload and encodeGCPPayload round-trip the base64-encoded
// payload bytes the Secret Manager REST API represents as a string field.
func decodeGCPPayload(b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeGCPPayload(value string) string {
	return base64.StdEncoding.EncodeToString([]byte(value))
}
