package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"gateway/providers/openai", "gateway-providers-openai"},
		{"already-ok_123", "already-ok_123"},
		{"with spaces!", "with-spaces-"},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEncodeDecodeValueRoundTrip(t *testing.T) {
	encoded, err := EncodeValue("sk-test-123")
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	if got := DecodeValue(encoded); got != "sk-test-123" {
		t.Fatalf("DecodeValue(%q) = %q, want sk-test-123", encoded, got)
	}
}

func TestDecodeValuePassesThroughBareStrings(t *testing.T) {
	if got := DecodeValue("sk-bare-value"); got != "sk-bare-value" {
		t.Fatalf("DecodeValue(bare) = %q, want unchanged", got)
	}
}

func TestMemoryManagerGetSetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}

	if err := m.Set(ctx, "gateway/providers/openai", "sk-abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx, "gateway/providers/openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-abc" {
		t.Fatalf("Get = %q, want sk-abc", got)
	}

	if err := m.Delete(ctx, "gateway/providers/openai"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "gateway/providers/openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestEnvManagerGet(t *testing.T) {
	t.Setenv("GW_SECRET_gateway-providers-openai", "sk-env-value")

	m := NewEnvManager("GW_SECRET_")
	got, err := m.Get(context.Background(), "gateway/providers/openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-env-value" {
		t.Fatalf("Get = %q, want sk-env-value", got)
	}
}

func TestEnvManagerGetMissing(t *testing.T) {
	m := NewEnvManager("GW_SECRET_")
	if _, err := m.Get(context.Background(), "does/not/exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestEnvManagerSetIsReadOnly(t *testing.T) {
	m := NewEnvManager("GW_SECRET_")
	if err := m.Set(context.Background(), "k", "v"); err == nil {
		t.Fatal("Set on EnvManager should fail")
	}
}

func TestFactoryDefaultsToMemory(t *testing.T) {
	mgr, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := mgr.(*MemoryManager); !ok {
		t.Fatalf("New with empty Backend = %T, want *MemoryManager", mgr)
	}
}

func TestFactoryUnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), Config{Backend: "nonsense"}); err == nil {
		t.Fatal("New with unknown backend should fail")
	}
}

func TestProviderKey(t *testing.T) {
	if got := ProviderKey("openai"); got != "gateway/providers/openai" {
		t.Fatalf("ProviderKey = %q", got)
	}
}
