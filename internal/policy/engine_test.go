package policy

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *store.MemStore) {
	t.Helper()
	s := store.NewMemStore()
	e := New(cfg, s, nil)
	return e, s
}

func upsertPolicy(t *testing.T, s *store.MemStore, p *store.Policy) {
	t.Helper()
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	if err := s.UpsertPolicy(context.Background(), p); err != nil {
		t.Fatalf("UpsertPolicy: %v", err)
	}
}

func TestEvaluateDefaultEffectWhenNoPolicyMatches(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	d, err := e.Evaluate(context.Background(), Subject{}, Context{ResourceType: "team", Action: "read"}, EffectDeny)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected default deny")
	}
	if d.PolicyName != "" {
		t.Fatalf("PolicyName = %q, want empty", d.PolicyName)
	}
}

func TestEvaluateAllowPolicyMatches(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	upsertPolicy(t, s, &store.Policy{
		ID: "p1", Name: "admins-read", Resource: "team", Action: "read",
		Condition: `"admin" in subject.roles`, Effect: store.EffectAllow, Priority: 10,
	})

	d, err := e.Evaluate(context.Background(), Subject{Roles: []string{"admin"}}, Context{ResourceType: "team", Action: "read"}, EffectDeny)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || d.PolicyName != "admins-read" {
		t.Fatalf("Decision = %+v", d)
	}

	d, err = e.Evaluate(context.Background(), Subject{Roles: []string{"viewer"}}, Context{ResourceType: "team", Action: "read"}, EffectDeny)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected deny for non-admin, got %+v", d)
	}
}

func TestEvaluateDenyBeforeAllowAtEqualPriority(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	upsertPolicy(t, s, &store.Policy{
		ID: "allow", Name: "allow-all", Resource: "*", Action: "*",
		Condition: "true", Effect: store.EffectAllow, Priority: 5,
	})
	upsertPolicy(t, s, &store.Policy{
		ID: "deny", Name: "deny-banned", Resource: "*", Action: "*",
		Condition: `"banned" in subject.roles`, Effect: store.EffectDeny, Priority: 5,
	})

	d, err := e.Evaluate(context.Background(), Subject{Roles: []string{"banned"}}, Context{ResourceType: "x", Action: "y"}, EffectAllow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed || d.PolicyName != "deny-banned" {
		t.Fatalf("expected deny-banned to win tie, got %+v", d)
	}
}

func TestEvaluateWildcardResourceMatch(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	upsertPolicy(t, s, &store.Policy{
		ID: "p1", Name: "model-prefix", Resource: "model", Action: "use",
		Condition: `context.model.startsWith("gpt-4")`, Effect: store.EffectAllow, Priority: 1,
	})

	d, err := e.Evaluate(context.Background(), Subject{}, Context{ResourceType: "model", Action: "use", Model: "gpt-4-turbo"}, EffectDeny)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow for matching model prefix, got %+v", d)
	}
}

func TestEvaluateFailOnEvaluationErrorDenies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailOnEvaluationError = true
	e, s := newTestEngine(t, cfg)
	upsertPolicy(t, s, &store.Policy{
		ID: "bad", Name: "broken", Resource: "*", Action: "*",
		Condition: `subject.roles[99]`, Effect: store.EffectAllow, Priority: 1,
	})

	d, err := e.Evaluate(context.Background(), Subject{}, Context{ResourceType: "x", Action: "y"}, EffectAllow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected fail-closed deny on evaluation error")
	}
}

func TestEvaluateSkipsErroringPolicyWhenFailOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailOnEvaluationError = false
	e, s := newTestEngine(t, cfg)
	upsertPolicy(t, s, &store.Policy{
		ID: "bad", Name: "broken", Resource: "*", Action: "*",
		Condition: `subject.roles[99]`, Effect: store.EffectDeny, Priority: 10,
	})
	upsertPolicy(t, s, &store.Policy{
		ID: "ok", Name: "fallback-allow", Resource: "*", Action: "*",
		Condition: "true", Effect: store.EffectAllow, Priority: 1,
	})

	d, err := e.Evaluate(context.Background(), Subject{}, Context{ResourceType: "x", Action: "y"}, EffectDeny)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || d.PolicyName != "fallback-allow" {
		t.Fatalf("expected fallback-allow to win after skipping broken policy, got %+v", d)
	}
}

func TestEvaluateOrgScopedPolicy(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	p := &store.Policy{
		ID: "org-p1", OrgID: "org-1", Name: "org-allow", Resource: "*", Action: "*",
		Condition: "true", Effect: store.EffectAllow, Priority: 1,
	}
	upsertPolicy(t, s, p)

	d, err := e.Evaluate(context.Background(), Subject{}, Context{ResourceType: "x", Action: "y", OrgID: "org-1"}, EffectDeny)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected org policy to allow")
	}

	// A different org never sees org-1's policy.
	d, err = e.Evaluate(context.Background(), Subject{}, Context{ResourceType: "x", Action: "y", OrgID: "org-2"}, EffectDeny)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected org-2 to fall through to default deny")
	}
}

func TestSimulateRecordsAllCandidates(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	upsertPolicy(t, s, &store.Policy{
		ID: "p1", Name: "no-match", Resource: "team", Action: "read",
		Condition: "true", Effect: store.EffectAllow, Priority: 1,
	})
	upsertPolicy(t, s, &store.Policy{
		ID: "p2", Name: "matches", Resource: "*", Action: "*",
		Condition: "true", Effect: store.EffectAllow, Priority: 5,
	})

	res, err := e.Simulate(context.Background(), Subject{}, Context{ResourceType: "project", Action: "create"}, EffectDeny)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if len(res.PoliciesEvaluated) != 2 {
		t.Fatalf("len(PoliciesEvaluated) = %d, want 2", len(res.PoliciesEvaluated))
	}
	if res.Matched == nil || !res.Matched.Allowed || res.Matched.PolicyName != "matches" {
		t.Fatalf("Matched = %+v", res.Matched)
	}
	for _, pr := range res.PoliciesEvaluated {
		if pr.Name == "no-match" && pr.PatternMatched {
			t.Fatal("no-match policy should not pattern-match resource=team against project/create")
		}
	}
}

func TestMatchPatternWildcard(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything", true},
		{"model", "model", true},
		{"model", "other", false},
		{"gpt-4*", "gpt-4-turbo", true},
		{"gpt-4*", "gpt-3", false},
	}
	for _, c := range cases {
		if got := matchPattern(c.pattern, c.value); got != c.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestInvalidateOrgForcesReload(t *testing.T) {
	e, s := newTestEngine(t, DefaultConfig())
	upsertPolicy(t, s, &store.Policy{
		ID: "p1", OrgID: "org-1", Name: "v1", Resource: "*", Action: "*",
		Condition: "false", Effect: store.EffectAllow, Priority: 1,
	})

	ctx := context.Background()
	d, err := e.Evaluate(ctx, Subject{}, Context{ResourceType: "x", Action: "y", OrgID: "org-1"}, EffectAllow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected default allow since v1 condition is false")
	}

	upsertPolicy(t, s, &store.Policy{
		ID: "p2", OrgID: "org-1", Name: "v2", Resource: "*", Action: "*",
		Condition: "true", Effect: store.EffectDeny, Priority: 1,
	})
	e.InvalidateOrg(ctx, "org-1")

	d, err = e.Evaluate(ctx, Subject{}, Context{ResourceType: "x", Action: "y", OrgID: "org-1"}, EffectAllow)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected deny after invalidate picks up new policy")
	}
}
