package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Engine evaluates admin and gateway authorization requests against the
// configured system policies and, when pc.OrgID is set, that org's policies.
type Engine struct {
	cfg   Config
	cache *policyCache

	progMu sync.Mutex
	progs  map[string]cel.Program // keyed by policy ID
}

// New builds an Engine. gossip may be nil, which disables cross-node policy
// version gossip (every node falls back to checking Store on its own TTL).
func New(cfg Config, s Store, gossip GossipCache) *Engine {
	return &Engine{
		cfg:   cfg,
		cache: newPolicyCache(s, gossip, cfg),
		progs: make(map[string]cel.Program),
	}
}

// Warm eagerly loads system policies. Org policies load lazily on first
// access regardless of Config.LazyLoadPolicies, since this layer has no
// enumerable list of known orgs to eager-load.
func (e *Engine) Warm(ctx context.Context) error {
	return e.cache.warm(ctx)
}

// InvalidateOrg drops orgID's cached policies, forcing a reload (and
// republishing its version for other nodes) on next access. Call this right
// after UpsertPolicy/DeletePolicy.
func (e *Engine) InvalidateOrg(ctx context.Context, orgID string) {
	e.cache.Invalidate(ctx, orgID)
	e.progMu.Lock()
	e.progs = make(map[string]cel.Program)
	e.progMu.Unlock()
}

// candidates assembles system policies union the org's policies, in that
// order — system policies are considered first at equal priority since they
// were listed first, matching "compilation order" as the final tiebreak.
func (e *Engine) candidates(ctx context.Context, orgID string) ([]*store.Policy, error) {
	system, err := e.cache.SystemPolicies(ctx)
	if err != nil {
		return nil, err
	}
	if orgID == "" {
		return system, nil
	}
	orgPolicies, err := e.cache.OrgPolicies(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Policy, 0, len(system)+len(orgPolicies))
	out = append(out, system...)
	out = append(out, orgPolicies...)
	return out, nil
}

// matchPattern reports whether value matches pattern: exact match, "*"
// matches anything, or a trailing "*" matches as a prefix.
func matchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

// sortCandidates orders policies: priority descending; at equal priority,
// deny before allow; at equal effect, stable (preserves assembly order,
// i.e. compilation/listing order).
func sortCandidates(policies []*store.Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		a, b := policies[i], policies[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Effect != b.Effect {
			return a.Effect == store.EffectDeny
		}
		return false
	})
}

func (e *Engine) program(p *store.Policy) (cel.Program, error) {
	e.progMu.Lock()
	prog, ok := e.progs[p.ID]
	e.progMu.Unlock()
	if ok {
		return prog, nil
	}

	if e.cfg.MaxExpressionLength > 0 && len(p.Condition) > e.cfg.MaxExpressionLength {
		return nil, fmt.Errorf("policy %q: condition length %d exceeds max %d", p.Name, len(p.Condition), e.cfg.MaxExpressionLength)
	}

	prog, err := compileCondition(p.Condition)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", p.Name, err)
	}

	e.progMu.Lock()
	e.progs[p.ID] = prog
	e.progMu.Unlock()
	return prog, nil
}

// Evaluate implements the six-step authorization algorithm: assemble
// candidates, filter by resource/action pattern, sort by priority (deny
// before allow at ties), evaluate conditions in order, and fall back to
// defaultEffect when nothing matches.
func (e *Engine) Evaluate(ctx context.Context, subj Subject, pc Context, defaultEffect Effect) (*Decision, error) {
	candidates, err := e.candidates(ctx, pc.OrgID)
	if err != nil {
		return nil, err
	}

	matched := make([]*store.Policy, 0, len(candidates))
	for _, p := range candidates {
		if matchPattern(p.Resource, pc.ResourceType) && matchPattern(p.Action, pc.Action) {
			matched = append(matched, p)
		}
	}
	sortCandidates(matched)

	for _, p := range matched {
		prog, err := e.program(p)
		if err != nil {
			if e.cfg.FailOnEvaluationError {
				return &Decision{Allowed: false, PolicyName: p.Name, Reason: err.Error()}, nil
			}
			continue
		}

		ok, err := evaluateCondition(prog, subj, pc)
		if err != nil {
			if e.cfg.FailOnEvaluationError {
				return &Decision{Allowed: false, PolicyName: p.Name, Reason: err.Error()}, nil
			}
			continue
		}
		if !ok {
			continue
		}

		return &Decision{
			Allowed:    p.Effect == store.EffectAllow,
			PolicyName: p.Name,
		}, nil
	}

	return &Decision{
		Allowed: defaultEffect == store.EffectAllow,
		Reason:  "no matching policy (default " + string(defaultEffect) + ")",
	}, nil
}

// Simulate runs the same algorithm as Evaluate but records every candidate
// policy's outcome, for the admin-facing policy simulation API.
func (e *Engine) Simulate(ctx context.Context, subj Subject, pc Context, defaultEffect Effect) (*SimulationResult, error) {
	candidates, err := e.candidates(ctx, pc.OrgID)
	if err != nil {
		return nil, err
	}
	sortCandidates(candidates)

	result := &SimulationResult{Enabled: e.cfg.Enabled, DefaultEffect: defaultEffect}
	var decided *Decision

	for _, p := range candidates {
		pr := PolicyResult{
			Name:        p.Name,
			Description: p.Description,
			Effect:      p.Effect,
			Priority:    p.Priority,
		}

		pr.PatternMatched = matchPattern(p.Resource, pc.ResourceType) && matchPattern(p.Action, pc.Action)
		if !pr.PatternMatched {
			result.PoliciesEvaluated = append(result.PoliciesEvaluated, pr)
			continue
		}

		if decided != nil {
			result.PoliciesEvaluated = append(result.PoliciesEvaluated, pr)
			continue
		}

		prog, err := e.program(p)
		if err != nil {
			pr.Error = err.Error()
			result.PoliciesEvaluated = append(result.PoliciesEvaluated, pr)
			if e.cfg.FailOnEvaluationError {
				decided = &Decision{Allowed: false, PolicyName: p.Name, Reason: pr.Error}
			}
			continue
		}

		ok, err := evaluateCondition(prog, subj, pc)
		if err != nil {
			pr.Error = err.Error()
			result.PoliciesEvaluated = append(result.PoliciesEvaluated, pr)
			if e.cfg.FailOnEvaluationError {
				decided = &Decision{Allowed: false, PolicyName: p.Name, Reason: pr.Error}
			}
			continue
		}

		pr.ConditionMatched = &ok
		result.PoliciesEvaluated = append(result.PoliciesEvaluated, pr)
		if ok {
			decided = &Decision{Allowed: p.Effect == store.EffectAllow, PolicyName: p.Name}
		}
	}

	if decided == nil {
		decided = &Decision{Allowed: defaultEffect == store.EffectAllow}
	}
	result.Matched = decided
	return result, nil
}
