package guardrails

import (
	"context"
	"strings"
)

// BlocklistProvider flags text containing any configured phrase, case folded.
// Matching is substring-based rather than tokenized, matching the simple
// "contains any of these strings" semantics a local blocklist is meant to
// provide.
type BlocklistProvider struct {
	entries map[string]Category // lowercased phrase -> category
}

// NewBlocklistProvider builds a BlocklistProvider from a category -> phrases
// map.
func NewBlocklistProvider(phrasesByCategory map[Category][]string) *BlocklistProvider {
	entries := make(map[string]Category)
	for category, phrases := range phrasesByCategory {
		for _, phrase := range phrases {
			if phrase == "" {
				continue
			}
			entries[strings.ToLower(phrase)] = category
		}
	}
	return &BlocklistProvider{entries: entries}
}

func (p *BlocklistProvider) Name() string { return "blocklist" }

func (p *BlocklistProvider) Evaluate(_ context.Context, in Input) (*Outcome, error) {
	lower := strings.ToLower(in.Text)
	out := &Outcome{}
	for phrase, category := range p.entries {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		out.Findings = append(out.Findings, Finding{
			Provider: p.Name(),
			Category: category,
			Detail:   phrase,
			Span:     [2]int{idx, idx + len(phrase)},
		})
	}
	return out, nil
}
