package guardrails

import (
	"context"
	"unicode/utf8"
)

// ContentLimitsProvider flags text exceeding configured character/word
// bounds — a cheap, always-available guard independent of any external
// service.
type ContentLimitsProvider struct {
	MaxCharacters int
	MaxWords      int
}

func NewContentLimitsProvider(maxCharacters, maxWords int) *ContentLimitsProvider {
	return &ContentLimitsProvider{MaxCharacters: maxCharacters, MaxWords: maxWords}
}

func (p *ContentLimitsProvider) Name() string { return "content_limits" }

func (p *ContentLimitsProvider) Evaluate(_ context.Context, in Input) (*Outcome, error) {
	out := &Outcome{}

	if p.MaxCharacters > 0 {
		if n := utf8.RuneCountInString(in.Text); n > p.MaxCharacters {
			out.Findings = append(out.Findings, Finding{
				Provider: p.Name(),
				Category: "content_limits.max_characters",
				Detail:   "exceeds character limit",
			})
		}
	}

	if p.MaxWords > 0 {
		if n := countWords(in.Text); n > p.MaxWords {
			out.Findings = append(out.Findings, Finding{
				Provider: p.Name(),
				Category: "content_limits.max_words",
				Detail:   "exceeds word limit",
			})
		}
	}

	return out, nil
}

func countWords(s string) int {
	count := 0
	inWord := false
	for _, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}
