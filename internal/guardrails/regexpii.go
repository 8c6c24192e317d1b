package guardrails

import (
	"context"
	"regexp"
)

// piiPattern pairs a detection category with its regular expression and the
// replacement text used when the category's resolved action is ActionRedact.
type piiPattern struct {
	category    Category
	pattern     *regexp.Regexp
	replacement string
}

var defaultPIIPatterns = []piiPattern{
	{
		category:    "pii.email",
		pattern:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		replacement: "[REDACTED_EMAIL]",
	},
	{
		category:    "pii.ssn",
		pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		replacement: "[REDACTED_SSN]",
	},
	{
		category:    "pii.credit_card",
		pattern:     regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
		replacement: "[REDACTED_CARD]",
	},
	{
		category:    "pii.phone",
		pattern:     regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		replacement: "[REDACTED_PHONE]",
	},
}

// RegexPIIProvider flags (and, when asked to, redacts) personally
// identifiable information matched by a fixed set of regular expressions.
// Redaction happens here rather than in the pipeline because only the
// provider knows the exact spans to rewrite.
type RegexPIIProvider struct {
	patterns []piiPattern
}

// NewRegexPIIProvider builds a RegexPIIProvider. A nil/empty patterns slice
// uses the built-in email/SSN/credit-card/phone set.
func NewRegexPIIProvider(patterns []piiPattern) *RegexPIIProvider {
	if len(patterns) == 0 {
		patterns = defaultPIIPatterns
	}
	return &RegexPIIProvider{patterns: patterns}
}

func (p *RegexPIIProvider) Name() string { return "regex_pii" }

func (p *RegexPIIProvider) Evaluate(_ context.Context, in Input) (*Outcome, error) {
	out := &Outcome{}
	redacted := in.Text
	anyMatch := false

	for _, pp := range p.patterns {
		locs := pp.pattern.FindAllStringIndex(in.Text, -1)
		for _, loc := range locs {
			out.Findings = append(out.Findings, Finding{
				Provider:   p.Name(),
				Category:   pp.category,
				Span:       [2]int{loc[0], loc[1]},
				Suggestion: pp.replacement,
			})
			anyMatch = true
		}
		redacted = pp.pattern.ReplaceAllString(redacted, pp.replacement)
	}

	if anyMatch {
		out.RedactedText = redacted
	}
	return out, nil
}
