// Package guardrails implements the input/output content-safety pipeline:
// a configurable chain of providers (moderation APIs, local blocklists,
// regex-PII, content limits, custom webhooks) evaluated against a request
// or response, each category mapped to an action (block, warn, log, redact,
// modify).
package guardrails

import "time"

// Stage identifies which side of a request a provider evaluates.
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
)

// Category is a provider-defined violation category (e.g. "hate", "self-harm",
// "pii.email"). Providers populate it from their own taxonomy.
type Category string

// Action is the effect applied when a category's evaluation flags content.
type Action string

const (
	ActionBlock  Action = "block"
	ActionWarn   Action = "warn"
	ActionLog    Action = "log"
	ActionRedact Action = "redact"
	ActionModify Action = "modify"
)

// ErrorPolicy governs behavior when a provider call times out or errors.
type ErrorPolicy string

const (
	PolicyFailClosed ErrorPolicy = "block" // default: treat as a violation
	PolicyFailOpen   ErrorPolicy = "allow"
)

// Finding is a single category flagged by a provider.
type Finding struct {
	Provider   string
	Category   Category
	Score      float64
	Detail     string
	Span       [2]int // byte offsets into the evaluated text, if applicable
	Suggestion string // replacement text, for ActionRedact
}

// Outcome is the result of running one provider against one piece of text.
type Outcome struct {
	Findings []Finding
	// RedactedText is set when the provider itself performs redaction
	// (e.g. regex-PII); empty means no rewrite was produced.
	RedactedText string
	TimedOut     bool
	Err          error
}

// Violation pairs a Finding with the Action the stage config assigned to its
// category. Result files each one under Violations, Warnings or Logged
// according to that action.
type Violation struct {
	Finding  Finding
	Action   Action
	Stage    Stage
	Provider string
}

// BlockedError is returned by the pipeline when a stage resolves to Block.
type BlockedError struct {
	Stage      Stage
	Violations []Violation
}

func (e *BlockedError) Error() string {
	if len(e.Violations) == 0 {
		return "guardrails: blocked"
	}
	v := e.Violations[0]
	return "guardrails: " + string(e.Stage) + " blocked by " + v.Provider + " (" + string(v.Finding.Category) + ")"
}

// Result is the outcome of running an entire stage (all configured
// providers) against one piece of text.
type Result struct {
	Stage      Stage
	Violations []Violation // categories resolved to ActionBlock
	Warnings   []Violation // categories resolved to ActionWarn
	Logged     []Violation // categories resolved to ActionLog, ActionRedact or ActionModify
	Text       string      // possibly redacted/modified text to forward downstream
	Modified   bool
	Elapsed    time.Duration
}

// Blocked reports whether the stage result should halt the request.
func (r *Result) Blocked() bool { return len(r.Violations) > 0 }
