package guardrails

import "context"

// Input is the text (and minimal context) handed to a provider for
// evaluation. Request-side providers see the rendered prompt; response-side
// providers see the generated text (or an accumulated chunk window in
// streaming modes).
type Input struct {
	Stage  Stage
	Text   string
	Model  string
	OrgID  string
	UserID string
}

// Provider evaluates Input and reports any findings. Implementations must
// be safe for concurrent use and must respect ctx cancellation promptly —
// ctx carries the request's cancellation and the provider's configured
// timeout. The Concurrent execution mode does not cancel evaluation when
// dispatch completes (it waits for the verdict); it cancels dispatch on a
// violation.
type Provider interface {
	Name() string
	Evaluate(ctx context.Context, in Input) (*Outcome, error)
}
