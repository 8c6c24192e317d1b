package guardrails

import "time"

// ExecutionMode governs how the input stage relates to provider dispatch.
type ExecutionMode string

const (
	// ModeBlocking evaluates the input stage to completion before dispatch
	// begins.
	ModeBlocking ExecutionMode = "blocking"
	// ModeConcurrent starts guardrail evaluation and provider dispatch at
	// the same time; a violation cancels the in-flight dispatch.
	ModeConcurrent ExecutionMode = "concurrent"
)

// StreamMode governs how the output stage evaluates a streaming response.
type StreamMode string

const (
	// StreamFinalOnly buffers the entire response before evaluating once.
	StreamFinalOnly StreamMode = "final_only"
	// StreamBuffered evaluates every BufferTokens worth of output.
	StreamBuffered StreamMode = "buffered"
	// StreamPerChunk evaluates every chunk as it arrives.
	StreamPerChunk StreamMode = "per_chunk"
)

// ProviderConfig names one provider instance within a stage and its
// failure-handling policy.
type ProviderConfig struct {
	Name        string
	Kind        string // "openai_moderation", "bedrock", "azure_content_safety", "blocklist", "regex_pii", "content_limits", "webhook"
	Timeout     time.Duration
	OnTimeout   ErrorPolicy
	OnError     ErrorPolicy
	Provider    Provider // constructed instance; set by the caller that wires config to a live Provider
}

// StageConfig configures one pipeline stage (input or output).
type StageConfig struct {
	Providers     []ProviderConfig
	Mode          ExecutionMode // only meaningful for the input stage
	ActionMap     map[Category]Action
	DefaultAction Action
}

// resolveAction returns the configured action for a category, falling back
// to DefaultAction ("log" if unset) when the category has no explicit entry.
func (s *StageConfig) resolveAction(c Category) Action {
	if a, ok := s.ActionMap[c]; ok {
		return a
	}
	if s.DefaultAction != "" {
		return s.DefaultAction
	}
	return ActionLog
}

// StreamConfig configures the output stage's streaming evaluation mode.
type StreamConfig struct {
	Mode         StreamMode
	BufferTokens int
}

// Config is the full guardrails pipeline configuration.
type Config struct {
	Input  StageConfig
	Output StageConfig
	Stream StreamConfig
}
