// Package policy implements the CEL-backed authorization engine: system and
// per-organization policies are matched by resource/action pattern, sorted by
// priority, and their conditions evaluated against the requesting subject and
// the request's PolicyContext.
package policy

import (
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Subject is the actor making the request. It is the same shape identity
// resolution produces, so a Resolver result can be passed straight into
// Evaluate without remapping fields.
type Subject = identity.Subject

// Effect is the outcome a matching policy (or a default) produces.
type Effect = store.PolicyEffect

const (
	EffectAllow = store.EffectAllow
	EffectDeny  = store.EffectDeny
)

// RequestContext carries API-endpoint-specific request shape, exposed to
// policy conditions as context.request.*.
type RequestContext struct {
	MaxTokens       uint64
	MessagesCount   uint64
	HasTools        bool
	HasFileSearch   bool
	Stream          bool
	ReasoningEffort string
	ResponseFormat  string
	Temperature     float64
	HasImages       bool
	ImageCount      uint32
	ImageSize       string
	ImageQuality    string
	CharacterCount  uint64
	Voice           string
	Language        string
}

// TimeContext is the current-time snapshot exposed as context.now.*.
type TimeContext struct {
	Hour      uint8
	DayOfWeek uint8 // 1=Monday .. 7=Sunday
	Timestamp int64
}

// NowTimeContext builds a TimeContext from the given instant (UTC).
func NowTimeContext(at time.Time) TimeContext {
	at = at.UTC()
	dow := int(at.Weekday())
	if dow == 0 {
		dow = 7 // time.Sunday == 0; policies use ISO weekday numbering
	}
	return TimeContext{
		Hour:      uint8(at.Hour()),
		DayOfWeek: uint8(dow),
		Timestamp: at.Unix(),
	}
}

// Context is the per-request scope and shape a policy condition evaluates
// against, exposed to CEL as the "context" variable.
type Context struct {
	ResourceType string
	Action       string
	ResourceID   string
	OrgID        string
	TeamID       string
	ProjectID    string
	Model        string
	Request      *RequestContext
	Now          *TimeContext
}

// WithCurrentTime returns a copy of c with Now set to the current instant.
func (c Context) WithCurrentTime() Context {
	t := NowTimeContext(time.Now())
	c.Now = &t
	return c
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed    bool
	PolicyName string // empty when the default effect applied
	Reason     string
}

// PolicyResult is one policy's outcome within a Simulate call.
type PolicyResult struct {
	Name             string
	Description      string
	PatternMatched   bool
	ConditionMatched *bool
	Effect           Effect
	Priority         int32
	Error            string
}

// SimulationResult is the full trace of a Simulate call.
type SimulationResult struct {
	Enabled          bool
	DefaultEffect    Effect
	PoliciesEvaluated []PolicyResult
	Matched          *Decision
}
