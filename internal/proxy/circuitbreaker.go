package proxy

import (
	"math"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; a bounded number of requests test the
//	             provider before the breaker commits to Closed or Open.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

var defaultFailureStatusCodes = []int{500, 502, 503, 504}

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults defined in providers/provider.go.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: providers.CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	// Default: providers.CBTimeWindow (60s).
	TimeWindow time.Duration

	// HalfOpenTimeout is the base Open duration before the first recovery
	// probe; successive trips without recovery scale this by
	// BackoffMultiplier, capped at MaxOpenTimeout.
	// Default: providers.CBHalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration

	// BackoffMultiplier scales HalfOpenTimeout by this factor for every
	// consecutive trip back into Open without an intervening Closed period.
	// Default: 2.0 (used when zero or negative). A value in (0, 1] disables
	// adaptive backoff (every Open period has the same duration).
	BackoffMultiplier float64

	// MaxOpenTimeout caps the adaptively-backed-off Open duration.
	// Default: 10 * HalfOpenTimeout.
	MaxOpenTimeout time.Duration

	// SuccessThreshold is the number of consecutive successful probes
	// required in HalfOpen before the breaker closes. Default: 1.
	SuccessThreshold int

	// FailureStatusCodes lists the HTTP status codes counted as failures by
	// RecordHTTPResult; any other status (including 429) is treated as a
	// success from the breaker's point of view. Default: {500,502,503,504}.
	FailureStatusCodes []int
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return providers.CBHalfOpenTimeout
}

func (c *CBConfig) backoffMultiplier() float64 {
	if c.BackoffMultiplier > 1 {
		return c.BackoffMultiplier
	}
	if c.BackoffMultiplier > 0 {
		return 1
	}
	return 2.0
}

func (c *CBConfig) maxOpenTimeout() time.Duration {
	if c.MaxOpenTimeout > 0 {
		return c.MaxOpenTimeout
	}
	return 10 * c.halfOpenTimeout()
}

func (c *CBConfig) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return 1
}

func (c *CBConfig) failureStatusCodes() []int {
	if len(c.FailureStatusCodes) > 0 {
		return c.FailureStatusCodes
	}
	return defaultFailureStatusCodes
}

// IsFailureStatus reports whether status counts as a circuit breaker
// failure. 429 (rate limited) is never a failure by default — it reflects
// the caller, not provider health.
func (c *CBConfig) IsFailureStatus(status int) bool {
	for _, s := range c.failureStatusCodes() {
		if s == status {
			return true
		}
	}
	return false
}

// openDuration returns how long the breaker should stay Open given how many
// consecutive times it has tripped without a successful recovery.
func (c *CBConfig) openDuration(consecutiveOpens int) time.Duration {
	base := c.halfOpenTimeout()
	mult := c.backoffMultiplier()
	scaled := float64(base) * math.Pow(mult, float64(consecutiveOpens))
	max := c.maxOpenTimeout()
	if scaled > float64(max) {
		return max
	}
	return time.Duration(scaled)
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state            cbState
	errorCount       int
	windowStart      time.Time // start of the current error-counting window
	openedAt         time.Time // when the breaker was tripped (for the adaptive timer)
	consecutiveOpens int       // trips into Open without an intervening Closed period
	probeInflight    bool      // true while a half-open probe is in flight
	halfOpenSuccess  int       // consecutive successful probes in HalfOpen
}

// CircuitBreaker manages independent circuit breakers for each LLM provider.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with default settings for every
// provider in providers.DefaultFallbackOrder.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
// Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
	}
	for _, name := range providers.DefaultFallbackOrder {
		cb.breakers[name] = &providerCB{
			state:       cbClosed,
			windowStart: time.Now(),
		}
	}
	return cb
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the adaptively-backed-off timeout has elapsed,
//     in which case the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Returns true for unknown providers (the breaker is not tracking them yet).
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)
	if pcb == nil {
		return true // unknown provider — optimistic allow
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.openDuration(pcb.consecutiveOpens) {
			// Transition to half-open: allow exactly one probe request.
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			pcb.halfOpenSuccess = 0
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probeInflight {
			// A probe is already in flight — reject other requests.
			return false
		}
		pcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for provider. In Closed state it
// resets the rolling error counter. In HalfOpen state it counts toward
// SuccessThreshold; once reached the breaker closes and consecutiveOpens
// resets to 0 (a provider that recovers is given a fresh adaptive-backoff
// budget the next time it fails).
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbHalfOpen:
		pcb.probeInflight = false
		pcb.halfOpenSuccess++
		if pcb.halfOpenSuccess >= cb.cfg.successThreshold() {
			pcb.state = cbClosed
			pcb.errorCount = 0
			pcb.consecutiveOpens = 0
			pcb.windowStart = time.Now()
		}
	default:
		pcb.state = cbClosed
		pcb.errorCount = 0
		pcb.probeInflight = false
		pcb.windowStart = time.Now()
	}
}

// RecordFailure increments the error counter for provider. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens. Any failure
// while HalfOpen reopens immediately and increments consecutiveOpens, which
// lengthens the next Open period via the adaptive backoff schedule.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)
	if pcb == nil {
		return
	}

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()

	if pcb.state == cbHalfOpen {
		pcb.state = cbOpen
		pcb.openedAt = now
		pcb.consecutiveOpens++
		pcb.probeInflight = false
		pcb.halfOpenSuccess = 0
		return
	}

	// Reset counter when the rolling window has expired.
	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
		// consecutiveOpens is NOT incremented here: the initial trip from
		// Closed always uses the base HalfOpenTimeout. It only grows when a
		// HalfOpen probe fails and the breaker reopens without an
		// intervening recovery (see the cbHalfOpen branch above).
	}
}

// RecordHTTPResult is the status-aware entry point: it calls RecordFailure
// only when status is one of cfg.FailureStatusCodes (429 is excluded by
// default), and RecordSuccess otherwise.
func (cb *CircuitBreaker) RecordHTTPResult(provider string, status int) {
	if cb.cfg.IsFailureStatus(status) {
		cb.RecordFailure(provider)
		return
	}
	cb.RecordSuccess(provider)
}

// State returns the current cbState for provider (useful for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	if pcb == nil {
		return cbClosed
	}
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[provider]
}
