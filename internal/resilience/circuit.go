// Package resilience provides the per-provider admission machinery: token
// bucket rate limiting, circuit breaking, and bounded retry with backoff.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a provider's circuit breaker.
type BreakerState int

const (
	// BreakerClosed is the normal operating state; calls flow through.
	BreakerClosed BreakerState = iota
	// BreakerOpen short-circuits calls until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen permits exactly one trial call; concurrent callers
	// are rejected until the trial's outcome is recorded.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow when the breaker rejects a call.
var ErrBreakerOpen = eris.New("circuit breaker open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Default: 5.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before admitting
	// a half-open trial call. Default: 60s.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout"`

	// OnStateChange is called on every transition, with the provider name.
	OnStateChange func(provider string, from, to BreakerState) `yaml:"-" mapstructure:"-"`
}

// DefaultBreakerConfig returns the defaults used when config omits values.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is the circuit breaker for a single provider.
//
// Unlike a breaker that admits every caller once half-open, this one
// reserves the half-open trial slot inside Allow, so concurrent queries
// targeting a recovering provider produce exactly one network call.
type Breaker struct {
	provider string
	cfg      BreakerConfig

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailure         time.Time
	probeInFlight       bool

	nowFunc func() time.Time
}

// NewBreaker creates a closed breaker for the named provider.
func NewBreaker(provider string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{
		provider: provider,
		cfg:      cfg,
		state:    BreakerClosed,
		nowFunc:  time.Now,
	}
}

// Allow decides whether a call may proceed. In half-open it reserves the
// single trial slot; the caller must follow up with RecordSuccess or
// RecordFailure. Returns ErrBreakerOpen when the call is rejected, in
// which case nothing needs to be recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.nowFunc().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
		b.probeInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.probeInFlight {
			return ErrBreakerOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess clears the consecutive-failure counter. A successful
// half-open trial closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == BreakerHalfOpen {
		b.probeInFlight = false
		b.transition(BreakerClosed)
	}
}

// RecordFailure increments the consecutive-failure counter and restarts
// the recovery timer. The breaker opens after FailureThreshold consecutive
// failures; a failed half-open trial reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = b.nowFunc()

	switch b.state {
	case BreakerClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.transition(BreakerOpen)
	}
}

// State returns the current state without reserving a trial slot. An open
// breaker whose recovery timeout has elapsed reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.nowFunc().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Failures returns the consecutive-failure counter and last failure time.
func (b *Breaker) Failures() (int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures, b.lastFailure
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.provider, from, to)
	}
}
