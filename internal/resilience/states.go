package resilience

import (
	"sort"
	"sync"
	"time"
)

// providerState pairs the two pieces of mutable per-provider state: the
// rate-limit bucket and the circuit breaker. It is only ever touched
// through the ProviderStates accessors.
type providerState struct {
	limiter *Limiter
	breaker *Breaker
}

// ProviderStates is the per-run table of provider admission state, keyed by
// provider name. It is the only mutable shared state in the engine; it is
// created per run context rather than held in a package-level singleton so
// concurrent runs and tests stay isolated.
type ProviderStates struct {
	mu         sync.RWMutex
	states     map[string]*providerState
	rates      map[string]RateConfig
	breakerCfg BreakerConfig
}

// NewProviderStates builds a state table. rates holds the per-provider
// bucket configuration; providers not present get DefaultRateConfig. All
// breakers share breakerCfg.
func NewProviderStates(rates map[string]RateConfig, breakerCfg BreakerConfig) *ProviderStates {
	return &ProviderStates{
		states:     make(map[string]*providerState),
		rates:      rates,
		breakerCfg: breakerCfg,
	}
}

func (ps *ProviderStates) get(provider string) *providerState {
	ps.mu.RLock()
	st, ok := ps.states[provider]
	ps.mu.RUnlock()
	if ok {
		return st
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if st, ok = ps.states[provider]; ok {
		return st
	}

	rateCfg, ok := ps.rates[provider]
	if !ok {
		rateCfg = DefaultRateConfig()
	}
	st = &providerState{
		limiter: NewLimiter(rateCfg),
		breaker: NewBreaker(provider, ps.breakerCfg),
	}
	ps.states[provider] = st
	return st
}

// Limiter returns the named provider's rate limiter, creating state lazily.
func (ps *ProviderStates) Limiter(provider string) *Limiter {
	return ps.get(provider).limiter
}

// Breaker returns the named provider's circuit breaker, creating state
// lazily.
func (ps *ProviderStates) Breaker(provider string) *Breaker {
	return ps.get(provider).breaker
}

// ProviderSnapshot is a point-in-time view of one provider's state, for
// status commands and the serve API.
type ProviderSnapshot struct {
	Provider            string       `json:"provider"`
	BreakerState        BreakerState `json:"-"`
	State               string       `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailure         *time.Time   `json:"last_failure,omitempty"`
	Tokens              float64      `json:"tokens"`
	TokensPerSecond     float64      `json:"tokens_per_second"`
}

// Snapshot returns a view of every provider touched so far, sorted by name.
func (ps *ProviderStates) Snapshot() []ProviderSnapshot {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	snaps := make([]ProviderSnapshot, 0, len(ps.states))
	for name, st := range ps.states {
		failures, lastFailure := st.breaker.Failures()
		state := st.breaker.State()
		snap := ProviderSnapshot{
			Provider:            name,
			BreakerState:        state,
			State:               state.String(),
			ConsecutiveFailures: failures,
			Tokens:              st.limiter.Tokens(),
			TokensPerSecond:     st.limiter.Config().TokensPerSecond,
		}
		if !lastFailure.IsZero() {
			t := lastFailure
			snap.LastFailure = &t
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Provider < snaps[j].Provider })
	return snaps
}
