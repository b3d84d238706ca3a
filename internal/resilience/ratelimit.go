package resilience

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// RateConfig is a provider's token bucket: sustained tokens per second and
// burst capacity. The bucket refills continuously; fractional tokens are
// handled inside x/time/rate.
type RateConfig struct {
	TokensPerSecond float64 `yaml:"tokens_per_second" mapstructure:"tokens_per_second"`
	Burst           int     `yaml:"burst" mapstructure:"burst"`
}

// DefaultRateConfig is applied to providers with no configured bucket:
// one request per second, no burst.
func DefaultRateConfig() RateConfig {
	return RateConfig{TokensPerSecond: 1, Burst: 1}
}

func (c RateConfig) normalized() RateConfig {
	if c.TokensPerSecond <= 0 {
		c.TokensPerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.TokensPerSecond))
	}
	return c
}

// Limiter wraps one provider's token bucket.
type Limiter struct {
	limiter *rate.Limiter
	cfg     RateConfig
}

// NewLimiter creates a full bucket with the given configuration.
func NewLimiter(cfg RateConfig) *Limiter {
	cfg = cfg.normalized()
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.TokensPerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

// Acquire blocks until a token is available, then consumes it. The only
// failure mode is context cancellation; acquisition itself never fails.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limiter: wait")
	}
	return nil
}

// TryAcquire consumes a token if one is available without blocking.
func (l *Limiter) TryAcquire() bool {
	return l.limiter.Allow()
}

// Config returns the limiter's bucket configuration.
func (l *Limiter) Config() RateConfig {
	return l.cfg
}

// Tokens reports the bucket's current token count, for introspection.
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}
