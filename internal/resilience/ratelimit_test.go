package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBurstThenBlocks(t *testing.T) {
	l := NewLimiter(RateConfig{TokensPerSecond: 100, Burst: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire(), "token %d", i)
	}
	assert.False(t, l.TryAcquire())

	// At 100 tokens/sec the next token arrives within ~10ms.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx))
}

func TestLimiterAcquireRespectsContext(t *testing.T) {
	l := NewLimiter(RateConfig{TokensPerSecond: 0.001, Burst: 1})
	require.True(t, l.TryAcquire()) // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	require.Error(t, err)
}

func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(RateConfig{})
	assert.Equal(t, 1.0, l.Config().TokensPerSecond)
	assert.Equal(t, 1, l.Config().Burst)

	// Burst defaults to the whole-token rate when only the rate is given.
	l = NewLimiter(RateConfig{TokensPerSecond: 10})
	assert.Equal(t, 10, l.Config().Burst)
}

func TestProviderStatesIsolatesProviders(t *testing.T) {
	ps := NewProviderStates(map[string]RateConfig{
		"crossref": {TokensPerSecond: 50, Burst: 50},
	}, DefaultBreakerConfig())

	// Exhausting one provider's bucket leaves others untouched.
	fast := ps.Limiter("crossref")
	slow := ps.Limiter("semantic_scholar") // default 1/s bucket

	require.True(t, slow.TryAcquire())
	assert.False(t, slow.TryAcquire())
	assert.True(t, fast.TryAcquire())

	// Breakers are independent too.
	ps.Breaker("crossref").RecordFailure()
	failures, _ := ps.Breaker("semantic_scholar").Failures()
	assert.Zero(t, failures)
}

func TestProviderStatesSameInstance(t *testing.T) {
	ps := NewProviderStates(nil, DefaultBreakerConfig())
	assert.Same(t, ps.Limiter("openalex"), ps.Limiter("openalex"))
	assert.Same(t, ps.Breaker("openalex"), ps.Breaker("openalex"))
}

func TestProviderStatesSnapshot(t *testing.T) {
	ps := NewProviderStates(map[string]RateConfig{
		"openalex": {TokensPerSecond: 10, Burst: 10},
	}, DefaultBreakerConfig())

	ps.Breaker("openalex").RecordFailure()
	ps.Limiter("crossref")

	snaps := ps.Snapshot()
	require.Len(t, snaps, 2)
	assert.Equal(t, "crossref", snaps[0].Provider)
	assert.Equal(t, "openalex", snaps[1].Provider)
	assert.Equal(t, 1, snaps[1].ConsecutiveFailures)
	assert.NotNil(t, snaps[1].LastFailure)
	assert.Equal(t, "closed", snaps[1].State)
	assert.Equal(t, 10.0, snaps[1].TokensPerSecond)
}
