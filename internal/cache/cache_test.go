package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scout/internal/model"
	"github.com/sells-group/scout/internal/provider"
)

func TestSearchCachePutGet(t *testing.T) {
	c := New(Config{Size: 10, TTL: time.Minute})

	key := Key("openalex", "soy adhesive", provider.SearchOptions{MaxResults: 25})
	records := []model.CandidateRecord{{Title: "Soy Protein Adhesive", Provider: "openalex"}}

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Put(key, records)
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, records, got)
}

func TestSearchCacheEmptyResultIsCached(t *testing.T) {
	c := New(Config{Size: 10, TTL: time.Minute})

	key := Key("crossref", "no hits", provider.SearchOptions{MaxResults: 25})
	c.Put(key, nil)

	got, ok := c.Get(key)
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestSearchCacheKeyDiscriminates(t *testing.T) {
	base := provider.SearchOptions{MaxResults: 25, YearStart: 2010, YearEnd: 2020}

	same := Key("openalex", "soy adhesive", base)
	assert.Equal(t, same, Key("openalex", "soy adhesive", base))

	assert.NotEqual(t, same, Key("crossref", "soy adhesive", base))
	assert.NotEqual(t, same, Key("openalex", "soy polyol", base))

	narrower := base
	narrower.YearEnd = 2015
	assert.NotEqual(t, same, Key("openalex", "soy adhesive", narrower))

	larger := base
	larger.MaxResults = 50
	assert.NotEqual(t, same, Key("openalex", "soy adhesive", larger))
}

func TestSearchCacheTTLExpiry(t *testing.T) {
	c := New(Config{Size: 10, TTL: 20 * time.Millisecond})

	key := Key("openalex", "soy adhesive", provider.SearchOptions{})
	c.Put(key, []model.CandidateRecord{{Title: "x", Provider: "openalex"}})

	_, ok := c.Get(key)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestSearchCacheDefaults(t *testing.T) {
	c := New(Config{})
	key := Key("openalex", "anything", provider.SearchOptions{})
	c.Put(key, nil)
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}
