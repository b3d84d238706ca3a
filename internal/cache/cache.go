// Package cache provides an in-memory TTL cache for provider search
// results, so repeated queries within a run (and overlapping queries
// across plans) skip the network entirely.
package cache

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sells-group/scout/internal/model"
	"github.com/sells-group/scout/internal/provider"
)

// Config controls cache capacity and entry lifetime.
type Config struct {
	Size int           `yaml:"size" mapstructure:"size"`
	TTL  time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

// DefaultConfig returns the cache defaults.
func DefaultConfig() Config {
	return Config{Size: 2048, TTL: 15 * time.Minute}
}

// SearchCache is a bounded LRU of provider search results keyed by the
// full call signature. Entries expire after the configured TTL.
type SearchCache struct {
	lru *expirable.LRU[string, []model.CandidateRecord]
}

// New creates a SearchCache. Zero or negative config fields fall back to
// defaults.
func New(cfg Config) *SearchCache {
	def := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &SearchCache{
		lru: expirable.NewLRU[string, []model.CandidateRecord](cfg.Size, nil, cfg.TTL),
	}
}

// Key derives the cache key for one provider call. Two calls share a key
// only when every parameter that can change the result set matches.
func Key(providerName, query string, opts provider.SearchOptions) string {
	return fmt.Sprintf("%s\x1f%s\x1f%d\x1f%d\x1f%d",
		providerName, query, opts.YearStart, opts.YearEnd, opts.MaxResults)
}

// Get returns the cached result set for the key, if present and fresh.
func (c *SearchCache) Get(key string) ([]model.CandidateRecord, bool) {
	return c.lru.Get(key)
}

// Put stores a result set. Results are cached as returned, including
// empty sets, so a provider that legitimately found nothing is not
// re-queried.
func (c *SearchCache) Put(key string, records []model.CandidateRecord) {
	c.lru.Add(key, records)
}

// Len returns the number of live entries.
func (c *SearchCache) Len() int {
	return c.lru.Len()
}

// Purge drops all entries.
func (c *SearchCache) Purge() {
	c.lru.Purge()
}
