// Package provider defines the capability contract every search provider
// integration implements, the error taxonomy providers signal failures
// with, and the run-scoped registry adapters are selected from by name.
package provider

import (
	"context"

	"github.com/sells-group/scout/internal/model"
)

// SearchOptions carries the per-call constraints the orchestrator passes
// through to an adapter.
type SearchOptions struct {
	MaxResults int
	YearStart  int // 0 = unbounded
	YearEnd    int // 0 = unbounded
}

// Adapter is the contract each provider integration implements. Search
// returns a finite list already ranked by the provider (index 0 = most
// relevant); the engine never re-ranks within a single provider's list.
// Failures are signaled as *TransientError or *PermanentError.
type Adapter interface {
	// Name is the stable identifier used as the provider-state key.
	Name() string

	// Search runs one query. The returned records carry the provider name
	// and the provider's native rank.
	Search(ctx context.Context, query string, opts SearchOptions) ([]model.CandidateRecord, error)
}

// Lookuper is the optional direct-lookup capability. Adapters that support
// fetching a single record by identifier implement it; absence is reported
// as (nil, nil), not an error.
type Lookuper interface {
	Lookup(ctx context.Context, identifier string) (*model.CandidateRecord, error)
}
