package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scout/internal/model"
)

type staticAdapter struct {
	name    string
	records []model.CandidateRecord
}

func (s *staticAdapter) Name() string { return s.name }

func (s *staticAdapter) Search(_ context.Context, _ string, _ SearchOptions) ([]model.CandidateRecord, error) {
	return s.records, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.Nil(t, r.Get("openalex"))

	r.Register(&staticAdapter{name: "openalex"})
	r.Register(&staticAdapter{name: "crossref"})

	assert.NotNil(t, r.Get("openalex"))
	assert.Nil(t, r.Get("lens"))
	assert.Equal(t, []string{"crossref", "openalex"}, r.Names())
}

type lookupAdapter struct {
	staticAdapter
}

func (l *lookupAdapter) Lookup(_ context.Context, identifier string) (*model.CandidateRecord, error) {
	return &model.CandidateRecord{Identifier: identifier, Provider: l.name}, nil
}

func TestRegistryExposesLookupCapability(t *testing.T) {
	r := NewRegistry()
	r.Register(&staticAdapter{name: "openalex"})
	r.Register(&lookupAdapter{staticAdapter{name: "crossref"}})

	_, ok := r.Get("openalex").(Lookuper)
	assert.False(t, ok)

	lu, ok := r.Get("crossref").(Lookuper)
	require.True(t, ok)
	rec, err := lu.Lookup(context.Background(), "10.1/a")
	require.NoError(t, err)
	assert.Equal(t, "crossref", rec.Provider)
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry()
	first := &staticAdapter{name: "openalex"}
	second := &staticAdapter{name: "openalex"}

	r.Register(first)
	r.Register(second)

	assert.Same(t, Adapter(second), r.Get("openalex"))
	assert.Len(t, r.Names(), 1)
}
