package dedup

import (
	"sort"
	"sync"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"

	"github.com/sells-group/scout/internal/model"
)

// DefaultTitleSimilarity is the fuzzy-match threshold applied when config
// omits one.
const DefaultTitleSimilarity = 0.90

// Config controls the fuzzy fallback.
type Config struct {
	// TitleSimilarity in [0,1]; titles at or above it are considered the
	// same work when year and first-author surname do not disagree.
	TitleSimilarity float64
}

type titleEntry struct {
	normTitle string
	finding   *model.Finding
}

// Deduplicator accumulates the canonical finding set. All methods are safe
// for concurrent use: the table is guarded by a single mutex, and every
// finding handed out is a copy, so readers never observe an in-progress
// merge.
type Deduplicator struct {
	mu        sync.Mutex
	threshold float64
	params    *levenshtein.Params

	byIdentifier map[string]*model.Finding
	byID         map[string]*model.Finding
	titles       []titleEntry
	newID        func() string
}

// New creates an empty deduplicator.
func New(cfg Config) *Deduplicator {
	threshold := cfg.TitleSimilarity
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultTitleSimilarity
	}
	return &Deduplicator{
		threshold:    threshold,
		params:       levenshtein.NewParams(),
		byIdentifier: make(map[string]*model.Finding),
		byID:         make(map[string]*model.Finding),
		newID:        func() string { return uuid.New().String() },
	}
}

// Seed loads previously persisted findings so new candidates merge into
// them instead of creating duplicates across runs. Seeded findings keep
// their surrogate ids.
func (d *Deduplicator) Seed(findings []*model.Finding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range findings {
		d.titles = append(d.titles, titleEntry{normTitle: NormalizeTitle(f.Title), finding: f})
		d.byID[f.ID] = f
		d.index(f)
	}
}

// Absorb canonicalizes one candidate against the accumulated finding set.
// It returns the finding the candidate resolved to and whether that
// finding was newly created. The returned finding is a point-in-time copy;
// later merges never mutate it, so callers may read it without holding the
// table lock. Malformed candidates are rejected with a
// *model.MalformedRecordError.
func (d *Deduplicator) Absorb(rec model.CandidateRecord) (*model.Finding, bool, error) {
	if err := rec.Validate(); err != nil {
		return nil, false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if f := d.match(rec); f != nil {
		d.merge(f, rec)
		return snapshot(f), false, nil
	}

	f := &model.Finding{ID: d.newID()}
	d.merge(f, rec)
	d.titles = append(d.titles, titleEntry{normTitle: NormalizeTitle(f.Title), finding: f})
	d.byID[f.ID] = f
	return snapshot(f), true, nil
}

// View returns a point-in-time copy of the finding with the given
// surrogate id, or nil if unknown.
func (d *Deduplicator) View(id string) *model.Finding {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.byID[id]
	if !ok {
		return nil
	}
	return snapshot(f)
}

// Findings returns point-in-time copies of the accumulated set, ordered
// by surrogate id for a stable iteration order.
func (d *Deduplicator) Findings() []*model.Finding {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*model.Finding, 0, len(d.titles))
	for _, e := range d.titles {
		out = append(out, snapshot(e.finding))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// match applies the canonicalization policy: identifier first, fuzzy
// title/year/author fallback second. Caller holds the lock.
func (d *Deduplicator) match(rec model.CandidateRecord) *model.Finding {
	id := NormalizeIdentifier(rec.Identifier)
	if id != "" {
		if f, ok := d.byIdentifier[id]; ok {
			return f
		}
	}

	normTitle := NormalizeTitle(rec.Title)
	surname := FirstAuthorSurname(rec.Authors)
	for _, e := range d.titles {
		f := e.finding
		// Two distinct identifiers are never the same work, regardless of
		// how similar the titles look.
		if id != "" && f.Identifier != "" && f.Identifier != id {
			continue
		}
		if rec.Year != 0 && f.Year != 0 && rec.Year != f.Year {
			continue
		}
		if surname != "" {
			if fs := FirstAuthorSurname(f.Authors); fs != "" && fs != surname {
				continue
			}
		}
		if levenshtein.Similarity(normTitle, e.normTitle, d.params) >= d.threshold {
			return f
		}
	}
	return nil
}

// merge adds the candidate as an attribution (idempotently) and rebuilds
// the finding's merged fields. Caller holds the lock.
func (d *Deduplicator) merge(f *model.Finding, rec model.CandidateRecord) {
	for _, a := range f.Attributions {
		if a.Provider == rec.Provider && a.NativeRank == rec.Rank {
			return // same (provider, native_rank) tuple seen before
		}
	}

	f.Attributions = append(f.Attributions, model.Attribution{
		Provider:   rec.Provider,
		NativeRank: rec.Rank,
		Record:     rec,
	})
	rebuild(f)
	d.index(f)
}

// index registers the finding under its identifier, which may appear only
// after a later attribution fills it in. Caller holds the lock.
func (d *Deduplicator) index(f *model.Finding) {
	if f.Identifier != "" {
		d.byIdentifier[f.Identifier] = f
	}
}

// rebuild recomputes merged fields as a deterministic fold over the
// attribution set ordered by (provider, native rank): each field takes the
// first non-empty value in that order. Recomputing from scratch makes the
// merge commutative, so arrival order cannot leak into the result.
func rebuild(f *model.Finding) {
	sort.Slice(f.Attributions, func(i, j int) bool {
		a, b := f.Attributions[i], f.Attributions[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.NativeRank < b.NativeRank
	})

	f.Title = ""
	f.Identifier = ""
	f.Year = 0
	f.Authors = nil

	for _, a := range f.Attributions {
		rec := a.Record
		if f.Title == "" {
			f.Title = rec.Title
		}
		if f.Identifier == "" {
			f.Identifier = NormalizeIdentifier(rec.Identifier)
		}
		if f.Year == 0 {
			f.Year = rec.Year
		}
		if len(f.Authors) == 0 {
			f.Authors = rec.Authors
		}
	}
}

// snapshot deep-copies a finding so callers can read it after the table
// lock is released. Caller holds the lock.
func snapshot(f *model.Finding) *model.Finding {
	c := *f
	c.Authors = append([]string(nil), f.Authors...)
	c.Attributions = append([]model.Attribution(nil), f.Attributions...)
	return &c
}
