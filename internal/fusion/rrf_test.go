package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scout/internal/model"
)

func finding(id, title string) *model.Finding {
	return &model.Finding{ID: id, Title: title}
}

func TestFuseTwoProvidersSameFinding(t *testing.T) {
	// Provider1 and Provider2 both rank the same work at 0:
	// score = 1/60 + 1/60 = 1/30.
	shared := finding("f1", "Soy Oil Adhesive")

	fused := Fuse(60, []RankedList{
		{Provider: "provider1", Findings: []*model.Finding{shared}},
		{Provider: "provider2", Findings: []*model.Finding{shared}},
	})

	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/30.0, fused[0].Score, 1e-12)
	assert.Same(t, shared, fused[0].Finding)
}

func TestFuseMultiProviderAgreementOutranksSingleList(t *testing.T) {
	agreed := finding("f1", "Soy polyol rigid foam")
	solo := finding("f2", "Unrelated result")

	fused := Fuse(60, []RankedList{
		{Provider: "openalex", Findings: []*model.Finding{solo, agreed}},
		{Provider: "crossref", Findings: []*model.Finding{agreed}},
	})

	require.Len(t, fused, 2)
	// agreed: 1/61 + 1/60 > solo: 1/60.
	assert.Equal(t, "f1", fused[0].Finding.ID)
	assert.Equal(t, "f2", fused[1].Finding.ID)
}

func TestFuseMonotonicity(t *testing.T) {
	// X appears in a strict superset of Y's lists at equal-or-better
	// ranks in every shared list, so score(X) >= score(Y).
	x := finding("fx", "X")
	y := finding("fy", "Y")

	fused := Fuse(60, []RankedList{
		{Provider: "openalex", Findings: []*model.Finding{x, y}},
		{Provider: "crossref", Findings: []*model.Finding{x, y}},
		{Provider: "lens", Findings: []*model.Finding{x}}, // X only
	})

	scores := map[string]float64{}
	for _, s := range fused {
		scores[s.Finding.ID] = s.Score
	}
	assert.GreaterOrEqual(t, scores["fx"], scores["fy"])
}

func TestFuseTieBreakDeterministic(t *testing.T) {
	a := finding("f2", "alpha result")
	b := finding("f1", "Beta result")

	// Both rank 0 in one list each: identical scores.
	fused := Fuse(60, []RankedList{
		{Provider: "openalex", Findings: []*model.Finding{a}},
		{Provider: "crossref", Findings: []*model.Finding{b}},
	})

	require.Len(t, fused, 2)
	// Normalized titles: "alpha result" < "beta result".
	assert.Equal(t, "f2", fused[0].Finding.ID)
	assert.Equal(t, "f1", fused[1].Finding.ID)

	// Equal titles fall back to surrogate id.
	c, d := finding("f1", "Same Title"), finding("f2", "same title")
	fused = Fuse(60, []RankedList{
		{Provider: "openalex", Findings: []*model.Finding{d}},
		{Provider: "crossref", Findings: []*model.Finding{c}},
	})
	assert.Equal(t, "f1", fused[0].Finding.ID)
}

func TestFusePreservesNativeOrderWithinProvider(t *testing.T) {
	first := finding("f1", "rank zero")
	second := finding("f2", "rank one")
	third := finding("f3", "rank two")

	fused := Fuse(60, []RankedList{
		{Provider: "openalex", Findings: []*model.Finding{first, second, third}},
	})

	require.Len(t, fused, 3)
	assert.Equal(t, []string{"f1", "f2", "f3"},
		[]string{fused[0].Finding.ID, fused[1].Finding.ID, fused[2].Finding.ID})
}

func TestFuseDefaultsK(t *testing.T) {
	f := finding("f1", "anything")
	fused := Fuse(0, []RankedList{{Provider: "openalex", Findings: []*model.Finding{f}}})
	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/60.0, fused[0].Score, 1e-12)
}

func TestFuseEmpty(t *testing.T) {
	assert.Empty(t, Fuse(60, nil))
	assert.Empty(t, Fuse(60, []RankedList{{Provider: "openalex"}}))
}
