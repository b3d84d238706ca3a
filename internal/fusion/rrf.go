// Package fusion merges per-provider ranked result lists into one fused
// ordering using Reciprocal Rank Fusion.
package fusion

import (
	"sort"

	"github.com/sells-group/scout/internal/dedup"
	"github.com/sells-group/scout/internal/model"
)

// DefaultK is the RRF constant from the original RRF paper.
const DefaultK = 60

// RankedList is one provider's result list for a single query, already
// resolved to findings. Position i is the provider's native rank i.
type RankedList struct {
	Provider string
	Findings []*model.Finding
}

// Scored pairs a finding with its fused score.
type Scored struct {
	Finding *model.Finding
	Score   float64
}

// Fuse merges the per-provider lists: every finding accumulates
// 1/(k+rank) for each list position it holds, 0-based. Ties break on
// normalized title, then surrogate id, so the output is a deterministic
// total order. Findings appearing in multiple lists are scored once per
// appearance but emitted once.
func Fuse(k int, lists []RankedList) []Scored {
	if k <= 0 {
		k = DefaultK
	}

	scores := make(map[string]float64)
	byID := make(map[string]*model.Finding)

	for _, list := range lists {
		for rank, f := range list.Findings {
			if f == nil {
				continue
			}
			scores[f.ID] += 1.0 / float64(k+rank)
			byID[f.ID] = f
		}
	}

	fused := make([]Scored, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, Scored{Finding: byID[id], Score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		ti, tj := dedup.NormalizeTitle(fused[i].Finding.Title), dedup.NormalizeTitle(fused[j].Finding.Title)
		if ti != tj {
			return ti < tj
		}
		return fused[i].Finding.ID < fused[j].Finding.ID
	})

	return fused
}
