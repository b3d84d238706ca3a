package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Hash returns the deterministic checkpoint key for the plan: a SHA-256
// over (text, kind, year range, sorted provider set), truncated to 16 hex
// characters. Semantically identical plans always produce the same hash;
// provider order does not matter.
func (p QueryPlan) Hash() string {
	providers := make([]string, len(p.Providers))
	copy(providers, p.Providers)
	sort.Strings(providers)

	years := "-"
	if p.Years != nil {
		years = fmt.Sprintf("%d-%d", p.Years.Start, p.Years.End)
	}

	// Unit separator keeps fields from bleeding into each other.
	key := strings.Join([]string{
		p.Text,
		string(p.Kind),
		years,
		strings.Join(providers, ","),
	}, "\x1f")

	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}
