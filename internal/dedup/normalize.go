// Package dedup canonicalizes candidate records from different providers
// into unique findings: identifier-first matching with a fuzzy
// title/author/year fallback, and a commutative field merge.
package dedup

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var identifierPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi:",
}

// NormalizeIdentifier canonicalizes a primary identifier for comparison:
// case-fold, strip URL/scheme prefixes, strip trailing punctuation.
func NormalizeIdentifier(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, prefix := range identifierPrefixes {
		if strings.HasPrefix(id, prefix) {
			id = id[len(prefix):]
			break
		}
	}
	return strings.TrimRight(id, ".,;:/")
}

var (
	nonWordRe    = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)

	// Decompose, drop combining marks, recompose: "Müller" matches "Muller".
	deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// NormalizeTitle canonicalizes a title for fuzzy comparison: case-fold,
// fold diacritics, strip punctuation, collapse whitespace.
func NormalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	if folded, _, err := transform.String(deaccent, t); err == nil {
		t = folded
	}
	t = nonWordRe.ReplaceAllString(t, "")
	t = multiSpaceRe.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// FirstAuthorSurname extracts a normalized surname from the first author in
// the list. Handles both "Surname, Given" and "Given Surname" forms.
// Returns "" when no usable author is present.
func FirstAuthorSurname(authors []string) string {
	if len(authors) == 0 {
		return ""
	}
	name := strings.TrimSpace(authors[0])
	if name == "" {
		return ""
	}

	if i := strings.IndexByte(name, ','); i >= 0 {
		name = name[:i]
	} else if fields := strings.Fields(name); len(fields) > 0 {
		name = fields[len(fields)-1]
	}

	return NormalizeTitle(name)
}
