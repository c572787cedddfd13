// Package fuzzy computes a token-sort-ratio similarity score between two
// strings, used as a confirmation signal once LSH has narrowed candidates
// down. Unlike normalize/minhash, which work on shingle sets, this compares
// strings directly via edit distance (filenames, and bounded samples of
// normalized text), the way a human would eyeball "Invoice_2024.pdf"
// against "invoice 2024 (1).pdf".
package fuzzy

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Ratio returns a token-sort-ratio similarity in [0, 1]: both strings are
// lowercased, split into whitespace-delimited tokens, sorted, rejoined, and
// compared by normalized Levenshtein distance. Sorting tokens before
// comparing makes the ratio independent of word order.
func Ratio(a, b string) float64 {
	sa := sortedTokens(a)
	sb := sortedTokens(b)
	if sa == "" && sb == "" {
		return 1
	}
	dist := levenshtein.ComputeDistance(sa, sb)
	maxLen := len(sa)
	if len(sb) > maxLen {
		maxLen = len(sb)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

// sortedTokens lowercases s, splits on whitespace, sorts the tokens, and
// rejoins with a single space.
func sortedTokens(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	sort.Strings(fields)
	return strings.Join(fields, " ")
}
