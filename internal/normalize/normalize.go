// Package normalize turns raw OCR text into a normalized form and a set of
// k-shingles, the first stage of the similarity pipeline.
//
// # Processing Pipeline
//
//	Input: full_text
//	    │
//	    ├──► Unicode NFKC
//	    ├──► lowercase
//	    ├──► collapse whitespace runs to a single space
//	    ├──► strip control characters
//	    ├──► replace punctuation with space
//	    ├──► trim
//	    │
//	    ├──► word-count gate (min_words)
//	    │
//	    └──► k-word shingles, hashed with xxhash for stable ordering
package normalize

import (
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

// DefaultK is the default shingle window size.
const DefaultK = 3

// DefaultMinWords is the default eligibility gate.
const DefaultMinWords = 20

// Result is the output of Normalize: the normalized text plus its shingle
// set, keyed by stable hash.
type Result struct {
	NormalizedText string
	WordCount      int
	Shingles       map[uint64]struct{}
	Eligible       bool // false if WordCount < minWords
}

// Normalize lowercases and cleans fullText and emits k-shingles. If the
// resulting word count is below minWords, Shingles is empty and Eligible is
// false — the caller (analysis coordinator) must exclude such documents
// from scoring.
func Normalize(fullText string, k, minWords int) Result {
	if k <= 0 {
		k = DefaultK
	}
	if minWords <= 0 {
		minWords = DefaultMinWords
	}

	normalized := normalizeText(fullText)
	words := strings.Split(normalized, " ")
	if normalized == "" {
		words = nil
	}

	res := Result{
		NormalizedText: normalized,
		WordCount:      len(words),
	}
	if len(words) < minWords {
		res.Shingles = map[uint64]struct{}{}
		res.Eligible = false
		return res
	}

	res.Shingles = shingle(words, k)
	res.Eligible = true
	return res
}

// normalizeText applies NFKC normalization and lowercasing, then in one pass
// collapses each whitespace run (tabs and newlines included) to a single
// space, strips the remaining control characters, and replaces punctuation
// and symbols with a space merged into any adjacent space; finally it trims.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	lastWasSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !lastWasSpace {
				b.WriteByte(' ')
			}
			lastWasSpace = true
		case unicode.IsControl(r):
			continue
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastWasSpace {
				b.WriteByte(' ')
			}
			lastWasSpace = true
		default:
			b.WriteRune(r)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// shingle emits the set of overlapping k-word window hashes over words.
// Hashing with xxhash gives deterministic, reproducible shingle hashes for
// a given input regardless of map iteration order.
func shingle(words []string, k int) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	if len(words) < k {
		return out
	}
	for i := 0; i+k <= len(words); i++ {
		window := strings.Join(words[i:i+k], " ")
		out[xxhash.Sum64String(window)] = struct{}{}
	}
	return out
}
