// Package minhash builds fixed-length MinHash permutation signatures over
// shingle sets and estimates Jaccard similarity from them.
package minhash

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// DefaultH is the default signature length.
const DefaultH = 128

// sentinel is the all-max value an empty shingle set produces; it never
// matches any real minimum, so empty-vs-empty comparisons never score as
// similar.
const sentinel = math.MaxUint64

// Params bundles H and Seed; K is carried alongside on types.SignatureParams
// but minhash itself only needs H and Seed to build permutations.
type Params struct {
	H    int
	Seed uint64
}

// permutationHash derives the i-th independent 64-bit hash function from
// seed, mixing i into the seed before hashing — an inexpensive stand-in for
// H independent universal hash functions.
func permutationHash(seed uint64, i int, shingle uint64) uint64 {
	mixed := seed ^ (uint64(i)*0x9E3779B97F4A7C15 + 0xBF58476D1CE4E5B9)
	var buf [16]byte
	putUint64(buf[0:8], mixed)
	putUint64(buf[8:16], shingle)
	return xxhash.Sum64(buf[:])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Build computes the MinHash signature for shingles under params. An empty
// shingle set yields the all-sentinel vector.
func Build(shingles map[uint64]struct{}, p Params) []uint64 {
	h := p.H
	if h <= 0 {
		h = DefaultH
	}
	sig := make([]uint64, h)
	for i := range sig {
		sig[i] = sentinel
	}
	if len(shingles) == 0 {
		return sig
	}
	for s := range shingles {
		for i := 0; i < h; i++ {
			v := permutationHash(p.Seed, i, s)
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// EstimateJaccard returns the fraction of equal positions between two
// signatures of the same length, the standard MinHash Jaccard estimator.
// Positions holding the empty-set sentinel never count as equal.
// Signatures must share (H, seed, k); callers should check
// types.Signature.Stale before comparing.
func EstimateJaccard(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	matches := 0
	for i := range a {
		if a[i] == b[i] && a[i] != sentinel {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// BuildSignature builds a types.Signature for a document's shingle set.
func BuildSignature(docID types.DocumentID, shingles map[uint64]struct{}, params types.SignatureParams) types.Signature {
	perms := Build(shingles, Params{H: params.H, Seed: params.Seed})
	return types.Signature{
		DocumentID:   docID,
		Permutations: perms,
		Params:       params,
	}
}
