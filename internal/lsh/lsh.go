// Package lsh indexes MinHash signatures into banded buckets and enumerates
// candidate document pairs worth scoring in full, the second stage of the
// similarity pipeline: a cheap filter that turns an all-pairs problem into a
// much smaller candidate set for the next, more expensive scoring stage.
package lsh

import (
	"github.com/cespare/xxhash/v2"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// Params controls the banding split of a signature into (Bands, Rows) such
// that Bands*Rows == H. Two documents land in the same bucket for a band
// when their Rows-length slice of the signature is identical.
type Params struct {
	Bands int
	Rows  int
}

// DefaultParams returns the banding split for H=128 whose S-curve
// 1-(1-t^R)^B has its knee near t=0.7-0.8: B=16 bands of R=8 rows each.
func DefaultParams() Params {
	return Params{Bands: 16, Rows: 8}
}

// Index buckets document signatures by band and produces candidate pairs.
// It is single-use: build with New, call Add per signature, then Pairs once.
type Index struct {
	params  Params
	buckets []map[uint64][]types.DocumentID // one bucket map per band
}

// New creates an empty Index. If params.Bands or params.Rows is not
// positive it falls back to DefaultParams.
func New(params Params) *Index {
	if params.Bands <= 0 || params.Rows <= 0 {
		params = DefaultParams()
	}
	buckets := make([]map[uint64][]types.DocumentID, params.Bands)
	for i := range buckets {
		buckets[i] = make(map[uint64][]types.DocumentID)
	}
	return &Index{params: params, buckets: buckets}
}

// Add inserts a signature into every band bucket it falls into. Signatures
// shorter than Bands*Rows are skipped (caller error, not a document defect).
func (idx *Index) Add(docID types.DocumentID, signature []uint64) {
	need := idx.params.Bands * idx.params.Rows
	if len(signature) < need {
		return
	}
	for band := 0; band < idx.params.Bands; band++ {
		start := band * idx.params.Rows
		key := bandKey(signature[start : start+idx.params.Rows])
		idx.buckets[band][key] = append(idx.buckets[band][key], docID)
	}
}

// bandKey hashes a band's row slice into a single bucket key.
func bandKey(rows []uint64) uint64 {
	var buf []byte
	for _, r := range rows {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(r >> (8 * i))
		}
		buf = append(buf, b[:]...)
	}
	return xxhash.Sum64(buf)
}

// Pair is an unordered candidate pair of documents that shared at least one
// band bucket.
type Pair struct {
	A, B types.DocumentID
}

// Pairs returns the deduplicated set of candidate pairs across all bands.
// Documents that never share a bucket with any other document are never
// emitted — they have no candidate partners and are excluded from further
// scoring.
func (idx *Index) Pairs() []Pair {
	seen := make(map[Pair]struct{})
	var out []Pair
	for _, bucket := range idx.buckets {
		for _, ids := range bucket {
			if len(ids) < 2 {
				continue
			}
			for i := 0; i < len(ids); i++ {
				for j := i + 1; j < len(ids); j++ {
					p := orderedPair(ids[i], ids[j])
					if _, ok := seen[p]; ok {
						continue
					}
					seen[p] = struct{}{}
					out = append(out, p)
				}
			}
		}
	}
	return out
}

func orderedPair(a, b types.DocumentID) Pair {
	if a <= b {
		return Pair{A: a, B: b}
	}
	return Pair{A: b, B: a}
}
