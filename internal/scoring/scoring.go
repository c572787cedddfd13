// Package scoring combines the MinHash jaccard estimate with fuzzy-text,
// metadata and filename signals into a single weighted confidence score,
// the fourth stage of the similarity pipeline.
package scoring

import (
	"github.com/rknightion/paperless-dedupe/internal/fuzzy"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// DefaultFuzzySampleSize bounds how many characters of normalized text are
// fed to the fuzzy scorer, keeping edit-distance cost predictable on large
// OCR bodies.
const DefaultFuzzySampleSize = 5000

// Weights holds the non-negative per-component weights from configuration.
// A zero weight excludes that component from the weighted mean entirely.
type Weights struct {
	Jaccard  float64
	Fuzzy    float64
	Metadata float64
	Filename float64
}

// Input bundles everything the combiner needs for one candidate pair.
// Jaccard is computed upstream by minhash.EstimateJaccard over the pair's
// signatures; scoring does not recompute it.
type Input struct {
	Jaccard float64

	NormalizedTextA, NormalizedTextB string

	// FilenameA/B is title, falling back to original_filename when title is
	// empty.
	FilenameA, FilenameB string

	FileSizeA, FileSizeB int64
	HaveFileSizeA        bool
	HaveFileSizeB        bool
}

// FilenameFor resolves the filename scoring input from a document: title if
// non-empty, else original_filename.
func FilenameFor(d types.Document) string {
	if d.Title != "" {
		return d.Title
	}
	return d.OriginalFilename
}

// Combine computes the confidence breakdown for a candidate pair. When
// quickMode is set, fuzzy/metadata/filename are bypassed entirely and
// overall equals jaccard.
func Combine(in Input, w Weights, quickMode bool) types.ConfidenceBreakdown {
	if quickMode {
		return types.ConfidenceBreakdown{Overall: in.Jaccard, Jaccard: in.Jaccard}
	}

	fuzzyScore := fuzzy.Ratio(truncate(in.NormalizedTextA, DefaultFuzzySampleSize), truncate(in.NormalizedTextB, DefaultFuzzySampleSize))
	metadataScore := fileSizeRatio(in)
	filenameScore := fuzzy.Ratio(in.FilenameA, in.FilenameB)

	overall := weightedMean(
		[]float64{w.Jaccard, w.Fuzzy, w.Metadata, w.Filename},
		[]float64{in.Jaccard, fuzzyScore, metadataScore, filenameScore},
	)

	return types.ConfidenceBreakdown{
		Overall:  overall,
		Jaccard:  in.Jaccard,
		Fuzzy:    fuzzyScore,
		Metadata: metadataScore,
		Filename: filenameScore,
	}
}

// fileSizeRatio is the metadata component: min(s1,s2)/max(s1,s2) when both
// sizes are present, else 0. Date proximity and categorical matches are
// plausible extensions to this signal but are not implemented here (see
// DESIGN.md for the extension-point decision).
func fileSizeRatio(in Input) float64 {
	if !in.HaveFileSizeA || !in.HaveFileSizeB {
		return 0
	}
	if in.FileSizeA == 0 || in.FileSizeB == 0 {
		return 0
	}
	a, b := in.FileSizeA, in.FileSizeB
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}

// weightedMean computes Σ wᵢ·sᵢ / Σ wᵢ over components whose weight is
// non-zero. Returns 0 if all weights are zero (a config-validation concern,
// not scoring's, to reject before this point).
func weightedMean(weights, scores []float64) float64 {
	var sumW, sumWS float64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		sumW += w
		sumWS += w * scores[i]
	}
	if sumW == 0 {
		return 0
	}
	return sumWS / sumW
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
