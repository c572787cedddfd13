package scoring

import (
	"testing"

	"github.com/rknightion/paperless-dedupe/internal/types"
)

func equalWeights() Weights {
	return Weights{Jaccard: 1, Fuzzy: 1, Metadata: 1, Filename: 1}
}

func TestQuickModeReturnsJaccardOnly(t *testing.T) {
	in := Input{Jaccard: 0.83, NormalizedTextA: "completely different a", NormalizedTextB: "nothing alike b"}
	got := Combine(in, equalWeights(), true)
	if got.Overall != 0.83 {
		t.Errorf("quick mode overall should equal jaccard, got %v", got.Overall)
	}
	if got.Fuzzy != 0 || got.Metadata != 0 || got.Filename != 0 {
		t.Error("quick mode should not populate other components")
	}
}

func TestIdenticalInputsScoreNearOne(t *testing.T) {
	in := Input{
		Jaccard:          1,
		NormalizedTextA:  "identical document body text",
		NormalizedTextB:  "identical document body text",
		FilenameA:        "report.pdf",
		FilenameB:        "report.pdf",
		FileSizeA:        1000,
		FileSizeB:        1000,
		HaveFileSizeA:    true,
		HaveFileSizeB:    true,
	}
	got := Combine(in, equalWeights(), false)
	if got.Overall != 1 {
		t.Errorf("identical inputs across all components should score 1.0, got %v", got.Overall)
	}
}

func TestZeroWeightExcludesComponent(t *testing.T) {
	in := Input{
		Jaccard:         0.9,
		NormalizedTextA: "aaaa",
		NormalizedTextB: "zzzz",
		FilenameA:       "a.pdf",
		FilenameB:       "a.pdf",
	}
	w := Weights{Jaccard: 1, Fuzzy: 0, Metadata: 0, Filename: 0}
	got := Combine(in, w, false)
	if got.Overall != 0.9 {
		t.Errorf("zero-weighted components should be excluded, overall should equal jaccard alone, got %v", got.Overall)
	}
}

func TestMissingFileSizeYieldsZeroMetadata(t *testing.T) {
	in := Input{HaveFileSizeA: false, HaveFileSizeB: true, FileSizeB: 500}
	got := Combine(in, equalWeights(), false)
	if got.Metadata != 0 {
		t.Errorf("missing file size should yield metadata=0, got %v", got.Metadata)
	}
}

func TestFileSizeRatioSymmetric(t *testing.T) {
	in1 := Input{FileSizeA: 100, FileSizeB: 200, HaveFileSizeA: true, HaveFileSizeB: true}
	in2 := Input{FileSizeA: 200, FileSizeB: 100, HaveFileSizeA: true, HaveFileSizeB: true}
	if fileSizeRatio(in1) != fileSizeRatio(in2) {
		t.Error("file size ratio should be symmetric")
	}
	if fileSizeRatio(in1) != 0.5 {
		t.Errorf("expected ratio 0.5, got %v", fileSizeRatio(in1))
	}
}

func TestFilenameForPrefersTitle(t *testing.T) {
	d := types.Document{Title: "Invoice", OriginalFilename: "scan001.pdf"}
	if got := FilenameFor(d); got != "Invoice" {
		t.Errorf("expected title to take priority, got %q", got)
	}
}

func TestFilenameForFallsBackToOriginalFilename(t *testing.T) {
	d := types.Document{OriginalFilename: "scan001.pdf"}
	if got := FilenameFor(d); got != "scan001.pdf" {
		t.Errorf("expected fallback to original filename, got %q", got)
	}
}

func TestAllZeroWeightsYieldZeroOverall(t *testing.T) {
	got := Combine(Input{Jaccard: 1}, Weights{}, false)
	if got.Overall != 0 {
		t.Errorf("all-zero weights should yield overall=0, got %v", got.Overall)
	}
}

func TestTruncationBoundsFuzzyCost(t *testing.T) {
	long := make([]byte, DefaultFuzzySampleSize*2)
	for i := range long {
		long[i] = 'a'
	}
	if got := truncate(string(long), DefaultFuzzySampleSize); len(got) != DefaultFuzzySampleSize {
		t.Errorf("expected truncation to %d chars, got %d", DefaultFuzzySampleSize, len(got))
	}
}
