package grouping

import (
	"testing"
	"time"

	"github.com/rknightion/paperless-dedupe/internal/lsh"
	"github.com/rknightion/paperless-dedupe/internal/scoring"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

func doc(id types.DocumentID, upstreamID int64, created time.Time, title string) types.Document {
	return types.Document{
		ID:         id,
		UpstreamID: upstreamID,
		Title:      title,
		CreatedAt:  created,
		FileSize:   1000,
	}
}

func equalWeights() scoring.Weights {
	return scoring.Weights{Jaccard: 1, Fuzzy: 1, Metadata: 1, Filename: 1}
}

func TestGroupSingleComponent(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	docs := map[types.DocumentID]DocumentData{
		"a": {Document: doc("a", 1, t0, "report"), NormalizedText: "identical body text here", Signature: allSame(10)},
		"b": {Document: doc("b", 2, t1, "report"), NormalizedText: "identical body text here", Signature: allSame(10)},
	}
	eng := New(docs, equalWeights(), Thresholds{Overall: 0.5, Fuzzy: 0.3, Jaccard: 0.5}, false)
	groups := eng.Group([]lsh.Pair{{A: "a", B: "b"}})

	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if len(g.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(g.Members))
	}
	if g.PrimaryDocumentID != "b" {
		t.Errorf("expected newest document (b) to be primary, got %v", g.PrimaryDocumentID)
	}
}

func TestPrimarySelectionPrefersLongestFullText(t *testing.T) {
	t0 := time.Now()
	docs := map[types.DocumentID]DocumentData{
		"a": {Document: doc("a", 1, t0, "report"), FullText: "short", NormalizedText: "short normalized but this one is padded out much longer than the other", Signature: allSame(10)},
		"b": {Document: doc("b", 2, t0, "report"), FullText: "a much longer original ocr body of text", NormalizedText: "short", Signature: allSame(10)},
	}
	eng := New(docs, equalWeights(), Thresholds{Overall: 0.5, Fuzzy: 0.3, Jaccard: 0.5}, false)
	groups := eng.Group([]lsh.Pair{{A: "a", B: "b"}})

	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].PrimaryDocumentID != "b" {
		t.Errorf("expected b (longer full_text) to be primary despite shorter normalized text, got %v", groups[0].PrimaryDocumentID)
	}
}

func TestBelowJaccardThresholdDiscarded(t *testing.T) {
	t0 := time.Now()
	docs := map[types.DocumentID]DocumentData{
		"a": {Document: doc("a", 1, t0, "x"), NormalizedText: "aaaa", Signature: []uint64{1, 2, 3, 4}},
		"b": {Document: doc("b", 2, t0, "y"), NormalizedText: "bbbb", Signature: []uint64{5, 6, 7, 8}},
	}
	eng := New(docs, equalWeights(), DefaultThresholds(), false)
	groups := eng.Group([]lsh.Pair{{A: "a", B: "b"}})
	if len(groups) != 0 {
		t.Errorf("expected no groups below jaccard threshold, got %d", len(groups))
	}
}

func TestThreeWayChainMerges(t *testing.T) {
	t0 := time.Now()
	docs := map[types.DocumentID]DocumentData{
		"a": {Document: doc("a", 1, t0, "doc"), NormalizedText: "shared content words", Signature: allSame(10)},
		"b": {Document: doc("b", 2, t0, "doc"), NormalizedText: "shared content words", Signature: allSame(10)},
		"c": {Document: doc("c", 3, t0, "doc"), NormalizedText: "shared content words", Signature: allSame(10)},
	}
	eng := New(docs, equalWeights(), Thresholds{Overall: 0.5, Fuzzy: 0.3, Jaccard: 0.5}, false)
	groups := eng.Group([]lsh.Pair{{A: "a", B: "b"}, {A: "b", B: "c"}})

	if len(groups) != 1 {
		t.Fatalf("expected 1 merged group, got %d", len(groups))
	}
	if len(groups[0].Members) != 3 {
		t.Errorf("expected 3 members in merged group, got %d", len(groups[0].Members))
	}
}

func TestGroupIdentityStableAcrossRuns(t *testing.T) {
	ids1 := []int64{3, 1, 2}
	ids2 := []int64{1, 2, 3}
	if groupIdentity(ids1) != groupIdentity(ids2) {
		t.Error("group identity should be stable regardless of member order")
	}
}

func TestGroupIdentityDiffersOnMembershipChange(t *testing.T) {
	if groupIdentity([]int64{1, 2}) == groupIdentity([]int64{1, 2, 3}) {
		t.Error("group identity should change when membership changes")
	}
}

func TestPartitionInvariant(t *testing.T) {
	t0 := time.Now()
	docs := map[types.DocumentID]DocumentData{
		"a": {Document: doc("a", 1, t0, "doc"), NormalizedText: "shared content words", Signature: allSame(10)},
		"b": {Document: doc("b", 2, t0, "doc"), NormalizedText: "shared content words", Signature: allSame(10)},
		"c": {Document: doc("c", 3, t0, "other"), NormalizedText: "totally unrelated text", Signature: distinct(10, 100)},
	}
	eng := New(docs, equalWeights(), Thresholds{Overall: 0.5, Fuzzy: 0.3, Jaccard: 0.5}, false)
	groups := eng.Group([]lsh.Pair{{A: "a", B: "b"}, {A: "a", B: "c"}})

	seen := map[types.DocumentID]bool{}
	for _, g := range groups {
		for _, m := range g.Members {
			if seen[m.DocumentID] {
				t.Errorf("document %v appeared in more than one group", m.DocumentID)
			}
			seen[m.DocumentID] = true
		}
	}
}

func allSame(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i)
	}
	return out
}

func distinct(n int, offset uint64) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i) + offset
	}
	return out
}
