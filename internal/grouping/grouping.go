// Package grouping turns scored candidate pairs into DuplicateGroups: it
// filters edges by threshold, unions surviving edges into connected
// components, picks a deterministic primary per component, and derives a
// group identity stable across re-analysis.
package grouping

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rknightion/paperless-dedupe/internal/lsh"
	"github.com/rknightion/paperless-dedupe/internal/minhash"
	"github.com/rknightion/paperless-dedupe/internal/scoring"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// DocumentData bundles everything the grouping engine needs to score and
// select among a document's candidates, keyed by DocumentID by the caller.
type DocumentData struct {
	Document       types.Document
	FullText       string
	NormalizedText string
	Signature      []uint64
}

// Thresholds bundles the edge-survival filtering parameters.
type Thresholds struct {
	// Overall is the minimum combined score to keep an edge (default 0.75).
	Overall float64
	// Fuzzy is the minimum fuzzy-ratio floor to keep an edge (default 0.50).
	Fuzzy float64
	// Jaccard is the MinHash-estimated-jaccard floor (default 0.7),
	// re-checked here even though LSH already biased toward it.
	Jaccard float64
}

// DefaultThresholds returns the documented default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Overall: 0.75, Fuzzy: 0.50, Jaccard: 0.7}
}

// Engine groups candidate pairs into DuplicateGroups.
type Engine struct {
	docs      map[types.DocumentID]DocumentData
	weights   scoring.Weights
	thresh    Thresholds
	quickMode bool
}

// New creates a grouping Engine over the given document data.
func New(docs map[types.DocumentID]DocumentData, weights scoring.Weights, thresh Thresholds, quickMode bool) *Engine {
	return &Engine{docs: docs, weights: weights, thresh: thresh, quickMode: quickMode}
}

// Group filters candidate pairs, unions surviving edges, and emits a
// DuplicateGroup per connected component of size >= 2.
func (e *Engine) Group(pairs []lsh.Pair) []types.DuplicateGroup {
	ids := e.orderedIDs(pairs)
	index := make(map[types.DocumentID]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	uf := types.NewUnionFind(len(ids))
	for _, p := range pairs {
		ia, okA := index[p.A]
		ib, okB := index[p.B]
		if !okA || !okB {
			continue
		}
		if !e.edgeSurvives(p.A, p.B) {
			continue
		}
		uf.Union(ia, ib)
	}

	var groups []types.DuplicateGroup
	for _, component := range uf.Components() {
		if len(component) < 2 {
			continue
		}
		memberIDs := make([]types.DocumentID, len(component))
		for i, idx := range component {
			memberIDs[i] = ids[idx]
		}
		groups = append(groups, e.buildGroup(memberIDs))
	}
	return groups
}

// orderedIDs collects the distinct document IDs referenced by pairs, in a
// deterministic order (sorted), so union-find indices are reproducible.
func (e *Engine) orderedIDs(pairs []lsh.Pair) []types.DocumentID {
	seen := make(map[types.DocumentID]struct{})
	for _, p := range pairs {
		seen[p.A] = struct{}{}
		seen[p.B] = struct{}{}
	}
	ids := make([]types.DocumentID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// edgeSurvives scores a single candidate edge and checks it against the
// jaccard floor, then the combiner's overall and fuzzy floors.
func (e *Engine) edgeSurvives(a, b types.DocumentID) bool {
	score, ok := e.pairScore(a, b)
	if !ok {
		return false
	}
	if score.Jaccard < e.thresh.Jaccard {
		return false
	}
	if score.Overall < e.thresh.Overall {
		return false
	}
	if !e.quickMode && score.Fuzzy < e.thresh.Fuzzy {
		return false
	}
	return true
}

// pairScore computes the full confidence breakdown for a document pair.
func (e *Engine) pairScore(a, b types.DocumentID) (types.ConfidenceBreakdown, bool) {
	da, okA := e.docs[a]
	db, okB := e.docs[b]
	if !okA || !okB {
		return types.ConfidenceBreakdown{}, false
	}
	jaccard := minhash.EstimateJaccard(da.Signature, db.Signature)
	in := scoring.Input{
		Jaccard:          jaccard,
		NormalizedTextA:  da.NormalizedText,
		NormalizedTextB:  db.NormalizedText,
		FilenameA:        scoring.FilenameFor(da.Document),
		FilenameB:        scoring.FilenameFor(db.Document),
		FileSizeA:        da.Document.FileSize,
		FileSizeB:        db.Document.FileSize,
		HaveFileSizeA:    da.Document.FileSize > 0,
		HaveFileSizeB:    db.Document.FileSize > 0,
	}
	return scoring.Combine(in, e.weights, e.quickMode), true
}

// buildGroup selects a primary, computes per-member similarity to it, and
// derives the group's stable identity and confidence.
func (e *Engine) buildGroup(memberIDs []types.DocumentID) types.DuplicateGroup {
	primary := e.selectPrimary(memberIDs)

	members := make([]types.DuplicateMember, 0, len(memberIDs))
	worst := 1.0
	var worstBreakdown types.ConfidenceBreakdown
	for _, id := range memberIDs {
		isPrimary := id == primary
		sim := types.ConfidenceBreakdown{Overall: 1, Jaccard: 1, Fuzzy: 1, Metadata: 1, Filename: 1}
		if !isPrimary {
			score, ok := e.pairScore(primary, id)
			if !ok {
				score = types.ConfidenceBreakdown{}
			}
			sim = score
			if score.Overall < worst {
				worst = score.Overall
				worstBreakdown = score
			}
		}
		members = append(members, types.DuplicateMember{
			DocumentID:          id,
			IsPrimary:           isPrimary,
			SimilarityToPrimary: sim,
		})
	}

	now := timeNow()
	group := types.DuplicateGroup{
		ID:                   groupIdentity(e.upstreamIDs(memberIDs)),
		ConfidenceScore:      worst,
		ConfidenceBreakdown:  worstBreakdown,
		CreatedAt:            now,
		UpdatedAt:            now,
		PrimaryDocumentID:    primary,
		Members:              members,
	}
	for i := range group.Members {
		group.Members[i].GroupID = group.ID
	}
	return group
}

// selectPrimary applies the deterministic tie-break chain: newest
// created_at, then most complete metadata, then longest full_text, then
// largest upstream_id. upstream_id is unique, so it always settles any
// remaining tie (decision recorded in DESIGN.md).
func (e *Engine) selectPrimary(memberIDs []types.DocumentID) types.DocumentID {
	best := memberIDs[0]
	for _, id := range memberIDs[1:] {
		if e.better(id, best) {
			best = id
		}
	}
	return best
}

// better reports whether candidate should replace current as primary.
func (e *Engine) better(candidate, current types.DocumentID) bool {
	dc, cc := e.docs[candidate].Document, e.docs[current].Document

	if !dc.CreatedAt.Equal(cc.CreatedAt) {
		return dc.CreatedAt.After(cc.CreatedAt)
	}
	if mc, mc2 := dc.MetadataCompleteness(), cc.MetadataCompleteness(); mc != mc2 {
		return mc > mc2
	}
	if lc, lc2 := len(e.docs[candidate].FullText), len(e.docs[current].FullText); lc != lc2 {
		return lc > lc2
	}
	return dc.UpstreamID > cc.UpstreamID
}

func (e *Engine) upstreamIDs(memberIDs []types.DocumentID) []int64 {
	out := make([]int64, len(memberIDs))
	for i, id := range memberIDs {
		out[i] = e.docs[id].Document.UpstreamID
	}
	return out
}

// groupIdentity hashes the sorted multiset of member upstream_ids, giving a
// group id stable across re-analysis runs that produce the same membership.
func groupIdentity(upstreamIDs []int64) types.GroupID {
	sorted := append([]int64(nil), upstreamIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var buf []byte
	for _, id := range sorted {
		buf = append(buf, []byte(fmt.Sprintf("%d,", id))...)
	}
	return types.GroupID(fmt.Sprintf("grp_%016x", xxhash.Sum64(buf)))
}

// timeNow is a seam so tests (and, in production, the caller) control the
// clock rather than grouping reaching for time.Now directly.
var timeNow = time.Now
