// Package types provides the shared domain entities and generic collection
// helpers used across the paperless-dedupe packages.
//
// # Overview
//
// Entities here are plain data: Document, DocumentContent and Signature own a
// 1:1 relationship to a single upstream document; DuplicateGroup and
// DuplicateMember describe the output of an analysis run; AnalysisRun and
// BatchOperation are long-running task records; AiJob/AiResult track the
// optional metadata-enrichment collaborator. None of these types know how to
// persist themselves — that is internal/store's job.
package types

import (
	"cmp"
	"slices"
	"time"
)

// DocumentID is the core's opaque internal identifier for a Document.
type DocumentID string

// GroupID is the stable identity of a DuplicateGroup, derived from the
// sorted multiset of member UpstreamIDs so it survives re-analysis of an
// unchanged membership.
type GroupID string

// Document mirrors the upstream Paperless-NGX document plus sync bookkeeping.
type Document struct {
	ID                   DocumentID
	UpstreamID           int64
	Title                string
	CreatedAt            time.Time
	ModifiedAt           time.Time
	Correspondent        string
	DocumentType         string
	Tags                 []string
	OriginalFilename     string
	ArchiveFilename      string
	FileSize             int64
	ArchiveSerialNumber  *int64
	ContentFingerprint   string
	Orphaned             bool // set when upstream no longer reports this document
}

// MetadataCompleteness counts the non-empty fields used by primary selection
// among a group's members.
func (d *Document) MetadataCompleteness() int {
	n := 0
	if d.Title != "" {
		n++
	}
	if d.Correspondent != "" {
		n++
	}
	if d.DocumentType != "" {
		n++
	}
	if len(d.Tags) > 0 {
		n++
	}
	return n
}

// DocumentContent holds the bounded OCR text and derived normalization state.
// Lifecycle is 1:1 with Document; rewritten whenever ContentFingerprint changes.
type DocumentContent struct {
	DocumentID      DocumentID
	FullText        string
	WordCount       int
	NormalizedText  string
	ShingleSetSize  int
}

// SignatureParams identifies the MinHash configuration a Signature was built
// under. Signatures with differing params must never be compared.
type SignatureParams struct {
	H    int
	Seed uint64
	K    int
}

// Signature is a fixed-length MinHash permutation vector over a document's
// shingle set.
type Signature struct {
	DocumentID   DocumentID
	Permutations []uint64
	Params       SignatureParams
}

// Stale reports whether this signature was built under different parameters
// than params, meaning it must be rebuilt before use.
func (s *Signature) Stale(params SignatureParams) bool {
	return s.Params != params
}

// ConfidenceBreakdown is the per-factor score that fed a DuplicateMember's or
// DuplicateGroup's overall confidence.
type ConfidenceBreakdown struct {
	Overall  float64
	Jaccard  float64
	Fuzzy    float64
	Metadata float64
	Filename float64
}

// DuplicateGroup is a connected component of near-duplicate documents
// produced and persisted by a single analysis run.
type DuplicateGroup struct {
	ID                GroupID
	ConfidenceScore   float64
	Reviewed          bool
	Resolved          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ConfidenceBreakdown ConfidenceBreakdown
	PrimaryDocumentID DocumentID
	Members           []DuplicateMember
}

// DuplicateMember is one document's membership in a DuplicateGroup.
type DuplicateMember struct {
	GroupID            GroupID
	DocumentID         DocumentID
	IsPrimary          bool
	SimilarityToPrimary ConfidenceBreakdown
}

// RunStatus is the AnalysisRun/sync state machine.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// AnalysisParameters captures the knobs a single run was executed with.
type AnalysisParameters struct {
	Threshold    float64
	ForceRebuild bool
	Limit        int
}

// AnalysisRun is the record of one pass of the analysis coordinator.
type AnalysisRun struct {
	ID                 string
	Status             RunStatus
	StartedAt          time.Time
	CompletedAt        *time.Time
	DocumentsProcessed int
	GroupsFound        int
	Error              string
	Parameters         AnalysisParameters
}

// BatchKind enumerates the batch operation kinds.
type BatchKind string

const (
	BatchDelete            BatchKind = "delete"
	BatchTag               BatchKind = "tag"
	BatchUntag             BatchKind = "untag"
	BatchUpdateMetadata    BatchKind = "update_metadata"
	BatchResolveDuplicates BatchKind = "resolve_duplicates"
	BatchMarkReviewed      BatchKind = "mark_reviewed"
)

// BatchStatus enumerates the batch operation's terminal/in-flight states.
type BatchStatus string

const (
	BatchPending             BatchStatus = "pending"
	BatchInProgress          BatchStatus = "in_progress"
	BatchCompleted           BatchStatus = "completed"
	BatchFailed              BatchStatus = "failed"
	BatchPartiallyCompleted  BatchStatus = "partially_completed"
	BatchCancelled           BatchStatus = "cancelled"
)

// maxBatchErrors bounds how many distinct error strings BatchOperation.Errors
// retains; beyond this, further failures still count but stop appending text.
const maxBatchErrors = 100

// BatchOperation is a long-running, cancellable bulk operation record.
type BatchOperation struct {
	ID          string
	Kind        BatchKind
	Status      BatchStatus
	TotalItems  int
	Processed   int
	Failed      int
	Errors      []string
	CreatedAt   time.Time
	CompletedAt *time.Time
	Parameters  map[string]any
	TargetIDs   []string
	cancelled   bool
}

// RecordError appends an error string, bounding the slice at maxBatchErrors.
func (b *BatchOperation) RecordError(msg string) {
	if len(b.Errors) < maxBatchErrors {
		b.Errors = append(b.Errors, msg)
	}
	b.Failed++
}

// Cancel cooperatively marks the operation for cancellation.
func (b *BatchOperation) Cancel() { b.cancelled = true }

// Cancelled reports whether Cancel has been called.
func (b *BatchOperation) Cancelled() bool { return b.cancelled }

// FinalStatus derives the terminal status from processed/failed counters:
// all succeeded -> completed, all failed -> failed, mixed -> partially
// completed, cancel requested -> cancelled.
func (b *BatchOperation) FinalStatus() BatchStatus {
	if b.cancelled {
		return BatchCancelled
	}
	switch {
	case b.Failed == 0:
		return BatchCompleted
	case b.Failed == b.TotalItems:
		return BatchFailed
	default:
		return BatchPartiallyCompleted
	}
}

// AiFieldDecision records the user's disposition of one suggested field.
type AiFieldDecision string

const (
	AiAccept AiFieldDecision = "accept"
	AiReject AiFieldDecision = "reject"
	AiEdit   AiFieldDecision = "edit"
)

// AiSuggestion is one proposed field value plus the model's confidence in it.
type AiSuggestion struct {
	Value      string
	Confidence float64
	Decision   AiFieldDecision
	Override   string
}

// AiJobStatus mirrors RunStatus for the AI enrichment collaborator.
type AiJobStatus string

const (
	AiJobPending   AiJobStatus = "pending"
	AiJobRunning   AiJobStatus = "running"
	AiJobCompleted AiJobStatus = "completed"
	AiJobFailed    AiJobStatus = "failed"
)

// AiJob tracks one metadata-enrichment request for a document.
type AiJob struct {
	ID         string
	DocumentID DocumentID
	Status     AiJobStatus
	Error      string
	CreatedAt  time.Time
}

// AiResult holds the per-field suggestions produced by a completed AiJob.
type AiResult struct {
	JobID         string
	DocumentID    DocumentID
	Title         AiSuggestion
	Correspondent AiSuggestion
	DocumentType  AiSuggestion
	Tags          AiSuggestion
	Date          AiSuggestion
}

// Sorted is an ordered collection that maintains sort order by a key
// function. Once constructed, items are guaranteed to be sorted by key.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for ordering.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// First returns the first item (smallest key), or the zero value if empty.
func (s Sorted[T, K]) First() T {
	if len(s.items) == 0 {
		var zero T
		return zero
	}
	return s.items[0]
}

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }

// Semaphore implements a counting semaphore using a buffered channel. It
// limits concurrent access to a resource by blocking when the limit is
// reached.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
