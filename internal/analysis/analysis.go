// Package analysis is the coordinator that turns persisted Documents into
// DuplicateGroups: enumerate eligible documents, build or reuse MinHash
// signatures, index them with LSH, score surviving candidate pairs, group
// them, and atomically replace the persisted snapshot. It runs its six
// phases behind a single state machine so only one run is ever in flight.
package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/rknightion/paperless-dedupe/internal/apperr"
	"github.com/rknightion/paperless-dedupe/internal/events"
	"github.com/rknightion/paperless-dedupe/internal/grouping"
	"github.com/rknightion/paperless-dedupe/internal/lsh"
	"github.com/rknightion/paperless-dedupe/internal/minhash"
	"github.com/rknightion/paperless-dedupe/internal/normalize"
	"github.com/rknightion/paperless-dedupe/internal/scoring"
	"github.com/rknightion/paperless-dedupe/internal/store"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// DefaultCheckpointInterval is the documented cancel-check cadence, in
// documents processed, during the signature and indexing phases.
const DefaultCheckpointInterval = 50

// Config bundles the knobs a Coordinator needs beyond the per-run
// AnalysisParameters: scoring weights, grouping thresholds, MinHash/LSH
// shape, and the checkpoint cadence.
type Config struct {
	CheckpointInterval int
	Weights            scoring.Weights
	Thresholds         grouping.Thresholds
	QuickMode          bool
	SignatureParams    types.SignatureParams
	LSHParams          lsh.Params
	ShingleK           int
	MinWords           int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: DefaultCheckpointInterval,
		Weights:            scoring.Weights{Jaccard: 1, Fuzzy: 1, Metadata: 1, Filename: 1},
		Thresholds:         grouping.DefaultThresholds(),
		SignatureParams:    types.SignatureParams{H: minhash.DefaultH, K: normalize.DefaultK},
		LSHParams:          lsh.DefaultParams(),
		ShingleK:           normalize.DefaultK,
		MinWords:           normalize.DefaultMinWords,
	}
}

// Coordinator runs analysis passes over a Store, one at a time.
type Coordinator struct {
	store *store.Store
	bus   *events.Bus
	log   *logrus.Logger
	cfg   Config

	mu      sync.Mutex
	current *types.AnalysisRun
	cancel  bool
}

// New creates a Coordinator. log may be nil, in which case
// logrus.StandardLogger() is used.
func New(st *store.Store, bus *events.Bus, log *logrus.Logger, cfg Config) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{store: st, bus: bus, log: log, cfg: cfg}
}

// analysisUpdatePayload is the body of an analysis_update event.
type analysisUpdatePayload struct {
	CurrentStep string
	Processed   int
	Total       int
}

// CurrentRun returns a copy of the in-flight run, or nil if none is running.
func (c *Coordinator) CurrentRun() *types.AnalysisRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	cp := *c.current
	return &cp
}

// RequestCancel cooperatively asks the running analysis to stop at its next
// checkpoint. A no-op if nothing is running.
func (c *Coordinator) RequestCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = true
}

// Run executes one full analysis pass. Only one Run may execute at a time;
// a concurrent call fails with apperr.AlreadyRunning.
func (c *Coordinator) Run(ctx context.Context, operationID string, params types.AnalysisParameters) (types.AnalysisRun, error) {
	run, err := c.start(operationID, params)
	if err != nil {
		return types.AnalysisRun{}, err
	}
	defer c.finish()

	c.log.WithField("operation_id", operationID).Info("analysis: starting")

	docs, contents, err := c.enumerate(params)
	if err != nil {
		return c.fail(run, err), err
	}
	run.DocumentsProcessed = len(docs)
	c.emitUpdate(operationID, "Enumerating documents", 0, len(docs))

	signatures, err := c.buildSignatures(ctx, operationID, docs, contents, params.ForceRebuild)
	if err != nil {
		return c.finishWith(run, err)
	}

	index, docData, err := c.buildIndex(ctx, operationID, docs, contents, signatures)
	if err != nil {
		return c.finishWith(run, err)
	}

	pairs := index.Pairs()
	c.emitUpdate(operationID, "Scoring candidate pairs", 0, len(pairs))

	if c.checkCancelled() {
		return c.cancelled(run)
	}

	engine := grouping.New(docData, c.cfg.Weights, c.cfg.Thresholds, c.cfg.QuickMode)
	groups := engine.Group(pairs)
	run.GroupsFound = len(groups)

	c.emitUpdate(operationID, "Persisting snapshot", len(docs), len(docs))
	if err := c.store.ReplaceGroupsForRun(groups); err != nil {
		return c.finishWith(run, apperr.Wrap(apperr.Storage, "analysis.Run", err))
	}

	now := timeNow()
	run.Status = types.RunCompleted
	run.CompletedAt = &now
	var totalBytes int64
	for _, d := range docs {
		totalBytes += d.FileSize
	}
	c.log.WithFields(logrus.Fields{
		"operation_id": operationID,
		"documents":    run.DocumentsProcessed,
		"groups":       run.GroupsFound,
		"input_size":   humanize.Bytes(uint64(totalBytes)),
	}).Info("analysis: complete")
	c.bus.Publish(events.AnalysisCompleted, operationID, *run)
	return *run, nil
}

func (c *Coordinator) start(operationID string, params types.AnalysisParameters) (*types.AnalysisRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return nil, apperr.New(apperr.AlreadyRunning, "analysis.Run", "an analysis run is already in progress")
	}
	run := &types.AnalysisRun{
		ID:         operationID,
		Status:     types.RunRunning,
		StartedAt:  timeNow(),
		Parameters: params,
	}
	c.current = run
	return run, nil
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	c.current = nil
	c.cancel = false
	c.mu.Unlock()
}

func (c *Coordinator) checkCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel
}

func (c *Coordinator) cancelled(run *types.AnalysisRun) (types.AnalysisRun, error) {
	now := timeNow()
	run.Status = types.RunCancelled
	run.CompletedAt = &now
	c.bus.Publish(events.AnalysisCompleted, run.ID, *run)
	return *run, apperr.New(apperr.Cancelled, "analysis.Run", "analysis run cancelled")
}

func (c *Coordinator) fail(run *types.AnalysisRun, err error) types.AnalysisRun {
	now := timeNow()
	run.Status = types.RunFailed
	run.Error = err.Error()
	run.CompletedAt = &now
	if apperr.Is(err, apperr.Storage) || apperr.Is(err, apperr.Internal) {
		c.log.WithError(err).WithField("operation_id", run.ID).Error("analysis: run failed")
	} else {
		c.log.WithError(err).WithField("operation_id", run.ID).Warn("analysis: run failed")
	}
	c.bus.Publish(events.AnalysisCompleted, run.ID, *run)
	return *run
}

// finishWith distinguishes a cooperative cancellation from a genuine
// failure so the AnalysisRun lands in the right terminal state.
func (c *Coordinator) finishWith(run *types.AnalysisRun, err error) (types.AnalysisRun, error) {
	if apperr.Is(err, apperr.Cancelled) {
		return c.cancelled(run)
	}
	return c.fail(run, err), err
}

func (c *Coordinator) emitUpdate(operationID, step string, processed, total int) {
	c.log.WithFields(logrus.Fields{
		"operation_id": operationID,
		"processed":    processed,
		"total":        total,
	}).Info("analysis: " + step)
	c.bus.Publish(events.AnalysisUpdate, operationID, analysisUpdatePayload{
		CurrentStep: step,
		Processed:   processed,
		Total:       total,
	})
}

// enumerate loads every document plus its content, the phase-1 input set.
// It only gathers what's persisted; eligibility (word_count >= min_words) is
// decided later, in buildSignatures, by re-normalizing each document's text.
func (c *Coordinator) enumerate(params types.AnalysisParameters) ([]types.Document, map[types.DocumentID]types.DocumentContent, error) {
	docs, err := c.store.AllDocuments()
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Storage, "analysis.enumerate", err)
	}
	if params.Limit > 0 && len(docs) > params.Limit {
		docs = docs[:params.Limit]
	}

	contents := make(map[types.DocumentID]types.DocumentContent, len(docs))
	for _, d := range docs {
		content, err := c.store.Content(d.ID)
		if err != nil {
			if apperr.Is(err, apperr.NotFound) {
				continue
			}
			return nil, nil, apperr.Wrap(apperr.Storage, "analysis.enumerate", err)
		}
		contents[d.ID] = content
	}
	return docs, contents, nil
}

// buildSignatures rebuilds MinHash signatures for documents missing one, or
// whose signature was built under stale parameters, or unconditionally when
// forceRebuild is set. Checks the cancel flag every CheckpointInterval
// documents.
func (c *Coordinator) buildSignatures(ctx context.Context, operationID string, docs []types.Document, contents map[types.DocumentID]types.DocumentContent, forceRebuild bool) (map[types.DocumentID]types.Signature, error) {
	interval := c.cfg.CheckpointInterval
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}

	out := make(map[types.DocumentID]types.Signature, len(docs))
	for i, d := range docs {
		content, ok := contents[d.ID]
		if !ok {
			continue
		}
		norm := normalize.Normalize(content.FullText, c.cfg.ShingleK, c.cfg.MinWords)
		if !norm.Eligible {
			continue
		}

		existing, err := c.store.Signature(d.ID)
		needsBuild := forceRebuild || apperr.Is(err, apperr.NotFound) || existing.Stale(c.cfg.SignatureParams)
		if needsBuild {
			sig := minhash.BuildSignature(d.ID, norm.Shingles, c.cfg.SignatureParams)
			if err := c.store.ReplaceSignature(sig); err != nil {
				return nil, apperr.Wrap(apperr.Storage, "analysis.buildSignatures", err)
			}
			out[d.ID] = sig
		} else {
			out[d.ID] = existing
		}

		if (i+1)%interval == 0 {
			c.emitUpdate(operationID, "Building signatures", i+1, len(docs))
			if c.checkCancelled() {
				return nil, apperr.New(apperr.Cancelled, "analysis.buildSignatures", "cancelled")
			}
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.Cancelled, "analysis.buildSignatures", ctx.Err())
			default:
			}
		}
	}
	return out, nil
}

// buildIndex builds the LSH index and the per-document scoring data the
// grouping engine needs, checking the cancel flag every
// CheckpointInterval documents, the slowest phase per the documented
// contract.
func (c *Coordinator) buildIndex(ctx context.Context, operationID string, docs []types.Document, contents map[types.DocumentID]types.DocumentContent, signatures map[types.DocumentID]types.Signature) (*lsh.Index, map[types.DocumentID]grouping.DocumentData, error) {
	interval := c.cfg.CheckpointInterval
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}

	index := lsh.New(c.cfg.LSHParams)
	docData := make(map[types.DocumentID]grouping.DocumentData, len(signatures))

	i := 0
	for _, d := range docs {
		sig, ok := signatures[d.ID]
		if !ok {
			continue
		}
		content := contents[d.ID]
		index.Add(d.ID, sig.Permutations)
		docData[d.ID] = grouping.DocumentData{
			Document:       d,
			FullText:       content.FullText,
			NormalizedText: content.NormalizedText,
			Signature:      sig.Permutations,
		}

		i++
		if i%interval == 0 {
			c.emitUpdate(operationID, "Building LSH index", i, len(signatures))
			if c.checkCancelled() {
				return nil, nil, apperr.New(apperr.Cancelled, "analysis.buildIndex", "cancelled")
			}
			select {
			case <-ctx.Done():
				return nil, nil, apperr.Wrap(apperr.Cancelled, "analysis.buildIndex", ctx.Err())
			default:
			}
		}
	}
	return index, docData, nil
}

var timeNow = time.Now
