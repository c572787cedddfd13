// Package syncengine pulls the upstream Paperless-NGX catalog page by page,
// inserting new documents and updating changed ones while holding at most
// one page of OCR text in memory at a time.
package syncengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/rknightion/paperless-dedupe/internal/apperr"
	"github.com/rknightion/paperless-dedupe/internal/events"
	"github.com/rknightion/paperless-dedupe/internal/minhash"
	"github.com/rknightion/paperless-dedupe/internal/normalize"
	"github.com/rknightion/paperless-dedupe/internal/paperless"
	"github.com/rknightion/paperless-dedupe/internal/store"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// DefaultPageSize is the documented default page size for the upstream walk.
const DefaultPageSize = 100

// DefaultConcurrency is the documented default per-item fetch concurrency.
const DefaultConcurrency = 4

// maxSyncErrors bounds how many distinct per-item error strings a sync
// result retains, mirroring BatchOperation's bound.
const maxSyncErrors = 100

// Config configures one Engine.
type Config struct {
	PageSize      int
	Concurrency   int
	MaxOCRLength  int
	MinWords      int
	ShingleK      int
	SignatureSeed uint64
	SignatureH    int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:     DefaultPageSize,
		Concurrency:  DefaultConcurrency,
		MaxOCRLength: 500_000,
		MinWords:     normalize.DefaultMinWords,
		ShingleK:     normalize.DefaultK,
		SignatureH:   minhash.DefaultH,
	}
}

func (c Config) signatureParams() types.SignatureParams {
	return types.SignatureParams{H: c.SignatureH, Seed: c.SignatureSeed, K: c.ShingleK}
}

// Engine drives one sync at a time against a Paperless-NGX instance,
// persisting results through store.Store and publishing progress on bus.
type Engine struct {
	client *paperless.Client
	store  *store.Store
	bus    *events.Bus
	cfg    Config
	log    *logrus.Logger

	mu      sync.Mutex
	running bool
}

// New creates a sync Engine. log may be nil, in which case
// logrus.StandardLogger() is used.
func New(client *paperless.Client, st *store.Store, bus *events.Bus, log *logrus.Logger, cfg Config) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{client: client, store: st, bus: bus, log: log, cfg: cfg}
}

// Result summarizes one completed sync.
type Result struct {
	Created     int
	Updated     int
	Skipped     int
	Failed      int
	BytesSynced int64
	Errors      []string
}

func (r *Result) recordError(msg string) {
	if len(r.Errors) < maxSyncErrors {
		r.Errors = append(r.Errors, msg)
	}
	r.Failed++
}

// syncUpdatePayload is the body of a sync_update event.
type syncUpdatePayload struct {
	PagesProcessed int
	DocumentsSeen  int
	Result         Result
}

// Sync walks the entire upstream catalog once. Only one Sync may run at a
// time across an Engine; a concurrent call fails with apperr.AlreadyRunning.
// When forceRefresh is set, OCR is refetched even for documents whose
// modified_at is unchanged.
func (e *Engine) Sync(ctx context.Context, operationID string, forceRefresh bool) (Result, error) {
	if !e.tryStart() {
		return Result{}, apperr.New(apperr.AlreadyRunning, "syncengine.Sync", "a sync is already in progress")
	}
	defer e.finish()

	e.log.WithFields(logrus.Fields{"operation_id": operationID, "force_refresh": forceRefresh}).Info("sync: starting")

	pageSize := e.cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	concurrency := e.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	tagNames, err := e.fetchTagIndex(ctx)
	if err != nil {
		return Result{}, err
	}

	var result Result
	page := 1
	documentsSeen := 0

	for {
		pageResult, err := e.client.ListDocuments(ctx, page, pageSize)
		if err != nil {
			return result, err
		}

		if procErr := e.processPage(ctx, pageResult.Results, concurrency, forceRefresh, tagNames, &result); procErr != nil {
			return result, procErr
		}
		documentsSeen += len(pageResult.Results)

		e.bus.Publish(events.SyncUpdate, operationID, syncUpdatePayload{
			PagesProcessed: page,
			DocumentsSeen:  documentsSeen,
			Result:         result,
		})

		if !pageResult.HasMore {
			break
		}
		page++

		select {
		case <-ctx.Done():
			return result, apperr.Wrap(apperr.Cancelled, "syncengine.Sync", ctx.Err())
		default:
		}
	}

	e.log.WithFields(logrus.Fields{
		"operation_id": operationID,
		"created":      result.Created,
		"updated":      result.Updated,
		"skipped":      result.Skipped,
		"failed":       result.Failed,
		"bytes_synced": humanize.Bytes(uint64(result.BytesSynced)),
	}).Info("sync: complete")
	e.bus.Publish(events.SyncCompleted, operationID, result)
	return result, nil
}

// fetchTagIndex fetches the full upstream tag set once per sync and indexes
// it by id so per-document tag resolution is a map lookup rather than a
// per-document API call.
func (e *Engine) fetchTagIndex(ctx context.Context) (map[int64]string, error) {
	tags, err := e.client.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]string, len(tags))
	for _, t := range tags {
		index[t.ID] = t.Name
	}
	return index, nil
}

// tryStart atomically claims the single-running-sync slot.
func (e *Engine) tryStart() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	return true
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// processPage applies the lookup/insert/update decision to every document on
// one page, fetching full metadata/OCR concurrently up to the configured cap.
// Never holds more than one page's worth of OCR in memory: each item's full
// text is processed and persisted, then released, before the next page is
// fetched.
func (e *Engine) processPage(ctx context.Context, docs []paperless.UpstreamDocument, concurrency int, forceRefresh bool, tagNames map[int64]string, result *Result) error {
	sem := types.NewSemaphore(concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, d := range docs {
		d := d
		wg.Add(1)
		sem.Acquire()
		go func() {
			defer wg.Done()
			defer sem.Release()

			outcome, err := e.syncOne(ctx, d, forceRefresh, tagNames)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if apperr.Is(err, apperr.Storage) || apperr.Is(err, apperr.Internal) {
					e.log.WithError(err).WithField("upstream_id", d.ID).Error("sync: document failed")
				} else {
					e.log.WithError(err).WithField("upstream_id", d.ID).Warn("sync: document failed")
				}
				result.recordError(fmt.Sprintf("document %d: %v", d.ID, err))
			case outcome == outcomeCreated:
				result.Created++
				result.BytesSynced += d.FileSize
			case outcome == outcomeUpdated:
				result.Updated++
				result.BytesSynced += d.FileSize
			default:
				result.Skipped++
			}
		}()
	}
	wg.Wait()
	return nil
}

type syncOutcome int

const (
	outcomeSkipped syncOutcome = iota
	outcomeCreated
	outcomeUpdated
)

// syncOne applies the lookup/insert/update decision tree for a single
// upstream document. Permanent upstream errors (4xx other than 429) are
// returned so the caller records them against this item and continues with
// the rest of the page.
func (e *Engine) syncOne(ctx context.Context, upstream paperless.UpstreamDocument, forceRefresh bool, tagNames map[int64]string) (syncOutcome, error) {
	existing, err := e.store.DocumentByUpstreamID(upstream.ID)
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		return outcomeSkipped, err
	}

	if apperr.Is(err, apperr.NotFound) {
		return e.insertDocument(ctx, upstream, tagNames)
	}

	if !forceRefresh && upstream.Modified.Equal(existing.ModifiedAt) {
		return outcomeSkipped, nil
	}

	return e.updateDocument(ctx, existing, upstream, forceRefresh, tagNames)
}

func (e *Engine) insertDocument(ctx context.Context, upstream paperless.UpstreamDocument, tagNames map[int64]string) (syncOutcome, error) {
	full, err := e.client.GetDocument(ctx, upstream.ID)
	if err != nil {
		if apperr.Is(err, apperr.UpstreamPermanent) {
			return outcomeSkipped, err
		}
		return outcomeSkipped, err
	}

	doc := toDocument(full, tagNames)
	if err := e.store.UpsertDocument(doc); err != nil {
		return outcomeSkipped, err
	}
	if err := e.writeContentAndSignature(doc, full.Content); err != nil {
		return outcomeSkipped, err
	}
	return outcomeCreated, nil
}

func (e *Engine) updateDocument(ctx context.Context, existing types.Document, upstream paperless.UpstreamDocument, forceRefresh bool, tagNames map[int64]string) (syncOutcome, error) {
	full, err := e.client.GetDocument(ctx, upstream.ID)
	if err != nil {
		return outcomeSkipped, err
	}

	fingerprint := contentFingerprint(full.Content)
	metadataOnly := !forceRefresh && fingerprint == existing.ContentFingerprint

	doc := toDocument(full, tagNames)
	if err := e.store.UpsertDocument(doc); err != nil {
		return outcomeSkipped, err
	}

	if metadataOnly {
		return outcomeUpdated, nil
	}
	if err := e.writeContentAndSignature(doc, full.Content); err != nil {
		return outcomeSkipped, err
	}
	return outcomeUpdated, nil
}

// writeContentAndSignature normalizes fullText and persists the resulting
// DocumentContent and, for eligible documents, Signature.
func (e *Engine) writeContentAndSignature(doc types.Document, fullText string) error {
	if len(fullText) > e.cfg.MaxOCRLength {
		fullText = fullText[:e.cfg.MaxOCRLength]
	}

	norm := normalize.Normalize(fullText, e.cfg.ShingleK, e.cfg.MinWords)
	content := types.DocumentContent{
		DocumentID:     doc.ID,
		FullText:       fullText,
		WordCount:      norm.WordCount,
		NormalizedText: norm.NormalizedText,
		ShingleSetSize: len(norm.Shingles),
	}
	if err := e.store.ReplaceContent(content); err != nil {
		return err
	}
	if !norm.Eligible {
		return nil
	}

	sig := minhash.BuildSignature(doc.ID, norm.Shingles, e.cfg.signatureParams())
	return e.store.ReplaceSignature(sig)
}

// toDocument converts an upstream document to the core's Document,
// resolving tag ids against tagNames. An id with no entry in tagNames
// (a tag deleted upstream between the tag fetch and this document's fetch)
// falls back to its numeric string rather than being silently dropped.
func toDocument(u paperless.UpstreamDocument, tagNames map[int64]string) types.Document {
	doc := types.Document{
		ID:                  types.DocumentID(fmt.Sprintf("doc_%d", u.ID)),
		UpstreamID:          u.ID,
		Title:               u.Title,
		CreatedAt:           u.Created,
		ModifiedAt:          u.Modified,
		Tags:                resolveTags(u.Tags, tagNames),
		OriginalFilename:    u.OriginalFileName,
		ArchiveFilename:     u.ArchivedFileName,
		FileSize:            u.FileSize,
		ArchiveSerialNumber: u.ArchiveSerialNumber,
		ContentFingerprint:  contentFingerprint(u.Content),
	}
	if u.Correspondent != nil {
		doc.Correspondent = *u.Correspondent
	}
	if u.DocumentType != nil {
		doc.DocumentType = *u.DocumentType
	}
	return doc
}

func resolveTags(ids []int64, tagNames map[int64]string) []string {
	if len(ids) == 0 {
		return nil
	}
	tags := make([]string, len(ids))
	for i, id := range ids {
		if name, ok := tagNames[id]; ok {
			tags[i] = name
		} else {
			tags[i] = fmt.Sprintf("%d", id)
		}
	}
	return tags
}

// contentFingerprint derives a cheap change-detection fingerprint for OCR
// text: length plus a sampled hash, avoiding a full rehash of very large
// documents on every sync.
func contentFingerprint(content string) string {
	const sampleEvery = 4096
	var acc uint64 = 1469598103934665603 // FNV offset basis
	for i := 0; i < len(content); i += sampleEvery {
		acc ^= uint64(content[i])
		acc *= 1099511628211 // FNV prime
	}
	return fmt.Sprintf("%d:%x", len(content), acc)
}

