// Package batch is the orchestrator for long-running bulk operations over
// documents and duplicate groups: delete, tag, untag, update metadata, mark
// reviewed, and the multi-step resolve-duplicates kind. Each BatchOperation
// runs under its own worker goroutine, capped by a global concurrency limit,
// applying items independently so one failure never aborts the rest.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rknightion/paperless-dedupe/internal/apperr"
	"github.com/rknightion/paperless-dedupe/internal/events"
	"github.com/rknightion/paperless-dedupe/internal/paperless"
	"github.com/rknightion/paperless-dedupe/internal/store"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

// DefaultConcurrency is the documented default number of batch operations
// that may run at once across the whole orchestrator.
const DefaultConcurrency = 2

// minEmitInterval is the documented progress throttle: a batch_update event
// fires at most once per second or once per percentage point, whichever the
// worker hits first.
const minEmitInterval = time.Second

// Orchestrator runs BatchOperations against a Store and upstream Client,
// capping total concurrent operations at a configured limit.
type Orchestrator struct {
	client *paperless.Client
	store  *store.Store
	bus    *events.Bus
	log    *logrus.Logger
	sem    types.Semaphore

	mu         sync.Mutex
	operations map[string]*types.BatchOperation
}

// New creates an Orchestrator. concurrency <= 0 uses DefaultConcurrency.
// log may be nil, in which case logrus.StandardLogger() is used.
func New(client *paperless.Client, st *store.Store, bus *events.Bus, log *logrus.Logger, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		client:     client,
		store:      st,
		bus:        bus,
		log:        log,
		sem:        types.NewSemaphore(concurrency),
		operations: make(map[string]*types.BatchOperation),
	}
}

// Submit registers a new BatchOperation and starts its worker in the
// background, returning immediately with the operation's pending record.
// Submit never blocks on the concurrency cap; the worker goroutine does.
func (o *Orchestrator) Submit(ctx context.Context, op types.BatchOperation) *types.BatchOperation {
	now := timeNow()
	op.Status = types.BatchPending
	op.TotalItems = len(op.TargetIDs)
	op.CreatedAt = now

	record := &op
	o.mu.Lock()
	o.operations[op.ID] = record
	o.mu.Unlock()

	go o.run(ctx, record)
	return record
}

// Get returns a snapshot of a tracked BatchOperation by id.
func (o *Orchestrator) Get(id string) (types.BatchOperation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.operations[id]
	if !ok {
		return types.BatchOperation{}, false
	}
	return *op, true
}

// Cancel cooperatively requests that a running operation stop between items.
// Returns false if no such operation is tracked.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.operations[id]
	if !ok {
		return false
	}
	op.Cancel()
	return true
}

// batchUpdatePayload is the body of a batch_update event.
type batchUpdatePayload struct {
	Processed int
	Total     int
	Failed    int
}

func (o *Orchestrator) run(ctx context.Context, op *types.BatchOperation) {
	o.sem.Acquire()
	defer o.sem.Release()

	o.log.WithFields(logrus.Fields{"operation_id": op.ID, "kind": op.Kind, "targets": len(op.TargetIDs)}).Info("batch: starting")

	op.Status = types.BatchInProgress
	lastEmit := timeNow()
	lastPct := -1

	for _, target := range op.TargetIDs {
		if op.Cancelled() {
			break
		}

		if err := o.applyItem(ctx, op, target); err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{"operation_id": op.ID, "target": target}).Warn("batch: item failed")
			op.RecordError(fmt.Sprintf("%s: %v", target, err))
		} else {
			op.Processed++
		}

		pct := 0
		if op.TotalItems > 0 {
			pct = (op.Processed + op.Failed) * 100 / op.TotalItems
		}
		if timeNow().Sub(lastEmit) >= minEmitInterval || pct != lastPct {
			o.emitUpdate(op)
			lastEmit = timeNow()
			lastPct = pct
		}
	}

	now := timeNow()
	op.Status = op.FinalStatus()
	op.CompletedAt = &now
	o.log.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"status":       op.Status,
		"processed":    op.Processed,
		"failed":       op.Failed,
	}).Info("batch: complete")
	o.bus.Publish(events.BatchCompleted, op.ID, *op)
}

func (o *Orchestrator) emitUpdate(op *types.BatchOperation) {
	o.bus.Publish(events.BatchUpdate, op.ID, batchUpdatePayload{
		Processed: op.Processed,
		Total:     op.TotalItems,
		Failed:    op.Failed,
	})
}

// applyItem dispatches a single target id to the kind-specific handler.
func (o *Orchestrator) applyItem(ctx context.Context, op *types.BatchOperation, target string) error {
	switch op.Kind {
	case types.BatchDelete:
		return o.applyDelete(ctx, types.DocumentID(target))
	case types.BatchTag, types.BatchUntag, types.BatchUpdateMetadata:
		return o.applyPatch(ctx, types.DocumentID(target), op.Parameters)
	case types.BatchMarkReviewed:
		return o.store.MarkReviewed(types.GroupID(target))
	case types.BatchResolveDuplicates:
		return o.applyResolveDuplicates(ctx, types.GroupID(target), op.Parameters)
	default:
		return apperr.New(apperr.Internal, "batch.applyItem", "unknown batch kind: "+string(op.Kind))
	}
}

// applyDelete deletes a document upstream and marks it locally orphaned; the
// core never hard-deletes the local Document record.
func (o *Orchestrator) applyDelete(ctx context.Context, id types.DocumentID) error {
	doc, err := o.store.Document(id)
	if err != nil {
		return err
	}
	if err := o.client.DeleteDocument(ctx, doc.UpstreamID); err != nil {
		return err
	}
	return o.store.MarkOrphaned(id)
}

// applyPatch pushes a partial metadata update upstream. For tag/untag, the
// caller supplies the document's full desired tag id list under
// parameters["tag_ids"]; for update_metadata, parameters["fields"] is sent
// verbatim as the PATCH body.
func (o *Orchestrator) applyPatch(ctx context.Context, id types.DocumentID, parameters map[string]any) error {
	doc, err := o.store.Document(id)
	if err != nil {
		return err
	}

	fields := map[string]any{}
	if tagIDs, ok := parameters["tag_ids"]; ok {
		fields["tags"] = tagIDs
	}
	if extra, ok := parameters["fields"].(map[string]any); ok {
		for k, v := range extra {
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return apperr.New(apperr.InvalidConfig, "batch.applyPatch", "no fields supplied for metadata update")
	}
	return o.client.PatchDocument(ctx, doc.UpstreamID, fields)
}

// applyResolveDuplicates verifies the group's primary is still present, then
// deletes every non-primary member upstream. Any single non-primary failure
// leaves the whole group in place (and is the item's recorded error);
// otherwise the group is fully resolved and removed from the snapshot.
func (o *Orchestrator) applyResolveDuplicates(ctx context.Context, id types.GroupID, parameters map[string]any) error {
	group, err := o.store.Group(id)
	if err != nil {
		return err
	}

	var primaryPresent bool
	for _, m := range group.Members {
		if m.IsPrimary && m.DocumentID == group.PrimaryDocumentID {
			if _, err := o.store.Document(m.DocumentID); err == nil {
				primaryPresent = true
			}
		}
	}
	if !primaryPresent {
		err := apperr.New(apperr.NotFound, "batch.applyResolveDuplicates", "primary document missing or absent")
		return maybeMarkReviewed(o.store, id, parameters, err)
	}

	for _, m := range group.Members {
		if m.IsPrimary {
			continue
		}
		doc, err := o.store.Document(m.DocumentID)
		if err != nil {
			return maybeMarkReviewed(o.store, id, parameters, err)
		}
		if err := o.client.DeleteDocument(ctx, doc.UpstreamID); err != nil {
			return maybeMarkReviewed(o.store, id, parameters, err)
		}
		if err := o.store.MarkOrphaned(doc.ID); err != nil {
			return maybeMarkReviewed(o.store, id, parameters, err)
		}
	}

	if err := o.store.DeleteGroup(id); err != nil {
		return err
	}
	return nil
}

// maybeMarkReviewed flips the reviewed flag on a group that resolution left
// in place, when parameters["mark_reviewed"] was requested alongside the
// resolve-duplicates operation, then returns the original failure.
func maybeMarkReviewed(st *store.Store, id types.GroupID, parameters map[string]any, cause error) error {
	if mark, _ := parameters["mark_reviewed"].(bool); mark {
		_ = st.MarkReviewed(id)
	}
	return cause
}

var timeNow = time.Now
