package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rknightion/paperless-dedupe/internal/apperr"
	"github.com/rknightion/paperless-dedupe/internal/events"
	"github.com/rknightion/paperless-dedupe/internal/paperless"
	"github.com/rknightion/paperless-dedupe/internal/store"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

func newTestOrchestrator(t *testing.T, deletedUpstreamIDs *[]int64) (*Orchestrator, *store.Store, *events.Bus) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			if deletedUpstreamIDs != nil {
				idStr := r.URL.Path[len("/api/documents/") : len(r.URL.Path)-1]
				id, _ := strconv.ParseInt(idStr, 10, 64)
				*deletedUpstreamIDs = append(*deletedUpstreamIDs, id)
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPatch:
			w.WriteHeader(http.StatusOK)
		default:
			_ = json.NewEncoder(w).Encode(paperless.UpstreamDocument{})
		}
	}))
	t.Cleanup(srv.Close)

	cfg := paperless.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIToken = "tok"
	cfg.RetryBase = time.Millisecond
	client := paperless.New(cfg, nil, nil)

	st, err := store.Open(filepath.Join(t.TempDir(), "batch.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.New()
	return New(client, st, bus, nil, DefaultConcurrency), st, bus
}

func waitForTerminal(t *testing.T, o *Orchestrator, id string) types.BatchOperation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		op, ok := o.Get(id)
		if ok && op.CompletedAt != nil {
			return op
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("operation %s never reached a terminal state", id)
	return types.BatchOperation{}
}

func TestDeleteMarksDocumentsOrphaned(t *testing.T) {
	var deleted []int64
	o, st, _ := newTestOrchestrator(t, &deleted)

	if err := st.UpsertDocument(types.Document{ID: "a", UpstreamID: 1}); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	op := o.Submit(context.Background(), types.BatchOperation{ID: "op-1", Kind: types.BatchDelete, TargetIDs: []string{"a"}})
	result := waitForTerminal(t, o, op.ID)

	if result.Status != types.BatchCompleted {
		t.Fatalf("expected completed, got %s (errors: %v)", result.Status, result.Errors)
	}
	if len(deleted) != 1 || deleted[0] != 1 {
		t.Errorf("expected upstream delete for id 1, got %v", deleted)
	}

	doc, err := st.Document("a")
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if !doc.Orphaned {
		t.Error("expected document to be marked orphaned")
	}
}

func TestPartialFailureYieldsPartiallyCompleted(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, nil)
	if err := st.UpsertDocument(types.Document{ID: "a", UpstreamID: 1}); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	// "missing" is never upserted, so its delete will fail with NotFound.

	op := o.Submit(context.Background(), types.BatchOperation{
		ID: "op-2", Kind: types.BatchDelete, TargetIDs: []string{"a", "missing"},
	})
	result := waitForTerminal(t, o, op.ID)

	if result.Status != types.BatchPartiallyCompleted {
		t.Fatalf("expected partially_completed, got %s", result.Status)
	}
	if result.Processed != 1 || result.Failed != 1 {
		t.Errorf("expected 1 processed, 1 failed, got %+v", result)
	}
}

func TestMarkReviewedBatch(t *testing.T) {
	o, st, _ := newTestOrchestrator(t, nil)
	group := types.DuplicateGroup{ID: "g1", Members: []types.DuplicateMember{{DocumentID: "a", IsPrimary: true}}}
	if err := st.ReplaceGroupsForRun([]types.DuplicateGroup{group}); err != nil {
		t.Fatalf("ReplaceGroupsForRun: %v", err)
	}

	op := o.Submit(context.Background(), types.BatchOperation{ID: "op-3", Kind: types.BatchMarkReviewed, TargetIDs: []string{"g1"}})
	result := waitForTerminal(t, o, op.ID)
	if result.Status != types.BatchCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}

	got, err := st.Group("g1")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if !got.Reviewed {
		t.Error("expected group marked reviewed")
	}
}

func TestResolveDuplicatesDeletesNonPrimaryAndGroup(t *testing.T) {
	var deleted []int64
	o, st, _ := newTestOrchestrator(t, &deleted)

	if err := st.UpsertDocument(types.Document{ID: "primary", UpstreamID: 1}); err != nil {
		t.Fatalf("UpsertDocument primary: %v", err)
	}
	if err := st.UpsertDocument(types.Document{ID: "dup", UpstreamID: 2}); err != nil {
		t.Fatalf("UpsertDocument dup: %v", err)
	}
	group := types.DuplicateGroup{
		ID:                "g1",
		PrimaryDocumentID: "primary",
		Members: []types.DuplicateMember{
			{DocumentID: "primary", IsPrimary: true},
			{DocumentID: "dup", IsPrimary: false},
		},
	}
	if err := st.ReplaceGroupsForRun([]types.DuplicateGroup{group}); err != nil {
		t.Fatalf("ReplaceGroupsForRun: %v", err)
	}

	op := o.Submit(context.Background(), types.BatchOperation{
		ID: "op-4", Kind: types.BatchResolveDuplicates, TargetIDs: []string{"g1"},
	})
	result := waitForTerminal(t, o, op.ID)
	if result.Status != types.BatchCompleted {
		t.Fatalf("expected completed, got %s (errors: %v)", result.Status, result.Errors)
	}
	if len(deleted) != 1 || deleted[0] != 2 {
		t.Errorf("expected upstream delete of non-primary id 2, got %v", deleted)
	}

	if _, err := st.Group("g1"); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected group deleted after resolution, got %v", err)
	}
	dup, err := st.Document("dup")
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if !dup.Orphaned {
		t.Error("expected non-primary document marked orphaned")
	}
}

func TestResolveDuplicatesMarksReviewedWhenPrimaryMissing(t *testing.T) {
	var deleted []int64
	o, st, _ := newTestOrchestrator(t, &deleted)

	if err := st.UpsertDocument(types.Document{ID: "dup", UpstreamID: 2}); err != nil {
		t.Fatalf("UpsertDocument dup: %v", err)
	}
	group := types.DuplicateGroup{
		ID:                "g1",
		PrimaryDocumentID: "primary",
		Members: []types.DuplicateMember{
			{DocumentID: "primary", IsPrimary: true},
			{DocumentID: "dup", IsPrimary: false},
		},
	}
	if err := st.ReplaceGroupsForRun([]types.DuplicateGroup{group}); err != nil {
		t.Fatalf("ReplaceGroupsForRun: %v", err)
	}

	op := o.Submit(context.Background(), types.BatchOperation{
		ID: "op-5", Kind: types.BatchResolveDuplicates, TargetIDs: []string{"g1"},
		Parameters: map[string]any{"mark_reviewed": true},
	})
	result := waitForTerminal(t, o, op.ID)
	if result.Status != types.BatchFailed {
		t.Fatalf("expected failed status when primary is missing, got %s", result.Status)
	}
	if len(deleted) != 0 {
		t.Errorf("expected no upstream deletes when primary is missing, got %v", deleted)
	}

	got, err := st.Group("g1")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if !got.Reviewed {
		t.Error("expected group marked reviewed even though resolution failed")
	}
}

func TestCancelStopsBetweenItems(t *testing.T) {
	// Each upstream delete sleeps briefly so the test has time to call
	// Cancel before the worker reaches the last item.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := paperless.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIToken = "tok"
	cfg.RetryBase = time.Millisecond
	client := paperless.New(cfg, nil, nil)

	st, err := store.Open(filepath.Join(t.TempDir(), "batch-cancel.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		if err := st.UpsertDocument(types.Document{ID: types.DocumentID(id), UpstreamID: int64(i + 1)}); err != nil {
			t.Fatalf("UpsertDocument: %v", err)
		}
	}

	bus := events.New()
	o := New(client, st, bus, nil, DefaultConcurrency)

	op := o.Submit(context.Background(), types.BatchOperation{
		ID: "op-5", Kind: types.BatchDelete, TargetIDs: []string{"a", "b", "c", "d", "e"},
	})
	time.Sleep(10 * time.Millisecond)
	o.Cancel(op.ID)
	result := waitForTerminal(t, o, op.ID)

	if result.Status != types.BatchCancelled {
		t.Fatalf("expected cancelled, got %s", result.Status)
	}
	if result.Processed >= len(op.TargetIDs) {
		t.Errorf("expected cancellation to stop before processing all items, got %d/%d", result.Processed, len(op.TargetIDs))
	}
}

func TestUpdateMetadataPatchesUpstream(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := paperless.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIToken = "tok"
	cfg.RetryBase = time.Millisecond
	client := paperless.New(cfg, nil, nil)

	st, err := store.Open(filepath.Join(t.TempDir(), "batch-meta.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.UpsertDocument(types.Document{ID: "a", UpstreamID: 7}); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	bus := events.New()
	o := New(client, st, bus, nil, DefaultConcurrency)
	op := o.Submit(context.Background(), types.BatchOperation{
		ID:         "op-7",
		Kind:       types.BatchUpdateMetadata,
		TargetIDs:  []string{"a"},
		Parameters: map[string]any{"fields": map[string]any{"correspondent": "Acme"}},
	})
	result := waitForTerminal(t, o, op.ID)

	if result.Status != types.BatchCompleted {
		t.Fatalf("expected completed, got %s (errors: %v)", result.Status, result.Errors)
	}
	if gotBody["correspondent"] != "Acme" {
		t.Errorf("expected patched correspondent field, got %+v", gotBody)
	}
}

func TestBatchPublishesCompletionEvent(t *testing.T) {
	o, st, bus := newTestOrchestrator(t, nil)
	if err := st.UpsertDocument(types.Document{ID: "a", UpstreamID: 1}); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	sub := bus.Subscribe("op-6")
	defer sub.Close()

	op := o.Submit(context.Background(), types.BatchOperation{ID: "op-6", Kind: types.BatchDelete, TargetIDs: []string{"a"}})
	waitForTerminal(t, o, op.ID)

	sawCompleted := false
	for {
		select {
		case evt := <-sub.C:
			if evt.Topic == events.BatchCompleted {
				sawCompleted = true
			}
		default:
			if !sawCompleted {
				t.Error("expected a batch_completed event")
			}
			return
		}
	}
}
