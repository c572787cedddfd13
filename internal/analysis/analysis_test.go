package analysis

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rknightion/paperless-dedupe/internal/apperr"
	"github.com/rknightion/paperless-dedupe/internal/events"
	"github.com/rknightion/paperless-dedupe/internal/store"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "analysis.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

const sampleText = "quarterly financial report for the north region covering revenue expenses and operating margin for the period ending march with notes on capital spending and staffing"

func seedDocument(t *testing.T, st *store.Store, id string, upstreamID int64, text string, created time.Time) {
	t.Helper()
	doc := types.Document{ID: types.DocumentID(id), UpstreamID: upstreamID, Title: "doc-" + id, FileSize: 1000, CreatedAt: created}
	if err := st.UpsertDocument(doc); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if err := st.ReplaceContent(types.DocumentContent{
		DocumentID: types.DocumentID(id),
		FullText:   text,
		WordCount:  len(splitBySpace(text)),
	}); err != nil {
		t.Fatalf("ReplaceContent: %v", err)
	}
}

func splitBySpace(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ' ' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func TestRunProducesGroupForNearDuplicates(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	seedDocument(t, st, "a", 1, sampleText, now)
	seedDocument(t, st, "b", 2, sampleText, now.Add(time.Hour))

	bus := events.New()
	coord := New(st, bus, nil, DefaultConfig())

	run, err := coord.Run(context.Background(), "run-1", types.AnalysisParameters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != types.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Error)
	}
	if run.GroupsFound != 1 {
		t.Fatalf("expected 1 group for near-identical documents, got %d", run.GroupsFound)
	}

	groups, err := st.AllGroups()
	if err != nil {
		t.Fatalf("AllGroups: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Members) != 2 {
		t.Fatalf("expected one persisted group with 2 members, got %+v", groups)
	}
}

func TestRunFindsNoGroupsForDissimilarDocuments(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	seedDocument(t, st, "a", 1, "completely unrelated legal contract text about property boundaries and easement rights for the western parcel including the survey map and the recorded deed", now)
	seedDocument(t, st, "b", 2, "a recipe for baking sourdough bread including hydration ratios and proofing times for the overnight ferment in a cast iron pot with a lid", now)

	bus := events.New()
	coord := New(st, bus, nil, DefaultConfig())

	run, err := coord.Run(context.Background(), "run-1", types.AnalysisParameters{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.GroupsFound != 0 {
		t.Fatalf("expected 0 groups, got %d", run.GroupsFound)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	st := newTestStore(t)
	bus := events.New()
	coord := New(st, bus, nil, DefaultConfig())

	coord.mu.Lock()
	coord.current = &types.AnalysisRun{ID: "in-flight"}
	coord.mu.Unlock()

	_, err := coord.Run(context.Background(), "run-2", types.AnalysisParameters{})
	if !apperr.Is(err, apperr.AlreadyRunning) {
		t.Errorf("expected AlreadyRunning, got %v", err)
	}
}

func TestRunPublishesCompletionEvent(t *testing.T) {
	st := newTestStore(t)
	seedDocument(t, st, "a", 1, sampleText, time.Now())

	bus := events.New()
	sub := bus.Subscribe("run-1")
	defer sub.Close()
	coord := New(st, bus, nil, DefaultConfig())

	if _, err := coord.Run(context.Background(), "run-1", types.AnalysisParameters{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sawCompleted := false
	for {
		select {
		case evt := <-sub.C:
			if evt.Topic == events.AnalysisCompleted {
				sawCompleted = true
			}
		default:
			if !sawCompleted {
				t.Error("expected an analysis_completed event")
			}
			return
		}
	}
}

func TestCancelRequestStopsRunAtCheckpoint(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 5; i++ {
		seedDocument(t, st, string(rune('a'+i)), int64(i+1), sampleText, time.Now())
	}

	bus := events.New()
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 1
	coord := New(st, bus, nil, cfg)
	coord.RequestCancel()

	run, err := coord.Run(context.Background(), "run-1", types.AnalysisParameters{})
	if !apperr.Is(err, apperr.Cancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if run.Status != types.RunCancelled {
		t.Errorf("expected cancelled status, got %s", run.Status)
	}
}
