package rerun

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/registry"
	"github.com/Lllllllleong/docbatch/internal/submit"
	"github.com/Lllllllleong/docbatch/internal/tracking"
)

const batchID = "cli-batch-20260101-000000-deadbeef"

type fakeResetter struct {
	mu     sync.Mutex
	status map[string]string
	reset  map[string]string
	failed map[string]string
}

func newFakeResetter(status map[string]string) *fakeResetter {
	return &fakeResetter{status: status, reset: map[string]string{}, failed: map[string]string{}}
}

func (f *fakeResetter) Reset(_ context.Context, doc models.BatchDocument, rerunID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[doc.DocumentID]
	if !ok {
		return tracking.ErrNoRecord
	}
	if err := tracking.CheckRerunnable(&models.Document{Status: status}); err != nil {
		return err
	}
	f.status[doc.DocumentID] = models.TrackingQueued
	f.reset[doc.DocumentID] = rerunID
	return nil
}

func (f *fakeResetter) Fail(_ context.Context, doc models.BatchDocument, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[doc.DocumentID] = models.TrackingFailed
	f.failed[doc.DocumentID] = cause.Error()
	return nil
}

type fakeAdmitter struct {
	mu   sync.Mutex
	msgs []models.AdmissionMessage
	fail map[string]error
}

func (f *fakeAdmitter) Admit(_ context.Context, msg models.AdmissionMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.DocumentID]; err != nil {
		return err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func seedStore(t *testing.T, steps []string, states map[string]registry.EntryState) registry.Store {
	t.Helper()
	store, err := registry.OpenSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	m := &models.Manifest{Source: "test", Steps: steps}
	for _, id := range ids {
		m.Entries = append(m.Entries, models.ManifestEntry{
			SourceRef: "gs://in/" + id + ".pdf", DocumentID: id, Kind: models.KindRemote, RelativePath: id + ".pdf",
		})
	}
	rec := registry.NewRecord(batchID, m, time.Unix(100, 0))
	for _, id := range ids {
		e := rec.Entry(id)
		e.State = states[id]
		if e.State == registry.StateEnqueued {
			e.StagedKey = batchID + "/" + id + ".pdf"
			e.TrackingID = models.TrackingID(e.StagedKey)
			e.PageCount = 4
		}
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return store
}

func fixedID() string { return "rerun-1" }

func TestRerunWholeBatch(t *testing.T) {
	store := seedStore(t, []string{"split", "translate", "aggregate"}, map[string]registry.EntryState{
		"a": registry.StateEnqueued,
		"b": registry.StateEnqueued,
		"c": registry.StateEnqueued,
		"d": registry.StateTransferFailed,
	})
	resetter := newFakeResetter(map[string]string{
		"a": models.TrackingCompleted,
		"b": models.TrackingFailed,
		"c": models.TrackingTranslating,
	})
	admitter := &fakeAdmitter{}
	r := New(store, resetter, admitter, Options{Workers: 2, StagingBucket: "staging", NewID: fixedID})

	res, err := r.Rerun(context.Background(), Request{BatchID: batchID, Step: "translate"})
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if !reflect.DeepEqual(res.Admitted, []string{"a", "b"}) || len(res.Failed) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	wantSkipped := []Skipped{{"d", SkipNotEnqueued}, {"c", SkipInFlight}}
	if !reflect.DeepEqual(res.Skipped, wantSkipped) {
		t.Fatalf("skipped = %+v, want %+v", res.Skipped, wantSkipped)
	}
	if got := res.Batch.DocumentIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("monitored documents = %v", got)
	}

	if len(admitter.msgs) != 2 {
		t.Fatalf("expected two admissions, got %d", len(admitter.msgs))
	}
	for _, msg := range admitter.msgs {
		if msg.RerunID != "rerun-1" || msg.StartStep != "translate" || msg.StagingBucket != "staging" ||
			msg.StagedKey != batchID+"/"+msg.DocumentID+".pdf" || msg.PageCount != 4 ||
			!reflect.DeepEqual(msg.Steps, []string{"split", "translate", "aggregate"}) {
			t.Fatalf("unexpected admission message: %+v", msg)
		}
	}
	if resetter.reset["a"] != "rerun-1" || resetter.status["c"] != models.TrackingTranslating {
		t.Fatalf("in-flight documents must not be reset: %+v", resetter.status)
	}
}

func TestRerunSelectedDocuments(t *testing.T) {
	store := seedStore(t, nil, map[string]registry.EntryState{
		"a": registry.StateEnqueued,
		"b": registry.StateEnqueued,
		"e": registry.StateEnqueueFailed,
	})
	resetter := newFakeResetter(map[string]string{"a": models.TrackingCompleted})
	admitter := &fakeAdmitter{}
	r := New(store, resetter, admitter, Options{NewID: fixedID})

	res, err := r.Rerun(context.Background(), Request{
		BatchID:     batchID,
		DocumentIDs: []string{"a", "missing", "e", "a", "b"},
		Step:        "extract",
		Steps:       []string{"extract", "assess"},
	})
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if !reflect.DeepEqual(res.Admitted, []string{"a"}) {
		t.Fatalf("admitted = %v", res.Admitted)
	}
	wantSkipped := []Skipped{{"missing", SkipNotInBatch}, {"e", SkipNotEnqueued}, {"b", SkipNoRecord}}
	if !reflect.DeepEqual(res.Skipped, wantSkipped) {
		t.Fatalf("skipped = %+v, want %+v", res.Skipped, wantSkipped)
	}
	if !reflect.DeepEqual(admitter.msgs[0].Steps, []string{"extract", "assess"}) {
		t.Fatalf("steps override ignored: %+v", admitter.msgs[0])
	}
}

func TestRerunEnqueueFailureMarksDocumentFailed(t *testing.T) {
	store := seedStore(t, nil, map[string]registry.EntryState{"a": registry.StateEnqueued})
	resetter := newFakeResetter(map[string]string{"a": models.TrackingCompleted})
	admitter := &fakeAdmitter{fail: map[string]error{"a": fmt.Errorf("post: %w", &googleapi.Error{Code: 503})}}
	r := New(store, resetter, admitter, Options{NewID: fixedID})

	res, err := r.Rerun(context.Background(), Request{BatchID: batchID, Step: "split"})
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	var eerr *submit.EnqueueError
	if len(res.Failed) != 1 || !errors.As(res.Failed[0], &eerr) || eerr.Reason != submit.ReasonNetwork {
		t.Fatalf("expected a network EnqueueError, got %v", res.Failed)
	}
	if resetter.status["a"] != models.TrackingFailed || resetter.failed["a"] == "" {
		t.Fatalf("a reset document whose rerun was rejected must end FAILED: %+v", resetter.status)
	}
	if len(res.Batch.Entries) != 0 {
		t.Fatalf("failed documents are not monitored")
	}
}

func TestRerunRejectsBadRequests(t *testing.T) {
	store := seedStore(t, []string{"split"}, map[string]registry.EntryState{"a": registry.StateTransferFailed})
	r := New(store, newFakeResetter(nil), &fakeAdmitter{}, Options{NewID: fixedID})
	ctx := context.Background()

	if _, err := r.Rerun(ctx, Request{BatchID: batchID}); !errors.Is(err, ErrNoStep) {
		t.Fatalf("expected ErrNoStep, got %v", err)
	}
	if _, err := r.Rerun(ctx, Request{BatchID: batchID, Step: "classify"}); err == nil {
		t.Fatalf("expected an unknown step error")
	}
	if _, err := r.Rerun(ctx, Request{BatchID: "cli-batch-unknown", Step: "split"}); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	res, err := r.Rerun(ctx, Request{BatchID: batchID, Step: "split"})
	if !errors.Is(err, ErrNothingToRerun) || len(res.Skipped) != 1 {
		t.Fatalf("expected ErrNothingToRerun with one skipped entry, got %+v, %v", res, err)
	}
}
