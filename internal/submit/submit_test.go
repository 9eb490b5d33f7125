package submit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/registry"
	"github.com/Lllllllleong/docbatch/internal/staging"
)

type fakeStager struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]error
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func newFakeStager() *fakeStager {
	return &fakeStager{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeStager) Bucket() string { return "staging" }

func (f *fakeStager) Stage(_ context.Context, _ string, entry models.ManifestEntry, key string) (staging.Object, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[entry.DocumentID]++
	if err := f.fail[entry.DocumentID]; err != nil {
		return staging.Object{}, err
	}
	return staging.Object{Bucket: "staging", Key: key, PageCount: 2}, nil
}

func (f *fakeStager) StageBaseline(context.Context, string, string) (int, error) {
	return 0, nil
}

type fakeAdmitter struct {
	mu    sync.Mutex
	msgs  map[string]int
	fail  map[string]error
	after func(models.AdmissionMessage)
}

func newFakeAdmitter() *fakeAdmitter {
	return &fakeAdmitter{msgs: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeAdmitter) Admit(ctx context.Context, msg models.AdmissionMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.DocumentID]; err != nil {
		return err
	}
	f.msgs[msg.DocumentID]++
	if f.after != nil {
		f.after(msg)
	}
	return nil
}

func openStore(t *testing.T) *registry.SQLiteStore {
	t.Helper()
	s, err := registry.OpenSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func manifestOf(ids ...string) *models.Manifest {
	m := &models.Manifest{Source: "test"}
	for _, id := range ids {
		m.Entries = append(m.Entries, models.ManifestEntry{
			SourceRef:    "gs://in/" + id + ".pdf",
			DocumentID:   id,
			Kind:         models.KindRemote,
			RelativePath: id + ".pdf",
		})
	}
	return m
}

const batchID = "cli-batch-20260101-000000-deadbeef"

func TestSubmitEnqueuesEveryEntry(t *testing.T) {
	store := openStore(t)
	stager, admitter := newFakeStager(), newFakeAdmitter()
	s := New(store, stager, admitter, Options{Workers: 2, Steps: []string{"split"}})

	res, err := s.Submit(context.Background(), manifestOf("a", "b", "c"), batchID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Enqueued) != 3 || len(res.Failed) != 0 || res.NoOp {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := res.Batch.DocumentIDs(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("batch ids = %v", got)
	}
	if res.Batch.Entries[0].StagedKey != batchID+"/a.pdf" || res.Batch.Entries[0].TrackingID != models.TrackingID(batchID+"/a.pdf") {
		t.Fatalf("unexpected batch entry: %+v", res.Batch.Entries[0])
	}

	rec, err := store.Load(context.Background(), batchID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, e := range rec.Entries {
		if e.State != registry.StateEnqueued || e.EnqueuedAt == nil || e.PageCount != 2 {
			t.Fatalf("entry not recorded as enqueued: %+v", e)
		}
	}
}

func TestResubmitAfterPartialFailureEnqueuesEachDocumentOnce(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	stager, admitter := newFakeStager(), newFakeAdmitter()
	admitter.fail["b"] = fmt.Errorf("send: %w", &googleapi.Error{Code: 503})
	stager.fail["c"] = fmt.Errorf("open: %w", fs.ErrNotExist)
	s := New(store, stager, admitter, Options{})
	m := manifestOf("a", "b", "c")

	first, err := s.Submit(ctx, m, batchID)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if len(first.Failed) != 2 {
		t.Fatalf("expected two failures, got %v", first.Failed)
	}
	var eerr *EnqueueError
	if !errors.As(first.Failed[0], &eerr) || eerr.DocumentID != "b" || eerr.Reason != ReasonNetwork {
		t.Fatalf("expected a network EnqueueError for b, got %v", first.Failed[0])
	}
	var terr *TransferError
	if !errors.As(first.Failed[1], &terr) || terr.DocumentID != "c" || terr.Reason != ReasonNotFound {
		t.Fatalf("expected a not_found TransferError for c, got %v", first.Failed[1])
	}

	delete(admitter.fail, "b")
	delete(stager.fail, "c")
	second, err := s.Submit(ctx, m, batchID)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !reflect.DeepEqual(second.Skipped, []string{"a"}) || len(second.Enqueued) != 2 {
		t.Fatalf("unexpected second result: %+v", second)
	}

	third, err := s.Submit(ctx, m, batchID)
	if err != nil {
		t.Fatalf("third Submit: %v", err)
	}
	if !third.NoOp || len(third.Batch.Entries) != 3 {
		t.Fatalf("third run should be a no-op: %+v", third)
	}

	for _, id := range []string{"a", "b", "c"} {
		if admitter.msgs[id] != 1 {
			t.Fatalf("document %s enqueued %d times", id, admitter.msgs[id])
		}
	}
	if stager.calls["a"] != 1 {
		t.Fatalf("enqueued document a was transferred again (%d calls)", stager.calls["a"])
	}
}

func TestResubmitAddsNewManifestEntries(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	s := New(store, newFakeStager(), newFakeAdmitter(), Options{})

	first, err := s.Submit(ctx, manifestOf("a"), batchID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.Added != 0 {
		t.Fatalf("a new batch adds nothing to an existing one, got %d", first.Added)
	}
	res, err := s.Submit(ctx, manifestOf("a", "b"), batchID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !reflect.DeepEqual(res.Enqueued, []string{"b"}) || len(res.Batch.Entries) != 2 || res.Added != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCancelledSubmitKeepsEnqueuedEntries(t *testing.T) {
	store := openStore(t)
	stager, admitter := newFakeStager(), newFakeAdmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	admitter.after = func(models.AdmissionMessage) { cancel() }
	s := New(store, stager, admitter, Options{Workers: 1})
	m := manifestOf("a", "b", "c")

	first, err := s.Submit(ctx, m, batchID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if first == nil || !reflect.DeepEqual(first.Enqueued, []string{"a"}) {
		t.Fatalf("unexpected first result: %+v", first)
	}

	rec, err := store.Load(context.Background(), batchID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e := rec.Entry("a"); e == nil || e.State != registry.StateEnqueued {
		t.Fatalf("enqueued entry not recorded: %+v", e)
	}

	admitter.after = nil
	second, err := s.Submit(context.Background(), m, batchID)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !reflect.DeepEqual(second.Skipped, []string{"a"}) || !reflect.DeepEqual(second.Enqueued, []string{"b", "c"}) {
		t.Fatalf("unexpected second result: %+v", second)
	}
	for _, id := range []string{"a", "b", "c"} {
		if admitter.msgs[id] != 1 {
			t.Fatalf("document %s enqueued %d times", id, admitter.msgs[id])
		}
	}
}

func TestEnqueueIsRecordedBeforeNextDocument(t *testing.T) {
	store := openStore(t)
	admitter := newFakeAdmitter()
	var seen []registry.EntryState
	admitter.after = func(msg models.AdmissionMessage) {
		if msg.DocumentID != "b" {
			return
		}
		rec, err := store.Load(context.Background(), batchID)
		if err != nil {
			t.Errorf("Load: %v", err)
			return
		}
		seen = append(seen, rec.Entry("a").State)
	}
	s := New(store, newFakeStager(), admitter, Options{Workers: 1})

	if _, err := s.Submit(context.Background(), manifestOf("a", "b"), batchID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !reflect.DeepEqual(seen, []registry.EntryState{registry.StateEnqueued}) {
		t.Fatalf("a was not recorded before b was enqueued: %v", seen)
	}
}

type failingStore struct {
	registry.Store
}

func (failingStore) Load(context.Context, string) (*registry.Record, error) {
	return nil, &registry.RegistryError{Op: "load", Err: errors.New("bucket unreachable")}
}

func (failingStore) URI(id string) string { return id }

func TestRegistryFailureAbortsBeforeTransfer(t *testing.T) {
	stager, admitter := newFakeStager(), newFakeAdmitter()
	s := New(failingStore{}, stager, admitter, Options{})

	_, err := s.Submit(context.Background(), manifestOf("a"), batchID)
	var rerr *registry.RegistryError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected a RegistryError, got %v", err)
	}
	if len(stager.calls) != 0 || len(admitter.msgs) != 0 {
		t.Fatalf("nothing may be transferred or enqueued without a registry record")
	}
}

func TestSubmitRejectsBadBatchID(t *testing.T) {
	s := New(openStore(t), newFakeStager(), newFakeAdmitter(), Options{})
	if _, err := s.Submit(context.Background(), manifestOf("a"), "bad id/with slash"); err == nil {
		t.Fatalf("expected an invalid batch ID error")
	}
}

func TestWorkersAreBounded(t *testing.T) {
	stager := newFakeStager()
	stager.delay = 5 * time.Millisecond
	s := New(openStore(t), stager, newFakeAdmitter(), Options{Workers: 3})

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("doc-%02d", i)
	}
	if _, err := s.Submit(context.Background(), manifestOf(ids...), batchID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := stager.maxSeen.Load(); got > 3 {
		t.Fatalf("saw %d concurrent transfers, limit is 3", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Reason
	}{
		{fmt.Errorf("open: %w", fs.ErrNotExist), ReasonNotFound},
		{&googleapi.Error{Code: 404}, ReasonNotFound},
		{&googleapi.Error{Code: 403}, ReasonPermission},
		{fs.ErrPermission, ReasonPermission},
		{&googleapi.Error{Code: 429}, ReasonNetwork},
		{&googleapi.Error{Code: 502}, ReasonNetwork},
		{&googleapi.Error{Code: 400}, ReasonInvalid},
		{context.DeadlineExceeded, ReasonNetwork},
		{status.Error(codes.Unavailable, "down"), ReasonNetwork},
		{status.Error(codes.InvalidArgument, "bad"), ReasonInvalid},
		{staging.ErrNotInStagingBucket, ReasonInvalid},
		{errors.New("boom"), ReasonUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
