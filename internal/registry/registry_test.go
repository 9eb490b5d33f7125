package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lllllllleong/docbatch/internal/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "cache", "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testManifest(ids ...string) *models.Manifest {
	m := &models.Manifest{Source: "test.csv"}
	for _, id := range ids {
		m.Entries = append(m.Entries, models.ManifestEntry{
			SourceRef:    "gs://src/" + id + ".pdf",
			DocumentID:   id,
			Kind:         models.KindRemote,
			RelativePath: id + ".pdf",
		})
	}
	return m
}

func TestRecordMergeAndBatch(t *testing.T) {
	rec := NewRecord("b1", testManifest("a", "b"), time.Unix(100, 0))
	if added := rec.Merge(testManifest("b", "c")); added != 1 {
		t.Fatalf("Merge added %d, want 1", added)
	}
	if len(rec.Entries) != 3 || rec.Entries[2].DocumentID != "c" || rec.Entries[2].State != StatePending {
		t.Fatalf("unexpected entries: %+v", rec.Entries)
	}

	rec.Entry("a").State = StateEnqueued
	rec.Entry("a").StagedKey = "b1/a.pdf"
	rec.Entry("c").State = StateTransferFailed

	batch := rec.Batch("gs://reg/b1/batch.json")
	if len(batch.Entries) != 1 || batch.Entries[0].DocumentID != "a" {
		t.Fatalf("batch should hold only enqueued entries: %+v", batch.Entries)
	}
	info := rec.Info()
	if info.Documents != 3 || info.Enqueued != 1 || info.Failed != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if rec.Entry("missing") != nil {
		t.Fatalf("expected nil for an unknown document")
	}
}

func TestRecordCloneIsIndependent(t *testing.T) {
	rec := NewRecord("b1", testManifest("a"), time.Unix(100, 0))
	rec.Generation = 3
	c := rec.Clone()
	c.Entry("a").State = StateEnqueued
	c.Generation++
	if rec.Entry("a").State != StatePending || rec.Generation != 3 {
		t.Fatalf("clone shares state with the original: %+v", rec)
	}
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := NewRecord("b1", testManifest("a"), time.Now())
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, NewRecord("b1", testManifest("a"), time.Now())); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	loaded, err := s.Load(ctx, "b1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded.Entries[0].State = StateEnqueued
	if err := s.Update(ctx, loaded); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// rec still carries the old generation.
	err = s.Update(ctx, rec)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var rerr *RegistryError
	if !errors.As(err, &rerr) || rerr.Op != "update" || rerr.BatchID != "b1" {
		t.Fatalf("expected a RegistryError naming the batch, got %#v", err)
	}

	again, err := s.Load(ctx, "b1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.Entries[0].State != StateEnqueued {
		t.Fatalf("update was lost: %+v", again.Entries[0])
	}

	if _, err := s.Load(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Create(ctx, NewRecord(id, testManifest("x"), base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	infos, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 || infos[0].BatchID != "new" || infos[1].BatchID != "mid" {
		t.Fatalf("unexpected order: %+v", infos)
	}
}

type brokenStore struct {
	err error
}

func (b brokenStore) Create(context.Context, *Record) error { return b.err }
func (b brokenStore) Load(_ context.Context, id string) (*Record, error) {
	return nil, wrap("load", id, b.err)
}
func (b brokenStore) Update(context.Context, *Record) error { return b.err }
func (b brokenStore) List(context.Context, int) ([]BatchInfo, error) {
	return nil, wrap("list", "", b.err)
}
func (b brokenStore) URI(id string) string { return "gs://broken/" + id }

func TestCachedStoreFallsBackOnlyWhenAllowed(t *testing.T) {
	ctx := context.Background()
	local := openTestStore(t)
	rec := NewRecord("b1", testManifest("a"), time.Now())
	rec.Generation = 7
	if err := local.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	remote := brokenStore{err: errors.New("dial tcp: connection refused")}

	strict := &CachedStore{Remote: remote, Local: local}
	if _, err := strict.Load(ctx, "b1"); err == nil {
		t.Fatalf("strict store must surface the registry error")
	}

	lenient := &CachedStore{Remote: remote, Local: local, Fallback: true}
	got, err := lenient.Load(ctx, "b1")
	if err != nil {
		t.Fatalf("Load with fallback: %v", err)
	}
	if got.BatchID != "b1" || got.Generation != 7 {
		t.Fatalf("unexpected cached record: %+v", got)
	}
	infos, err := lenient.List(ctx, 10)
	if err != nil || len(infos) != 1 {
		t.Fatalf("List with fallback = %v, %v", infos, err)
	}

	missing := &CachedStore{Remote: brokenStore{err: ErrNotFound}, Local: local, Fallback: true}
	if _, err := missing.Load(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("a missing remote record must not be served from cache, got %v", err)
	}
}
