package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Lllllllleong/docbatch/internal/models"
)

func TestNextCount(t *testing.T) {
	cases := []struct {
		active, max, want int
		full              bool
	}{
		{0, 5, 1, false},
		{4, 5, 5, false},
		{5, 5, 5, true},
		{7, 5, 7, true},
	}
	for _, tc := range cases {
		got, err := nextCount(tc.active, tc.max)
		if errors.Is(err, ErrAtCapacity) != tc.full {
			t.Fatalf("nextCount(%d, %d) err=%v, want full=%v", tc.active, tc.max, err, tc.full)
		}
		if got != tc.want {
			t.Fatalf("nextCount(%d, %d) = %d, want %d", tc.active, tc.max, got, tc.want)
		}
	}
}

func TestAlreadyStarted(t *testing.T) {
	first := models.AdmissionMessage{DocumentID: "a"}
	rerun := models.AdmissionMessage{DocumentID: "a", RerunID: "r1", StartStep: "extract"}
	cases := []struct {
		doc  models.Document
		msg  models.AdmissionMessage
		want bool
	}{
		{models.Document{Status: models.TrackingQueued}, first, false},
		{models.Document{Status: models.TrackingRunning, WorkflowExecutionID: "exec-1"}, first, true},
		{models.Document{Status: models.TrackingCompleted, WorkflowExecutionID: "exec-1"}, first, true},
		{models.Document{Status: models.TrackingFailed, WorkflowExecutionID: "exec-1"}, first, false},
		// A record reset for a rerun admits that rerun once.
		{models.Document{Status: models.TrackingQueued, RerunID: "r1"}, rerun, false},
		{models.Document{Status: models.TrackingRunning, RerunID: "r1", WorkflowExecutionID: "exec-2"}, rerun, true},
		{models.Document{Status: models.TrackingQueued, RerunID: "r1"}, first, true},
		{models.Document{Status: models.TrackingQueued, RerunID: "r2"}, rerun, true},
	}
	for _, tc := range cases {
		if got := alreadyStarted(&tc.doc, tc.msg); got != tc.want {
			t.Fatalf("alreadyStarted(%+v, %+v) = %v, want %v", tc.doc, tc.msg, got, tc.want)
		}
	}
}

func TestQueuedRecord(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := models.AdmissionMessage{DocumentID: "a/x", BatchID: "b1", StagedKey: "b1/a/x.pdf", StagingBucket: "stage", PageCount: 3, RerunID: "r1"}
	rec := queuedRecord(msg, now)
	if rec.Status != models.TrackingQueued || !rec.QueuedAt.Equal(now) {
		t.Fatalf("record = %+v", rec)
	}
	if rec.DocumentID != "a/x" || rec.StagedKey != "b1/a/x.pdf" || rec.PageCount != 3 || rec.RerunID != "r1" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestParseFileTypes(t *testing.T) {
	cases := []struct {
		in   string
		want []string
		ok   bool
	}{
		{"", []string{FileTypeAll}, true},
		{"all", []string{FileTypeAll}, true},
		{"pages, Sections", []string{"pages", "sections"}, true},
		{"pages,all", []string{FileTypeAll}, true},
		{"evaluation", nil, false},
	}
	for _, tc := range cases {
		got, err := ParseFileTypes(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("ParseFileTypes(%q) err=%v", tc.in, err)
		}
		if tc.ok && !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ParseFileTypes(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMatchesFileTypes(t *testing.T) {
	key := "b1/doc/sections/1.json"
	if !MatchesFileTypes(key, []string{FileTypeAll}) {
		t.Fatal("all should match")
	}
	if !MatchesFileTypes(key, []string{"pages", "sections"}) {
		t.Fatal("sections should match")
	}
	if MatchesFileTypes(key, []string{"summary"}) {
		t.Fatal("summary should not match")
	}
	if MatchesFileTypes("b1/doc/sections/", nil) {
		t.Fatal("folder placeholders are skipped")
	}
}

func TestLocalResultPath(t *testing.T) {
	got, err := LocalResultPath("/out", "b1/doc/pages/1.json")
	if err != nil || got != filepath.Join("/out", "b1", "doc", "pages", "1.json") {
		t.Fatalf("LocalResultPath = %q, %v", got, err)
	}
	for _, key := range []string{"b1/../../etc/passwd", "..", "/"} {
		if _, err := LocalResultPath("/out", key); err == nil {
			t.Fatalf("expected %q to be refused", key)
		}
	}
}

type fakeLister struct {
	names []string
}

func (f *fakeLister) ListObjects(ctx context.Context, bucket, prefix string, recursive bool) ([]string, error) {
	var out []string
	for _, n := range f.names {
		if len(n) >= len(prefix) && n[:len(prefix)] == prefix {
			out = append(out, n)
		}
	}
	return out, nil
}

func TestDownload(t *testing.T) {
	d := &ResultsDownloader{
		lister: &fakeLister{names: []string{
			"b1/doc-a/pages/1.json",
			"b1/doc-a/summary/summary.md",
			"b1/doc-b/pages/1.json",
			"b2/doc-c/pages/1.json",
		}},
		open: func(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewBufferString(name)), nil
		},
		bucket:  "output",
		workers: 2,
	}
	out := t.TempDir()

	resp, err := d.Download(context.Background(), models.ResultsDownloadRequest{BatchID: "b1", OutputDir: out, FileTypes: []string{"pages"}})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if resp.FilesDownloaded != 2 || resp.DocumentsDownloaded != 2 {
		t.Fatalf("response = %+v", resp)
	}
	content, err := os.ReadFile(filepath.Join(out, "b1", "doc-b", "pages", "1.json"))
	if err != nil || string(content) != "b1/doc-b/pages/1.json" {
		t.Fatalf("content = %q, %v", content, err)
	}
	if _, err := os.Stat(filepath.Join(out, "b1", "doc-a", "summary", "summary.md")); !os.IsNotExist(err) {
		t.Fatalf("summary should not be downloaded: %v", err)
	}
}

func TestDownloadOpenFailure(t *testing.T) {
	d := &ResultsDownloader{
		lister: &fakeLister{names: []string{"b1/doc/pages/1.json"}},
		open: func(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
			return nil, errors.New("boom")
		},
		bucket:  "output",
		workers: 1,
	}
	if _, err := d.Download(context.Background(), models.ResultsDownloadRequest{BatchID: "b1", OutputDir: t.TempDir()}); err == nil {
		t.Fatal("expected download error")
	}
}
