package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/monitor"
	"github.com/Lllllllleong/docbatch/internal/registry"
	"github.com/Lllllllleong/docbatch/internal/rerun"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// isolateConfig keeps the developer's own config out of the test.
func isolateConfig(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		switch {
		case strings.HasPrefix(name, "DOCBATCH_"),
			name == "PROJECT_ID", name == "GOOGLE_CLOUD_PROJECT", name == "STAGING_BUCKET":
			t.Setenv(name, "")
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err   error
		want  int
		print bool
	}{
		{nil, exitOK, false},
		{errors.New("boom"), exitFailure, true},
		{context.Canceled, exitCancelled, false},
		{withCode(exitTimedOut, errors.New("late")), exitTimedOut, true},
		{withCode(exitFailure, nil), exitFailure, false},
		{withCode(exitCancelled, nil), exitCancelled, false},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
		if got := shouldPrint(tc.err); got != tc.print {
			t.Fatalf("shouldPrint(%v) = %v, want %v", tc.err, got, tc.print)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	if _, err := newLogger(&buf, "debug", "json"); err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if _, err := newLogger(&buf, "loud", "text"); err == nil {
		t.Fatal("expected invalid level error")
	}
	if _, err := newLogger(&buf, "info", "xml"); err == nil {
		t.Fatal("expected invalid format error")
	}
}

func TestUnsupportedOutput(t *testing.T) {
	isolateConfig(t)
	if _, err := runCLI(t, "validate", "--manifest", "m.csv", "--output", "xml"); err == nil {
		t.Fatal("expected unsupported output error")
	}
}

func TestValidateCommand(t *testing.T) {
	isolateConfig(t)
	dir := t.TempDir()
	doc := filepath.Join(dir, "a.pdf")
	writeFile(t, doc, "%PDF-1.4")

	good := filepath.Join(dir, "good.csv")
	writeFile(t, good, "document_path\n"+doc+"\n")
	out, err := runCLI(t, "validate", "--manifest", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid: 1 document(s)") {
		t.Fatalf("unexpected output %q", out)
	}

	bad := filepath.Join(dir, "bad.csv")
	writeFile(t, bad, "document_path,document_id\n"+doc+",dup\n"+doc+",dup\n")
	out, err = runCLI(t, "validate", "--manifest", bad)
	if exitCode(err) != exitFailure || shouldPrint(err) {
		t.Fatalf("expected silent exit 1, got %v", err)
	}
	if !strings.Contains(out, "rows 2, 3") {
		t.Fatalf("expected both rows named, got %q", out)
	}

	out, err = runCLI(t, "validate", "--manifest", bad, "--output", "json")
	if exitCode(err) != exitFailure {
		t.Fatalf("expected exit 1, got %v", err)
	}
	var view validationView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if view.Valid || len(view.Problems) != 1 || len(view.Problems[0].Rows) != 2 {
		t.Fatalf("view = %+v", view)
	}
}

func TestGenerateManifestRoundTrip(t *testing.T) {
	isolateConfig(t)
	docs := t.TempDir()
	writeFile(t, filepath.Join(docs, "a", "x.pdf"), "%PDF")
	writeFile(t, filepath.Join(docs, "b", "x.pdf"), "%PDF")
	writeFile(t, filepath.Join(docs, "top.pdf"), "%PDF")
	writeFile(t, filepath.Join(docs, "notes.txt"), "skip")

	baselines := t.TempDir()
	if err := os.MkdirAll(filepath.Join(baselines, "top.pdf"), 0o755); err != nil {
		t.Fatal(err)
	}

	manifestPath := filepath.Join(t.TempDir(), "manifest.csv")
	out, err := runCLI(t, "generate-manifest", "--dir", docs, "--baseline-dir", baselines, "--output", manifestPath)
	if err != nil {
		t.Fatalf("generate-manifest: %v", err)
	}
	if !strings.Contains(out, "Wrote 3 document(s)") || !strings.Contains(out, "Matched 1/3") {
		t.Fatalf("unexpected output %q", out)
	}

	f, err := os.Open(manifestPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]string{}
	for _, r := range records[1:] {
		ids[filepath.Base(filepath.Dir(r[0]))+"/"+filepath.Base(r[0])] = r[1]
		if filepath.Base(r[0]) == "top.pdf" && r[2] != filepath.Join(baselines, "top.pdf") {
			t.Fatalf("baseline not matched: %v", r)
		}
	}
	if ids["a/x.pdf"] != "a/x" || ids["b/x.pdf"] != "b/x" {
		t.Fatalf("nested documents need explicit IDs: %v", ids)
	}

	if _, err := runCLI(t, "validate", "--manifest", manifestPath); err != nil {
		t.Fatalf("generated manifest does not validate: %v", err)
	}
}

func TestGenerateManifestNeedsSource(t *testing.T) {
	isolateConfig(t)
	if _, err := runCLI(t, "generate-manifest", "--output", filepath.Join(t.TempDir(), "m.csv")); err == nil {
		t.Fatal("expected an error without --dir or --gs-uri")
	}
}

func TestListBatchesLocalRegistry(t *testing.T) {
	isolateConfig(t)
	cachePath := filepath.Join(t.TempDir(), "registry.db")
	cfgPath := filepath.Join(t.TempDir(), "docbatch.yaml")
	writeFile(t, cfgPath, "registry:\n  cache_path: "+cachePath+"\n")

	store, err := registry.OpenSQLiteStore(cachePath)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := &models.Manifest{Entries: []models.ManifestEntry{{DocumentID: "doc", SourceRef: "/tmp/doc.pdf", Kind: models.KindLocal, RelativePath: "doc.pdf"}}}
	for i, id := range []string{"older", "newer"} {
		if err := store.Create(context.Background(), registry.NewRecord(id, m, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	store.Close()

	out, err := runCLI(t, "--config", cfgPath, "list-batches", "--output", "json")
	if err != nil {
		t.Fatalf("list-batches: %v", err)
	}
	var infos []registry.BatchInfo
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(infos) != 2 || infos[0].BatchID != "newer" || infos[1].BatchID != "older" {
		t.Fatalf("infos = %+v", infos)
	}

	out, err = runCLI(t, "--config", cfgPath, "list-batches", "--limit", "1")
	if err != nil {
		t.Fatalf("list-batches: %v", err)
	}
	if !strings.Contains(out, "newer") || strings.Contains(out, "older") {
		t.Fatalf("unexpected table %q", out)
	}
}

func TestStatusRequiresBatchID(t *testing.T) {
	isolateConfig(t)
	if _, err := runCLI(t, "status"); err == nil {
		t.Fatal("expected missing --batch-id error")
	}
	if _, err := runCLI(t, "status", "--batch-id", "bad id!"); err == nil {
		t.Fatal("expected invalid batch ID error")
	}
}

func TestSubmitRequiresConfig(t *testing.T) {
	isolateConfig(t)
	_, err := runCLI(t, "submit", "--dir", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "staging.bucket") {
		t.Fatalf("expected missing staging bucket, got %v", err)
	}
}

type scriptedAggregator struct {
	summaries []*models.BatchSummary
	calls     int
}

func (a *scriptedAggregator) Aggregate(ctx context.Context, batch *models.Batch) (*models.BatchSummary, error) {
	s := a.summaries[a.calls]
	if a.calls < len(a.summaries)-1 {
		a.calls++
	}
	return s, nil
}

func summaryOf(terminal bool, counts map[models.DocumentStatus]int) *models.BatchSummary {
	total := 0
	for _, n := range counts {
		total += n
	}
	return &models.BatchSummary{BatchID: "b1", Total: total, Counts: counts, Documents: map[string]models.DocumentResult{}, IsTerminal: terminal}
}

func TestWatchExitCodes(t *testing.T) {
	batch := &models.Batch{ID: "b1", Entries: []models.BatchDocument{{DocumentID: "d"}}}
	running := summaryOf(false, map[models.DocumentStatus]int{models.StatusRunning: 1})
	done := summaryOf(true, map[models.DocumentStatus]int{models.StatusCompleted: 1})
	failed := summaryOf(true, map[models.DocumentStatus]int{models.StatusFailed: 1})

	c := &commandContext{output: outputJSON}
	opts := watchOptions{interval: time.Millisecond}

	var out bytes.Buffer
	if err := c.watch(context.Background(), &out, &scriptedAggregator{summaries: []*models.BatchSummary{running, done}}, batch, opts); err != nil {
		t.Fatalf("watch: %v", err)
	}
	var view statusView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil || !view.IsTerminal {
		t.Fatalf("final view %q: %v", out.String(), err)
	}

	err := c.watch(context.Background(), &bytes.Buffer{}, &scriptedAggregator{summaries: []*models.BatchSummary{failed}}, batch, opts)
	if exitCode(err) != exitFailure {
		t.Fatalf("failed batch: got %v", err)
	}

	timeout := watchOptions{interval: time.Millisecond, timeout: 20 * time.Millisecond}
	err = c.watch(context.Background(), &bytes.Buffer{}, &scriptedAggregator{summaries: []*models.BatchSummary{running}}, batch, timeout)
	if exitCode(err) != exitTimedOut {
		t.Fatalf("timeout: got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.watch(ctx, &bytes.Buffer{}, &scriptedAggregator{summaries: []*models.BatchSummary{running}}, batch, opts)
	if exitCode(err) != exitCancelled {
		t.Fatalf("cancel: got %v", err)
	}
}

type deadlineAggregator struct {
	budget time.Duration
	ok     bool
}

func (a *deadlineAggregator) Aggregate(ctx context.Context, batch *models.Batch) (*models.BatchSummary, error) {
	deadline, set := ctx.Deadline()
	a.ok = set && time.Until(deadline) <= a.budget
	return summaryOf(true, map[models.DocumentStatus]int{models.StatusCompleted: 1}), nil
}

func TestWatchBoundsEachPoll(t *testing.T) {
	batch := &models.Batch{ID: "b1", Entries: []models.BatchDocument{{DocumentID: "d"}}}
	agg := &deadlineAggregator{budget: 250 * time.Millisecond}
	c := &commandContext{output: outputJSON}
	opts := watchOptions{interval: time.Millisecond, pollTimeout: agg.budget}
	if err := c.watch(context.Background(), &bytes.Buffer{}, agg, batch, opts); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !agg.ok {
		t.Fatalf("aggregation was not bounded by the configured poll timeout")
	}
}

func TestFinishRendersTable(t *testing.T) {
	c := &commandContext{output: outputTable}
	last := summaryOf(true, map[models.DocumentStatus]int{models.StatusCompleted: 2})
	var out bytes.Buffer
	if err := c.finish(&out, monitor.Outcome{State: monitor.StateTerminal, Last: last}, watchOptions{}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !strings.Contains(out.String(), "Batch b1") || !strings.Contains(out.String(), "COMPLETED") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRerunFlagsAndConfig(t *testing.T) {
	isolateConfig(t)
	if _, err := runCLI(t, "rerun", "--batch-id", "b1"); err == nil || !strings.Contains(err.Error(), "step") {
		t.Fatalf("expected a missing --step error, got %v", err)
	}
	_, err := runCLI(t, "rerun", "--batch-id", "b1", "--step", "extract")
	if err == nil || !strings.Contains(err.Error(), "staging.bucket") || !strings.Contains(err.Error(), "project_id") {
		t.Fatalf("expected missing staging and tracking settings, got %v", err)
	}
}

func TestRenderRerun(t *testing.T) {
	req := rerun.Request{BatchID: "b1", Step: "extract"}
	res := &rerun.Result{
		RerunID:  "r1",
		Admitted: []string{"a"},
		Skipped:  []rerun.Skipped{{DocumentID: "c", Reason: rerun.SkipInFlight}},
		Failed:   []error{&rerun.ResetError{DocumentID: "d", Err: errors.New("deadline")}},
	}

	var out bytes.Buffer
	if err := (&commandContext{output: outputTable}).renderRerun(&out, req, res); err != nil {
		t.Fatalf("renderRerun: %v", err)
	}
	for _, want := range []string{"Rerun r1 of batch b1 from step extract", rerun.SkipInFlight, "reset"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("table output lacks %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := (&commandContext{output: outputJSON}).renderRerun(&out, req, res); err != nil {
		t.Fatalf("renderRerun: %v", err)
	}
	var view rerunView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if view.RerunID != "r1" || len(view.Skipped) != 1 || len(view.Failed) != 1 || view.Failed[0].Stage != "reset" {
		t.Fatalf("unexpected view: %+v", view)
	}
}
