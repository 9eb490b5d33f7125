// Package rerun sends documents of a recorded batch through the pipeline
// again, starting from a chosen step. Documents are not transferred again:
// the staged copies are reused.
package rerun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/docbatch/internal/admission"
	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/registry"
	"github.com/Lllllllleong/docbatch/internal/submit"
	"github.com/Lllllllleong/docbatch/internal/tracking"
)

const failTimeout = 30 * time.Second

var (
	// ErrNoStep is returned when the request names no step.
	ErrNoStep = errors.New("a step to rerun from is required")
	// ErrNothingToRerun is returned when no selected document can be rerun.
	ErrNothingToRerun = errors.New("no enqueued documents to rerun")
)

// Reasons a document is left out of a rerun.
const (
	SkipNotInBatch  = "not in batch"
	SkipNotEnqueued = "never enqueued"
	SkipInFlight    = "still processing"
	SkipNoRecord    = "not picked up yet"
)

// Request selects the documents to rerun.
type Request struct {
	BatchID string
	// DocumentIDs restricts the rerun; empty means every enqueued document.
	DocumentIDs []string
	Step        string
	// Steps overrides the steps recorded with the batch.
	Steps []string
}

// Skipped is a selected document that was not rerun.
type Skipped struct {
	DocumentID string `json:"document_id" yaml:"document_id"`
	Reason     string `json:"reason" yaml:"reason"`
}

// ResetError is a tracking record that could not be prepared for a rerun.
type ResetError struct {
	DocumentID string
	Err        error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("reset of %s failed: %v", e.DocumentID, e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }

// Result reports one rerun.
type Result struct {
	RerunID string
	// Batch holds the rerun documents so they can be monitored.
	Batch    *models.Batch
	Admitted []string
	Skipped  []Skipped
	// Failed holds a *ResetError or *submit.EnqueueError per document.
	Failed []error
}

// Options tunes a Rerunner.
type Options struct {
	Workers       int
	StagingBucket string
	NewID         func() string
}

// Rerunner resets tracking records and re-admits documents.
type Rerunner struct {
	store    registry.Store
	resetter tracking.Resetter
	admitter admission.Admitter
	bucket   string
	workers  int
	newID    func() string
}

// New returns a Rerunner.
func New(store registry.Store, resetter tracking.Resetter, admitter admission.Admitter, opts Options) *Rerunner {
	r := &Rerunner{
		store:    store,
		resetter: resetter,
		admitter: admitter,
		bucket:   opts.StagingBucket,
		workers:  opts.Workers,
		newID:    opts.NewID,
	}
	if r.workers <= 0 {
		r.workers = submit.DefaultWorkers
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

type outcome struct {
	doc  models.BatchDocument
	skip string
	err  error
}

// Rerun re-admits the selected documents of req.BatchID from req.Step.
// Documents still being processed are skipped, never interrupted.
func (r *Rerunner) Rerun(ctx context.Context, req Request) (*Result, error) {
	if err := models.ValidateBatchID(req.BatchID); err != nil {
		return nil, err
	}
	step := strings.TrimSpace(req.Step)
	if step == "" {
		return nil, ErrNoStep
	}
	rec, err := r.store.Load(ctx, req.BatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", req.BatchID, err)
	}
	steps := req.Steps
	if len(steps) == 0 {
		steps = rec.Steps
	}
	if len(steps) > 0 && !slices.Contains(steps, step) {
		return nil, fmt.Errorf("step %q is not one of the batch's steps (%s)", step, strings.Join(steps, ", "))
	}

	res := &Result{
		RerunID: r.newID(),
		Batch: &models.Batch{
			ID:          rec.BatchID,
			CreatedAt:   rec.CreatedAt,
			Steps:       steps,
			RegistryURI: r.store.URI(rec.BatchID),
			Source:      rec.Source,
		},
	}
	selected, skipped := selectEntries(rec, req.DocumentIDs)
	res.Skipped = skipped
	if len(selected) == 0 {
		return res, fmt.Errorf("%w in batch %s", ErrNothingToRerun, req.BatchID)
	}

	logCtx := slog.With("batchId", rec.BatchID, "rerunId", res.RerunID, "step", step)
	logCtx.Info("Rerunning documents.", "documents", len(selected))

	outcomes := make([]outcome, len(selected))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.workers)
	for i, entry := range selected {
		eg.Go(func() error {
			outcomes[i] = r.rerunOne(gctx, logCtx, rec.BatchID, steps, step, res.RerunID, entry)
			return nil
		})
	}
	_ = eg.Wait()

	for _, o := range outcomes {
		switch {
		case o.skip != "":
			res.Skipped = append(res.Skipped, Skipped{DocumentID: o.doc.DocumentID, Reason: o.skip})
		case o.err != nil:
			res.Failed = append(res.Failed, o.err)
		default:
			res.Admitted = append(res.Admitted, o.doc.DocumentID)
			res.Batch.Entries = append(res.Batch.Entries, o.doc)
		}
	}
	logCtx.Info("Rerun finished.", "admitted", len(res.Admitted), "skipped", len(res.Skipped), "failed", len(res.Failed))
	return res, ctx.Err()
}

func (r *Rerunner) rerunOne(ctx context.Context, logCtx *slog.Logger, batchID string, steps []string, step, rerunID string, entry registry.EntryRecord) outcome {
	logCtx = logCtx.With("documentId", entry.DocumentID)
	doc := models.BatchDocument{
		DocumentID: entry.DocumentID,
		SourceRef:  entry.SourceRef,
		StagedKey:  entry.StagedKey,
		TrackingID: entry.TrackingID,
	}
	o := outcome{doc: doc}

	err := r.resetter.Reset(ctx, doc, rerunID)
	switch {
	case errors.Is(err, tracking.ErrInFlight):
		logCtx.Warn("Document is still being processed. Skipping it.", "error", err)
		o.skip = SkipInFlight
		return o
	case errors.Is(err, tracking.ErrNoRecord):
		logCtx.Warn("Document has no tracking record yet. Skipping it.")
		o.skip = SkipNoRecord
		return o
	case err != nil:
		logCtx.Error("Failed to reset tracking record.", "error", err)
		o.err = &ResetError{DocumentID: entry.DocumentID, Err: err}
		return o
	}

	msg := models.AdmissionMessage{
		DocumentID:    entry.DocumentID,
		BatchID:       batchID,
		StagedKey:     entry.StagedKey,
		StagingBucket: r.bucket,
		TrackingID:    entry.TrackingID,
		Steps:         steps,
		PageCount:     entry.PageCount,
		StartStep:     step,
		RerunID:       rerunID,
	}
	if err := r.admitter.Admit(ctx, msg); err != nil {
		o.err = &submit.EnqueueError{DocumentID: entry.DocumentID, Reason: submit.Classify(err), Err: err}
		logCtx.Error("Failed to enqueue rerun.", "error", err)
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
		if ferr := r.resetter.Fail(failCtx, doc, err); ferr != nil {
			logCtx.Error("Failed to mark document FAILED after a rejected rerun.", "error", ferr)
		}
		return o
	}
	logCtx.Debug("Rerun enqueued.")
	return o
}

// selectEntries picks enqueued entries, all of them or the named ones in
// the given order.
func selectEntries(rec *registry.Record, ids []string) ([]registry.EntryRecord, []Skipped) {
	var (
		selected []registry.EntryRecord
		skipped  []Skipped
	)
	if len(ids) == 0 {
		for _, e := range rec.Entries {
			if e.State == registry.StateEnqueued {
				selected = append(selected, e)
			} else {
				skipped = append(skipped, Skipped{DocumentID: e.DocumentID, Reason: SkipNotEnqueued})
			}
		}
		return selected, skipped
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		e := rec.Entry(id)
		switch {
		case e == nil:
			skipped = append(skipped, Skipped{DocumentID: id, Reason: SkipNotInBatch})
		case e.State != registry.StateEnqueued:
			skipped = append(skipped, Skipped{DocumentID: id, Reason: SkipNotEnqueued})
		default:
			selected = append(selected, *e)
		}
	}
	return selected, skipped
}
