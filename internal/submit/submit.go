// Package submit stages the documents of a manifest and enqueues one
// admission message per document, recording every outcome in the batch
// registry so a rerun never enqueues a document twice.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/docbatch/internal/admission"
	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/registry"
	"github.com/Lllllllleong/docbatch/internal/staging"
)

// DefaultWorkers bounds concurrent transfers and enqueues.
const DefaultWorkers = 10

// persistTimeout bounds each registry write of submission outcomes. The
// writes outlive cancellation of the submission itself.
const persistTimeout = 30 * time.Second

// Options tunes a Submitter.
type Options struct {
	Workers int
	// Steps overrides the manifest's processing steps when set.
	Steps []string
	Now   func() time.Time
}

// Submitter runs submissions. It is safe to reuse across batches.
type Submitter struct {
	store    registry.Store
	stager   staging.Stager
	admitter admission.Admitter
	workers  int
	steps    []string
	now      func() time.Time
}

// New returns a Submitter.
func New(store registry.Store, stager staging.Stager, admitter admission.Admitter, opts Options) *Submitter {
	s := &Submitter{
		store:    store,
		stager:   stager,
		admitter: admitter,
		workers:  opts.Workers,
		steps:    opts.Steps,
		now:      opts.Now,
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Result reports one submission run.
type Result struct {
	// Batch holds every enqueued entry, from this run or an earlier one.
	Batch *models.Batch
	// Enqueued lists document IDs enqueued by this run.
	Enqueued []string
	// Skipped lists document IDs a previous run already enqueued.
	Skipped []string
	// Failed holds a *TransferError or *EnqueueError per failed entry, in
	// manifest order.
	Failed []error
	// NoOp is set when every entry was already enqueued.
	NoOp bool
	// Added counts manifest entries appended to an existing batch.
	Added int
}

// outcome is what happened to one entry during this run.
type outcome struct {
	documentID string
	stagedKey  string
	trackingID string
	pageCount  int
	state      registry.EntryState
	err        error
	enqueuedAt time.Time
}

// Submit stages and enqueues the manifest under batchID. The registry
// record exists before anything is transferred; a registry failure at that
// point aborts the submission.
func (s *Submitter) Submit(ctx context.Context, m *models.Manifest, batchID string) (*Result, error) {
	if err := models.ValidateBatchID(batchID); err != nil {
		return nil, err
	}
	logCtx := slog.With("batchId", batchID)

	rec, added, err := s.prepareRecord(ctx, m, batchID)
	if err != nil {
		return nil, err
	}
	if added > 0 {
		logCtx.Warn("Adding documents to an existing batch.", "added", added, "documents", len(rec.Entries))
	}

	steps := s.steps
	if len(steps) == 0 {
		steps = m.Steps
	}
	if len(steps) == 0 {
		steps = rec.Steps
	}

	res := &Result{Added: added}
	var pending []models.ManifestEntry
	for _, e := range m.Entries {
		if entry := rec.Entry(e.DocumentID); entry != nil && entry.State == registry.StateEnqueued {
			res.Skipped = append(res.Skipped, e.DocumentID)
			continue
		}
		pending = append(pending, e)
	}
	if len(pending) == 0 {
		logCtx.Warn("Every document in the manifest is already enqueued. Nothing to submit.", "documents", len(res.Skipped))
		res.NoOp = true
		res.Batch = rec.Batch(s.store.URI(batchID))
		return res, nil
	}
	if len(res.Skipped) > 0 {
		logCtx.Info("Resuming batch.", "alreadyEnqueued", len(res.Skipped), "remaining", len(pending))
	}

	// Enqueued entries are recorded one at a time as they complete.
	var mu sync.Mutex
	outcomes := make([]outcome, len(pending))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workers)
	for i, entry := range pending {
		eg.Go(func() error {
			o := s.process(gctx, logCtx, batchID, steps, entry)
			outcomes[i] = o
			if o.state != registry.StateEnqueued {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			updated, err := s.persist(ctx, batchID, rec, []outcome{o})
			if err != nil {
				logCtx.Warn("Failed to record enqueued document. It is recorded with the rest of the batch.", "documentId", o.documentID, "error", err)
				return nil
			}
			rec = updated
			return nil
		})
	}
	_ = eg.Wait()

	for _, o := range outcomes {
		switch o.state {
		case registry.StateEnqueued:
			res.Enqueued = append(res.Enqueued, o.documentID)
		default:
			res.Failed = append(res.Failed, o.err)
		}
	}

	rec, err = s.persist(ctx, batchID, rec, outcomes)
	if err != nil {
		logCtx.Error("Failed to record submission outcomes.", "error", err)
		return res, err
	}
	res.Batch = rec.Batch(s.store.URI(batchID))
	if err := ctx.Err(); err != nil {
		logCtx.Warn("Submission interrupted. Resubmit with the same batch ID to finish it.", "enqueued", len(res.Enqueued), "failed", len(res.Failed))
		return res, err
	}
	logCtx.Info("Submission finished.", "enqueued", len(res.Enqueued), "failed", len(res.Failed), "skipped", len(res.Skipped))
	return res, nil
}

// prepareRecord loads the batch record, creating it when the batch is new
// and recording manifest entries the record does not know yet.
// The second result counts entries added to an existing record.
func (s *Submitter) prepareRecord(ctx context.Context, m *models.Manifest, batchID string) (*registry.Record, int, error) {
	rec, err := s.store.Load(ctx, batchID)
	switch {
	case err == nil:
		added := rec.Merge(m)
		if added > 0 {
			rec.UpdatedAt = s.now().UTC()
			if err := s.store.Update(ctx, rec); err != nil {
				return nil, 0, fmt.Errorf("failed to add %d entries to batch %s: %w", added, batchID, err)
			}
		}
		return rec, added, nil
	case errors.Is(err, registry.ErrNotFound):
		rec = registry.NewRecord(batchID, m, s.now())
		if len(s.steps) > 0 {
			rec.Steps = s.steps
		}
		if err := s.store.Create(ctx, rec); err != nil {
			if errors.Is(err, registry.ErrExists) {
				return s.prepareRecord(ctx, m, batchID)
			}
			return nil, 0, fmt.Errorf("failed to create registry record for %s: %w", batchID, err)
		}
		return rec, 0, nil
	default:
		return nil, 0, fmt.Errorf("failed to load registry record for %s: %w", batchID, err)
	}
}

// process stages one entry and enqueues it. Failures stay with the entry.
func (s *Submitter) process(ctx context.Context, logCtx *slog.Logger, batchID string, steps []string, entry models.ManifestEntry) outcome {
	logCtx = logCtx.With("documentId", entry.DocumentID)
	o := outcome{documentID: entry.DocumentID}

	key := staging.StagedKey(batchID, entry.RelativePath)
	obj, err := s.stager.Stage(ctx, batchID, entry, key)
	if err != nil {
		o.state = registry.StateTransferFailed
		o.err = &TransferError{DocumentID: entry.DocumentID, Reason: Classify(err), Err: err}
		logCtx.Error("Failed to stage document.", "source", entry.SourceRef, "error", err)
		return o
	}
	o.stagedKey = obj.Key
	o.trackingID = models.TrackingID(obj.Key)
	o.pageCount = obj.PageCount

	if entry.BaselineRef != "" {
		n, err := s.stager.StageBaseline(ctx, entry.BaselineRef, obj.Key)
		if err != nil {
			logCtx.Warn("Failed to stage baseline. Continuing without it.", "baseline", entry.BaselineRef, "error", err)
		} else if n > 0 {
			logCtx.Debug("Baseline staged.", "files", n)
		}
	}

	msg := models.AdmissionMessage{
		DocumentID:    entry.DocumentID,
		BatchID:       batchID,
		StagedKey:     obj.Key,
		StagingBucket: obj.Bucket,
		TrackingID:    o.trackingID,
		Steps:         steps,
		PageCount:     obj.PageCount,
	}
	if err := s.admitter.Admit(ctx, msg); err != nil {
		o.state = registry.StateEnqueueFailed
		o.err = &EnqueueError{DocumentID: entry.DocumentID, Reason: Classify(err), Err: err}
		logCtx.Error("Failed to enqueue document.", "stagedKey", obj.Key, "error", err)
		return o
	}
	o.state = registry.StateEnqueued
	o.enqueuedAt = s.now().UTC()
	logCtx.Debug("Document enqueued.", "stagedKey", obj.Key, "trackingId", o.trackingID)
	return o
}

// persist writes outcomes with a generation-matched update, reloading and
// reapplying them when another writer got there first. It ignores
// cancellation of ctx: outcomes of work already done are always written.
func (s *Submitter) persist(ctx context.Context, batchID string, rec *registry.Record, outcomes []outcome) (*registry.Record, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	current := rec.Clone()
	err := retry.Do(
		func() error {
			apply(current, outcomes, s.now().UTC())
			err := s.store.Update(ctx, current)
			if errors.Is(err, registry.ErrConflict) {
				reloaded, loadErr := s.store.Load(ctx, batchID)
				if loadErr != nil {
					return retry.Unrecoverable(loadErr)
				}
				current = reloaded
				return err
			}
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record outcomes for batch %s: %w", batchID, err)
	}
	return current, nil
}

func apply(rec *registry.Record, outcomes []outcome, now time.Time) {
	for _, o := range outcomes {
		entry := rec.Entry(o.documentID)
		if entry == nil {
			continue
		}
		// Never downgrade an entry another run managed to enqueue.
		if entry.State == registry.StateEnqueued && o.state != registry.StateEnqueued {
			continue
		}
		entry.State = o.state
		entry.StagedKey = o.stagedKey
		entry.TrackingID = o.trackingID
		entry.PageCount = o.pageCount
		entry.Reason, entry.Error, entry.EnqueuedAt = "", "", nil
		if o.err != nil {
			entry.Error = o.err.Error()
			entry.Reason = string(reasonOf(o.err))
		}
		if !o.enqueuedAt.IsZero() {
			t := o.enqueuedAt
			entry.EnqueuedAt = &t
		}
	}
	rec.UpdatedAt = now
}

func reasonOf(err error) Reason {
	var terr *TransferError
	if errors.As(err, &terr) {
		return terr.Reason
	}
	var eerr *EnqueueError
	if errors.As(err, &eerr) {
		return eerr.Reason
	}
	return Classify(err)
}
