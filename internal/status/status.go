// Package status derives a batch summary from the per-document tracking
// records. Every pass is computed from scratch and nothing is cached.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/docbatch/internal/models"
	"github.com/Lllllllleong/docbatch/internal/tracking"
)

const (
	DefaultConcurrency   = 16
	DefaultLookupTimeout = 10 * time.Second
)

// Options bounds one aggregation pass.
type Options struct {
	Concurrency   int
	LookupTimeout time.Duration
}

// Aggregator turns tracking lookups into a BatchSummary.
type Aggregator struct {
	tracker     tracking.Tracker
	concurrency int
	timeout     time.Duration
}

// NewAggregator returns an Aggregator reading from tracker.
func NewAggregator(tracker tracking.Tracker, opts Options) *Aggregator {
	a := &Aggregator{tracker: tracker, concurrency: opts.Concurrency, timeout: opts.LookupTimeout}
	if a.concurrency <= 0 {
		a.concurrency = DefaultConcurrency
	}
	if a.timeout <= 0 {
		a.timeout = DefaultLookupTimeout
	}
	return a
}

// Aggregate looks up every document of the batch. A failed or missing
// lookup makes that document UNKNOWN; only cancellation of ctx fails the
// whole pass.
func (a *Aggregator) Aggregate(ctx context.Context, batch *models.Batch) (*models.BatchSummary, error) {
	results := make([]models.DocumentResult, len(batch.Entries))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	for i, doc := range batch.Entries {
		eg.Go(func() error {
			results[i] = a.lookup(gctx, doc)
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(batch.Entries))
	for i, doc := range batch.Entries {
		ids[i] = doc.DocumentID
	}
	return Reduce(batch.ID, ids, results), nil
}

func (a *Aggregator) lookup(ctx context.Context, doc models.BatchDocument) models.DocumentResult {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	record, err := a.tracker.Lookup(ctx, doc)
	if err != nil {
		if !errors.Is(err, tracking.ErrNoRecord) {
			slog.Debug("Tracking lookup failed. Reporting UNKNOWN.", "documentId", doc.DocumentID, "error", err)
		}
		return models.DocumentResult{Status: models.StatusUnknown}
	}
	return FromRecord(record)
}

// FromRecord converts a tracking record into a document result.
func FromRecord(record *models.Document) models.DocumentResult {
	return models.DocumentResult{
		Status:      Normalize(record.Status),
		Duration:    record.Duration(),
		Error:       record.ErrorDetails,
		FailedStep:  record.FailedStep,
		CurrentStep: currentStep(record),
		CompletedAt: record.CompletedAt,
	}
}

func currentStep(record *models.Document) string {
	if record.CurrentStep != "" {
		return record.CurrentStep
	}
	if Normalize(record.Status) == models.StatusRunning && record.Status != models.TrackingRunning {
		return record.Status
	}
	return ""
}

// Normalize maps backend status strings onto the client-side lifecycle.
func Normalize(backend string) models.DocumentStatus {
	switch backend {
	case models.TrackingCompleted:
		return models.StatusCompleted
	case models.TrackingFailed, models.TrackingAborted:
		return models.StatusFailed
	case models.TrackingRunning,
		models.TrackingValidating,
		models.TrackingSplitting,
		models.TrackingTranslating,
		models.TrackingAggregating,
		models.TrackingCleaning,
		models.TrackingClassifying,
		models.TrackingExtracting,
		models.TrackingAssessing,
		models.TrackingSummarizing,
		models.TrackingEvaluating:
		return models.StatusRunning
	default:
		return models.StatusQueued
	}
}

// Reduce builds the summary for documents ids with their results. A batch
// is terminal only when it has documents and every one is COMPLETED or
// FAILED.
func Reduce(batchID string, ids []string, results []models.DocumentResult) *models.BatchSummary {
	s := &models.BatchSummary{
		BatchID:   batchID,
		Total:     len(ids),
		Counts:    make(map[models.DocumentStatus]int, len(models.AllStatuses)),
		Documents: make(map[string]models.DocumentResult, len(ids)),
		Order:     ids,
	}
	for _, st := range models.AllStatuses {
		s.Counts[st] = 0
	}
	terminal := len(ids) > 0
	for i, id := range ids {
		r := results[i]
		s.Documents[id] = r
		s.Counts[r.Status]++
		if !r.Status.IsTerminal() {
			terminal = false
		}
	}
	s.IsTerminal = terminal
	return s
}
