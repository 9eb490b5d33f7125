package tracking

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/docbatch/internal/gcp"
	"github.com/Lllllllleong/docbatch/internal/models"
)

// ErrInFlight is returned when a rerun is asked for a document that has
// not finished processing.
var ErrInFlight = errors.New("document is still being processed")

// Resetter prepares tracking records for a rerun.
type Resetter interface {
	// Reset returns a finished record to QUEUED under rerunID. It fails
	// with ErrNoRecord or ErrInFlight without writing anything.
	Reset(ctx context.Context, doc models.BatchDocument, rerunID string) error
	// Fail marks a reset record FAILED when its rerun could not be enqueued.
	Fail(ctx context.Context, doc models.BatchDocument, cause error) error
}

// Reset checks and resets the record in one transaction.
func (t *FirestoreTracker) Reset(ctx context.Context, doc models.BatchDocument, rerunID string) error {
	ref := t.ref(doc)
	err := t.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if gcp.IsFirestoreNotFound(err) {
				return ErrNoRecord
			}
			return err
		}
		var record models.Document
		if err := snap.DataTo(&record); err != nil {
			return fmt.Errorf("decode tracking record: %w", err)
		}
		if err := CheckRerunnable(&record); err != nil {
			return err
		}
		return tx.Update(ref, resetUpdates(rerunID))
	})
	if err != nil {
		return fmt.Errorf("failed to reset tracking record of %s: %w", doc.DocumentID, err)
	}
	return nil
}

// Fail records why the rerun of doc never started.
func (t *FirestoreTracker) Fail(ctx context.Context, doc models.BatchDocument, cause error) error {
	if _, err := t.ref(doc).Update(ctx, failUpdates(cause)); err != nil {
		return fmt.Errorf("failed to mark %s FAILED: %w", doc.DocumentID, err)
	}
	return nil
}

// CheckRerunnable returns ErrInFlight unless record has finished.
func CheckRerunnable(record *models.Document) error {
	if !isTerminal(record.Status) {
		return fmt.Errorf("%w (status %s)", ErrInFlight, record.Status)
	}
	return nil
}

func resetUpdates(rerunID string) []firestore.Update {
	return []firestore.Update{
		{Path: "status", Value: models.TrackingQueued},
		{Path: "rerunId", Value: rerunID},
		{Path: "queuedAt", Value: firestore.ServerTimestamp},
		{Path: "startedAt", Value: firestore.Delete},
		{Path: "completedAt", Value: firestore.Delete},
		{Path: "currentStep", Value: firestore.Delete},
		{Path: "failedStep", Value: firestore.Delete},
		{Path: "errorDetails", Value: firestore.Delete},
		{Path: "workflowExecutionId", Value: firestore.Delete},
	}
}

func failUpdates(cause error) []firestore.Update {
	return []firestore.Update{
		{Path: "status", Value: models.TrackingFailed},
		{Path: "failedStep", Value: models.TrackingQueued},
		{Path: "errorDetails", Value: "rerun could not be enqueued: " + cause.Error()},
		{Path: "completedAt", Value: firestore.ServerTimestamp},
	}
}
