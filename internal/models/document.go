package models

import (
	"encoding/base64"
	"time"
)

// Tracking status values written by the admission processor and the workflow steps.
const (
	TrackingQueued      = "QUEUED"
	TrackingRunning     = "RUNNING"
	TrackingValidating  = "VALIDATING"
	TrackingSplitting   = "SPLITTING"
	TrackingTranslating = "TRANSLATING"
	TrackingAggregating = "AGGREGATING"
	TrackingCleaning    = "CLEANING"
	TrackingClassifying = "CLASSIFYING"
	TrackingExtracting  = "EXTRACTING"
	TrackingAssessing   = "ASSESSING"
	TrackingSummarizing = "SUMMARIZING"
	TrackingEvaluating  = "EVALUATING"
	TrackingCompleted   = "COMPLETED"
	TrackingFailed      = "FAILED"
	TrackingAborted     = "ABORTED"
)

// Document is the Firestore tracking record for one admitted document.
// The processing side owns it. The CLI reads it and resets it only when a
// document is rerun.
type Document struct {
	DocumentID          string    `firestore:"documentId,omitempty"`
	BatchID             string    `firestore:"batchId,omitempty"`
	StagedKey           string    `firestore:"stagedKey,omitempty"`
	StagingBucket       string    `firestore:"stagingBucket,omitempty"`
	Status              string    `firestore:"status,omitempty"`
	CurrentStep         string    `firestore:"currentStep,omitempty"`
	FailedStep          string    `firestore:"failedStep,omitempty"`
	ErrorDetails        string    `firestore:"errorDetails,omitempty"`
	PageCount           int       `firestore:"pageCount,omitempty"`
	WorkflowExecutionID string    `firestore:"workflowExecutionId,omitempty"` // For traceability
	RerunID             string    `firestore:"rerunId,omitempty"`
	QueuedAt            time.Time `firestore:"queuedAt,omitempty"`
	StartedAt           time.Time `firestore:"startedAt,omitempty"`
	CompletedAt         time.Time `firestore:"completedAt,omitempty"`
}

// Duration is the processing time of a finished document, or zero when
// either timestamp is missing.
func (d *Document) Duration() time.Duration {
	if d.StartedAt.IsZero() || d.CompletedAt.IsZero() || d.CompletedAt.Before(d.StartedAt) {
		return 0
	}
	return d.CompletedAt.Sub(d.StartedAt)
}

// TrackingID maps a staged object key onto a Firestore document ID.
// Object keys contain '/', which Firestore IDs may not, so the key is
// base64url encoded. The mapping is reversible and collision free.
func TrackingID(stagedKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(stagedKey))
}

// StagedKeyFromTrackingID reverses TrackingID.
func StagedKeyFromTrackingID(id string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
