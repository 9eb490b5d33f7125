package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/docbatch/internal/admission"
	"github.com/Lllllllleong/docbatch/internal/gcp"
	"github.com/Lllllllleong/docbatch/internal/models"
)

// ErrAtCapacity is returned while MAX_CONCURRENT workflows are running.
// The function fails the delivery so the event is retried later.
var ErrAtCapacity = errors.New("workflow concurrency limit reached")

const (
	counterCollection = "concurrency"
	counterID         = "workflow_counter"
	activeCountField  = "activeCount"
)

type AdmissionProcessorConfig struct {
	ProjectID        string
	CollectionName   string
	WorkflowID       string
	WorkflowLocation string
	MaxConcurrent    int
}

// AdmissionProcessor turns admission events into workflow executions,
// keeping the tracking record and the concurrency counter in Firestore.
type AdmissionProcessor struct {
	firestoreClient  *firestore.Client
	executionsClient admission.ExecutionCreator
	config           AdmissionProcessorConfig
	now              func() time.Time
}

func NewAdmissionProcessor(ctx context.Context) (*AdmissionProcessor, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	maxConcurrent, err := strconv.Atoi(gcp.GetEnv("MAX_CONCURRENT", "5"))
	if err != nil || maxConcurrent <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT must be a positive integer")
	}

	config := AdmissionProcessorConfig{
		ProjectID:        projectID,
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", "documents"),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", "document-processing-orchestrator"),
		MaxConcurrent:    maxConcurrent,
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	executionsClient, err := gcp.NewExecutionsClient(ctx)
	if err != nil {
		return nil, err
	}

	p := &AdmissionProcessor{
		firestoreClient:  firestoreClient,
		executionsClient: executionsClient,
		config:           config,
		now:              time.Now,
	}
	slog.Info("Admission processor initialized.", "workflowId", config.WorkflowID, "maxConcurrent", config.MaxConcurrent)
	return p, nil
}

// Process handles one admission event. Events of another type are
// acknowledged and dropped.
func (p *AdmissionProcessor) Process(ctx context.Context, e cloudevents.Event) error {
	logCtx := slog.With("eventId", e.ID(), "eventType", e.Type())

	msg, err := admission.ParseEvent(e)
	if errors.Is(err, admission.ErrWrongEventType) {
		logCtx.Warn("Ignoring event of another type.")
		return nil
	}
	if err != nil {
		logCtx.Error("Failed to parse admission event", "error", err)
		return err
	}
	logCtx = logCtx.With("documentId", msg.DocumentID, "batchId", msg.BatchID, "trackingId", msg.TrackingID)

	docRef := p.firestoreClient.Collection(p.config.CollectionName).Doc(msg.TrackingID)
	started, err := p.registerDocument(ctx, docRef, msg)
	if err != nil {
		logCtx.Error("Failed to register tracking record", "error", err)
		return err
	}
	if started {
		logCtx.Info("Document was already admitted. Skipping redelivery.", "rerunId", msg.RerunID)
		return nil
	}

	if err := p.acquireSlot(ctx); err != nil {
		if errors.Is(err, ErrAtCapacity) {
			logCtx.Warn("Concurrency limit reached, delivery will be retried.", "maxConcurrent", p.config.MaxConcurrent)
			return err
		}
		logCtx.Error("Failed to update concurrency counter", "error", err)
		return err
	}

	executionName, err := p.triggerWorkflow(ctx, msg)
	if err != nil {
		p.releaseSlot(ctx, logCtx)
		return p.handleError(ctx, logCtx, docRef, "failed to trigger workflow execution", err)
	}

	updates := []firestore.Update{
		{Path: "status", Value: models.TrackingRunning},
		{Path: "workflowExecutionId", Value: executionName},
		{Path: "startedAt", Value: p.now()},
	}
	if _, err := docRef.Update(ctx, updates); err != nil {
		// The execution exists; the workflow's own status updates take over.
		logCtx.Error("Failed to mark document RUNNING", "error", err, "execution", executionName)
		return nil
	}
	logCtx.Info("Hand-off to workflow complete.", "execution", executionName)
	return nil
}

// registerDocument writes the QUEUED record unless an execution was already
// started for this document.
func (p *AdmissionProcessor) registerDocument(ctx context.Context, docRef *firestore.DocumentRef, msg models.AdmissionMessage) (bool, error) {
	started := false
	err := p.firestoreClient.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		started = false
		snap, err := tx.Get(docRef)
		if err != nil && !gcp.IsFirestoreNotFound(err) {
			return err
		}
		if snap != nil && snap.Exists() {
			var existing models.Document
			if err := snap.DataTo(&existing); err != nil {
				return fmt.Errorf("failed to decode tracking record: %w", err)
			}
			if alreadyStarted(&existing, msg) {
				started = true
				return nil
			}
		}
		return tx.Set(docRef, queuedRecord(msg, p.now()))
	})
	if err != nil {
		return false, fmt.Errorf("tracking record transaction for %s: %w", msg.DocumentID, err)
	}
	return started, nil
}

// acquireSlot increments the shared counter unless it is at the limit.
func (p *AdmissionProcessor) acquireSlot(ctx context.Context) error {
	ref := p.firestoreClient.Collection(counterCollection).Doc(counterID)
	return p.firestoreClient.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		active, err := readCount(tx, ref)
		if err != nil {
			return err
		}
		next, err := nextCount(active, p.config.MaxConcurrent)
		if err != nil {
			return err
		}
		return tx.Set(ref, map[string]interface{}{activeCountField: next}, firestore.MergeAll)
	})
}

// releaseSlot gives back a slot taken for an execution that never started.
// Finished executions release theirs in the workflow's final step.
func (p *AdmissionProcessor) releaseSlot(ctx context.Context, logCtx *slog.Logger) {
	ref := p.firestoreClient.Collection(counterCollection).Doc(counterID)
	err := p.firestoreClient.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		active, err := readCount(tx, ref)
		if err != nil {
			return err
		}
		if active > 0 {
			active--
		}
		return tx.Set(ref, map[string]interface{}{activeCountField: active}, firestore.MergeAll)
	})
	if err != nil {
		logCtx.Error("Failed to release concurrency slot", "error", err)
	}
}

func readCount(tx *firestore.Transaction, ref *firestore.DocumentRef) (int, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if gcp.IsFirestoreNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read concurrency counter: %w", err)
	}
	v, err := snap.DataAt(activeCountField)
	if err != nil {
		return 0, nil
	}
	n, _ := v.(int64)
	return int(n), nil
}

func (p *AdmissionProcessor) triggerWorkflow(ctx context.Context, msg models.AdmissionMessage) (string, error) {
	payloadBytes, err := json.Marshal(admission.WorkflowArgument(msg))
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: gcp.WorkflowParent(p.config.ProjectID, p.config.WorkflowLocation, p.config.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := p.executionsClient.CreateExecution(ctx, req)
	if err != nil {
		return "", err
	}
	return exec.GetName(), nil
}

func (p *AdmissionProcessor) handleError(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	updates := []firestore.Update{
		{Path: "status", Value: models.TrackingFailed},
		{Path: "failedStep", Value: models.TrackingQueued},
		{Path: "errorDetails", Value: fullError},
		{Path: "completedAt", Value: p.now()},
	}
	if _, err := docRef.Update(ctx, updates); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s", fullError)
}

// alreadyStarted reports a record whose workflow was started and has not
// failed. A failed document may be admitted again. A record reset for a
// rerun only admits messages of that rerun.
func alreadyStarted(d *models.Document, msg models.AdmissionMessage) bool {
	if d.RerunID != "" && d.RerunID != msg.RerunID {
		return true
	}
	return d.WorkflowExecutionID != "" && d.Status != models.TrackingFailed
}

func nextCount(active, max int) (int, error) {
	if active >= max {
		return active, ErrAtCapacity
	}
	return active + 1, nil
}

func queuedRecord(msg models.AdmissionMessage, now time.Time) models.Document {
	return models.Document{
		DocumentID:    msg.DocumentID,
		BatchID:       msg.BatchID,
		StagedKey:     msg.StagedKey,
		StagingBucket: msg.StagingBucket,
		Status:        models.TrackingQueued,
		PageCount:     msg.PageCount,
		RerunID:       msg.RerunID,
		QueuedAt:      now,
	}
}
