package tracking

import (
	"context"
	"log/slog"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"

	"github.com/Lllllllleong/docbatch/internal/models"
)

// ExecutionGetter is the part of the Workflows Executions client used to
// read an execution.
type ExecutionGetter interface {
	GetExecution(ctx context.Context, req *executionspb.GetExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// ExecutionReconciler wraps a Tracker and checks running documents against
// their workflow execution. A workflow that died without updating the
// record would otherwise leave the document RUNNING forever.
type ExecutionReconciler struct {
	Tracker    Tracker
	Executions ExecutionGetter
}

// Lookup returns the tracking record, downgraded to FAILED when its
// execution failed or was cancelled. Reconciliation errors are ignored.
func (r *ExecutionReconciler) Lookup(ctx context.Context, doc models.BatchDocument) (*models.Document, error) {
	record, err := r.Tracker.Lookup(ctx, doc)
	if err != nil || record.WorkflowExecutionID == "" || isTerminal(record.Status) {
		return record, err
	}

	exec, err := r.Executions.GetExecution(ctx, &executionspb.GetExecutionRequest{Name: record.WorkflowExecutionID})
	if err != nil {
		slog.Debug("Could not reconcile workflow execution.", "documentId", doc.DocumentID, "execution", record.WorkflowExecutionID, "error", err)
		return record, nil
	}

	switch exec.GetState() {
	case executionspb.Execution_FAILED, executionspb.Execution_CANCELLED:
		reconciled := *record
		if record.Status != models.TrackingQueued {
			reconciled.FailedStep = record.Status
		}
		reconciled.Status = models.TrackingFailed
		reconciled.ErrorDetails = "workflow execution " + exec.GetState().String()
		if payload := exec.GetError().GetPayload(); payload != "" {
			reconciled.ErrorDetails += ": " + payload
		}
		if end := exec.GetEndTime(); end != nil {
			reconciled.CompletedAt = end.AsTime()
		}
		return &reconciled, nil
	}
	return record, nil
}

func isTerminal(status string) bool {
	switch status {
	case models.TrackingCompleted, models.TrackingFailed, models.TrackingAborted:
		return true
	}
	return false
}
