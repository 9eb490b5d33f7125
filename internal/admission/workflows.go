package admission

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"

	"github.com/Lllllllleong/docbatch/internal/gcp"
	"github.com/Lllllllleong/docbatch/internal/models"
)

// ExecutionCreator is the part of the Workflows Executions client used to
// start a run.
type ExecutionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// WorkflowAdmitter starts the orchestrator workflow directly, bypassing
// the admission processor.
type WorkflowAdmitter struct {
	client ExecutionCreator
	parent string
}

// NewWorkflowAdmitter targets projects/{project}/locations/{location}/workflows/{workflow}.
func NewWorkflowAdmitter(client ExecutionCreator, projectID, location, workflowID string) (*WorkflowAdmitter, error) {
	if projectID == "" || workflowID == "" {
		return nil, fmt.Errorf("project_id and admission.workflow_id must be configured for the %s backend", BackendWorkflows)
	}
	return &WorkflowAdmitter{client: client, parent: gcp.WorkflowParent(projectID, location, workflowID)}, nil
}

// Admit creates one workflow execution for msg.
func (a *WorkflowAdmitter) Admit(ctx context.Context, msg models.AdmissionMessage) error {
	arg, err := json.Marshal(WorkflowArgument(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal workflow argument for %s: %w", msg.DocumentID, err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: a.parent,
		Execution: &executionspb.Execution{
			Argument: string(arg),
		},
	}
	if _, err := a.client.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to create workflow execution for %s: %w", msg.DocumentID, err)
	}
	return nil
}

// WorkflowArgument is the orchestrator input for an admitted document.
func WorkflowArgument(msg models.AdmissionMessage) models.WorkflowArgument {
	return models.WorkflowArgument{
		DocumentID: msg.DocumentID,
		BatchID:    msg.BatchID,
		TrackingID: msg.TrackingID,
		GCSUri:     gcp.URI(msg.StagingBucket, msg.StagedKey),
		Steps:      msg.Steps,
		PageCount:  msg.PageCount,
		StartStep:  msg.StartStep,
		RerunID:    msg.RerunID,
	}
}
