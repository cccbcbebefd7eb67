package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/router"
	"github.com/instill-ai/execution-backend/pkg/types"
)

// ProcessExecutionWorkflowName is the registered name of the orchestration
// workflow.
const ProcessExecutionWorkflowName = "ProcessExecutionWorkflow"

// OrchestrationStateQuery is the query type returning the
// OrchestrationStatus of a ProcessExecutionWorkflow.
const OrchestrationStateQuery = "orchestration-state"

// OrchestrationState is the progress of the fan-out / fan-in of an
// execution.
type OrchestrationState string

const (
	// OrchestrationStateDispatched means the workflow started.
	OrchestrationStateDispatched OrchestrationState = "DISPATCHED"
	// OrchestrationStateRunning means the batch jobs were dispatched.
	OrchestrationStateRunning OrchestrationState = "RUNNING"
	// OrchestrationStateCallbackPending means every batch job reported.
	OrchestrationStateCallbackPending OrchestrationState = "CALLBACK_PENDING"
	// OrchestrationStateFinalized means the terminal status is stored.
	OrchestrationStateFinalized OrchestrationState = "FINALIZED"
)

// OrchestrationStatus is returned by the OrchestrationStateQuery.
type OrchestrationStatus struct {
	State       OrchestrationState
	Batches     int
	BatchesDone int
}

// ProcessExecutionWorkflowParam defines the parameters for
// ProcessExecutionWorkflow
type ProcessExecutionWorkflowParam struct {
	ExecutionUID   types.ExecutionUIDType
	OrganizationID string
	WorkflowUID    types.WorkflowUIDType
	PipelineUID    *uuid.UUID
	Mode           types.ExecutionMode
	Files          []types.FileDescriptor
	UseFileHistory bool
	Lane           router.Lane
}

// ProcessExecutionWorkflow fans the files of an execution out to one batch
// job per batch on the file processing lane, waits for every job to report,
// successfully or not, and runs a single callback that stores the terminal
// status of the execution.
func (w *Worker) ProcessExecutionWorkflow(ctx workflow.Context, param ProcessExecutionWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting ProcessExecutionWorkflow",
		"executionUID", param.ExecutionUID.String(),
		"fileCount", len(param.Files),
		"lane", param.Lane)

	status := OrchestrationStatus{State: OrchestrationStateDispatched}
	if err := workflow.SetQueryHandler(ctx, OrchestrationStateQuery, func() (OrchestrationStatus, error) {
		return status, nil
	}); err != nil {
		return err
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy:         standardRetryPolicy(),
	})

	updateStatus := func(s types.ExecutionStatus, incrementAttempt bool) error {
		return workflow.ExecuteActivity(ctx, w.UpdateExecutionStatusActivity, &UpdateExecutionStatusActivityParam{
			ExecutionUID:     param.ExecutionUID,
			OrganizationID:   param.OrganizationID,
			WorkflowUID:      param.WorkflowUID,
			Status:           s,
			IncrementAttempt: incrementAttempt,
		}).Get(ctx, nil)
	}

	// Defer cleanup: if the workflow ends without storing a terminal status
	// (failure, cancellation, timeout), mark the execution as ERROR.
	finalized := false
	failure := "Execution was interrupted before completion."
	defer func() {
		if finalized {
			return
		}

		cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
		cleanupCtx = workflow.WithActivityOptions(cleanupCtx, workflow.ActivityOptions{
			StartToCloseTimeout: ActivityTimeoutStandard,
			RetryPolicy:         terminalRetryPolicy(),
		})

		logger.Warn("Workflow did not finalize the execution, marking it as ERROR", "reason", failure)
		// Best effort, a terminal execution rejects the update.
		_ = workflow.ExecuteActivity(cleanupCtx, w.UpdateExecutionStatusActivity, &UpdateExecutionStatusActivityParam{
			ExecutionUID:   param.ExecutionUID,
			OrganizationID: param.OrganizationID,
			WorkflowUID:    param.WorkflowUID,
			Status:         types.ExecutionStatusError,
			Message:        failure,
		}).Get(cleanupCtx, nil)
	}()

	if len(param.Files) == 0 {
		if err := updateStatus(types.ExecutionStatusCompleted, false); err != nil && !isInvalidTransition(err) {
			return err
		}
		finalized = true
		status.State = OrchestrationStateFinalized
		logger.Info("Execution has no files, completed without processing")
		return nil
	}

	if err := updateStatus(types.ExecutionStatusExecuting, true); err != nil {
		if isInvalidTransition(err) {
			// Stopped or finalized before the fan-out.
			finalized = true
			status.State = OrchestrationStateFinalized
			logger.Info("Execution already terminal, skipping", "error", err)
			return nil
		}
		failure = "Execution could not be started."
		return err
	}

	var batches []types.Batch
	if err := workflow.ExecuteActivity(ctx, w.CreateBatchesActivity, &CreateBatchesActivityParam{
		ExecutionUID:   param.ExecutionUID,
		OrganizationID: param.OrganizationID,
		WorkflowUID:    param.WorkflowUID,
		Files:          param.Files,
	}).Get(ctx, &batches); err != nil {
		failure = "The files of the execution could not be prepared."
		return err
	}

	futures := make([]workflow.Future, len(batches))
	for i, b := range batches {
		batchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			TaskQueue:           FileProcessingTaskQueue,
			StartToCloseTimeout: time.Duration(len(b.Files))*w.fileTimeout + ActivityTimeoutBatchMargin,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    RetryInitialInterval,
				BackoffCoefficient: RetryBackoffCoefficient,
				MaximumInterval:    RetryMaximumInterval,
				MaximumAttempts:    w.batchActivityRetries + 1,
			},
		})

		futures[i] = workflow.ExecuteActivity(batchCtx, w.ProcessBatchActivity, &ProcessBatchActivityParam{
			OrganizationID: param.OrganizationID,
			WorkflowUID:    param.WorkflowUID,
			ExecutionUID:   param.ExecutionUID,
			Batch:          b,
			PipelineUID:    param.PipelineUID,
			Mode:           param.Mode,
			UseFileHistory: param.UseFileHistory,
			APIDeployment:  param.Lane.IsAPIDeployment(),
		})
	}
	status.State = OrchestrationStateRunning
	status.Batches = len(batches)

	// Barrier: every batch reports before the callback. A failed batch job
	// counts all its files as failed.
	results := make([]types.BatchResult, len(batches))
	for i, future := range futures {
		var r types.BatchResult
		if err := future.Get(ctx, &r); err != nil {
			logger.Error("Batch job failed", "batch", batches[i].Index, "error", err)
			r = types.BatchResult{
				BatchUID:                    batches[i].BatchUID,
				FailedFiles:                 len(batches[i].Files),
				Error:                       resilience.Truncate(err, w.errorMessageLength),
				UnrecordedFileExecutionUIDs: batches[i].FileExecutionUIDs,
			}
		}
		results[i] = r
		status.BatchesDone++
	}
	status.State = OrchestrationStateCallbackPending

	callbackCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		TaskQueue:           CallbackTaskQueue,
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy:         terminalRetryPolicy(),
	})

	var fr FinalizeResult
	if err := workflow.ExecuteActivity(callbackCtx, w.FinalizeExecutionActivity, &FinalizeExecutionActivityParam{
		OrganizationID: param.OrganizationID,
		WorkflowUID:    param.WorkflowUID,
		ExecutionUID:   param.ExecutionUID,
		BatchCount:     len(batches),
		PipelineUID:    param.PipelineUID,
		Results:        results,
	}).Get(callbackCtx, &fr); err != nil {
		failure = fmt.Sprintf("The execution could not be finalized after %d batches.", len(batches))
		return err
	}

	finalized = true
	status.State = OrchestrationStateFinalized

	logger.Info("ProcessExecutionWorkflow completed",
		"executionUID", param.ExecutionUID.String(),
		"status", fr.Status,
		"successfulFiles", fr.SuccessfulFiles,
		"failedFiles", fr.FailedFiles)

	return nil
}

func standardRetryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:    RetryInitialInterval,
		BackoffCoefficient: RetryBackoffCoefficient,
		MaximumInterval:    RetryMaximumInterval,
		MaximumAttempts:    RetryMaximumAttempts,
	}
}

// terminalRetryPolicy keeps retrying the writes of a terminal status for
// longer than the store circuit breaker cooldown.
func terminalRetryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:        RetryInitialInterval,
		BackoffCoefficient:     RetryBackoffCoefficient,
		MaximumInterval:        TerminalRetryMaximumInterval,
		MaximumAttempts:        TerminalRetryMaximumAttempts,
		NonRetryableErrorTypes: []string{invalidTransitionErrorType},
	}
}

func isInvalidTransition(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == invalidTransitionErrorType
}
