package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/batch"
	"github.com/instill-ai/execution-backend/pkg/event"
	"github.com/instill-ai/execution-backend/pkg/logger"
	"github.com/instill-ai/execution-backend/pkg/metrics"
	"github.com/instill-ai/execution-backend/pkg/processor"
	"github.com/instill-ai/execution-backend/pkg/progress"
	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/router"
	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// This file contains the activities of the execution orchestration:
// - ClassifyExecutionActivity - Resolves the lane of an execution
// - UpdateExecutionStatusActivity - Moves the execution through its status machine
// - CreateBatchesActivity - Materializes the batches and their file executions
// - ProcessBatchActivity - Processes the files of one batch
// - FinalizeExecutionActivity - Stores the terminal status from the batch results

// Activity names, also used as application error types.
const (
	classifyExecutionActivityName     = "ClassifyExecutionActivity"
	updateExecutionStatusActivityName = "UpdateExecutionStatusActivity"
	createBatchesActivityName         = "CreateBatchesActivity"
	processBatchActivityName          = "ProcessBatchActivity"
	finalizeExecutionActivityName     = "FinalizeExecutionActivity"
)

// invalidTransitionErrorType is the application error type returned when
// the execution can't move to the requested status.
const invalidTransitionErrorType = "InvalidTransition"

// ClassifyExecutionActivityParam defines the parameters for the
// ClassifyExecutionActivity
type ClassifyExecutionActivityParam struct {
	WorkflowUID types.WorkflowUIDType
	PipelineUID *uuid.UUID
}

// ClassifyExecutionActivity returns the lane of the execution. It falls back
// to the general lane instead of failing.
func (w *Worker) ClassifyExecutionActivity(ctx context.Context, param *ClassifyExecutionActivityParam) (router.Lane, error) {
	if w.resolver == nil {
		return router.LaneGeneral, nil
	}
	return w.resolver.SafeClassify(ctx, param.WorkflowUID, param.PipelineUID), nil
}

// UpdateExecutionStatusActivityParam defines the parameters for the
// UpdateExecutionStatusActivity
type UpdateExecutionStatusActivityParam struct {
	ExecutionUID     types.ExecutionUIDType
	OrganizationID   string
	WorkflowUID      types.WorkflowUIDType
	Status           types.ExecutionStatus
	Message          string // Optional error message
	IncrementAttempt bool
}

// UpdateExecutionStatusActivity updates the status of the execution. Terminal
// statuses are announced with an ExecutionFinalized event.
func (w *Worker) UpdateExecutionStatusActivity(ctx context.Context, param *UpdateExecutionStatusActivityParam) error {
	log := w.log.With(logger.ExecutionFields(param.ExecutionUID, param.OrganizationID)...)
	log.Info("Updating execution status", zap.String("status", param.Status.String()))

	if param.Status.IsTerminal() {
		ctx = resilience.BypassBreaker(ctx)
	}

	err := w.store.UpdateExecutionStatus(ctx, param.ExecutionUID, param.Status, param.Message, param.IncrementAttempt)
	switch {
	case errors.Is(err, errdomain.ErrInvalidTransition):
		return temporal.NewNonRetryableApplicationError(
			errorsx.MessageOrErr(err),
			invalidTransitionErrorType,
			err,
		)
	case errors.Is(err, errdomain.ErrNotFound), errors.Is(err, errdomain.ErrInvalidArgument):
		err = errorsx.AddMessage(err, "Unable to update execution status.")
		return temporal.NewNonRetryableApplicationError(
			errorsx.MessageOrErr(err),
			updateExecutionStatusActivityName,
			err,
		)
	case err != nil:
		err = errorsx.AddMessage(err, "Unable to update execution status. Please try again.")
		return temporal.NewApplicationErrorWithCause(
			errorsx.MessageOrErr(err),
			updateExecutionStatusActivityName,
			err,
		)
	}

	w.cacheStatus(ctx, param.ExecutionUID, progress.Status{Status: param.Status, ErrorMessage: param.Message}, log)

	if param.Status.IsTerminal() {
		metrics.RecordExecutionFinalized(param.Status.String())
		w.publishFinalized(ctx, event.ExecutionFinalized{
			ExecutionUID:   param.ExecutionUID,
			WorkflowUID:    param.WorkflowUID,
			OrganizationID: param.OrganizationID,
			Status:         param.Status,
			ErrorMessage:   param.Message,
		}, log)
	}

	return nil
}

// CreateBatchesActivityParam defines the parameters for the
// CreateBatchesActivity
type CreateBatchesActivityParam struct {
	ExecutionUID   types.ExecutionUIDType
	OrganizationID string
	WorkflowUID    types.WorkflowUIDType
	Files          []types.FileDescriptor
}

// CreateBatchesActivity partitions the files of the execution, creates their
// file executions and initializes the progress counters.
func (w *Worker) CreateBatchesActivity(ctx context.Context, param *CreateBatchesActivityParam) ([]types.Batch, error) {
	log := w.log.With(logger.ExecutionFields(param.ExecutionUID, param.OrganizationID)...)

	batches, err := w.coordinator.CreateBatches(ctx, param.ExecutionUID, param.WorkflowUID, param.Files, w.batchSize)
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to prepare the files of the execution.")
		if errors.Is(err, errdomain.ErrInvalidArgument) {
			return nil, temporal.NewNonRetryableApplicationError(
				errorsx.MessageOrErr(err),
				createBatchesActivityName,
				err,
			)
		}
		return nil, temporal.NewApplicationErrorWithCause(
			errorsx.MessageOrErr(err),
			createBatchesActivityName,
			err,
		)
	}

	total := 0
	for _, b := range batches {
		total += len(b.Files)
	}
	if err := w.progress.SetTotal(ctx, param.ExecutionUID, total); err != nil {
		log.Warn("Couldn't initialize progress counters", zap.Error(err))
	}

	return batches, nil
}

// ProcessBatchActivityParam defines the parameters for the
// ProcessBatchActivity
type ProcessBatchActivityParam struct {
	OrganizationID string
	WorkflowUID    types.WorkflowUIDType
	ExecutionUID   types.ExecutionUIDType
	Batch          types.Batch
	PipelineUID    *uuid.UUID
	Mode           types.ExecutionMode
	UseFileHistory bool
	APIDeployment  bool
}

// Batch outcomes recorded in metrics.
const (
	batchOutcomeCompleted = "completed"
	batchOutcomeStopped   = "stopped"
	batchOutcomeFailed    = "failed"
)

// ProcessBatchActivity processes the files of a batch in order. File
// failures are part of the result; the activity only fails when it is
// interrupted.
func (w *Worker) ProcessBatchActivity(ctx context.Context, param *ProcessBatchActivityParam) (*types.BatchResult, error) {
	log := w.log.With(logger.ExecutionFields(param.ExecutionUID, param.OrganizationID)...).
		With(zap.Int("batch", param.Batch.Index), zap.Int("files", len(param.Batch.Files)))
	log.Info("Processing batch")

	// The stop flag lives in the cache only, the stored status outlasts it.
	if stopped, err := w.executionStopped(ctx, param.ExecutionUID); err != nil {
		log.Warn("Couldn't read execution status before the batch", zap.Error(err))
	} else if stopped {
		log.Info("Execution stopped, skipping batch")
		if err := w.progress.MarkStopped(ctx, param.ExecutionUID); err != nil {
			log.Warn("Couldn't raise stop flag", zap.Error(err))
		}
		metrics.RecordBatch(batchOutcomeStopped)
		return &types.BatchResult{BatchUID: param.Batch.BatchUID, Stopped: true}, nil
	}

	ec := processor.ExecutionContext{
		OrganizationID: param.OrganizationID,
		WorkflowUID:    param.WorkflowUID,
		ExecutionUID:   param.ExecutionUID,
		PipelineUID:    param.PipelineUID,
		Mode:           param.Mode,
		UseFileHistory: param.UseFileHistory,
		APIDeployment:  param.APIDeployment,
	}

	result := batch.RunBatch(ctx, w.processor, ec, param.Batch)

	if err := ctx.Err(); err != nil {
		metrics.RecordBatch(batchOutcomeFailed)
		err = fmt.Errorf("batch %d interrupted after %d files: %w", param.Batch.Index, result.TotalFiles(), err)
		return nil, temporal.NewApplicationErrorWithCause(
			errorsx.MessageOrErr(err),
			processBatchActivityName,
			err,
		)
	}

	outcome := batchOutcomeCompleted
	if result.Stopped {
		outcome = batchOutcomeStopped
	}
	metrics.RecordBatch(outcome)

	log.Info("Batch processed",
		zap.Int("successful", result.SuccessfulFiles),
		zap.Int("failed", result.FailedFiles),
		zap.Int("stopped", result.StoppedFiles),
	)

	return &result, nil
}

// FinalizeExecutionActivityParam defines the parameters for the
// FinalizeExecutionActivity
type FinalizeExecutionActivityParam struct {
	OrganizationID string
	WorkflowUID    types.WorkflowUIDType
	ExecutionUID   types.ExecutionUIDType
	BatchCount     int
	PipelineUID    *uuid.UUID
	Results        []types.BatchResult
}

// FinalizeExecutionActivity stores the terminal status of the execution. It
// can be delivered more than once.
func (w *Worker) FinalizeExecutionActivity(ctx context.Context, param *FinalizeExecutionActivityParam) (*FinalizeResult, error) {
	log := w.log.With(logger.ExecutionFields(param.ExecutionUID, param.OrganizationID)...)

	if len(param.Results) != param.BatchCount {
		log.Warn("Batch results don't match the dispatched batches",
			zap.Int("batches", param.BatchCount),
			zap.Int("results", len(param.Results)),
		)
	}

	// The terminal status must land even while the store circuit is open.
	ctx = resilience.BypassBreaker(ctx)

	r, err := Finalize(ctx, w.store, param.ExecutionUID, param.Results, w.errorMessageLength)
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to finalize the execution. Please try again.")
		return nil, temporal.NewApplicationErrorWithCause(
			errorsx.MessageOrErr(err),
			finalizeExecutionActivityName,
			err,
		)
	}

	switch {
	case r.Skipped:
		log.Info("No batch results, nothing to finalize")
	case r.AlreadyFinalized:
		log.Info("Execution already finalized", zap.String("status", r.Status.String()))
	default:
		log.Info("Execution finalized",
			zap.String("status", r.Status.String()),
			zap.Int("successful", r.SuccessfulFiles),
			zap.Int("failed", r.FailedFiles),
		)
		w.cacheStatus(ctx, param.ExecutionUID, progress.Status{Status: r.Status, ErrorMessage: r.ErrorMessage}, log)
		metrics.RecordExecutionFinalized(r.Status.String())
		w.publishFinalized(ctx, event.ExecutionFinalized{
			ExecutionUID:    param.ExecutionUID,
			WorkflowUID:     param.WorkflowUID,
			OrganizationID:  param.OrganizationID,
			Status:          r.Status,
			SuccessfulFiles: r.SuccessfulFiles,
			FailedFiles:     r.FailedFiles,
			ErrorMessage:    r.ErrorMessage,
		}, log)
	}

	return r, nil
}

func (w *Worker) executionStopped(ctx context.Context, uid types.ExecutionUIDType) (bool, error) {
	exe, err := w.store.GetExecution(ctx, uid)
	if err != nil {
		return false, err
	}
	return exe.Status == types.ExecutionStatusStopped, nil
}

// cacheStatus mirrors a stored status in the progress cache for status reads.
func (w *Worker) cacheStatus(ctx context.Context, uid types.ExecutionUIDType, s progress.Status, log *zap.Logger) {
	if err := w.progress.SetStatus(ctx, uid, s); err != nil {
		log.Warn("Couldn't cache execution status", zap.Error(err))
	}
}

// publishFinalized is best effort: the stored status is the source of truth.
func (w *Worker) publishFinalized(ctx context.Context, e event.ExecutionFinalized, log *zap.Logger) {
	if w.publisher == nil {
		return
	}
	e.FinalizeTime = time.Now().UTC()
	if err := w.publisher.PublishExecutionFinalized(ctx, e); err != nil {
		log.Warn("Couldn't publish execution event", zap.Error(err))
	}
}
