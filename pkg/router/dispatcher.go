package router

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/logger"
	"github.com/instill-ai/execution-backend/pkg/store"
	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// RouteWorkflowName is the registered name of the routing workflow.
const RouteWorkflowName = "RouteExecutionWorkflow"

// Dispatcher creates executions and hands them to the routing workflow.
type Dispatcher struct {
	store          store.Client
	temporalClient client.Client
	log            *zap.Logger
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(s store.Client, temporalClient client.Client, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:          s,
		temporalClient: temporalClient,
		log:            log,
	}
}

// Submit creates the execution in PENDING status and starts its routing
// workflow. It returns once the workflow has been accepted. Submitting an
// execution UID twice doesn't start a second workflow.
func (d *Dispatcher) Submit(ctx context.Context, req ExecutionRequest) (types.ExecutionUIDType, error) {
	if req.WorkflowUID.IsNil() {
		return req.ExecutionUID, errorsx.AddMessage(
			fmt.Errorf("missing workflow UID: %w", errdomain.ErrInvalidArgument),
			"A workflow is required to run an execution.",
		)
	}
	for _, f := range req.Files {
		if f.Hash == "" {
			return req.ExecutionUID, errorsx.AddMessage(
				fmt.Errorf("missing content hash for %q: %w", f.Name, errdomain.ErrInvalidArgument),
				"Every file needs a content hash.",
			)
		}
	}
	if req.Mode == "" {
		req.Mode = types.ExecutionModeQueued
	}
	files, duplicates := types.DistinctByContent(req.Files)
	req.Files = files

	uid, err := d.store.CreateExecution(ctx, store.CreateExecutionParam{
		UID:            req.ExecutionUID,
		WorkflowUID:    req.WorkflowUID,
		PipelineUID:    req.PipelineUID,
		OrganizationID: req.OrganizationID,
		Mode:           req.Mode,
		TotalFiles:     len(req.Files),
	})
	if err != nil {
		return uid, fmt.Errorf("creating execution: %w", err)
	}
	req.ExecutionUID = uid

	log := d.log.With(logger.ExecutionFields(uid, req.OrganizationID)...)
	if duplicates > 0 {
		log.Warn("Files with a repeated content are processed once", zap.Int("duplicates", duplicates))
	}

	_, err = d.temporalClient.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    RouteWorkflowID(uid),
		TaskQueue:             TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}, RouteWorkflowName, req)

	var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
	switch {
	case errors.As(err, &alreadyStarted):
		log.Info("Execution already dispatched")
		return uid, nil
	case err != nil:
		log.Error("Couldn't dispatch execution", zap.Error(err))
		if uErr := d.store.UpdateExecutionStatus(ctx, uid, types.ExecutionStatusError, "Execution could not be dispatched.", false); uErr != nil {
			log.Error("Couldn't mark execution as failed", zap.Error(uErr))
		}
		return uid, fmt.Errorf("starting routing workflow: %w", err)
	}

	log.Info("Execution dispatched", zap.Int("files", len(req.Files)))
	return uid, nil
}
