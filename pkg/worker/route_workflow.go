package worker

import (
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/execution-backend/pkg/router"
)

// RouteExecutionWorkflowName is the registered name of the routing
// workflow.
const RouteExecutionWorkflowName = router.RouteWorkflowName

// RouteExecutionWorkflow classifies an execution and starts its
// orchestration on the matching lane. It returns as soon as the
// orchestration has started and doesn't wait for it.
func (w *Worker) RouteExecutionWorkflow(ctx workflow.Context, req router.ExecutionRequest) error {
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy:         standardRetryPolicy(),
	})

	lane := router.LaneGeneral
	if err := workflow.ExecuteActivity(ctx, w.ClassifyExecutionActivity, &ClassifyExecutionActivityParam{
		WorkflowUID: req.WorkflowUID,
		PipelineUID: req.PipelineUID,
	}).Get(ctx, &lane); err != nil {
		logger.Warn("Couldn't classify execution, using general lane", "error", err)
		lane = router.LaneGeneral
	}

	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:            router.ProcessWorkflowID(req.ExecutionUID),
		TaskQueue:             lane.TaskQueue(),
		ParentClosePolicy:     enums.PARENT_CLOSE_POLICY_ABANDON,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	})

	child := workflow.ExecuteChildWorkflow(childCtx, ProcessExecutionWorkflowName, ProcessExecutionWorkflowParam{
		ExecutionUID:   req.ExecutionUID,
		OrganizationID: req.OrganizationID,
		WorkflowUID:    req.WorkflowUID,
		PipelineUID:    req.PipelineUID,
		Mode:           req.Mode,
		Files:          req.Files,
		UseFileHistory: req.UseFileHistory,
		Lane:           lane,
	})

	var execution workflow.Execution
	if err := child.GetChildWorkflowExecution().Get(ctx, &execution); err != nil {
		if temporal.IsWorkflowExecutionAlreadyStartedError(err) {
			logger.Info("Execution already routed", "executionUID", req.ExecutionUID.String())
			return nil
		}
		return err
	}

	logger.Info("Execution routed",
		"executionUID", req.ExecutionUID.String(),
		"lane", lane,
		"workflowID", execution.ID)

	return nil
}
