package worker

import (
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
)

// Registry is the part of a Temporal worker used to register workflows and
// activities.
type Registry interface {
	RegisterWorkflowWithOptions(w any, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a any, options activity.RegisterOptions)
}

// RegisterWorkflows registers the workflows served on the task queue.
func (w *Worker) RegisterWorkflows(r Registry, taskQueue string) {
	switch taskQueue {
	case RouterTaskQueue:
		r.RegisterWorkflowWithOptions(w.RouteExecutionWorkflow, workflow.RegisterOptions{Name: RouteExecutionWorkflowName})
	case laneGeneral, laneAPIDeployment:
		r.RegisterWorkflowWithOptions(w.ProcessExecutionWorkflow, workflow.RegisterOptions{Name: ProcessExecutionWorkflowName})
	}
}

// RegisterActivities registers the activities served on the task queue.
func (w *Worker) RegisterActivities(r Registry, taskQueue string) {
	register := func(a any, name string) {
		r.RegisterActivityWithOptions(a, activity.RegisterOptions{Name: name})
	}

	switch taskQueue {
	case RouterTaskQueue:
		register(w.ClassifyExecutionActivity, classifyExecutionActivityName)
	case laneGeneral, laneAPIDeployment:
		register(w.UpdateExecutionStatusActivity, updateExecutionStatusActivityName)
		register(w.CreateBatchesActivity, createBatchesActivityName)
	case FileProcessingTaskQueue:
		register(w.ProcessBatchActivity, processBatchActivityName)
	case CallbackTaskQueue:
		register(w.FinalizeExecutionActivity, finalizeExecutionActivityName)
	}
}
