package router

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/types"
)

// TaskQueue is the Temporal task queue of the routing workflow.
const TaskQueue = "execution-router"

// Lane is the downstream queue an execution is routed to. Its value is the
// Temporal task queue serving it.
type Lane string

const (
	// LaneGeneral serves batch and ETL oriented workflows.
	LaneGeneral Lane = "general-workflow"
	// LaneAPIDeployment serves workflows exposed as synchronous API
	// endpoints.
	LaneAPIDeployment Lane = "api-deployment"
)

// Lanes lists every lane.
var Lanes = []Lane{LaneGeneral, LaneAPIDeployment}

// TaskQueue returns the Temporal task queue of the lane.
func (l Lane) TaskQueue() string {
	return string(l)
}

// IsAPIDeployment reports whether the lane serves API deployments.
func (l Lane) IsAPIDeployment() bool {
	return l == LaneAPIDeployment
}

// ExecutionRequest is the payload routed to a lane.
type ExecutionRequest struct {
	ExecutionUID   types.ExecutionUIDType
	OrganizationID string
	WorkflowUID    types.WorkflowUIDType
	PipelineUID    *uuid.UUID
	Mode           types.ExecutionMode
	Files          []types.FileDescriptor
	UseFileHistory bool
}

// RouteWorkflowID is the ID of the routing workflow of an execution.
func RouteWorkflowID(executionUID types.ExecutionUIDType) string {
	return "route-execution-" + executionUID.String()
}

// ProcessWorkflowID is the ID of the orchestration workflow of an
// execution.
func ProcessWorkflowID(executionUID types.ExecutionUIDType) string {
	return "process-execution-" + executionUID.String()
}

// DeploymentLookup tells whether a workflow is served by an API deployment.
type DeploymentLookup interface {
	IsAPIDeployment(ctx context.Context, workflowUID types.WorkflowUIDType, pipelineUID *uuid.UUID) (bool, error)
}

// Resolver classifies executions into lanes.
type Resolver struct {
	lookup DeploymentLookup
	log    *zap.Logger
}

// NewResolver returns a Resolver.
func NewResolver(lookup DeploymentLookup, log *zap.Logger) *Resolver {
	return &Resolver{lookup: lookup, log: log}
}

// Classify returns the lane of the workflow.
func (r *Resolver) Classify(ctx context.Context, workflowUID types.WorkflowUIDType, pipelineUID *uuid.UUID) (Lane, error) {
	if workflowUID.IsNil() && pipelineUID == nil {
		return "", fmt.Errorf("missing workflow and pipeline references")
	}

	isAPI, err := r.lookup.IsAPIDeployment(ctx, workflowUID, pipelineUID)
	if err != nil {
		return "", fmt.Errorf("looking up API deployment: %w", err)
	}
	if isAPI {
		return LaneAPIDeployment, nil
	}
	return LaneGeneral, nil
}

// SafeClassify is Classify falling back to LaneGeneral on error, so that a
// classification failure never blocks an execution.
func (r *Resolver) SafeClassify(ctx context.Context, workflowUID types.WorkflowUIDType, pipelineUID *uuid.UUID) Lane {
	lane, err := r.Classify(ctx, workflowUID, pipelineUID)
	if err != nil {
		r.log.Warn("Couldn't classify execution, using general lane",
			zap.String("workflowUID", workflowUID.String()),
			zap.Error(err),
		)
		return LaneGeneral
	}
	return lane
}
