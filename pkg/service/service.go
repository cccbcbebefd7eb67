package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/progress"
	"github.com/instill-ai/execution-backend/pkg/router"
	"github.com/instill-ai/execution-backend/pkg/store"
	"github.com/instill-ai/execution-backend/pkg/types"
)

// Dispatcher hands a new execution to the routing workflow.
type Dispatcher interface {
	Submit(ctx context.Context, req router.ExecutionRequest) (types.ExecutionUIDType, error)
}

// Service defines the execution use cases.
type Service interface {
	SubmitExecution(context.Context, router.ExecutionRequest) (types.ExecutionUIDType, error)
	GetExecutionStatus(context.Context, types.ExecutionUIDType) (*ExecutionStatusView, error)
	StopExecution(context.Context, types.ExecutionUIDType) error
}

type service struct {
	store      store.Client
	progress   progress.Cache
	dispatcher Dispatcher
	log        *zap.Logger
}

// NewService initiates a service instance
func NewService(
	s store.Client,
	pc progress.Cache,
	d Dispatcher,
	log *zap.Logger,
) Service {
	return &service{
		store:      s,
		progress:   pc,
		dispatcher: d,
		log:        log,
	}
}
