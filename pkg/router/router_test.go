package router

import (
	"context"
	"fmt"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/mock"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/execution-backend/pkg/repository"
	"github.com/instill-ai/execution-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/store"
	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

type lookupFunc func(ctx context.Context, workflowUID types.WorkflowUIDType, pipelineUID *uuid.UUID) (bool, error)

func (f lookupFunc) IsAPIDeployment(ctx context.Context, workflowUID types.WorkflowUIDType, pipelineUID *uuid.UUID) (bool, error) {
	return f(ctx, workflowUID, pipelineUID)
}

func TestResolver(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	repo := repositorytest.NewSQLiteRepository(c)
	deployed := uuid.Must(uuid.NewV4())
	_, err := repo.CreateAPIDeployment(ctx, repository.APIDeploymentModel{
		WorkflowUID:    deployed,
		OrganizationID: "org-1",
		IsActive:       true,
	})
	c.Assert(err, qt.IsNil)

	r := NewResolver(repo, zap.NewNop())

	c.Run("ok - API deployment", func(c *qt.C) {
		lane, err := r.Classify(ctx, deployed, nil)
		c.Assert(err, qt.IsNil)
		c.Check(lane, qt.Equals, LaneAPIDeployment)
		c.Check(lane.IsAPIDeployment(), qt.IsTrue)
		c.Check(lane.TaskQueue(), qt.Equals, "api-deployment")
	})

	c.Run("ok - general workflow", func(c *qt.C) {
		lane, err := r.Classify(ctx, uuid.Must(uuid.NewV4()), nil)
		c.Assert(err, qt.IsNil)
		c.Check(lane, qt.Equals, LaneGeneral)
	})

	c.Run("nok - no reference", func(c *qt.C) {
		_, err := r.Classify(ctx, uuid.Nil, nil)
		c.Check(err, qt.ErrorMatches, "missing workflow and pipeline references")
		c.Check(r.SafeClassify(ctx, uuid.Nil, nil), qt.Equals, LaneGeneral)
	})

	c.Run("ok - lookup failure falls back to general", func(c *qt.C) {
		failing := NewResolver(lookupFunc(func(context.Context, types.WorkflowUIDType, *uuid.UUID) (bool, error) {
			return false, fmt.Errorf("connection refused")
		}), zap.NewNop())

		_, err := failing.Classify(ctx, deployed, nil)
		c.Check(err, qt.ErrorMatches, "looking up API deployment: connection refused")
		c.Check(failing.SafeClassify(ctx, deployed, nil), qt.Equals, LaneGeneral)
	})
}

func TestDispatcher_Submit(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	logger := zap.NewNop()

	newStore := func(c *qt.C) store.Client {
		return store.NewClient(repositorytest.NewSQLiteRepository(c), resilience.DefaultConfig(logger), logger)
	}
	req := ExecutionRequest{
		OrganizationID: "org-1",
		WorkflowUID:    uuid.Must(uuid.NewV4()),
		Files: []types.FileDescriptor{
			{Name: "a.pdf", Hash: "h1"},
			{Name: "b.pdf", Hash: "h2"},
		},
	}

	c.Run("ok - execution is created and routed", func(c *qt.C) {
		s := newStore(c)
		tc := &mocks.Client{}
		c.Cleanup(func() { tc.AssertExpectations(c) })

		var got ExecutionRequest
		tc.On("ExecuteWorkflow", mock.Anything,
			mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
				return o.TaskQueue == TaskQueue
			}),
			RouteWorkflowName,
			mock.Anything,
		).Run(func(args mock.Arguments) {
			got = args.Get(3).(ExecutionRequest)
		}).Return(&mocks.WorkflowRun{}, nil).Once()

		uid, err := NewDispatcher(s, tc, logger).Submit(ctx, req)
		c.Assert(err, qt.IsNil)
		c.Check(got.ExecutionUID, qt.Equals, uid)
		c.Check(got.Mode, qt.Equals, types.ExecutionModeQueued)
		c.Check(got.Files, qt.HasLen, 2)

		e, err := s.GetExecution(ctx, uid)
		c.Assert(err, qt.IsNil)
		c.Check(e.Status, qt.Equals, types.ExecutionStatusPending)
		c.Check(e.TotalFiles, qt.Equals, 2)
	})

	c.Run("ok - repeated content is submitted once", func(c *qt.C) {
		s := newStore(c)
		tc := &mocks.Client{}
		c.Cleanup(func() { tc.AssertExpectations(c) })

		var got ExecutionRequest
		tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, RouteWorkflowName, mock.Anything).
			Run(func(args mock.Arguments) {
				got = args.Get(3).(ExecutionRequest)
			}).Return(&mocks.WorkflowRun{}, nil).Once()

		r := req
		r.Files = append(append([]types.FileDescriptor(nil), req.Files...), types.FileDescriptor{Name: "a-copy.pdf", Hash: "h1"})

		uid, err := NewDispatcher(s, tc, logger).Submit(ctx, r)
		c.Assert(err, qt.IsNil)
		c.Check(got.Files, qt.DeepEquals, req.Files)

		e, err := s.GetExecution(ctx, uid)
		c.Assert(err, qt.IsNil)
		c.Check(e.TotalFiles, qt.Equals, 2)
	})

	c.Run("ok - duplicate submission", func(c *qt.C) {
		s := newStore(c)
		tc := &mocks.Client{}
		tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, RouteWorkflowName, mock.Anything).
			Return(nil, serviceerror.NewWorkflowExecutionAlreadyStarted("already started", "", "")).Once()

		r := req
		r.ExecutionUID = uuid.Must(uuid.NewV4())
		uid, err := NewDispatcher(s, tc, logger).Submit(ctx, r)
		c.Assert(err, qt.IsNil)
		c.Check(uid, qt.Equals, r.ExecutionUID)
	})

	c.Run("nok - dispatch failure marks the execution as failed", func(c *qt.C) {
		s := newStore(c)
		tc := &mocks.Client{}
		tc.On("ExecuteWorkflow", mock.Anything, mock.Anything, RouteWorkflowName, mock.Anything).
			Return(nil, fmt.Errorf("temporal unavailable")).Once()

		uid, err := NewDispatcher(s, tc, logger).Submit(ctx, req)
		c.Check(err, qt.ErrorMatches, "starting routing workflow: temporal unavailable")

		e, err := s.GetExecution(ctx, uid)
		c.Assert(err, qt.IsNil)
		c.Check(e.Status, qt.Equals, types.ExecutionStatusError)
		c.Assert(e.ErrorMessage, qt.IsNotNil)
		c.Check(*e.ErrorMessage, qt.Equals, "Execution could not be dispatched.")
	})

	c.Run("nok - invalid request", func(c *qt.C) {
		d := NewDispatcher(newStore(c), &mocks.Client{}, logger)

		_, err := d.Submit(ctx, ExecutionRequest{})
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidArgument)

		r := req
		r.Files = []types.FileDescriptor{{Name: "a.pdf"}}
		_, err = d.Submit(ctx, r)
		c.Check(err, qt.ErrorIs, errdomain.ErrInvalidArgument)
	})
}
