package worker

import (
	"context"
	"testing"

	"go.temporal.io/sdk/testsuite"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/execution-backend/pkg/types"
)

func TestProcessBatchActivity(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	newBatch := func(c *qt.C, env *testEnv, n int) (*ProcessBatchActivityParam, []types.FileExecutionUIDType) {
		req := env.newRequest(c, n)
		batches, err := env.worker.coordinator.CreateBatches(ctx, req.ExecutionUID, req.WorkflowUID, req.Files, n)
		c.Assert(err, qt.IsNil)
		c.Assert(batches, qt.HasLen, 1)
		c.Assert(env.store.UpdateExecutionStatus(ctx, req.ExecutionUID, types.ExecutionStatusExecuting, "", true), qt.IsNil)

		return &ProcessBatchActivityParam{
			OrganizationID: req.OrganizationID,
			WorkflowUID:    req.WorkflowUID,
			ExecutionUID:   req.ExecutionUID,
			Batch:          batches[0],
			Mode:           req.Mode,
		}, batches[0].FileExecutionUIDs
	}

	run := func(c *qt.C, env *testEnv, param *ProcessBatchActivityParam) types.BatchResult {
		testSuite := &testsuite.WorkflowTestSuite{}
		actEnv := testSuite.NewTestActivityEnvironment()
		actEnv.RegisterActivity(env.worker.ProcessBatchActivity)

		val, err := actEnv.ExecuteActivity(env.worker.ProcessBatchActivity, param)
		c.Assert(err, qt.IsNil)

		var r types.BatchResult
		c.Assert(val.Get(&r), qt.IsNil)
		return r
	}

	c.Run("ok - files are processed", func(c *qt.C) {
		env := newTestEnv(c, 5)
		param, _ := newBatch(c, env, 3)
		env.failing["file-01.txt"] = true

		r := run(c, env, param)
		c.Check(r.SuccessfulFiles, qt.Equals, 2)
		c.Check(r.FailedFiles, qt.Equals, 1)
		c.Check(r.Stopped, qt.IsFalse)
		c.Check(r.UnrecordedFileExecutionUIDs, qt.HasLen, 0)
		c.Check(env.executed.Load(), qt.Equals, int32(3))
	})

	c.Run("ok - stored stop outlives the cache", func(c *qt.C) {
		env := newTestEnv(c, 5)
		param, uids := newBatch(c, env, 3)

		c.Assert(env.cache.MarkStopped(ctx, param.ExecutionUID), qt.IsNil)
		c.Assert(env.store.UpdateExecutionStatus(ctx, param.ExecutionUID, types.ExecutionStatusStopped, "", false), qt.IsNil)
		// The cache entry is lost, e.g. expired or flushed.
		c.Assert(env.cache.Delete(ctx, param.ExecutionUID), qt.IsNil)

		r := run(c, env, param)
		c.Check(r.Stopped, qt.IsTrue)
		c.Check(r.TotalFiles(), qt.Equals, 0)
		c.Check(env.executed.Load(), qt.Equals, int32(0))

		for _, uid := range uids {
			fe, err := env.store.GetFileExecution(ctx, uid)
			c.Assert(err, qt.IsNil)
			c.Check(fe.Status, qt.Equals, types.ExecutionStatusPending)
		}

		stopped, err := env.cache.IsStopped(ctx, param.ExecutionUID)
		c.Assert(err, qt.IsNil)
		c.Check(stopped, qt.IsTrue)
	})
}
