package processor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/execution-backend/pkg/progress"
	"github.com/instill-ai/execution-backend/pkg/repository/object"
	"github.com/instill-ai/execution-backend/pkg/repository/repositorytest"
	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/store"
	"github.com/instill-ai/execution-backend/pkg/tool"
	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

const inputBucket = "inputs"

type testEnv struct {
	store   store.Client
	cache   progress.Cache
	storage object.Storage
	calls   atomic.Int32
	execute func(ctx context.Context, in tool.Input) (*tool.Output, error)
	proc    *Processor
}

func newTestEnv(c *qt.C, fileTimeout time.Duration) *testEnv {
	logger := zap.NewNop()
	env := &testEnv{
		store:   store.NewClient(repositorytest.NewSQLiteRepository(c), resilience.DefaultConfig(logger), logger),
		cache:   progress.NewMemoryCache(time.Minute, nil),
		storage: object.NewMemoryStorage("results"),
		execute: func(_ context.Context, in tool.Input) (*tool.Output, error) {
			return &tool.Output{Data: append([]byte("processed:"), in.Content...), ContentType: "text/plain"}, nil
		},
	}

	executor := tool.ExecutorFunc(func(ctx context.Context, in tool.Input) (*tool.Output, error) {
		env.calls.Add(1)
		return env.execute(ctx, in)
	})

	env.proc = New(Config{
		Store:       env.store,
		Progress:    env.cache,
		Storage:     env.storage,
		Executor:    executor,
		Release:     tool.Release{Namespace: "preset", ID: "file-processor", Version: "v1.0.0"},
		FileTimeout: fileTimeout,
	}, logger)

	return env
}

func (env *testEnv) newExecution(c *qt.C, workflowUID types.WorkflowUIDType) ExecutionContext {
	uid, err := env.store.CreateExecution(context.Background(), store.CreateExecutionParam{
		WorkflowUID:    workflowUID,
		OrganizationID: "org-1",
		Mode:           types.ExecutionModeQueued,
		TotalFiles:     1,
	})
	c.Assert(err, qt.IsNil)

	return ExecutionContext{
		OrganizationID: "org-1",
		WorkflowUID:    workflowUID,
		ExecutionUID:   uid,
		Mode:           types.ExecutionModeQueued,
	}
}

func (env *testEnv) newFile(c *qt.C, name, content string) (types.FileDescriptor, types.FileExecutionUIDType) {
	f := types.FileDescriptor{
		Name:     name,
		Path:     "uploads/" + name,
		Bucket:   inputBucket,
		Hash:     "hash-" + content,
		Size:     int64(len(content)),
		MimeType: "text/plain",
	}
	c.Assert(env.storage.PutFile(context.Background(), inputBucket, f.Path, []byte(content), f.MimeType), qt.IsNil)
	return f, uuid.Nil
}

func (env *testEnv) counts(c *qt.C, ec ExecutionContext) progress.Counts {
	counts, _, err := env.cache.GetCounts(context.Background(), ec.ExecutionUID)
	c.Assert(err, qt.IsNil)
	return counts
}

func TestProcessor_Process(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("ok - file is processed and stored", func(c *qt.C) {
		env := newTestEnv(c, 0)
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		f, feUID := env.newFile(c, "a.txt", "hello")

		got, err := env.proc.Process(ctx, ec, f, feUID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusCompleted)
		c.Check(got.Reused, qt.IsFalse)
		c.Check(got.OutputRef, qt.Equals, object.GetResultObjectPath(ec.ExecutionUID, got.FileExecutionUID))

		out, err := env.storage.GetFile(ctx, "", got.OutputRef)
		c.Assert(err, qt.IsNil)
		c.Check(string(out), qt.Equals, "processed:hello")

		fe, err := env.store.GetFileExecution(ctx, got.FileExecutionUID)
		c.Assert(err, qt.IsNil)
		c.Check(fe.Status, qt.Equals, types.ExecutionStatusCompleted)
		c.Check(fe.OutputRef, qt.Equals, got.OutputRef)
		c.Check(fe.ExecutionError, qt.IsNil)

		c.Check(env.counts(c, ec), qt.Equals, progress.Counts{Completed: 1})
	})

	c.Run("ok - tool failure is recorded, not propagated", func(c *qt.C) {
		env := newTestEnv(c, 0)
		env.execute = func(context.Context, tool.Input) (*tool.Output, error) {
			return nil, fmt.Errorf("unsupported layout")
		}
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		f, feUID := env.newFile(c, "a.txt", "hello")

		got, err := env.proc.Process(ctx, ec, f, feUID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusError)
		c.Check(got.Error, qt.Equals, "executing tool: unsupported layout")

		fe, err := env.store.GetFileExecution(ctx, got.FileExecutionUID)
		c.Assert(err, qt.IsNil)
		c.Check(fe.Status, qt.Equals, types.ExecutionStatusError)
		c.Assert(fe.ExecutionError, qt.IsNotNil)
		c.Check(*fe.ExecutionError, qt.Equals, got.Error)

		c.Check(env.counts(c, ec), qt.Equals, progress.Counts{Failed: 1})
	})

	c.Run("ok - error message is bounded", func(c *qt.C) {
		env := newTestEnv(c, 0)
		env.execute = func(context.Context, tool.Input) (*tool.Output, error) {
			return nil, fmt.Errorf("%s", strings.Repeat("é", 2000))
		}
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		f, feUID := env.newFile(c, "a.txt", "hello")

		got, err := env.proc.Process(ctx, ec, f, feUID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusError)
		c.Check([]rune(got.Error), qt.HasLen, store.ErrorMessageLength)
	})

	c.Run("ok - missing source file", func(c *qt.C) {
		env := newTestEnv(c, 0)
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		f := types.FileDescriptor{Name: "gone.txt", Path: "uploads/gone.txt", Bucket: inputBucket, Hash: "gone"}

		got, err := env.proc.Process(ctx, ec, f, uuid.Nil)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusError)
		c.Check(got.Error, qt.Matches, "fetching file: .*")
		c.Check(env.calls.Load(), qt.Equals, int32(0))
	})

	c.Run("ok - tool execution times out", func(c *qt.C) {
		env := newTestEnv(c, 20*time.Millisecond)
		env.execute = func(ctx context.Context, _ tool.Input) (*tool.Output, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		f, feUID := env.newFile(c, "a.txt", "hello")

		got, err := env.proc.Process(ctx, ec, f, feUID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusError)
		c.Check(got.Error, qt.Equals, "executing tool: timed out after 20ms: context deadline exceeded")
	})

	c.Run("nok - stop flag", func(c *qt.C) {
		env := newTestEnv(c, 0)
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		f, feUID := env.newFile(c, "a.txt", "hello")
		c.Assert(env.cache.MarkStopped(ctx, ec.ExecutionUID), qt.IsNil)

		got, err := env.proc.Process(ctx, ec, f, feUID)
		c.Check(err, qt.ErrorIs, errdomain.ErrStopExecution)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusStopped)
		c.Check(env.calls.Load(), qt.Equals, int32(0))

		fe, err := env.store.GetFileExecution(ctx, got.FileExecutionUID)
		c.Assert(err, qt.IsNil)
		c.Check(fe.Status, qt.Equals, types.ExecutionStatusStopped)

		c.Check(env.counts(c, ec), qt.Equals, progress.Counts{Failed: 1})
	})

	c.Run("nok - tool reports a stop", func(c *qt.C) {
		env := newTestEnv(c, 0)
		env.execute = func(context.Context, tool.Input) (*tool.Output, error) {
			return nil, errdomain.ErrStopExecution
		}
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		f, feUID := env.newFile(c, "a.txt", "hello")

		got, err := env.proc.Process(ctx, ec, f, feUID)
		c.Check(err, qt.ErrorIs, errdomain.ErrStopExecution)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusStopped)
	})

	c.Run("ok - redelivered file is not processed twice", func(c *qt.C) {
		env := newTestEnv(c, 0)
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		f, feUID := env.newFile(c, "a.txt", "hello")

		first, err := env.proc.Process(ctx, ec, f, feUID)
		c.Assert(err, qt.IsNil)

		second, err := env.proc.Process(ctx, ec, f, feUID)
		c.Assert(err, qt.IsNil)
		c.Check(second.FileExecutionUID, qt.Equals, first.FileExecutionUID)
		c.Check(second.Status, qt.Equals, types.ExecutionStatusCompleted)
		c.Check(second.OutputRef, qt.Equals, first.OutputRef)

		c.Check(env.calls.Load(), qt.Equals, int32(1))
		c.Check(env.counts(c, ec), qt.Equals, progress.Counts{Completed: 1})
	})
}

func TestProcessor_FileHistory(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	env := newTestEnv(c, 0)
	workflowUID := uuid.Must(uuid.NewV4())
	f, _ := env.newFile(c, "a.txt", "hello")

	first := env.newExecution(c, workflowUID)
	prev, err := env.proc.Process(ctx, first, f, uuid.Nil)
	c.Assert(err, qt.IsNil)
	c.Assert(prev.Status, qt.Equals, types.ExecutionStatusCompleted)
	c.Assert(env.calls.Load(), qt.Equals, int32(1))

	c.Run("ok - completed result is reused", func(c *qt.C) {
		ec := env.newExecution(c, workflowUID)
		ec.UseFileHistory = true

		got, err := env.proc.Process(ctx, ec, f, uuid.Nil)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusCompleted)
		c.Check(got.Reused, qt.IsTrue)
		c.Check(got.OutputRef, qt.Equals, prev.OutputRef)
		c.Check(env.calls.Load(), qt.Equals, int32(1))
		c.Check(env.counts(c, ec), qt.Equals, progress.Counts{Completed: 1})
	})

	c.Run("ok - API deployments always process", func(c *qt.C) {
		ec := env.newExecution(c, workflowUID)
		ec.UseFileHistory = true
		ec.APIDeployment = true

		got, err := env.proc.Process(ctx, ec, f, uuid.Nil)
		c.Assert(err, qt.IsNil)
		c.Check(got.Reused, qt.IsFalse)
		c.Check(env.calls.Load(), qt.Equals, int32(2))
	})

	c.Run("ok - history is ignored unless asked", func(c *qt.C) {
		ec := env.newExecution(c, workflowUID)

		got, err := env.proc.Process(ctx, ec, f, uuid.Nil)
		c.Assert(err, qt.IsNil)
		c.Check(got.Reused, qt.IsFalse)
		c.Check(env.calls.Load(), qt.Equals, int32(3))
	})

	c.Run("ok - other workflows don't share history", func(c *qt.C) {
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		ec.UseFileHistory = true

		got, err := env.proc.Process(ctx, ec, f, uuid.Nil)
		c.Assert(err, qt.IsNil)
		c.Check(got.Reused, qt.IsFalse)
		c.Check(env.calls.Load(), qt.Equals, int32(4))
	})
}

// unreadableStopFlag fails every read of the stop flag.
type unreadableStopFlag struct {
	progress.Cache
}

func (unreadableStopFlag) IsStopped(context.Context, types.ExecutionUIDType) (bool, error) {
	return false, fmt.Errorf("dial tcp 10.0.0.2:6379: connect: connection refused")
}

// unwritableStatus fails the writes of one file execution status.
type unwritableStatus struct {
	store.Client
	status types.ExecutionStatus
}

func (s unwritableStatus) UpdateFileExecutionStatus(ctx context.Context, uid types.FileExecutionUIDType, status types.ExecutionStatus, errMsg string, opts store.UpdateFileExecutionOpts) error {
	if status == s.status {
		return fmt.Errorf("database is read-only")
	}
	return s.Client.UpdateFileExecutionStatus(ctx, uid, status, errMsg, opts)
}

func TestProcessor_StopFlagFallsBackToStore(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	env := newTestEnv(c, 0)
	env.proc.progress = unreadableStopFlag{Cache: env.cache}

	c.Run("ok - running execution is processed", func(c *qt.C) {
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		f, feUID := env.newFile(c, "a.txt", "running")

		got, err := env.proc.Process(ctx, ec, f, feUID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusCompleted)
	})

	c.Run("nok - stored stop is honored", func(c *qt.C) {
		ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
		c.Assert(env.store.UpdateExecutionStatus(ctx, ec.ExecutionUID, types.ExecutionStatusStopped, "", false), qt.IsNil)
		f, feUID := env.newFile(c, "b.txt", "stopped")
		calls := env.calls.Load()

		got, err := env.proc.Process(ctx, ec, f, feUID)
		c.Check(err, qt.ErrorIs, errdomain.ErrStopExecution)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusStopped)
		c.Check(env.calls.Load(), qt.Equals, calls)
	})
}

func TestProcessor_UnrecordedStatus(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	testcases := []struct {
		name    string
		status  types.ExecutionStatus
		execute func(context.Context, tool.Input) (*tool.Output, error)
	}{
		{
			name:   "nok - completion can't be stored",
			status: types.ExecutionStatusCompleted,
		},
		{
			name:   "nok - failure can't be stored",
			status: types.ExecutionStatusError,
			execute: func(context.Context, tool.Input) (*tool.Output, error) {
				return nil, fmt.Errorf("unsupported layout")
			},
		},
	}

	for _, tc := range testcases {
		c.Run(tc.name, func(c *qt.C) {
			env := newTestEnv(c, 0)
			if tc.execute != nil {
				env.execute = tc.execute
			}
			env.proc.store = unwritableStatus{Client: env.store, status: tc.status}
			ec := env.newExecution(c, uuid.Must(uuid.NewV4()))
			f, feUID := env.newFile(c, "a.txt", "hello")

			got, err := env.proc.Process(ctx, ec, f, feUID)
			c.Assert(err, qt.IsNil)
			c.Check(got.Status, qt.Equals, types.ExecutionStatusError)
			c.Check(got.Unrecorded, qt.IsTrue)

			fe, err := env.store.GetFileExecution(ctx, got.FileExecutionUID)
			c.Assert(err, qt.IsNil)
			c.Check(fe.Status, qt.Equals, types.ExecutionStatusExecuting)

			c.Check(env.counts(c, ec), qt.Equals, progress.Counts{Failed: 1})
		})
	}
}
