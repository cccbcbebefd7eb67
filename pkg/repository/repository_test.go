package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/execution-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

func newTestRepository(c *qt.C) Repository {
	db, err := gorm.Open(sqlite.Open(filepath.Join(c.TempDir(), "execution.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	c.Assert(err, qt.IsNil)

	sqlDB, err := db.DB()
	c.Assert(err, qt.IsNil)
	sqlDB.SetMaxOpenConns(1)
	c.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(&ExecutionModel{}, &FileExecutionModel{}, &APIDeploymentModel{})
	c.Assert(err, qt.IsNil)

	return NewRepository(db, WithIdleConnections(1))
}

func createTestExecution(c *qt.C, r Repository) *ExecutionModel {
	e, err := r.CreateExecution(context.Background(), ExecutionModel{
		WorkflowUID:    uuid.Must(uuid.NewV4()),
		OrganizationID: "org-1",
		ExecutionMode:  types.ExecutionModeQueued,
		TotalFiles:     3,
	})
	c.Assert(err, qt.IsNil)
	return e
}

func TestRepository_Execution(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	r := newTestRepository(c)
	e := createTestExecution(c, r)

	c.Check(e.UID.IsNil(), qt.IsFalse)
	c.Check(e.Status, qt.Equals, types.ExecutionStatusPending)

	c.Run("nok - not found", func(c *qt.C) {
		_, err := r.GetExecutionByUID(ctx, uuid.Must(uuid.NewV4()))
		c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
	})

	c.Run("ok - transitions and attempt counter", func(c *qt.C) {
		n, err := r.TransitionExecutionStatus(ctx, e.UID, ExecutionStatusUpdate{
			Status:            types.ExecutionStatusExecuting,
			IncrementAttempts: true,
		})
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(1))

		// Redelivered orchestration: EXECUTING again bumps the attempts.
		n, err = r.TransitionExecutionStatus(ctx, e.UID, ExecutionStatusUpdate{
			Status:            types.ExecutionStatusExecuting,
			IncrementAttempts: true,
		})
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(1))

		msg := "boom"
		n, err = r.TransitionExecutionStatus(ctx, e.UID, ExecutionStatusUpdate{
			Status:       types.ExecutionStatusError,
			ErrorMessage: &msg,
		})
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(1))

		got, err := r.GetExecutionByUID(ctx, e.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusError)
		c.Check(got.Attempts, qt.Equals, 2)
		c.Assert(got.ErrorMessage, qt.IsNotNil)
		c.Check(*got.ErrorMessage, qt.Equals, "boom")
	})

	c.Run("nok - terminal status is final", func(c *qt.C) {
		n, err := r.TransitionExecutionStatus(ctx, e.UID, ExecutionStatusUpdate{
			Status: types.ExecutionStatusCompleted,
		})
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(0))

		got, err := r.GetExecutionByUID(ctx, e.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.ExecutionStatusError)
	})
}

func TestRepository_UpsertFileExecutionIsIdempotent(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	r := newTestRepository(c)
	e := createTestExecution(c, r)

	fe := FileExecutionModel{
		ExecutionUID: e.UID,
		WorkflowUID:  e.WorkflowUID,
		FileName:     "invoice.pdf",
		FilePath:     "input/invoice.pdf",
		FileHash:     "abc123",
		FileSize:     1024,
		MimeType:     "application/pdf",
	}

	first, err := r.UpsertFileExecution(ctx, fe)
	c.Assert(err, qt.IsNil)
	c.Check(first.Status, qt.Equals, types.ExecutionStatusPending)

	_, err = r.TransitionFileExecutionStatus(ctx, first.UID, FileExecutionStatusUpdate{
		Status: types.ExecutionStatusExecuting,
	})
	c.Assert(err, qt.IsNil)

	fe.FileName = "invoice-renamed.pdf"
	second, err := r.UpsertFileExecution(ctx, fe)
	c.Assert(err, qt.IsNil)

	c.Check(second.UID, qt.Equals, first.UID)
	c.Check(second.FileName, qt.Equals, "invoice-renamed.pdf")
	// The status of an existing row is not reset.
	c.Check(second.Status, qt.Equals, types.ExecutionStatusExecuting)

	list, err := r.ListFileExecutions(ctx, e.UID)
	c.Assert(err, qt.IsNil)
	c.Check(list, qt.HasLen, 1)
}

func TestRepository_FileExecutionStatus(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	r := newTestRepository(c)
	e := createTestExecution(c, r)

	var uids []types.FileExecutionUIDType
	for _, hash := range []string{"h1", "h2", "h3"} {
		fe, err := r.UpsertFileExecution(ctx, FileExecutionModel{
			ExecutionUID: e.UID,
			WorkflowUID:  e.WorkflowUID,
			FileName:     hash + ".txt",
			FileHash:     hash,
		})
		c.Assert(err, qt.IsNil)
		uids = append(uids, fe.UID)
	}

	duration := 1.5
	ref := "output/h1.json"
	n, err := r.TransitionFileExecutionStatus(ctx, uids[0], FileExecutionStatusUpdate{
		Status:            types.ExecutionStatusCompleted,
		ExecutionDuration: &duration,
		OutputRef:         &ref,
	})
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int64(1))

	msg := "tool failed"
	_, err = r.TransitionFileExecutionStatus(ctx, uids[1], FileExecutionStatusUpdate{
		Status:         types.ExecutionStatusError,
		ExecutionError: &msg,
	})
	c.Assert(err, qt.IsNil)

	c.Run("nok - status never moves backward", func(c *qt.C) {
		n, err := r.TransitionFileExecutionStatus(ctx, uids[0], FileExecutionStatusUpdate{
			Status: types.ExecutionStatusPending,
		})
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(0))
	})

	c.Run("ok - counts by status", func(c *qt.C) {
		counts, err := r.CountFileExecutionsByStatus(ctx, e.UID)
		c.Assert(err, qt.IsNil)
		c.Check(counts, qt.DeepEquals, map[types.ExecutionStatus]int64{
			types.ExecutionStatusCompleted: 1,
			types.ExecutionStatusError:     1,
			types.ExecutionStatusPending:   1,
		})
	})

	c.Run("ok - history lookup", func(c *qt.C) {
		got, err := r.FindCompletedFileExecution(ctx, e.WorkflowUID, "h1")
		c.Assert(err, qt.IsNil)
		c.Check(got.UID, qt.Equals, uids[0])
		c.Check(got.OutputRef, qt.Equals, ref)

		_, err = r.FindCompletedFileExecution(ctx, e.WorkflowUID, "h2")
		c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)

		_, err = r.FindCompletedFileExecution(ctx, uuid.Must(uuid.NewV4()), "h1")
		c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
	})
}

func TestRepository_APIDeployment(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	r := newTestRepository(c)

	workflowUID := uuid.Must(uuid.NewV4())
	pipelineUID := uuid.Must(uuid.NewV4())
	_, err := r.CreateAPIDeployment(ctx, APIDeploymentModel{
		WorkflowUID:    workflowUID,
		PipelineUID:    &pipelineUID,
		OrganizationID: "org-1",
		IsActive:       true,
	})
	c.Assert(err, qt.IsNil)

	inactive := uuid.Must(uuid.NewV4())
	_, err = r.CreateAPIDeployment(ctx, APIDeploymentModel{
		WorkflowUID:    inactive,
		OrganizationID: "org-1",
	})
	c.Assert(err, qt.IsNil)

	ok, err := r.IsAPIDeployment(ctx, workflowUID, nil)
	c.Assert(err, qt.IsNil)
	c.Check(ok, qt.IsTrue)

	ok, err = r.IsAPIDeployment(ctx, uuid.Must(uuid.NewV4()), &pipelineUID)
	c.Assert(err, qt.IsNil)
	c.Check(ok, qt.IsTrue)

	ok, err = r.IsAPIDeployment(ctx, inactive, nil)
	c.Assert(err, qt.IsNil)
	c.Check(ok, qt.IsFalse)
}

func TestRepository_RefreshPool(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	r := newTestRepository(c)
	e := createTestExecution(c, r)

	c.Assert(r.RefreshPool(ctx), qt.IsNil)

	got, err := r.GetExecutionByUID(ctx, e.UID)
	c.Assert(err, qt.IsNil)
	c.Check(got.UID, qt.Equals, e.UID)
}
