package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/metrics"
	"github.com/instill-ai/execution-backend/pkg/repository"
	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

// ErrorMessageLength bounds the persisted error messages.
const ErrorMessageLength = 512

// Client is the execution store used by the orchestration components.
type Client interface {
	CreateExecution(ctx context.Context, p CreateExecutionParam) (types.ExecutionUIDType, error)
	GetExecution(ctx context.Context, uid types.ExecutionUIDType) (*repository.ExecutionModel, error)
	// UpdateExecutionStatus is a no-op when the execution already is in the
	// requested terminal status, and fails with ErrInvalidTransition when it
	// is in another terminal status. An empty errMsg leaves the stored
	// message untouched.
	UpdateExecutionStatus(ctx context.Context, uid types.ExecutionUIDType, status types.ExecutionStatus, errMsg string, incrementAttempt bool) error

	// UpsertFileExecution is idempotent on (execution, content hash).
	UpsertFileExecution(ctx context.Context, p UpsertFileExecutionParam) (types.FileExecutionUIDType, error)
	UpdateFileExecutionStatus(ctx context.Context, uid types.FileExecutionUIDType, status types.ExecutionStatus, errMsg string, opts UpdateFileExecutionOpts) error
	GetFileExecution(ctx context.Context, uid types.FileExecutionUIDType) (*repository.FileExecutionModel, error)
	ListFileExecutions(ctx context.Context, executionUID types.ExecutionUIDType) ([]repository.FileExecutionModel, error)
	FindCompletedFileExecution(ctx context.Context, workflowUID types.WorkflowUIDType, fileHash string) (*repository.FileExecutionModel, error)
	CountFileExecutionsByStatus(ctx context.Context, executionUID types.ExecutionUIDType) (map[types.ExecutionStatus]int64, error)
}

// CreateExecutionParam contains the attributes of a new execution.
type CreateExecutionParam struct {
	// UID is generated when nil.
	UID            types.ExecutionUIDType
	WorkflowUID    types.WorkflowUIDType
	PipelineUID    *uuid.UUID
	OrganizationID string
	Mode           types.ExecutionMode
	TotalFiles     int
}

// UpsertFileExecutionParam contains the attributes of a file execution.
type UpsertFileExecutionParam struct {
	ExecutionUID types.ExecutionUIDType
	WorkflowUID  types.WorkflowUIDType
	File         types.FileDescriptor
}

// UpdateFileExecutionOpts contains the optional outputs of a file
// execution.
type UpdateFileExecutionOpts struct {
	// ExecutionDuration in seconds, written when positive.
	ExecutionDuration float64
	// OutputRef is written when not empty.
	OutputRef string
}

// stalePatterns identify an error raised on a pooled connection that the
// server already dropped. Retrying on the same pool keeps failing until the
// connections are recycled.
var stalePatterns = []string{
	"server closed the connection",
	"bad connection",
	"connection reset",
	"ssl connection has been closed",
	"terminating connection",
	"broken pipe",
	"connection already closed",
}

// IsStaleConnection reports whether err comes from a stale pooled
// connection.
func IsStaleConnection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range stalePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

type client struct {
	repo    repository.Repository
	retryer *resilience.Retryer
	logger  *zap.Logger
}

// NewClient returns a Client that runs every repository call through the
// database_operation retry policy of cfg, refreshing the connection pool
// before retrying a stale connection error.
func NewClient(repo repository.Repository, cfg resilience.Config, logger *zap.Logger) Client {
	c := &client{
		repo:   repo,
		logger: logger,
	}
	c.retryer = resilience.NewRetryer(cfg.WithOnRetry(c.refreshOnStaleConnection))
	return c
}

func (c *client) refreshOnStaleConnection(ctx context.Context, _ string, attempt int, err error) {
	if !IsStaleConnection(err) {
		return
	}

	c.logger.Warn("Stale database connection detected, refreshing pool",
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	metrics.RecordPoolRefresh()

	if err := c.repo.RefreshPool(ctx); err != nil {
		c.logger.Error("Couldn't refresh database pool", zap.Error(err))
	}
}

func (c *client) do(ctx context.Context, resource string, fn func(context.Context) error) error {
	return c.retryer.Do(ctx, resilience.OpDatabase, resource, fn)
}

func (c *client) CreateExecution(ctx context.Context, p CreateExecutionParam) (types.ExecutionUIDType, error) {
	if p.WorkflowUID.IsNil() {
		return uuid.Nil, fmt.Errorf("missing workflow UID: %w", errdomain.ErrInvalidArgument)
	}

	uid := p.UID
	if uid.IsNil() {
		var err error
		if uid, err = uuid.NewV4(); err != nil {
			return uuid.Nil, fmt.Errorf("generating execution UID: %w", err)
		}
	}

	mode := p.Mode
	if mode == "" {
		mode = types.ExecutionModeQueued
	}

	err := c.do(ctx, repository.ExecutionTableName, func(ctx context.Context) error {
		// A retried insert may already have gone through.
		if _, err := c.repo.GetExecutionByUID(ctx, uid); err == nil {
			return nil
		}

		_, err := c.repo.CreateExecution(ctx, repository.ExecutionModel{
			UID:            uid,
			WorkflowUID:    p.WorkflowUID,
			PipelineUID:    p.PipelineUID,
			OrganizationID: p.OrganizationID,
			ExecutionMode:  mode,
			Status:         types.ExecutionStatusPending,
			TotalFiles:     p.TotalFiles,
		})
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}

	return uid, nil
}

func (c *client) GetExecution(ctx context.Context, uid types.ExecutionUIDType) (*repository.ExecutionModel, error) {
	var e *repository.ExecutionModel
	err := c.do(ctx, repository.ExecutionTableName, func(ctx context.Context) (err error) {
		e, err = c.repo.GetExecutionByUID(ctx, uid)
		return err
	})
	return e, err
}

func (c *client) UpdateExecutionStatus(ctx context.Context, uid types.ExecutionUIDType, status types.ExecutionStatus, errMsg string, incrementAttempt bool) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown status %q: %w", status, errdomain.ErrInvalidArgument)
	}

	update := repository.ExecutionStatusUpdate{
		Status:            status,
		IncrementAttempts: incrementAttempt,
	}
	if errMsg != "" {
		msg := truncate(errMsg)
		update.ErrorMessage = &msg
	}

	return c.do(ctx, repository.ExecutionTableName, func(ctx context.Context) error {
		n, err := c.repo.TransitionExecutionStatus(ctx, uid, update)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		current, err := c.repo.GetExecutionByUID(ctx, uid)
		if err != nil {
			return err
		}
		if current.Status == status && status.IsTerminal() {
			c.logger.Info("Execution already in requested terminal status",
				zap.String("executionUID", uid.String()),
				zap.String("status", status.String()),
			)
			return nil
		}

		return fmt.Errorf("execution %s from %s to %s: %w", uid, current.Status, status, errdomain.ErrInvalidTransition)
	})
}

func (c *client) UpsertFileExecution(ctx context.Context, p UpsertFileExecutionParam) (types.FileExecutionUIDType, error) {
	if p.File.Hash == "" {
		return uuid.Nil, fmt.Errorf("missing content hash for %q: %w", p.File.Name, errdomain.ErrInvalidArgument)
	}

	var fe *repository.FileExecutionModel
	err := c.do(ctx, repository.FileExecutionTableName, func(ctx context.Context) (err error) {
		fe, err = c.repo.UpsertFileExecution(ctx, repository.FileExecutionModel{
			ExecutionUID: p.ExecutionUID,
			WorkflowUID:  p.WorkflowUID,
			FileName:     p.File.Name,
			FilePath:     p.File.Path,
			FileHash:     p.File.Hash,
			FileSize:     p.File.Size,
			MimeType:     p.File.MimeType,
			Status:       types.ExecutionStatusPending,
		})
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}

	return fe.UID, nil
}

func (c *client) UpdateFileExecutionStatus(ctx context.Context, uid types.FileExecutionUIDType, status types.ExecutionStatus, errMsg string, opts UpdateFileExecutionOpts) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown status %q: %w", status, errdomain.ErrInvalidArgument)
	}

	update := repository.FileExecutionStatusUpdate{Status: status}
	if errMsg != "" {
		msg := truncate(errMsg)
		update.ExecutionError = &msg
	}
	if opts.ExecutionDuration > 0 {
		update.ExecutionDuration = &opts.ExecutionDuration
	}
	if opts.OutputRef != "" {
		update.OutputRef = &opts.OutputRef
	}

	return c.do(ctx, repository.FileExecutionTableName, func(ctx context.Context) error {
		n, err := c.repo.TransitionFileExecutionStatus(ctx, uid, update)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		current, err := c.repo.GetFileExecutionByUID(ctx, uid)
		if err != nil {
			return err
		}
		if current.Status == status && status.IsTerminal() {
			return nil
		}

		return fmt.Errorf("file execution %s from %s to %s: %w", uid, current.Status, status, errdomain.ErrInvalidTransition)
	})
}

func (c *client) GetFileExecution(ctx context.Context, uid types.FileExecutionUIDType) (*repository.FileExecutionModel, error) {
	var fe *repository.FileExecutionModel
	err := c.do(ctx, repository.FileExecutionTableName, func(ctx context.Context) (err error) {
		fe, err = c.repo.GetFileExecutionByUID(ctx, uid)
		return err
	})
	return fe, err
}

func (c *client) ListFileExecutions(ctx context.Context, executionUID types.ExecutionUIDType) ([]repository.FileExecutionModel, error) {
	var fes []repository.FileExecutionModel
	err := c.do(ctx, repository.FileExecutionTableName, func(ctx context.Context) (err error) {
		fes, err = c.repo.ListFileExecutions(ctx, executionUID)
		return err
	})
	return fes, err
}

func (c *client) FindCompletedFileExecution(ctx context.Context, workflowUID types.WorkflowUIDType, fileHash string) (*repository.FileExecutionModel, error) {
	var fe *repository.FileExecutionModel
	err := c.do(ctx, repository.FileExecutionTableName, func(ctx context.Context) (err error) {
		fe, err = c.repo.FindCompletedFileExecution(ctx, workflowUID, fileHash)
		return err
	})
	return fe, err
}

func (c *client) CountFileExecutionsByStatus(ctx context.Context, executionUID types.ExecutionUIDType) (map[types.ExecutionStatus]int64, error) {
	var counts map[types.ExecutionStatus]int64
	err := c.do(ctx, repository.FileExecutionTableName, func(ctx context.Context) (err error) {
		counts, err = c.repo.CountFileExecutionsByStatus(ctx, executionUID)
		return err
	})
	return counts, err
}

func truncate(msg string) string {
	r := []rune(msg)
	if len(r) <= ErrorMessageLength {
		return msg
	}
	return string(r[:ErrorMessageLength])
}
