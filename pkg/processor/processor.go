package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/logger"
	"github.com/instill-ai/execution-backend/pkg/metrics"
	"github.com/instill-ai/execution-backend/pkg/progress"
	"github.com/instill-ai/execution-backend/pkg/repository/object"
	"github.com/instill-ai/execution-backend/pkg/resilience"
	"github.com/instill-ai/execution-backend/pkg/store"
	"github.com/instill-ai/execution-backend/pkg/tool"
	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

var tracer = otel.Tracer("execution-backend.processor.tracer")

// DefaultFileTimeout bounds the fetch, tool execution and destination write
// of a single file.
const DefaultFileTimeout = 10 * time.Minute

// ExecutionContext is the part of the batch payload shared by every file of
// the batch.
type ExecutionContext struct {
	OrganizationID string
	WorkflowUID    types.WorkflowUIDType
	ExecutionUID   types.ExecutionUIDType
	PipelineUID    *uuid.UUID
	Mode           types.ExecutionMode
	UseFileHistory bool
	// APIDeployment is set when the execution comes from an API deployment,
	// whose files are always processed again.
	APIDeployment bool
}

// FileResult is the terminal outcome of a file.
type FileResult struct {
	FileExecutionUID types.FileExecutionUIDType
	Status           types.ExecutionStatus
	Error            string
	OutputRef        string
	// Reused is set when the output of a previous execution was reused.
	Reused bool
	// Unrecorded is set when the terminal status couldn't be stored and the
	// file execution was left in a non-terminal status.
	Unrecorded bool
}

// Succeeded reports whether the file completed.
func (r FileResult) Succeeded() bool {
	return r.Status == types.ExecutionStatusCompleted
}

// Config gathers the collaborators of a Processor.
type Config struct {
	Store    store.Client
	Progress progress.Cache
	Storage  object.Storage
	Executor tool.Executor
	Release  tool.Release
	// Retryer wraps the destination writes.
	Retryer            *resilience.Retryer
	FileTimeout        time.Duration
	ErrorMessageLength int
	Clock              clockwork.Clock
}

// Processor runs the per-file pipeline: fetch, tool execution and
// destination write.
type Processor struct {
	store              store.Client
	progress           progress.Cache
	storage            object.Storage
	executor           tool.Executor
	release            tool.Release
	retryer            *resilience.Retryer
	fileTimeout        time.Duration
	errorMessageLength int
	clock              clockwork.Clock
	log                *zap.Logger
}

// New returns a Processor.
func New(cfg Config, log *zap.Logger) *Processor {
	p := &Processor{
		store:              cfg.Store,
		progress:           cfg.Progress,
		storage:            cfg.Storage,
		executor:           cfg.Executor,
		release:            cfg.Release,
		retryer:            cfg.Retryer,
		fileTimeout:        cfg.FileTimeout,
		errorMessageLength: cfg.ErrorMessageLength,
		clock:              cfg.Clock,
		log:                log,
	}

	if p.fileTimeout <= 0 {
		p.fileTimeout = DefaultFileTimeout
	}
	if p.errorMessageLength <= 0 {
		p.errorMessageLength = store.ErrorMessageLength
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.retryer == nil {
		p.retryer = resilience.NewRetryer(resilience.DefaultConfig(log))
	}

	return p
}

// Process runs the pipeline of one file and records its terminal status.
// Failures are captured in the returned FileResult. The only returned error
// is errors.ErrStopExecution, raised when the execution was stopped; the
// file is then marked STOPPED.
func (p *Processor) Process(ctx context.Context, ec ExecutionContext, file types.FileDescriptor, fileExecutionUID types.FileExecutionUIDType) (result FileResult, err error) {
	ctx, span := tracer.Start(ctx, "ProcessFile")
	span.SetAttributes(
		attribute.String("execution_uid", ec.ExecutionUID.String()),
		attribute.String("file_name", file.Name),
		attribute.String("file_hash", file.Hash),
	)

	start := p.clock.Now()
	log := p.log.With(logger.ExecutionFields(ec.ExecutionUID, ec.OrganizationID)...).
		With(zap.String("fileName", file.Name))

	result = FileResult{FileExecutionUID: fileExecutionUID}
	counted := true

	// Exactly one counter increment per file, whatever the exit path.
	defer func() {
		defer span.End()

		span.SetAttributes(attribute.String("status", result.Status.String()))
		if result.Error != "" {
			span.SetStatus(codes.Error, result.Error)
		}
		if !counted {
			return
		}

		// Counters are advisory, write them even if the activity was
		// cancelled.
		cacheCtx := context.WithoutCancel(ctx)
		var cErr error
		if result.Succeeded() {
			cErr = p.progress.IncrementCompleted(cacheCtx, ec.ExecutionUID)
		} else {
			cErr = p.progress.IncrementFailed(cacheCtx, ec.ExecutionUID)
		}
		if cErr != nil {
			log.Warn("Couldn't update progress counters", zap.Error(cErr))
		}

		metrics.RecordFileProcessed(result.Status.String(), p.clock.Since(start))
	}()

	uid, err := p.store.UpsertFileExecution(ctx, store.UpsertFileExecutionParam{
		ExecutionUID: ec.ExecutionUID,
		WorkflowUID:  ec.WorkflowUID,
		File:         file,
	})
	if err != nil {
		result.Status = types.ExecutionStatusError
		result.Error = resilience.Truncate(fmt.Errorf("upserting file execution: %w", err), p.errorMessageLength)
		result.Unrecorded = true
		log.Error("Couldn't upsert file execution", zap.Error(err))
		return result, nil
	}
	result.FileExecutionUID = uid
	log = log.With(zap.String("fileExecutionUID", uid.String()))

	err = p.store.UpdateFileExecutionStatus(ctx, uid, types.ExecutionStatusExecuting, "", store.UpdateFileExecutionOpts{})
	switch {
	case errors.Is(err, errdomain.ErrInvalidTransition):
		// A redelivered batch reached a file that already finished.
		counted = false
		return p.previousResult(ctx, uid, log)
	case err != nil:
		result.Status = types.ExecutionStatusError
		result.Error = resilience.Truncate(fmt.Errorf("starting file execution: %w", err), p.errorMessageLength)
		result.Unrecorded = true
		log.Error("Couldn't start file execution", zap.Error(err))
		return result, nil
	}

	if p.isStopped(ctx, ec.ExecutionUID, log) {
		return p.stop(ctx, result, log)
	}

	if ec.UseFileHistory && !ec.APIDeployment {
		if prev, ok := p.findInHistory(ctx, ec, file, log); ok {
			result.Reused = true
			return p.complete(ctx, result, prev.OutputRef, start, log), nil
		}
	}

	outputRef, err := p.run(ctx, ec, file, uid)
	switch {
	case errors.Is(err, errdomain.ErrStopExecution):
		return p.stop(ctx, result, log)
	case err != nil:
		return p.fail(ctx, result, err, start, log), nil
	}

	return p.complete(ctx, result, outputRef, start, log), nil
}

// run fetches the file, executes the tool and writes its output, within the
// per-file timeout.
func (p *Processor) run(ctx context.Context, ec ExecutionContext, file types.FileDescriptor, uid types.FileExecutionUIDType) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fileTimeout)
	defer cancel()

	content, err := p.storage.GetFile(ctx, file.Bucket, file.Path)
	if err != nil {
		return "", fmt.Errorf("fetching file: %w", p.timeoutErr(ctx, err))
	}

	out, err := p.executor.Execute(ctx, tool.Input{
		Release:          p.release,
		OrganizationID:   ec.OrganizationID,
		WorkflowUID:      ec.WorkflowUID,
		ExecutionUID:     ec.ExecutionUID,
		FileExecutionUID: uid,
		PipelineUID:      ec.PipelineUID,
		File:             file,
		Content:          content,
	})
	if err != nil {
		if errors.Is(err, errdomain.ErrStopExecution) {
			return "", err
		}
		return "", fmt.Errorf("executing tool: %w", p.timeoutErr(ctx, err))
	}

	outputRef := object.GetResultObjectPath(ec.ExecutionUID, uid)
	err = p.retryer.Do(ctx, resilience.OpDestinationWrite, ec.ExecutionUID.String(), func(ctx context.Context) error {
		return p.storage.PutFile(ctx, "", outputRef, out.Data, out.ContentType)
	})
	if err != nil {
		return "", fmt.Errorf("writing result: %w", p.timeoutErr(ctx, err))
	}

	return outputRef, nil
}

func (p *Processor) timeoutErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", p.fileTimeout, err)
	}
	return err
}

func (p *Processor) findInHistory(ctx context.Context, ec ExecutionContext, file types.FileDescriptor, log *zap.Logger) (*FileResult, bool) {
	prev, err := p.store.FindCompletedFileExecution(ctx, ec.WorkflowUID, file.Hash)
	if err != nil {
		if !errors.Is(err, errdomain.ErrNotFound) {
			log.Warn("Couldn't read file history", zap.Error(err))
		}
		return nil, false
	}

	log.Info("Reusing result of a previous execution",
		zap.String("previousFileExecutionUID", prev.UID.String()))
	return &FileResult{OutputRef: prev.OutputRef}, true
}

func (p *Processor) complete(ctx context.Context, result FileResult, outputRef string, start time.Time, log *zap.Logger) FileResult {
	ctx = context.WithoutCancel(ctx)
	err := p.store.UpdateFileExecutionStatus(ctx, result.FileExecutionUID, types.ExecutionStatusCompleted, "", store.UpdateFileExecutionOpts{
		ExecutionDuration: p.clock.Since(start).Seconds(),
		OutputRef:         outputRef,
	})
	if err != nil {
		log.Error("Couldn't mark file execution as completed", zap.Error(err))
		result.Status = types.ExecutionStatusError
		result.Error = resilience.Truncate(fmt.Errorf("completing file execution: %w", err), p.errorMessageLength)
		result.Unrecorded = true
		return result
	}

	result.Status = types.ExecutionStatusCompleted
	result.OutputRef = outputRef
	return result
}

func (p *Processor) fail(ctx context.Context, result FileResult, cause error, start time.Time, log *zap.Logger) FileResult {
	result.Status = types.ExecutionStatusError
	result.Error = resilience.Truncate(cause, p.errorMessageLength)
	log.Warn("File processing failed", zap.Error(cause))

	ctx = context.WithoutCancel(ctx)
	err := p.store.UpdateFileExecutionStatus(ctx, result.FileExecutionUID, types.ExecutionStatusError, result.Error, store.UpdateFileExecutionOpts{
		ExecutionDuration: p.clock.Since(start).Seconds(),
	})
	if err != nil {
		log.Error("Couldn't mark file execution as failed", zap.Error(err))
		result.Unrecorded = true
	}

	return result
}

// isStopped reads the stop flag of the execution. When the flag can't be
// read, the stored status of the execution decides.
func (p *Processor) isStopped(ctx context.Context, executionUID types.ExecutionUIDType, log *zap.Logger) bool {
	stopped, err := p.progress.IsStopped(ctx, executionUID)
	if err == nil {
		return stopped
	}

	log.Warn("Couldn't read stop flag, checking stored status", zap.Error(err))
	exe, err := p.store.GetExecution(ctx, executionUID)
	if err != nil {
		log.Warn("Couldn't read execution status", zap.Error(err))
		return false
	}
	return exe.Status == types.ExecutionStatusStopped
}

func (p *Processor) stop(ctx context.Context, result FileResult, log *zap.Logger) (FileResult, error) {
	result.Status = types.ExecutionStatusStopped
	log.Info("Execution stopped, aborting file")

	ctx = context.WithoutCancel(ctx)
	if err := p.store.UpdateFileExecutionStatus(ctx, result.FileExecutionUID, types.ExecutionStatusStopped, "", store.UpdateFileExecutionOpts{}); err != nil {
		log.Error("Couldn't mark file execution as stopped", zap.Error(err))
	}

	return result, errdomain.ErrStopExecution
}

// previousResult rebuilds the result of a file that reached a terminal
// status in an earlier delivery of its batch.
func (p *Processor) previousResult(ctx context.Context, uid types.FileExecutionUIDType, log *zap.Logger) (FileResult, error) {
	result := FileResult{FileExecutionUID: uid, Status: types.ExecutionStatusError}

	fe, err := p.store.GetFileExecution(ctx, uid)
	if err != nil {
		log.Error("Couldn't read finished file execution", zap.Error(err))
		result.Error = resilience.Truncate(err, p.errorMessageLength)
		return result, nil
	}

	log.Info("File execution already finished", zap.String("status", fe.Status.String()))
	result.Status = fe.Status
	result.OutputRef = fe.OutputRef
	if fe.ExecutionError != nil {
		result.Error = *fe.ExecutionError
	}
	if fe.Status == types.ExecutionStatusStopped {
		return result, errdomain.ErrStopExecution
	}
	return result, nil
}
