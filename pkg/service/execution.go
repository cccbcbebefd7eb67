package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/progress"
	"github.com/instill-ai/execution-backend/pkg/router"
	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// ExecutionStatusView is the progress of an execution as exposed to
// callers.
type ExecutionStatusView struct {
	ExecutionUID   types.ExecutionUIDType `json:"execution_uid"`
	Status         types.ExecutionStatus  `json:"status"`
	TotalFiles     int64                  `json:"total_files"`
	CompletedFiles int64                  `json:"completed_files"`
	FailedFiles    int64                  `json:"failed_files"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	// Cached is set when the file counts come from the progress cache.
	Cached bool `json:"cached"`
}

// SubmitExecution creates an execution and dispatches it.
func (s *service) SubmitExecution(ctx context.Context, req router.ExecutionRequest) (types.ExecutionUIDType, error) {
	if s.dispatcher == nil {
		return types.ExecutionUIDType{}, fmt.Errorf("no dispatcher configured")
	}
	return s.dispatcher.Submit(ctx, req)
}

// GetExecutionStatus returns the progress of an execution. It is served
// from the progress cache when the cache holds both the counts and the
// status of the execution, and from the store otherwise.
func (s *service) GetExecutionStatus(ctx context.Context, uid types.ExecutionUIDType) (*ExecutionStatusView, error) {
	if view, ok := s.cachedStatus(ctx, uid); ok {
		return view, nil
	}

	exe, err := s.store.GetExecution(ctx, uid)
	if err != nil {
		if errors.Is(err, errdomain.ErrNotFound) {
			err = errorsx.AddMessage(err, "Execution not found.")
		}
		return nil, fmt.Errorf("fetching execution: %w", err)
	}

	view := &ExecutionStatusView{
		ExecutionUID: exe.UID,
		Status:       exe.Status,
		TotalFiles:   int64(exe.TotalFiles),
	}
	if exe.ErrorMessage != nil {
		view.ErrorMessage = *exe.ErrorMessage
	}

	counts, ok, err := s.progress.GetCounts(ctx, uid)
	if err != nil {
		s.log.Warn("Couldn't read execution progress, using store",
			zap.String("executionUID", uid.String()),
			zap.Error(err),
		)
	}
	if err == nil && ok {
		view.CompletedFiles = counts.Completed
		view.FailedFiles = counts.Failed
		if counts.Total > 0 {
			view.TotalFiles = counts.Total
		}
		view.Cached = true
		return view, nil
	}

	byStatus, err := s.store.CountFileExecutionsByStatus(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("counting file executions: %w", err)
	}
	view.CompletedFiles = byStatus[types.ExecutionStatusCompleted]
	view.FailedFiles = byStatus[types.ExecutionStatusError] + byStatus[types.ExecutionStatusStopped]

	return view, nil
}

func (s *service) cachedStatus(ctx context.Context, uid types.ExecutionUIDType) (*ExecutionStatusView, bool) {
	log := s.log.With(zap.String("executionUID", uid.String()))

	counts, ok, err := s.progress.GetCounts(ctx, uid)
	if err != nil {
		log.Warn("Couldn't read execution progress, using store", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	st, ok, err := s.progress.GetStatus(ctx, uid)
	if err != nil {
		log.Warn("Couldn't read cached execution status, using store", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	return &ExecutionStatusView{
		ExecutionUID:   uid,
		Status:         st.Status,
		TotalFiles:     counts.Total,
		CompletedFiles: counts.Completed,
		FailedFiles:    counts.Failed,
		ErrorMessage:   st.ErrorMessage,
		Cached:         true,
	}, true
}

// StopExecution raises the stop flag of an execution and moves it to
// STOPPED. Batches observe the flag before each file, so the files being
// processed run to completion.
func (s *service) StopExecution(ctx context.Context, uid types.ExecutionUIDType) error {
	exe, err := s.store.GetExecution(ctx, uid)
	if err != nil {
		if errors.Is(err, errdomain.ErrNotFound) {
			err = errorsx.AddMessage(err, "Execution not found.")
		}
		return fmt.Errorf("fetching execution: %w", err)
	}

	if exe.Status.IsTerminal() && exe.Status != types.ExecutionStatusStopped {
		err := fmt.Errorf("execution is %s: %w", exe.Status, errdomain.ErrInvalidTransition)
		return errorsx.AddMessage(err, "Execution has already finished.")
	}

	if err := s.progress.MarkStopped(ctx, uid); err != nil {
		return fmt.Errorf("raising stop flag: %w", err)
	}

	if err := s.store.UpdateExecutionStatus(ctx, uid, types.ExecutionStatusStopped, "", false); err != nil {
		if errors.Is(err, errdomain.ErrInvalidTransition) {
			err = errorsx.AddMessage(err, "Execution has already finished.")
		}
		return fmt.Errorf("storing stopped status: %w", err)
	}

	if err := s.progress.SetStatus(ctx, uid, progress.Status{Status: types.ExecutionStatusStopped}); err != nil {
		s.log.Warn("Couldn't cache execution status", zap.String("executionUID", uid.String()), zap.Error(err))
	}

	s.log.Info("Execution stopped", zap.String("executionUID", uid.String()))

	return nil
}
