package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/instill-ai/execution-backend/pkg/store"
	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

// FinalizeResult is the outcome of Finalize.
type FinalizeResult struct {
	Status          types.ExecutionStatus
	SuccessfulFiles int
	FailedFiles     int
	ErrorMessage    string
	// Skipped is set when there was nothing to finalize.
	Skipped bool
	// AlreadyFinalized is set when the execution had reached a terminal
	// status before the call. Status then is the stored one.
	AlreadyFinalized bool
}

// unrecordedFileMessage is stored on a file execution left unfinished by a
// batch without a failure reason.
const unrecordedFileMessage = "File processing did not complete."

// Finalize derives the terminal status of an execution from the results of
// its batches and stores it. The counts only come from the results, so a
// repeated call with the same results stores the same outcome; once the
// execution is terminal, further calls don't write anything. File executions
// reported as unrecorded are moved to ERROR first, so that every file
// counted as failed also is failed in the store.
func Finalize(ctx context.Context, s store.Client, executionUID types.ExecutionUIDType, results []types.BatchResult, errorMessageLength int) (*FinalizeResult, error) {
	if len(results) == 0 {
		return &FinalizeResult{Skipped: true}, nil
	}

	r := &FinalizeResult{}
	firstError := ""
	for _, br := range results {
		r.SuccessfulFiles += br.SuccessfulFiles
		r.FailedFiles += br.FailedFiles + br.StoppedFiles
		if firstError == "" && br.Error != "" {
			firstError = br.Error
		}
	}

	r.Status = types.ExecutionStatusCompleted
	if r.SuccessfulFiles == 0 {
		r.Status = types.ExecutionStatusError
		r.ErrorMessage = firstError
		if r.ErrorMessage == "" {
			r.ErrorMessage = fmt.Sprintf("All %d files failed to process.", r.FailedFiles)
		}
		if errorMessageLength > 0 && len([]rune(r.ErrorMessage)) > errorMessageLength {
			r.ErrorMessage = string([]rune(r.ErrorMessage)[:errorMessageLength])
		}
	}

	if err := failUnrecordedFiles(ctx, s, results, errorMessageLength); err != nil {
		return nil, err
	}

	current, err := s.GetExecution(ctx, executionUID)
	if err != nil {
		return nil, fmt.Errorf("reading execution: %w", err)
	}
	if current.Status.IsTerminal() {
		return alreadyFinalized(current.Status, r), nil
	}

	err = s.UpdateExecutionStatus(ctx, executionUID, r.Status, r.ErrorMessage, false)
	if errors.Is(err, errdomain.ErrInvalidTransition) {
		// Another delivery, or a stop request, won the race.
		current, gErr := s.GetExecution(ctx, executionUID)
		if gErr != nil {
			return nil, fmt.Errorf("reading execution: %w", gErr)
		}
		return alreadyFinalized(current.Status, r), nil
	}
	if err != nil {
		return nil, fmt.Errorf("storing final status: %w", err)
	}

	return r, nil
}

func failUnrecordedFiles(ctx context.Context, s store.Client, results []types.BatchResult, errorMessageLength int) error {
	for _, br := range results {
		msg := br.Error
		if msg == "" {
			msg = unrecordedFileMessage
		}
		if errorMessageLength > 0 && len([]rune(msg)) > errorMessageLength {
			msg = string([]rune(msg)[:errorMessageLength])
		}

		for _, uid := range br.UnrecordedFileExecutionUIDs {
			err := s.UpdateFileExecutionStatus(ctx, uid, types.ExecutionStatusError, msg, store.UpdateFileExecutionOpts{})
			// Files that finished in the meantime keep their status.
			if err != nil && !errors.Is(err, errdomain.ErrInvalidTransition) {
				return fmt.Errorf("failing file execution %s: %w", uid, err)
			}
		}
	}
	return nil
}

func alreadyFinalized(status types.ExecutionStatus, r *FinalizeResult) *FinalizeResult {
	r.Status = status
	r.AlreadyFinalized = true
	return r
}
