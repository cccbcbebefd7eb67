package types

import (
	"github.com/gofrs/uuid"
)

type (
	// Execution unique identifier
	ExecutionUIDType = uuid.UUID
	// File execution unique identifier
	FileExecutionUIDType = uuid.UUID
	// Workflow unique identifier
	WorkflowUIDType = uuid.UUID
	// Pipeline unique identifier
	PipelineUIDType = uuid.UUID
	// Batch unique identifier
	BatchUIDType = uuid.UUID
)

// ExecutionStatus is the lifecycle status shared by executions and file
// executions.
type ExecutionStatus string

const (
	// ExecutionStatusPending is the initial status.
	ExecutionStatusPending ExecutionStatus = "PENDING"
	// ExecutionStatusExecuting means the work has been picked up.
	ExecutionStatusExecuting ExecutionStatus = "EXECUTING"
	// ExecutionStatusCompleted is terminal.
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	// ExecutionStatusError is terminal.
	ExecutionStatusError ExecutionStatus = "ERROR"
	// ExecutionStatusStopped is terminal.
	ExecutionStatusStopped ExecutionStatus = "STOPPED"
)

// ExecutionStatuses lists every status in lifecycle order.
var ExecutionStatuses = []ExecutionStatus{
	ExecutionStatusPending,
	ExecutionStatusExecuting,
	ExecutionStatusCompleted,
	ExecutionStatusError,
	ExecutionStatusStopped,
}

// TerminalStatuses lists the final statuses.
var TerminalStatuses = []ExecutionStatus{
	ExecutionStatusCompleted,
	ExecutionStatusError,
	ExecutionStatusStopped,
}

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusError, ExecutionStatusStopped:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusExecuting,
		ExecutionStatusCompleted, ExecutionStatusError, ExecutionStatusStopped:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (s ExecutionStatus) String() string {
	return string(s)
}

// CanTransitionTo reports whether the status machine allows moving from s to
// next. Staying in the same non-terminal status is allowed so that duplicate
// deliveries can re-assert it.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if !next.IsValid() || s.IsTerminal() {
		return false
	}
	switch s {
	case ExecutionStatusPending:
		return true
	case ExecutionStatusExecuting:
		return next != ExecutionStatusPending
	}
	return false
}

// TransitionSources returns the statuses from which next can be reached.
func TransitionSources(next ExecutionStatus) []ExecutionStatus {
	var sources []ExecutionStatus
	for _, s := range ExecutionStatuses {
		if s.CanTransitionTo(next) {
			sources = append(sources, s)
		}
	}
	return sources
}

// ExecutionMode tells whether an execution was triggered for immediate
// (synchronous-facing) or queued processing.
type ExecutionMode string

const (
	// ExecutionModeImmediate is used by API deployments.
	ExecutionModeImmediate ExecutionMode = "IMMEDIATE"
	// ExecutionModeQueued is used by scheduled and ETL runs.
	ExecutionModeQueued ExecutionMode = "QUEUED"
)

// FileDescriptor identifies an input file of an execution.
type FileDescriptor struct {
	Name     string // Display name of the file
	Path     string // Object path in the source bucket
	Bucket   string // Source bucket
	Hash     string // Content hash (sha256, hex)
	Size     int64  // Size in bytes
	MimeType string // Detected MIME type
}

// DistinctByContent drops the files whose content hash already appeared
// earlier in files. An execution holds one file execution per content, so a
// repeated content is processed once. The order of the kept files is
// preserved.
func DistinctByContent(files []FileDescriptor) (distinct []FileDescriptor, duplicates int) {
	seen := make(map[string]struct{}, len(files))
	distinct = make([]FileDescriptor, 0, len(files))
	for _, f := range files {
		if _, ok := seen[f.Hash]; ok {
			duplicates++
			continue
		}
		seen[f.Hash] = struct{}{}
		distinct = append(distinct, f)
	}
	return distinct, duplicates
}

// Batch is a contiguous subset of an execution's files dispatched as one job.
type Batch struct {
	BatchUID          BatchUIDType           // Batch unique identifier
	Index             int                    // Position in the fan-out, starting at 0
	Files             []FileDescriptor       // Files in processing order
	FileExecutionUIDs []FileExecutionUIDType // FileExecution row per file, same order as Files
}

// BatchResult is the terminal outcome of one batch job.
type BatchResult struct {
	BatchUID        BatchUIDType
	SuccessfulFiles int
	FailedFiles     int
	StoppedFiles    int
	// Stopped is set when the batch loop was aborted by a stop request.
	Stopped bool
	// Error is the first failure reason of the batch, or the reason the batch
	// job itself failed.
	Error string
	// UnrecordedFileExecutionUIDs lists the failed files whose terminal
	// status couldn't be stored, or every file of a batch job that failed.
	// They are moved to ERROR when the execution is finalized.
	UnrecordedFileExecutionUIDs []FileExecutionUIDType
}

// TotalFiles returns the number of files accounted for by the result.
func (r BatchResult) TotalFiles() int {
	return r.SuccessfulFiles + r.FailedFiles + r.StoppedFiles
}
