package progress

import (
	"context"
	"time"

	"github.com/instill-ai/execution-backend/pkg/types"
)

// DefaultTTL is the lifetime of the progress of an execution.
const DefaultTTL = 30 * time.Minute

// Counts is the aggregate progress of an execution.
type Counts struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Status is the last stored status of an execution.
type Status struct {
	Status       types.ExecutionStatus `json:"status"`
	ErrorMessage string                `json:"error_message,omitempty"`
}

// Done returns the number of files with a terminal outcome.
func (c Counts) Done() int64 {
	return c.Completed + c.Failed
}

// Cache holds the ephemeral progress of running executions. It is never the
// system of record: losing an entry only degrades status reads to the
// execution store.
type Cache interface {
	SetTotal(ctx context.Context, executionUID types.ExecutionUIDType, total int) error
	IncrementCompleted(ctx context.Context, executionUID types.ExecutionUIDType) error
	IncrementFailed(ctx context.Context, executionUID types.ExecutionUIDType) error
	// GetCounts returns false when the execution has no cached progress.
	GetCounts(ctx context.Context, executionUID types.ExecutionUIDType) (Counts, bool, error)

	// SetStatus records the last stored status of an execution. A terminal
	// status isn't replaced by a non-terminal one.
	SetStatus(ctx context.Context, executionUID types.ExecutionUIDType, status Status) error
	// GetStatus returns false when the execution has no cached status.
	GetStatus(ctx context.Context, executionUID types.ExecutionUIDType) (Status, bool, error)

	// MarkStopped raises the cooperative stop flag of an execution.
	MarkStopped(ctx context.Context, executionUID types.ExecutionUIDType) error
	IsStopped(ctx context.Context, executionUID types.ExecutionUIDType) (bool, error)

	// Delete drops the progress, the status and the stop flag of an
	// execution.
	Delete(ctx context.Context, executionUID types.ExecutionUIDType) error
}
