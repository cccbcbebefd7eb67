package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/pkg/processor"
	"github.com/instill-ai/execution-backend/pkg/store"
	"github.com/instill-ai/execution-backend/pkg/types"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

// Batch size bounds.
const (
	MinSize     = 1
	MaxSize     = 20
	DefaultSize = 5
)

// ClampSize keeps a configured batch size within [MinSize, MaxSize]. Zero
// means DefaultSize.
func ClampSize(size int) int {
	switch {
	case size == 0:
		return DefaultSize
	case size < MinSize:
		return MinSize
	case size > MaxSize:
		return MaxSize
	}
	return size
}

// Partition splits files into contiguous chunks of the clamped size,
// preserving their order.
func Partition(files []types.FileDescriptor, size int) [][]types.FileDescriptor {
	size = ClampSize(size)

	chunks := make([][]types.FileDescriptor, 0, (len(files)+size-1)/size)
	for start := 0; start < len(files); start += size {
		end := min(start+size, len(files))
		chunks = append(chunks, files[start:end:end])
	}
	return chunks
}

// FileProcessor processes a single file of a batch.
type FileProcessor interface {
	Process(ctx context.Context, ec processor.ExecutionContext, file types.FileDescriptor, fileExecutionUID types.FileExecutionUIDType) (processor.FileResult, error)
}

// Coordinator materializes the batches of an execution and runs them.
type Coordinator struct {
	store store.Client
	log   *zap.Logger
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(s store.Client, log *zap.Logger) *Coordinator {
	return &Coordinator{store: s, log: log}
}

// CreateBatches partitions the files and upserts a FileExecution row for
// each of them, so that every row exists before a batch job can start. The
// returned batches carry the row IDs in file order. A file whose content
// hash was already seen in the execution is left out, as it would share the
// row of the first one.
func (c *Coordinator) CreateBatches(ctx context.Context, executionUID types.ExecutionUIDType, workflowUID types.WorkflowUIDType, files []types.FileDescriptor, size int) ([]types.Batch, error) {
	files, duplicates := types.DistinctByContent(files)
	if duplicates > 0 {
		c.log.Warn("Skipping files with a repeated content",
			zap.String("executionUID", executionUID.String()),
			zap.Int("duplicates", duplicates),
		)
	}

	chunks := Partition(files, size)
	batches := make([]types.Batch, 0, len(chunks))

	for i, chunk := range chunks {
		b := types.Batch{
			BatchUID:          batchUID(executionUID, i),
			Index:             i,
			Files:             chunk,
			FileExecutionUIDs: make([]types.FileExecutionUIDType, 0, len(chunk)),
		}

		for _, f := range chunk {
			uid, err := c.store.UpsertFileExecution(ctx, store.UpsertFileExecutionParam{
				ExecutionUID: executionUID,
				WorkflowUID:  workflowUID,
				File:         f,
			})
			if err != nil {
				return nil, fmt.Errorf("creating file execution for %q: %w", f.Name, err)
			}
			b.FileExecutionUIDs = append(b.FileExecutionUIDs, uid)
		}

		batches = append(batches, b)
	}

	c.log.Info("Batches created",
		zap.String("executionUID", executionUID.String()),
		zap.Int("files", len(files)),
		zap.Int("batches", len(batches)),
	)

	return batches, nil
}

// batchUID derives a stable identifier so that a retried batch creation
// yields the same batches.
func batchUID(executionUID types.ExecutionUIDType, index int) types.BatchUIDType {
	return uuid.NewV5(executionUID, fmt.Sprintf("batch-%d", index))
}

// RunBatch processes the files of the batch in order. A failed file doesn't
// prevent the next ones from running; a stop request or the cancellation of
// ctx aborts the loop and the remaining files are left untouched.
func RunBatch(ctx context.Context, p FileProcessor, ec processor.ExecutionContext, b types.Batch) types.BatchResult {
	result := types.BatchResult{BatchUID: b.BatchUID}

	for i, f := range b.Files {
		if ctx.Err() != nil {
			return result
		}

		var feUID types.FileExecutionUIDType
		if i < len(b.FileExecutionUIDs) {
			feUID = b.FileExecutionUIDs[i]
		}

		r, err := p.Process(ctx, ec, f, feUID)
		switch {
		case errors.Is(err, errdomain.ErrStopExecution):
			result.StoppedFiles++
			result.Stopped = true
			return result
		case r.Succeeded():
			result.SuccessfulFiles++
		default:
			result.FailedFiles++
			if result.Error == "" {
				result.Error = r.Error
			}
			if r.Unrecorded && !r.FileExecutionUID.IsNil() {
				result.UnrecordedFileExecutionUIDs = append(result.UnrecordedFileExecutionUIDs, r.FileExecutionUID)
			}
		}
	}

	return result
}
