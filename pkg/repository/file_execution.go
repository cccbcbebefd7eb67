package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/execution-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// FileExecutionTableName is the table name for file executions
	FileExecutionTableName = "file_execution"
)

// FileExecution is the persistence of per-file processing attempts.
type FileExecution interface {
	// UpsertFileExecution inserts the file execution or, when the execution
	// already has a row for the same content hash, refreshes its file
	// metadata. The status of an existing row is left untouched. It returns
	// the stored row.
	UpsertFileExecution(ctx context.Context, fe FileExecutionModel) (*FileExecutionModel, error)
	// GetFileExecutionByUID returns the file execution or an
	// errorsx.ErrNotFound wrapped error.
	GetFileExecutionByUID(ctx context.Context, uid types.FileExecutionUIDType) (*FileExecutionModel, error)
	// TransitionFileExecutionStatus updates the status only when the current
	// one allows it and returns the number of updated rows.
	TransitionFileExecutionStatus(ctx context.Context, uid types.FileExecutionUIDType, p FileExecutionStatusUpdate) (int64, error)
	// ListFileExecutions returns the file executions of an execution.
	ListFileExecutions(ctx context.Context, executionUID types.ExecutionUIDType) ([]FileExecutionModel, error)
	// FindCompletedFileExecution returns the latest completed file execution
	// of the workflow with the given content hash.
	FindCompletedFileExecution(ctx context.Context, workflowUID types.WorkflowUIDType, fileHash string) (*FileExecutionModel, error)
	// CountFileExecutionsByStatus returns the number of file executions of
	// an execution per status.
	CountFileExecutionsByStatus(ctx context.Context, executionUID types.ExecutionUIDType) (map[types.ExecutionStatus]int64, error)
}

// FileExecutionModel is the processing of one input file within an
// execution.
type FileExecutionModel struct {
	UID          types.FileExecutionUIDType `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	ExecutionUID types.ExecutionUIDType     `gorm:"column:execution_uid;type:uuid;not null;uniqueIndex:idx_file_execution_execution_hash" json:"execution_uid"`
	// WorkflowUID is denormalized for the history lookup.
	WorkflowUID types.WorkflowUIDType `gorm:"column:workflow_uid;type:uuid;not null" json:"workflow_uid"`
	FileName    string                `gorm:"column:file_name;size:255;not null" json:"file_name"`
	FilePath    string                `gorm:"column:file_path;not null;default:''" json:"file_path"`
	FileHash    string                `gorm:"column:file_hash;size:128;not null;uniqueIndex:idx_file_execution_execution_hash" json:"file_hash"`
	FileSize    int64                 `gorm:"column:file_size;not null;default:0" json:"file_size"`
	MimeType    string                `gorm:"column:mime_type;size:255;not null;default:''" json:"mime_type"`
	Status      types.ExecutionStatus `gorm:"column:status;size:32;not null" json:"status"`
	// ExecutionError is bounded to 512 characters.
	ExecutionError *string `gorm:"column:execution_error;size:512" json:"execution_error"`
	// ExecutionDuration is the processing time in seconds.
	ExecutionDuration float64 `gorm:"column:execution_duration;not null;default:0" json:"execution_duration"`
	// OutputRef is the destination path of the processing result.
	OutputRef  string     `gorm:"column:output_ref;not null;default:''" json:"output_ref"`
	CreateTime *time.Time `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime *time.Time `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (FileExecutionModel) TableName() string {
	return FileExecutionTableName
}

// BeforeCreate generates the UID when the caller didn't supply one.
func (fe *FileExecutionModel) BeforeCreate(*gorm.DB) error {
	if fe.UID.IsNil() {
		uid, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("generating file execution UID: %w", err)
		}
		fe.UID = uid
	}
	if fe.Status == "" {
		fe.Status = types.ExecutionStatusPending
	}
	return nil
}

// FileExecutionColumns is the columns for the file execution table
type FileExecutionColumns struct {
	UID               string
	ExecutionUID      string
	WorkflowUID       string
	FileName          string
	FilePath          string
	FileHash          string
	FileSize          string
	MimeType          string
	Status            string
	ExecutionError    string
	ExecutionDuration string
	OutputRef         string
	CreateTime        string
	UpdateTime        string
}

// FileExecutionColumn is the column for the file execution table
var FileExecutionColumn = FileExecutionColumns{
	UID:               "uid",
	ExecutionUID:      "execution_uid",
	WorkflowUID:       "workflow_uid",
	FileName:          "file_name",
	FilePath:          "file_path",
	FileHash:          "file_hash",
	FileSize:          "file_size",
	MimeType:          "mime_type",
	Status:            "status",
	ExecutionError:    "execution_error",
	ExecutionDuration: "execution_duration",
	OutputRef:         "output_ref",
	CreateTime:        "create_time",
	UpdateTime:        "update_time",
}

// FileExecutionStatusUpdate describes a status transition of a file
// execution.
type FileExecutionStatusUpdate struct {
	Status types.ExecutionStatus
	// The following fields are written when non-nil.
	ExecutionError    *string
	ExecutionDuration *float64
	OutputRef         *string
}

func (r *repository) UpsertFileExecution(ctx context.Context, fe FileExecutionModel) (*FileExecutionModel, error) {
	var stored FileExecutionModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: FileExecutionColumn.ExecutionUID},
				{Name: FileExecutionColumn.FileHash},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				FileExecutionColumn.FileName,
				FileExecutionColumn.FilePath,
				FileExecutionColumn.FileSize,
				FileExecutionColumn.MimeType,
				FileExecutionColumn.UpdateTime,
			}),
		}).Create(&fe).Error
		if err != nil {
			return fmt.Errorf("upserting file execution: %w", err)
		}

		// On conflict the model keeps the generated UID, so the row is read
		// back by its natural key.
		where := fmt.Sprintf("%s = ? AND %s = ?", FileExecutionColumn.ExecutionUID, FileExecutionColumn.FileHash)
		if err := tx.Where(where, fe.ExecutionUID, fe.FileHash).First(&stored).Error; err != nil {
			return fmt.Errorf("reading upserted file execution: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &stored, nil
}

func (r *repository) GetFileExecutionByUID(ctx context.Context, uid types.FileExecutionUIDType) (*FileExecutionModel, error) {
	var fe FileExecutionModel
	where := fmt.Sprintf("%s = ?", FileExecutionColumn.UID)
	if err := r.db.WithContext(ctx).Where(where, uid).First(&fe).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = fmt.Errorf("file execution %s: %w", uid, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return &fe, nil
}

func (r *repository) TransitionFileExecutionStatus(ctx context.Context, uid types.FileExecutionUIDType, p FileExecutionStatusUpdate) (int64, error) {
	sources := types.TransitionSources(p.Status)
	if len(sources) == 0 {
		return 0, nil
	}

	updates := map[string]any{
		FileExecutionColumn.Status:     p.Status,
		FileExecutionColumn.UpdateTime: time.Now().UTC(),
	}
	if p.ExecutionError != nil {
		updates[FileExecutionColumn.ExecutionError] = *p.ExecutionError
	}
	if p.ExecutionDuration != nil {
		updates[FileExecutionColumn.ExecutionDuration] = *p.ExecutionDuration
	}
	if p.OutputRef != nil {
		updates[FileExecutionColumn.OutputRef] = *p.OutputRef
	}

	where := fmt.Sprintf("%s = ? AND %s IN ?", FileExecutionColumn.UID, FileExecutionColumn.Status)
	result := r.db.WithContext(ctx).
		Model(&FileExecutionModel{}).
		Where(where, uid, sources).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("updating file execution status: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func (r *repository) ListFileExecutions(ctx context.Context, executionUID types.ExecutionUIDType) ([]FileExecutionModel, error) {
	var fes []FileExecutionModel
	where := fmt.Sprintf("%s = ?", FileExecutionColumn.ExecutionUID)
	order := fmt.Sprintf("%s ASC, %s ASC", FileExecutionColumn.CreateTime, FileExecutionColumn.FileName)
	if err := r.db.WithContext(ctx).Where(where, executionUID).Order(order).Find(&fes).Error; err != nil {
		return nil, fmt.Errorf("listing file executions: %w", err)
	}
	return fes, nil
}

func (r *repository) FindCompletedFileExecution(ctx context.Context, workflowUID types.WorkflowUIDType, fileHash string) (*FileExecutionModel, error) {
	var fe FileExecutionModel
	where := fmt.Sprintf("%s = ? AND %s = ? AND %s = ? AND %s <> ''",
		FileExecutionColumn.WorkflowUID,
		FileExecutionColumn.FileHash,
		FileExecutionColumn.Status,
		FileExecutionColumn.OutputRef,
	)
	err := r.db.WithContext(ctx).
		Where(where, workflowUID, fileHash, types.ExecutionStatusCompleted).
		Order(FileExecutionColumn.UpdateTime + " DESC").
		First(&fe).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = fmt.Errorf("completed file execution for hash %s: %w", fileHash, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return &fe, nil
}

func (r *repository) CountFileExecutionsByStatus(ctx context.Context, executionUID types.ExecutionUIDType) (map[types.ExecutionStatus]int64, error) {
	var rows []struct {
		Status types.ExecutionStatus
		Count  int64
	}

	where := fmt.Sprintf("%s = ?", FileExecutionColumn.ExecutionUID)
	err := r.db.WithContext(ctx).
		Model(&FileExecutionModel{}).
		Select(FileExecutionColumn.Status + ", count(*) AS count").
		Where(where, executionUID).
		Group(FileExecutionColumn.Status).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting file executions: %w", err)
	}

	counts := make(map[types.ExecutionStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
