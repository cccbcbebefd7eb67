package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"github.com/instill-ai/execution-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// ExecutionTableName is the table name for executions
	ExecutionTableName = "execution"
)

// Execution is the persistence of workflow executions.
type Execution interface {
	// CreateExecution inserts a new execution. A zero UID is generated.
	CreateExecution(ctx context.Context, e ExecutionModel) (*ExecutionModel, error)
	// GetExecutionByUID returns the execution or an errorsx.ErrNotFound
	// wrapped error.
	GetExecutionByUID(ctx context.Context, uid types.ExecutionUIDType) (*ExecutionModel, error)
	// TransitionExecutionStatus updates the status only when the current one
	// allows it and returns the number of updated rows.
	TransitionExecutionStatus(ctx context.Context, uid types.ExecutionUIDType, p ExecutionStatusUpdate) (int64, error)
}

// ExecutionModel is one run of a workflow over a set of input files.
type ExecutionModel struct {
	UID            types.ExecutionUIDType `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	WorkflowUID    types.WorkflowUIDType  `gorm:"column:workflow_uid;type:uuid;not null;index" json:"workflow_uid"`
	PipelineUID    *uuid.UUID             `gorm:"column:pipeline_uid;type:uuid" json:"pipeline_uid"`
	OrganizationID string                 `gorm:"column:organization_id;size:255;not null" json:"organization_id"`
	ExecutionMode  types.ExecutionMode    `gorm:"column:execution_mode;size:32;not null" json:"execution_mode"`
	Status         types.ExecutionStatus  `gorm:"column:status;size:32;not null" json:"status"`
	TotalFiles     int                    `gorm:"column:total_files;not null;default:0" json:"total_files"`
	// ErrorMessage is only set when every file of the execution failed.
	ErrorMessage *string    `gorm:"column:error_message;size:512" json:"error_message"`
	Attempts     int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	CreateTime   *time.Time `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime   *time.Time `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (ExecutionModel) TableName() string {
	return ExecutionTableName
}

// BeforeCreate generates the UID when the caller didn't supply one.
func (e *ExecutionModel) BeforeCreate(*gorm.DB) error {
	if e.UID.IsNil() {
		uid, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("generating execution UID: %w", err)
		}
		e.UID = uid
	}
	if e.Status == "" {
		e.Status = types.ExecutionStatusPending
	}
	return nil
}

// ExecutionColumns is the columns for the execution table
type ExecutionColumns struct {
	UID            string
	WorkflowUID    string
	PipelineUID    string
	OrganizationID string
	ExecutionMode  string
	Status         string
	TotalFiles     string
	ErrorMessage   string
	Attempts       string
	CreateTime     string
	UpdateTime     string
}

// ExecutionColumn is the column for the execution table
var ExecutionColumn = ExecutionColumns{
	UID:            "uid",
	WorkflowUID:    "workflow_uid",
	PipelineUID:    "pipeline_uid",
	OrganizationID: "organization_id",
	ExecutionMode:  "execution_mode",
	Status:         "status",
	TotalFiles:     "total_files",
	ErrorMessage:   "error_message",
	Attempts:       "attempts",
	CreateTime:     "create_time",
	UpdateTime:     "update_time",
}

// ExecutionStatusUpdate describes a status transition of an execution.
type ExecutionStatusUpdate struct {
	Status types.ExecutionStatus
	// ErrorMessage is written when non-nil.
	ErrorMessage *string
	// IncrementAttempts bumps the attempt counter in the same statement.
	IncrementAttempts bool
	// TotalFiles is written when non-nil.
	TotalFiles *int
}

func (r *repository) CreateExecution(ctx context.Context, e ExecutionModel) (*ExecutionModel, error) {
	if err := r.db.WithContext(ctx).Create(&e).Error; err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}
	return &e, nil
}

func (r *repository) GetExecutionByUID(ctx context.Context, uid types.ExecutionUIDType) (*ExecutionModel, error) {
	var e ExecutionModel
	where := fmt.Sprintf("%s = ?", ExecutionColumn.UID)
	if err := r.db.WithContext(ctx).Where(where, uid).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = fmt.Errorf("execution %s: %w", uid, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return &e, nil
}

func (r *repository) TransitionExecutionStatus(ctx context.Context, uid types.ExecutionUIDType, p ExecutionStatusUpdate) (int64, error) {
	sources := types.TransitionSources(p.Status)
	if len(sources) == 0 {
		return 0, nil
	}

	updates := map[string]any{
		ExecutionColumn.Status:     p.Status,
		ExecutionColumn.UpdateTime: time.Now().UTC(),
	}
	if p.ErrorMessage != nil {
		updates[ExecutionColumn.ErrorMessage] = *p.ErrorMessage
	}
	if p.TotalFiles != nil {
		updates[ExecutionColumn.TotalFiles] = *p.TotalFiles
	}
	if p.IncrementAttempts {
		updates[ExecutionColumn.Attempts] = gorm.Expr(ExecutionColumn.Attempts + " + 1")
	}

	where := fmt.Sprintf("%s = ? AND %s IN ?", ExecutionColumn.UID, ExecutionColumn.Status)
	result := r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Where(where, uid, sources).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("updating execution status: %w", result.Error)
	}

	return result.RowsAffected, nil
}
