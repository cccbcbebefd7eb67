package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"github.com/instill-ai/execution-backend/pkg/types"
)

const (
	// APIDeploymentTableName is the table name for API deployments
	APIDeploymentTableName = "api_deployment"
)

// APIDeployment is the lookup of workflows exposed as synchronous API
// endpoints.
type APIDeployment interface {
	// CreateAPIDeployment registers an API deployment.
	CreateAPIDeployment(ctx context.Context, d APIDeploymentModel) (*APIDeploymentModel, error)
	// IsAPIDeployment reports whether an active API deployment serves the
	// workflow or, when provided, the pipeline.
	IsAPIDeployment(ctx context.Context, workflowUID types.WorkflowUIDType, pipelineUID *uuid.UUID) (bool, error)
}

// APIDeploymentModel is a workflow deployed behind an API endpoint.
type APIDeploymentModel struct {
	UID            uuid.UUID             `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	WorkflowUID    types.WorkflowUIDType `gorm:"column:workflow_uid;type:uuid;not null" json:"workflow_uid"`
	PipelineUID    *uuid.UUID            `gorm:"column:pipeline_uid;type:uuid" json:"pipeline_uid"`
	OrganizationID string                `gorm:"column:organization_id;size:255;not null" json:"organization_id"`
	IsActive       bool                  `gorm:"column:is_active;not null" json:"is_active"`
	CreateTime     *time.Time            `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime     *time.Time            `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (APIDeploymentModel) TableName() string {
	return APIDeploymentTableName
}

// BeforeCreate generates the UID when the caller didn't supply one.
func (d *APIDeploymentModel) BeforeCreate(*gorm.DB) error {
	if d.UID.IsNil() {
		uid, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("generating API deployment UID: %w", err)
		}
		d.UID = uid
	}
	return nil
}

// APIDeploymentColumns is the columns for the API deployment table
type APIDeploymentColumns struct {
	UID         string
	WorkflowUID string
	PipelineUID string
	IsActive    string
}

// APIDeploymentColumn is the column for the API deployment table
var APIDeploymentColumn = APIDeploymentColumns{
	UID:         "uid",
	WorkflowUID: "workflow_uid",
	PipelineUID: "pipeline_uid",
	IsActive:    "is_active",
}

func (r *repository) CreateAPIDeployment(ctx context.Context, d APIDeploymentModel) (*APIDeploymentModel, error) {
	if err := r.db.WithContext(ctx).Create(&d).Error; err != nil {
		return nil, fmt.Errorf("creating API deployment: %w", err)
	}
	return &d, nil
}

func (r *repository) IsAPIDeployment(ctx context.Context, workflowUID types.WorkflowUIDType, pipelineUID *uuid.UUID) (bool, error) {
	q := r.db.WithContext(ctx).
		Model(&APIDeploymentModel{}).
		Where(fmt.Sprintf("%s = ?", APIDeploymentColumn.IsActive), true)

	if pipelineUID != nil && !pipelineUID.IsNil() {
		q = q.Where(
			fmt.Sprintf("(%s = ? OR %s = ?)", APIDeploymentColumn.WorkflowUID, APIDeploymentColumn.PipelineUID),
			workflowUID, *pipelineUID,
		)
	} else {
		q = q.Where(fmt.Sprintf("%s = ?", APIDeploymentColumn.WorkflowUID), workflowUID)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("looking up API deployment: %w", err)
	}
	return count > 0, nil
}
