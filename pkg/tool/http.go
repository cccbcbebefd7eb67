package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/instill-ai/execution-backend/config"

	errdomain "github.com/instill-ai/execution-backend/pkg/errors"
)

const (
	defaultTimeout    = 5 * time.Minute
	defaultRetryDelay = 500 * time.Millisecond
)

// HTTPExecutor calls a remote tool execution service.
type HTTPExecutor struct {
	client *resty.Client
}

// NewHTTPExecutor returns an initialized tool execution HTTP client.
// Connection errors and 5xx responses are retried by the client.
func NewHTTPExecutor(cfg config.ToolConfig, logger *zap.Logger) *HTTPExecutor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	r := resty.New().
		SetLogger(logger.Sugar()).
		SetBaseURL(cfg.Host).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(defaultRetryDelay).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err == nil && resp != nil && resp.StatusCode() >= http.StatusInternalServerError
		})

	return &HTTPExecutor{client: r}
}

type executeRequest struct {
	OrganizationID   string          `json:"organization_id"`
	WorkflowUID      string          `json:"workflow_uid"`
	ExecutionUID     string          `json:"execution_uid"`
	FileExecutionUID string          `json:"file_execution_uid"`
	PipelineUID      string          `json:"pipeline_uid,omitempty"`
	File             executeFileInfo `json:"file"`
	Content          []byte          `json:"content"`
}

type executeFileInfo struct {
	Name     string `json:"name"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

type executeResponse struct {
	ContentType string          `json:"content_type"`
	Data        json.RawMessage `json:"data"`
	Stopped     bool            `json:"stopped"`
	Error       string          `json:"error"`
}

// Execute calls the POST
// /v1/namespaces/{namespace}/tools/{id}/releases/{version}/execute endpoint.
func (e *HTTPExecutor) Execute(ctx context.Context, in Input) (*Output, error) {
	req := executeRequest{
		OrganizationID:   in.OrganizationID,
		WorkflowUID:      in.WorkflowUID.String(),
		ExecutionUID:     in.ExecutionUID.String(),
		FileExecutionUID: in.FileExecutionUID.String(),
		File: executeFileInfo{
			Name:     in.File.Name,
			Hash:     in.File.Hash,
			Size:     in.File.Size,
			MimeType: in.File.MimeType,
		},
		Content: in.Content,
	}
	if in.PipelineUID != nil {
		req.PipelineUID = in.PipelineUID.String()
	}

	var body executeResponse
	path := fmt.Sprintf("/v1/namespaces/%s/tools/%s/releases/%s/execute", in.Release.Namespace, in.Release.ID, in.Release.Version)
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&body).
		SetError(&body).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't connect with tool service: %w", err)
	}

	if body.Stopped {
		return nil, errdomain.ErrStopExecution
	}

	if resp.IsError() {
		msg := body.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return nil, fmt.Errorf("tool %s failed with status %d: %s", in.Release.Name(), resp.StatusCode(), msg)
	}

	if body.Error != "" {
		return nil, fmt.Errorf("tool %s failed: %s", in.Release.Name(), body.Error)
	}

	return &Output{
		Data:        []byte(body.Data),
		ContentType: body.ContentType,
	}, nil
}
