package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"golang.org/x/mod/semver"

	"github.com/instill-ai/execution-backend/pkg/types"
)

// Executor runs the processing tool of a workflow on one file. It returns
// errors.ErrStopExecution when the execution was stopped while the tool ran.
type Executor interface {
	Execute(ctx context.Context, in Input) (*Output, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in Input) (*Output, error)

// Execute calls f(ctx, in).
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (*Output, error) {
	return f(ctx, in)
}

// Input is the file handed to the tool.
type Input struct {
	Release          Release
	OrganizationID   string
	WorkflowUID      types.WorkflowUIDType
	ExecutionUID     types.ExecutionUIDType
	FileExecutionUID types.FileExecutionUIDType
	PipelineUID      *uuid.UUID
	File             types.FileDescriptor
	Content          []byte
}

// Output is the result of the tool for one file.
type Output struct {
	Data        []byte
	ContentType string
}

// Release identifies a version of a processing tool.
type Release struct {
	Namespace string
	ID        string
	Version   string
}

// Name returns the identifier of the release, with the format
// {namespace}/{id}@{version}.
func (r Release) Name() string {
	return r.Namespace + "/" + r.ID + "@" + r.Version
}

const releaseNameFormat = "name must have the format {namespace}/{id}@{version}"

// ReleaseFromName parses a Release from its name, with the format
// {namespace}/{id}@{version}.
func ReleaseFromName(name string) (Release, error) {
	r := Release{}

	parts := strings.Split(name, "/")
	if len(parts) != 2 || parts[0] == "" {
		return r, errors.New(releaseNameFormat)
	}
	r.Namespace = parts[0]

	idVersion := strings.Split(parts[1], "@")
	if len(idVersion) != 2 || idVersion[0] == "" {
		return r, errors.New(releaseNameFormat)
	}
	r.ID = idVersion[0]
	r.Version = idVersion[1]

	if !semver.IsValid(r.Version) {
		return r, fmt.Errorf("version must be valid SemVer 2.0.0")
	}

	return r, nil
}
