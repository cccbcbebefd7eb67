// Package event publishes the lifecycle events of executions.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/instill-ai/execution-backend/pkg/types"
)

// Topic carries every execution event.
const Topic = "execution.events"

// Metadata keys set on every message.
const (
	MetadataKeyExecutionUID = "execution_uid"
	MetadataKeyType         = "event_type"
)

// Type names an execution event.
type Type string

// ExecutionFinalizedType is emitted once an execution reaches a terminal
// status.
const ExecutionFinalizedType Type = "ExecutionFinalized"

// ExecutionFinalized is the payload of ExecutionFinalizedType.
type ExecutionFinalized struct {
	ExecutionUID    types.ExecutionUIDType `json:"execution_uid"`
	WorkflowUID     types.WorkflowUIDType  `json:"workflow_uid"`
	OrganizationID  string                 `json:"organization_id"`
	Status          types.ExecutionStatus  `json:"status"`
	SuccessfulFiles int                    `json:"successful_files"`
	FailedFiles     int                    `json:"failed_files"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	FinalizeTime    time.Time              `json:"finalize_time"`
}

// Publisher publishes execution events.
type Publisher interface {
	PublishExecutionFinalized(ctx context.Context, e ExecutionFinalized) error
}

type publisher struct {
	pub message.Publisher
}

// NewPublisher wraps a watermill publisher.
func NewPublisher(pub message.Publisher) Publisher {
	return &publisher{pub: pub}
}

// NewGoChannel returns an in-process pub/sub, used when no broker is
// configured and in tests.
func NewGoChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 1000,
			Persistent:          false,
		},
		logger,
	)
}

func (p *publisher) PublishExecutionFinalized(ctx context.Context, e ExecutionFinalized) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataKeyExecutionUID, e.ExecutionUID.String())
	msg.Metadata.Set(MetadataKeyType, string(ExecutionFinalizedType))

	if err := p.pub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publishing %s: %w", ExecutionFinalizedType, err)
	}
	return nil
}

// Decode reads the payload of an ExecutionFinalized message.
func Decode(msg *message.Message) (ExecutionFinalized, error) {
	var e ExecutionFinalized
	if t := Type(msg.Metadata.Get(MetadataKeyType)); t != ExecutionFinalizedType {
		return e, fmt.Errorf("unexpected event type %q", t)
	}
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return e, fmt.Errorf("unmarshalling event: %w", err)
	}
	return e, nil
}
