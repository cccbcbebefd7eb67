package event

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gofrs/uuid"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/execution-backend/config"
	"github.com/instill-ai/execution-backend/pkg/types"
)

func TestPublisher_PublishExecutionFinalized(t *testing.T) {
	c := qt.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	c.Cleanup(cancel)

	pubSub := NewGoChannel(watermill.NopLogger{})
	c.Cleanup(func() { _ = pubSub.Close() })

	messages, err := pubSub.Subscribe(ctx, Topic)
	c.Assert(err, qt.IsNil)

	want := ExecutionFinalized{
		ExecutionUID:    uuid.Must(uuid.NewV4()),
		WorkflowUID:     uuid.Must(uuid.NewV4()),
		OrganizationID:  "org-1",
		Status:          types.ExecutionStatusCompleted,
		SuccessfulFiles: 21,
		FailedFiles:     2,
		FinalizeTime:    time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}
	c.Assert(NewPublisher(pubSub).PublishExecutionFinalized(ctx, want), qt.IsNil)

	var msg *message.Message
	select {
	case msg = <-messages:
	case <-time.After(5 * time.Second):
		c.Fatal("event not received")
	}
	msg.Ack()

	c.Check(msg.Metadata.Get(MetadataKeyExecutionUID), qt.Equals, want.ExecutionUID.String())

	got, err := Decode(msg)
	c.Assert(err, qt.IsNil)
	c.Check(got, qt.DeepEquals, want)

	msg.Metadata.Set(MetadataKeyType, "Other")
	_, err = Decode(msg)
	c.Check(err, qt.ErrorMatches, `unexpected event type "Other"`)
}

func TestNewMessagePublisher(t *testing.T) {
	c := qt.New(t)

	c.Run("ok - in-process without brokers", func(c *qt.C) {
		pub, err := NewMessagePublisher(config.EventsConfig{}, watermill.NopLogger{})
		c.Assert(err, qt.IsNil)
		c.Check(pub, qt.FitsTypeOf, &gochannel.GoChannel{})
		c.Check(pub.Close(), qt.IsNil)
	})

	c.Run("nok - empty broker address", func(c *qt.C) {
		_, err := NewKafkaPublisher(config.EventsConfig{Brokers: []string{""}}, watermill.NopLogger{})
		c.Check(err, qt.ErrorMatches, "no Kafka broker configured")
	})
}
