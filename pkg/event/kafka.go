package event

import (
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/instill-ai/execution-backend/config"
)

// NewMessagePublisher returns a Kafka publisher when brokers are configured
// and an in-process one otherwise.
func NewMessagePublisher(cfg config.EventsConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return NewGoChannel(logger), nil
	}
	return NewKafkaPublisher(cfg, logger)
}

// NewKafkaPublisher returns a watermill publisher writing to the configured
// Kafka brokers.
func NewKafkaPublisher(cfg config.EventsConfig, logger watermill.LoggerAdapter) (*kafka.Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, errors.New("no Kafka broker configured")
	}

	saramaPublisherConfig := sarama.NewConfig()
	saramaPublisherConfig.Producer.Return.Successes = true

	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaPublisherConfig,
			OTELEnabled:           cfg.OTELEnabled,
		},
		logger,
	)
}
