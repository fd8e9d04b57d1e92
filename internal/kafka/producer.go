package kafka

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/breach-shield/notification-engine/internal/config"
)

// Producer publishes workflow and notification lifecycle events. It
// satisfies the EventPublisher contract of both the workflow engine and
// the dispatcher.
type Producer struct {
	producer sarama.SyncProducer
	config   config.KafkaConfig
	logger   *slog.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 5
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return &Producer{
		producer: producer,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Publish serializes the payload and writes it to the topic, keyed so all
// events of one workflow land on one partition in order
func (p *Producer) Publish(topic, key string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.logger.Debug("Event published",
		"topic", topic,
		"key", key,
		"partition", partition,
		"offset", offset)
	return nil
}

// Close closes the underlying producer
func (p *Producer) Close() error {
	return p.producer.Close()
}
