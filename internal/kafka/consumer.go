// Package kafka connects the engine to the incident pipeline: a consumer
// group ingests classified incidents, a producer publishes workflow and
// notification lifecycle events.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/tidwall/gjson"

	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
)

// WorkflowCreator starts regulation workflows for classified incidents
type WorkflowCreator interface {
	CreateWorkflow(ctx context.Context, incidentID, regulation string) (*database.Workflow, error)
}

// Consumer ingests incident-classified events and starts one workflow per
// applicable regulation
type Consumer struct {
	consumer sarama.ConsumerGroup
	creator  WorkflowCreator
	config   config.KafkaConfig
	logger   *slog.Logger
	topics   []string
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewConsumer creates a new Kafka consumer group
func NewConsumer(cfg config.KafkaConfig, creator WorkflowCreator, logger *slog.Logger) (*Consumer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	kafkaConfig.Consumer.Group.Session.Timeout = 10 * time.Second
	kafkaConfig.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	kafkaConfig.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		consumer: consumer,
		creator:  creator,
		config:   cfg,
		logger:   logger,
		topics:   []string{cfg.Topics.IncidentClassified},
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins consuming incident-classified events
func (c *Consumer) Start() error {
	c.logger.Info("Starting Kafka consumer",
		"topics", c.topics,
		"group_id", c.config.GroupID)

	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			default:
				if err := c.consumer.Consume(c.ctx, c.topics, c); err != nil {
					c.logger.Error("Error consuming from Kafka", "error", err)
					time.Sleep(5 * time.Second)
				}
			}
		}
	}()

	go func() {
		for {
			select {
			case err := <-c.consumer.Errors():
				c.logger.Error("Kafka consumer error", "error", err)
			case <-c.ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("Stopping Kafka consumer")
	c.cancel()
	return c.consumer.Close()
}

// Setup implements sarama.ConsumerGroupHandler
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group session setup")
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group session cleanup")
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. Messages are marked
// consumed even on processing failure; workflow creation is idempotent and
// the periodic sweep recovers anything missed.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := c.handleIncidentClassified(session.Context(), message.Value); err != nil {
			c.logger.Error("Failed to process incident-classified event",
				"topic", message.Topic,
				"partition", message.Partition,
				"offset", message.Offset,
				"error", err)
		}
		session.MarkMessage(message, "")
	}
	return nil
}

// handleIncidentClassified starts one workflow per regulation the
// classification marked applicable
func (c *Consumer) handleIncidentClassified(ctx context.Context, payload []byte) error {
	incidentID := gjson.GetBytes(payload, "incident_id").String()
	if incidentID == "" {
		return fmt.Errorf("incident-classified event missing incident_id")
	}
	if !gjson.GetBytes(payload, "notifiable").Bool() {
		c.logger.Debug("Incident not notifiable, skipping", "incident_id", incidentID)
		return nil
	}

	regulations := map[string]bool{
		database.RegulationGDPR:  gjson.GetBytes(payload, "gdpr_applicable").Bool(),
		database.RegulationHIPAA: gjson.GetBytes(payload, "hipaa_applicable").Bool(),
		database.RegulationSOC2:  gjson.GetBytes(payload, "soc2_applicable").Bool(),
	}

	var firstErr error
	for regulation, applicable := range regulations {
		if !applicable {
			continue
		}
		w, err := c.creator.CreateWorkflow(ctx, incidentID, regulation)
		if err != nil {
			c.logger.Error("Failed to create workflow",
				"incident_id", incidentID,
				"regulation", regulation,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.logger.Info("Workflow started from incident event",
			"incident_id", incidentID,
			"regulation", regulation,
			"workflow_id", w.ID,
			"deadline", w.Deadline)
	}
	return firstErr
}
