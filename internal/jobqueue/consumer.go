package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// DeliverySource starts a consumer on the job notification queue
type DeliverySource interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Consumer turns job notifications into pool wake-ups. Messages only carry ids, the job itself
// is always claimed from the backend, so a lost or duplicated message is harmless.
type Consumer struct {
	source   DeliverySource
	manager  *Manager
	tag      string
	prefetch int
	logger   *slog.Logger
}

func NewConsumer(source DeliverySource, manager *Manager, consumerTag string, prefetch int, logger *slog.Logger) *Consumer {
	return &Consumer{
		source:   source,
		manager:  manager,
		tag:      consumerTag,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Run consumes until ctx is cancelled or the delivery channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.tag, c.prefetch)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Job notification consumer started",
		slog.String("consumer_tag", c.tag),
		slog.Int("prefetch", c.prefetch),
	)

	c.dispatch(ctx, deliveries)
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Job notification consumer stopped")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			c.handle(delivery)
		}
	}
}

func (c *Consumer) handle(delivery amqp.Delivery) {
	var msg domain.JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.Error("Failed to parse message JSON",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		c.reject(delivery)
		return
	}

	jobType, err := domain.ParseJobType(string(msg.JobType))
	if err != nil || msg.JobID <= 0 {
		c.logger.Error("Invalid job message",
			slog.Int64("job_id", msg.JobID),
			slog.String("job_type", string(msg.JobType)),
		)
		c.reject(delivery)
		return
	}

	c.manager.Nudge(jobType)

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK message",
			slog.Int64("job_id", msg.JobID),
			slog.Any("error", err),
		)
	}
}

// reject drops malformed messages without requeue so they go to the dead letter queue, if any
func (c *Consumer) reject(delivery amqp.Delivery) {
	if err := delivery.Nack(false, false); err != nil {
		c.logger.Error("Failed to NACK message", slog.Any("error", err))
	}
}
