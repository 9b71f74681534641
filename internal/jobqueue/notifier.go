package jobqueue

import (
	"context"
	"fmt"

	"github.com/cuongbtq/transcode-orchestrator/internal/domain"
)

// Notifier tells other worker processes that a job can run now
type Notifier interface {
	NotifyJobReady(ctx context.Context, job *domain.Job) error
}

// Publisher publishes a JSON message to an exchange
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey string, v any) error
}

// BrokerNotifier publishes a domain.JobMessage per ready job
type BrokerNotifier struct {
	publisher  Publisher
	exchange   string
	routingKey string
}

func NewBrokerNotifier(publisher Publisher, exchange, routingKey string) *BrokerNotifier {
	return &BrokerNotifier{
		publisher:  publisher,
		exchange:   exchange,
		routingKey: routingKey,
	}
}

func (n *BrokerNotifier) NotifyJobReady(ctx context.Context, job *domain.Job) error {
	msg := domain.JobMessage{JobID: job.ID, JobType: job.Type}
	if err := n.publisher.PublishJSON(ctx, n.exchange, n.routingKey, msg); err != nil {
		return fmt.Errorf("failed to publish job message: %w", err)
	}
	return nil
}
