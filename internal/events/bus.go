package events

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/quantlab/trainhub/internal/jobs"
	"github.com/quantlab/trainhub/shared/rabbitmq"
)

// BusPublisher sends job events to the RabbitMQ exchange so processes
// other than the worker (API instances, external audit consumers) can
// observe them. Publishing is fire-and-forget: failures are logged and
// swallowed, the jobs table stays authoritative.
type BusPublisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewBusPublisher creates a publisher on an established client.
func NewBusPublisher(client *rabbitmq.Client, logger *slog.Logger) *BusPublisher {
	return &BusPublisher{client: client, logger: logger}
}

// Publish serializes the event and hands it to the exchange.
func (p *BusPublisher) Publish(ctx context.Context, event jobs.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal job event",
			slog.String("correlation_id", event.CorrelationID),
			slog.Any("error", err),
		)
		return
	}

	if err := p.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		p.logger.Warn("Failed to publish job event",
			slog.String("correlation_id", event.CorrelationID),
			slog.String("type", string(event.Type)),
			slog.Any("error", err),
		)
	}
}

// BusRelay consumes job events from the exchange and feeds the local
// broadcaster, bridging worker-process events to this process's
// WebSocket subscribers.
type BusRelay struct {
	client      *rabbitmq.Client
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewBusRelay creates a relay between the bus and a broadcaster.
func NewBusRelay(client *rabbitmq.Client, broadcaster *Broadcaster, logger *slog.Logger) *BusRelay {
	return &BusRelay{client: client, broadcaster: broadcaster, logger: logger}
}

// Start begins consuming until ctx is done.
func (r *BusRelay) Start(ctx context.Context, consumerTag string) error {
	deliveries, err := r.client.Consume(consumerTag)
	if err != nil {
		return err
	}

	go r.loop(ctx, deliveries)
	return nil
}

func (r *BusRelay) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				r.logger.Warn("Event bus delivery channel closed")
				return
			}

			var event jobs.Event
			if err := json.Unmarshal(msg.Body, &event); err != nil {
				r.logger.Error("Failed to decode job event",
					slog.Any("error", err),
				)
				continue
			}

			r.broadcaster.Publish(event.CorrelationID, event)
		}
	}
}
