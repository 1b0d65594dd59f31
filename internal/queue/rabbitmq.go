package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/crop-copilot-be/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ publishes and consumes job messages through a durable queue
type RabbitMQ struct {
	client        *rabbitmq.Client
	consumerTag   string
	prefetchCount int
	logger        *slog.Logger
}

// NewRabbitMQ wraps a connected client
func NewRabbitMQ(client *rabbitmq.Client, consumerTag string, prefetchCount int, logger *slog.Logger) *RabbitMQ {
	return &RabbitMQ{
		client:        client,
		consumerTag:   consumerTag,
		prefetchCount: prefetchCount,
		logger:        logger,
	}
}

// PublishJob publishes a persistent job message, retrying with backoff
func (q *RabbitMQ) PublishJob(ctx context.Context, msg JobRequestedMessage) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: ContentTypeJSON,
		MessageID:   msg.JobID,
		Type:        msg.MessageType,
	})
}

// Deliveries sets QoS and starts a manual-ack consumer
func (q *RabbitMQ) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	if q.prefetchCount > 0 {
		if err := q.client.Qos(q.prefetchCount); err != nil {
			return nil, err
		}
	}

	raw, err := q.client.Consume(q.consumerTag)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					q.logger.Warn("RabbitMQ delivery channel closed")
					return
				}
				select {
				case out <- amqpDelivery{d: d}:
				case <-ctx.Done():
					if err := d.Nack(false, true); err != nil {
						q.logger.Error("Failed to NACK message on shutdown", slog.Any("error", err))
					}
					return
				}
			}
		}
	}()

	return out, nil
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte { return a.d.Body }

func (a amqpDelivery) Ack(context.Context) error { return a.d.Ack(false) }

func (a amqpDelivery) Nack(_ context.Context, requeue bool) error {
	return a.d.Nack(false, requeue)
}
