package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/crop-copilot-be/shared/rabbitmq"
)

const (
	EventTypeRecommendationReady = "recommendation.ready"
	EventVersion                 = "1"
)

// ReadyEvent tells subscribers that a recommendation can be fetched
type ReadyEvent struct {
	EventType        string    `json:"eventType"`
	EventVersion     string    `json:"eventVersion"`
	OccurredAt       time.Time `json:"occurredAt"`
	UserID           string    `json:"userId"`
	InputID          string    `json:"inputId"`
	JobID            string    `json:"jobId"`
	RecommendationID string    `json:"recommendationId"`
}

// NewReadyEvent builds a recommendation.ready event
func NewReadyEvent(userID, inputID, jobID, recommendationID string, at time.Time) ReadyEvent {
	return ReadyEvent{
		EventType:        EventTypeRecommendationReady,
		EventVersion:     EventVersion,
		OccurredAt:       at.UTC(),
		UserID:           userID,
		InputID:          inputID,
		JobID:            jobID,
		RecommendationID: recommendationID,
	}
}

// Notifier delivers push events
type Notifier interface {
	RecommendationReady(ctx context.Context, event ReadyEvent) error
}

// Noop discards every event
type Noop struct{}

func (Noop) RecommendationReady(context.Context, ReadyEvent) error { return nil }

// RabbitMQ publishes events to a topic exchange keyed by event type
type RabbitMQ struct {
	client *rabbitmq.Client
}

func NewRabbitMQ(client *rabbitmq.Client) *RabbitMQ {
	return &RabbitMQ{client: client}
}

func (n *RabbitMQ) RecommendationReady(ctx context.Context, event ReadyEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return n.client.PublishWithRoutingKey(ctx, event.EventType, rabbitmq.Message{
		Body:        body,
		ContentType: "application/json",
		MessageID:   event.RecommendationID,
		Type:        event.EventType,
	})
}
