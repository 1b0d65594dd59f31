package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	MessageTypeJobRequested = "recommendation.job.requested"
	MessageVersion          = "1"
	ContentTypeJSON         = "application/json"
)

// ErrInvalidMessage marks a delivery that can never be processed
var ErrInvalidMessage = errors.New("invalid job message")

// JobRequestedMessage asks a worker to process one job
type JobRequestedMessage struct {
	MessageType    string    `json:"messageType"`
	MessageVersion string    `json:"messageVersion"`
	RequestedAt    time.Time `json:"requestedAt"`
	UserID         string    `json:"userId"`
	InputID        string    `json:"inputId"`
	JobID          string    `json:"jobId"`
}

// NewJobRequested builds a message for the given job
func NewJobRequested(userID, inputID, jobID string, requestedAt time.Time) JobRequestedMessage {
	return JobRequestedMessage{
		MessageType:    MessageTypeJobRequested,
		MessageVersion: MessageVersion,
		RequestedAt:    requestedAt.UTC(),
		UserID:         userID,
		InputID:        inputID,
		JobID:          jobID,
	}
}

// Validate checks the envelope and identifiers
func (m JobRequestedMessage) Validate() error {
	if m.MessageType != MessageTypeJobRequested {
		return fmt.Errorf("%w: unexpected message type %q", ErrInvalidMessage, m.MessageType)
	}
	if m.MessageVersion != MessageVersion {
		return fmt.Errorf("%w: unsupported message version %q", ErrInvalidMessage, m.MessageVersion)
	}
	if m.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidMessage)
	}
	if _, err := uuid.Parse(m.InputID); err != nil {
		return fmt.Errorf("%w: inputId is not a uuid", ErrInvalidMessage)
	}
	if _, err := uuid.Parse(m.JobID); err != nil {
		return fmt.Errorf("%w: jobId is not a uuid", ErrInvalidMessage)
	}
	return nil
}

// Encode serializes a message for the wire
func Encode(m JobRequestedMessage) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}
	return body, nil
}

// Decode parses and validates a delivery body
func Decode(body []byte) (*JobRequestedMessage, error) {
	var m JobRequestedMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Publisher hands job messages to the broker
type Publisher interface {
	PublishJob(ctx context.Context, msg JobRequestedMessage) error
}

// Delivery is one received message. It must be acked or nacked exactly once.
type Delivery interface {
	Body() []byte
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Consumer streams deliveries until ctx is canceled or the broker goes away
type Consumer interface {
	Deliveries(ctx context.Context) (<-chan Delivery, error)
}
