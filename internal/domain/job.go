package domain

import (
	"strings"
	"time"
)

// InputType is the kind of observation a client submits
type InputType string

const (
	InputTypePhoto     InputType = "PHOTO"
	InputTypeLabReport InputType = "LAB_REPORT"
)

// Valid reports whether t is a supported input type
func (t InputType) Valid() bool {
	return t == InputTypePhoto || t == InputTypeLabReport
}

// JobStatus is the processing state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// running -> running is allowed so a worker can re-claim a stale job.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusRunning || to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// InputPayload holds the observation fields supplied by the client
type InputPayload struct {
	Description string         `json:"description,omitempty"`
	LabData     map[string]any `json:"labData,omitempty"`
	ImageURL    string         `json:"imageUrl,omitempty"`
	Crop        string         `json:"crop,omitempty"`
	Location    string         `json:"location,omitempty"`
	Season      string         `json:"season,omitempty"`
}

// CreateInputCommand is a validated intake request
type CreateInputCommand struct {
	IdempotencyKey string
	Type           InputType
	Payload        InputPayload
}

// Input is a submitted observation, owned by the user who created it
type Input struct {
	ID             string       `json:"inputId"`
	UserID         string       `json:"userId"`
	Type           InputType    `json:"type"`
	Payload        InputPayload `json:"payload"`
	IdempotencyKey string       `json:"idempotencyKey"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Job is the processing lifecycle record for exactly one Input
type Job struct {
	ID            string                `json:"jobId"`
	InputID       string                `json:"inputId"`
	UserID        string                `json:"userId"`
	Status        JobStatus             `json:"status"`
	FailureReason string                `json:"failureReason,omitempty"`
	Result        *RecommendationResult `json:"result,omitempty"`
	DispatchedAt  *time.Time            `json:"-"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// EnqueueResult is returned by intake, whether the pair is new or deduplicated
type EnqueueResult struct {
	InputID    string    `json:"inputId"`
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	AcceptedAt time.Time `json:"acceptedAt"`

	// Created is false when an existing pair was returned for a repeated key
	Created bool `json:"-"`
	// Dispatched is true once the job message has been published
	Dispatched bool `json:"-"`
}

// JobStatusView is the client-visible state of a job
type JobStatusView struct {
	InputID       string                `json:"inputId"`
	JobID         string                `json:"jobId"`
	Status        JobStatus             `json:"status"`
	UpdatedAt     time.Time             `json:"updatedAt"`
	FailureReason string                `json:"failureReason,omitempty"`
	Result        *RecommendationResult `json:"result,omitempty"`
}

// NormalizeIdempotencyKey collapses equivalent client keys onto one value
func NormalizeIdempotencyKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// DedupeKey scopes a normalized idempotency key to its owner
func DedupeKey(userID, normalizedKey string) string {
	return userID + ":" + normalizedKey
}

// StoreTime normalizes a timestamp to the precision every store backend keeps
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
