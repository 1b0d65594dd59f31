package dto

import (
	"github.com/cuongbtq/crop-copilot-be/internal/domain"
)

type CreateInputRequest struct {
	IdempotencyKey string         `json:"idempotencyKey" binding:"required,max=128"`
	Type           string         `json:"type" binding:"required,oneof=PHOTO LAB_REPORT"`
	ImageURL       string         `json:"imageUrl" binding:"omitempty,url"`
	Description    string         `json:"description"`
	LabData        map[string]any `json:"labData"`
	Crop           string         `json:"crop"`
	Location       string         `json:"location"`
	Season         string         `json:"season"`
}

// ToCommand maps the request body onto an intake command
func (r *CreateInputRequest) ToCommand() domain.CreateInputCommand {
	return domain.CreateInputCommand{
		IdempotencyKey: r.IdempotencyKey,
		Type:           domain.InputType(r.Type),
		Payload: domain.InputPayload{
			Description: r.Description,
			LabData:     r.LabData,
			ImageURL:    r.ImageURL,
			Crop:        r.Crop,
			Location:    r.Location,
			Season:      r.Season,
		},
	}
}

type SyncPullQuery struct {
	Limit                int    `form:"limit"`
	Cursor               string `form:"cursor"`
	IncludeCompletedJobs *bool  `form:"includeCompletedJobs"`
}

// ToRequest applies the sync defaults
func (q *SyncPullQuery) ToRequest() domain.SyncPullRequest {
	include := true
	if q.IncludeCompletedJobs != nil {
		include = *q.IncludeCompletedJobs
	}
	return domain.SyncPullRequest{
		Limit:                domain.ClampSyncLimit(q.Limit),
		Cursor:               q.Cursor,
		IncludeCompletedJobs: include,
	}
}

type ErrorBody struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type HealthResponse struct {
	Service   string `json:"service"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type DependencyStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type AdminStatusResponse struct {
	Service      string             `json:"service"`
	Status       string             `json:"status"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Timestamp    string             `json:"timestamp"`
}
