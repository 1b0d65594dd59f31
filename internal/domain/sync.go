package domain

import "time"

const (
	DefaultSyncLimit = 20
	MaxSyncLimit     = 100
)

// SyncPullRequest asks for the next page of a user's inputs
type SyncPullRequest struct {
	Limit                int
	Cursor               string
	IncludeCompletedJobs bool
}

// SyncItem is one input joined with its job
type SyncItem struct {
	InputID          string    `json:"inputId"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	Type             InputType `json:"type"`
	Crop             string    `json:"crop,omitempty"`
	Location         string    `json:"location,omitempty"`
	Status           JobStatus `json:"status"`
	RecommendationID *string   `json:"recommendationId"`
}

type SyncPullResponse struct {
	Items           []SyncItem `json:"items"`
	NextCursor      *string    `json:"nextCursor"`
	HasMore         bool       `json:"hasMore"`
	ServerTimestamp time.Time  `json:"serverTimestamp"`
}

// ClampSyncLimit applies the default and upper bound to a requested page size
func ClampSyncLimit(limit int) int {
	if limit <= 0 {
		return DefaultSyncLimit
	}
	if limit > MaxSyncLimit {
		return MaxSyncLimit
	}
	return limit
}
