package domain

import "time"

// Condition types a diagnosis may carry
const (
	ConditionDeficiency    = "deficiency"
	ConditionDisease       = "disease"
	ConditionPest          = "pest"
	ConditionEnvironmental = "environmental"
	ConditionUnknown       = "unknown"
)

// Action priorities
const (
	PriorityImmediate      = "immediate"
	PrioritySoon           = "soon"
	PriorityWhenConvenient = "when_convenient"
)

// Confidence bounds accepted from the generator
const (
	MinConfidence = 0.5
	MaxConfidence = 0.95
)

type Diagnosis struct {
	Condition     string  `json:"condition"`
	ConditionType string  `json:"conditionType"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

type RecommendedAction struct {
	Action    string   `json:"action"`
	Priority  string   `json:"priority"`
	Timing    string   `json:"timing,omitempty"`
	Details   string   `json:"details"`
	Citations []string `json:"citations"`
}

type ProductSuggestion struct {
	ProductID       string   `json:"productId"`
	Reason          string   `json:"reason"`
	ApplicationRate string   `json:"applicationRate,omitempty"`
	Alternatives    []string `json:"alternatives,omitempty"`
}

type SourceCitation struct {
	ChunkID   string  `json:"chunkId"`
	Relevance float64 `json:"relevance"`
	Excerpt   string  `json:"excerpt"`
}

// Recommendation is the structured diagnosis produced for one input
type Recommendation struct {
	Diagnosis       Diagnosis           `json:"diagnosis"`
	Recommendations []RecommendedAction `json:"recommendations"`
	Products        []ProductSuggestion `json:"products"`
	Sources         []SourceCitation    `json:"sources"`
	Confidence      float64             `json:"confidence"`
}

// RecommendationResult is attached to a completed job
type RecommendationResult struct {
	RecommendationID string    `json:"recommendationId"`
	ModelUsed        string    `json:"modelUsed,omitempty"`
	GeneratedAt      time.Time `json:"generatedAt"`
	Recommendation
}
