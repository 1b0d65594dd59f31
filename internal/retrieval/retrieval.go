package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
)

// Source types, in the order agronomic authority is ranked
const (
	SourceGovernment          = "GOVERNMENT"
	SourceUniversityExtension = "UNIVERSITY_EXTENSION"
	SourceResearchPaper       = "RESEARCH_PAPER"
	SourceManufacturer        = "MANUFACTURER"
	SourceRetailer            = "RETAILER"
)

// Chunk is a retrieved fragment of source content. Similarity is in [0, 1].
type Chunk struct {
	ID          string  `json:"id" db:"id"`
	Content     string  `json:"content" db:"content"`
	Similarity  float64 `json:"similarity" db:"similarity"`
	SourceID    string  `json:"sourceId" db:"source_id"`
	SourceType  string  `json:"sourceType" db:"source_type"`
	SourceTitle string  `json:"sourceTitle" db:"source_title"`
}

// Retriever returns up to topK chunks ranked by similarity to query
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Chunk, error)
}

// Embedder turns text into a query vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BuildQuery flattens an input into the text used for similarity search
func BuildQuery(input *domain.Input) string {
	var parts []string

	if d := strings.TrimSpace(input.Payload.Description); d != "" {
		parts = append(parts, d)
	}
	if c := strings.TrimSpace(input.Payload.Crop); c != "" {
		parts = append(parts, "Crop: "+c)
	}

	if lab := input.Payload.LabData; len(lab) > 0 {
		if v, ok := lab["crop"]; ok {
			parts = append(parts, fmt.Sprintf("Lab crop: %v", v))
		}
		if v, ok := lab["symptoms"]; ok {
			parts = append(parts, fmt.Sprintf("Symptoms: %v", v))
		}
		if v, ok := lab["soilPh"]; ok {
			parts = append(parts, fmt.Sprintf("Soil pH: %v", v))
		}
		// Remaining lab values in a stable order
		keys := make([]string, 0, len(lab))
		for k := range lab {
			switch k {
			case "crop", "symptoms", "soilPh":
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, lab[k]))
		}
	}

	if len(parts) == 0 {
		return "crop health issue"
	}
	return strings.Join(parts, " ")
}
