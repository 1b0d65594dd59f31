package generator

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/crop-copilot-be/internal/assembler"
	"github.com/cuongbtq/crop-copilot-be/internal/domain"
)

var (
	conditionTypes = map[string]bool{
		domain.ConditionDeficiency:    true,
		domain.ConditionDisease:       true,
		domain.ConditionPest:          true,
		domain.ConditionEnvironmental: true,
		domain.ConditionUnknown:       true,
	}

	priorities = map[string]bool{
		domain.PriorityImmediate:      true,
		domain.PrioritySoon:           true,
		domain.PriorityWhenConvenient: true,
	}
)

// Validate checks a recommendation against the schema and business rules and
// returns one message per violated rule.
func Validate(rec *domain.Recommendation, ac *assembler.AssembledContext) []string {
	var issues []string

	d := rec.Diagnosis
	if strings.TrimSpace(d.Condition) == "" {
		issues = append(issues, "diagnosis.condition is required")
	}
	if !conditionTypes[d.ConditionType] {
		issues = append(issues, fmt.Sprintf("diagnosis.conditionType %q must be one of deficiency, disease, pest, environmental, unknown", d.ConditionType))
	}
	if strings.TrimSpace(d.Reasoning) == "" {
		issues = append(issues, "diagnosis.reasoning is required")
	}
	if issue := confidenceIssue("diagnosis.confidence", d.Confidence); issue != "" {
		issues = append(issues, issue)
	}
	if issue := confidenceIssue("confidence", rec.Confidence); issue != "" {
		issues = append(issues, issue)
	}

	if len(rec.Recommendations) == 0 {
		issues = append(issues, "recommendations must contain at least one action")
	}
	for i, action := range rec.Recommendations {
		field := fmt.Sprintf("recommendations[%d]", i)
		if strings.TrimSpace(action.Action) == "" {
			issues = append(issues, field+".action is required")
		}
		if !priorities[action.Priority] {
			issues = append(issues, fmt.Sprintf("%s.priority %q must be one of immediate, soon, when_convenient", field, action.Priority))
		}
		if action.Citations == nil {
			issues = append(issues, field+".citations must be an array of chunk IDs")
		}
		for _, id := range action.Citations {
			if !ac.HasChunk(id) {
				issues = append(issues, fmt.Sprintf("%s cites chunk %q which is not in the provided context", field, id))
			}
		}
	}

	for i, product := range rec.Products {
		field := fmt.Sprintf("products[%d]", i)
		switch {
		case strings.TrimSpace(product.ProductID) == "":
			issues = append(issues, field+".productId is required")
		case !ac.MentionsProduct(product.ProductID):
			issues = append(issues, fmt.Sprintf("%s.productId %q does not appear in the provided context", field, product.ProductID))
		}
		for j, alt := range product.Alternatives {
			if !ac.MentionsProduct(alt) {
				issues = append(issues, fmt.Sprintf("%s.alternatives[%d] %q does not appear in the provided context", field, j, alt))
			}
		}
	}

	for i, source := range rec.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if !ac.HasChunk(source.ChunkID) {
			issues = append(issues, fmt.Sprintf("%s.chunkId %q is not in the provided context", field, source.ChunkID))
		}
		if source.Relevance < 0 || source.Relevance > 1 {
			issues = append(issues, fmt.Sprintf("%s.relevance %.2f must be between 0 and 1", field, source.Relevance))
		}
	}

	return issues
}

func confidenceIssue(field string, value float64) string {
	if value < domain.MinConfidence || value > domain.MaxConfidence {
		return fmt.Sprintf("%s %.2f is outside the allowed range [%.2f, %.2f]",
			field, value, domain.MinConfidence, domain.MaxConfidence)
	}
	return ""
}
