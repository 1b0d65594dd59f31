package generator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/crop-copilot-be/internal/assembler"
	"github.com/cuongbtq/crop-copilot-be/internal/domain"
)

const systemPrompt = `You are an agricultural advisor producing structured crop-health recommendations from a user's observation and a set of retrieved reference chunks.

Rules:
- Cite supporting chunk IDs from the provided context for every recommendation and factual claim.
- Only recommend products that appear in the provided context.
- In diagnosis.reasoning, include a differential diagnosis: what else was considered and why it was ruled out.
- Give at least one timing window expressed relative to crop growth stage.
- Include a validation step (soil or tissue test, scouting threshold, lab confirmation) before any high-cost intervention.
- When confidence is below 0.75 or the picture is mixed, state the uncertainty and when to escalate to a local expert.
- Note when an action needs local verification of product availability.
- Confidence values must be between 0.5 and 0.95.
- Reply with a single JSON object and nothing else.

JSON schema:
{
  "diagnosis": {
    "condition": "primary condition",
    "conditionType": "deficiency|disease|pest|environmental|unknown",
    "confidence": 0.5-0.95,
    "reasoning": "diagnosis reasoning including differential"
  },
  "recommendations": [
    {
      "action": "specific action",
      "priority": "immediate|soon|when_convenient",
      "timing": "growth-stage relative window (optional)",
      "details": "instructions",
      "citations": ["chunk id"]
    }
  ],
  "products": [
    {
      "productId": "product id from context",
      "reason": "why",
      "applicationRate": "rate (optional)",
      "alternatives": ["product id"]
    }
  ],
  "sources": [
    {
      "chunkId": "chunk id",
      "relevance": 0.0-1.0,
      "excerpt": "supporting excerpt, at most 500 characters"
    }
  ],
  "confidence": 0.5-0.95
}`

// buildUserMessage renders the input, the assembled context and any feedback
// from earlier failed attempts.
func buildUserMessage(input *domain.Input, ac *assembler.AssembledContext, feedback []string) string {
	var b strings.Builder

	b.WriteString("## Observation\n")
	fmt.Fprintf(&b, "Type: %s\n", input.Type)
	p := input.Payload
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", p.Description)
	}
	if p.Crop != "" {
		fmt.Fprintf(&b, "Crop: %s\n", p.Crop)
	}
	if p.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", p.Location)
	}
	if p.Season != "" {
		fmt.Fprintf(&b, "Season: %s\n", p.Season)
	}
	if p.ImageURL != "" {
		fmt.Fprintf(&b, "Image: %s\n", p.ImageURL)
	}
	if len(p.LabData) > 0 {
		lab, err := json.MarshalIndent(p.LabData, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "Lab data:\n%s\n", lab)
		}
	}

	fmt.Fprintf(&b, "\n## Context (%d chunks, ~%d tokens, relevance >= %.2f)\n",
		ac.TotalChunks, ac.TotalTokens, ac.RelevanceThreshold)
	for _, chunk := range ac.Chunks {
		fmt.Fprintf(&b, "\n[Chunk ID: %s] (Relevance: %.2f)\n", chunk.ID, chunk.Similarity)
		fmt.Fprintf(&b, "Source: %s (%s)\n", chunk.SourceTitle, chunk.SourceType)
		b.WriteString(chunk.Content)
		b.WriteString("\n")
	}

	if len(feedback) > 0 {
		b.WriteString("\n## Retry feedback\n")
		b.WriteString("Previous responses were rejected. Fix every issue below:\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	b.WriteString("\nRespond with the JSON object only.")
	return b.String()
}
