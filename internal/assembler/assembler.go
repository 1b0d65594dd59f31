package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/retrieval"
)

const truncationMarker = "..."

// MinTruncationChars is the smallest usable MinTruncationChars: one rune of
// content plus the marker
const MinTruncationChars = len(truncationMarker) + 1

// sourcePriority ranks source types; unknown types rank with retailers
var sourcePriority = map[string]int{
	retrieval.SourceGovernment:          4,
	retrieval.SourceUniversityExtension: 3,
	retrieval.SourceResearchPaper:       2,
	retrieval.SourceManufacturer:        1,
	retrieval.SourceRetailer:            0,
}

// Config holds the assembly limits
type Config struct {
	RelevanceThreshold float64
	MaxTokens          int
	CharsPerToken      int
	MaxChunksPerSource int
	MinTruncationChars int
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{
		RelevanceThreshold: 0.5,
		MaxTokens:          4000,
		CharsPerToken:      3,
		MaxChunksPerSource: 2,
		MinTruncationChars: 200,
	}
}

// AssembledContext is the bounded context handed to the generator
type AssembledContext struct {
	Chunks             []retrieval.Chunk
	TotalChunks        int
	TotalTokens        int
	RelevanceThreshold float64
}

// HasChunk reports whether id is one of the assembled chunks
func (c *AssembledContext) HasChunk(id string) bool {
	for _, chunk := range c.Chunks {
		if chunk.ID == id {
			return true
		}
	}
	return false
}

// MentionsProduct reports whether a chunk's content or source title names
// the product, ignoring case
func (c *AssembledContext) MentionsProduct(product string) bool {
	needle := strings.ToLower(strings.TrimSpace(product))
	if needle == "" {
		return false
	}
	for _, chunk := range c.Chunks {
		if strings.Contains(strings.ToLower(chunk.Content), needle) ||
			strings.Contains(strings.ToLower(chunk.SourceTitle), needle) {
			return true
		}
	}
	return false
}

// Assembler reduces retrieval results to a ranked, diverse, budgeted context
type Assembler struct {
	cfg Config
}

// New creates an Assembler, falling back to defaults for unset limits
func New(cfg Config) *Assembler {
	def := DefaultConfig()
	if cfg.RelevanceThreshold <= 0 {
		cfg.RelevanceThreshold = def.RelevanceThreshold
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = def.CharsPerToken
	}
	if cfg.MaxChunksPerSource <= 0 {
		cfg.MaxChunksPerSource = def.MaxChunksPerSource
	}
	if cfg.MinTruncationChars <= 0 {
		cfg.MinTruncationChars = def.MinTruncationChars
	}
	if cfg.MinTruncationChars < MinTruncationChars {
		cfg.MinTruncationChars = MinTruncationChars
	}
	return &Assembler{cfg: cfg}
}

// Assemble merges text and image results into a prompt context. It returns
// domain.ErrNoUsableContext when nothing survives filtering.
func (a *Assembler) Assemble(textChunks, imageChunks []retrieval.Chunk) (*AssembledContext, error) {
	merged := dedupe(textChunks, imageChunks)

	relevant := make([]retrieval.Chunk, 0, len(merged))
	for _, chunk := range merged {
		if chunk.Similarity >= a.cfg.RelevanceThreshold {
			relevant = append(relevant, chunk)
		}
	}
	if len(relevant) == 0 {
		return nil, fmt.Errorf("%w: %d retrieved chunks, none at or above relevance %.2f",
			domain.ErrNoUsableContext, len(merged), a.cfg.RelevanceThreshold)
	}

	rankByAuthority(relevant)
	diverse := a.limitPerSource(relevant)
	selected, totalChars := a.applyBudget(diverse)

	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: token budget of %d admits no chunk", domain.ErrNoUsableContext, a.cfg.MaxTokens)
	}

	return &AssembledContext{
		Chunks:             selected,
		TotalChunks:        len(selected),
		TotalTokens:        a.estimateTokens(totalChars),
		RelevanceThreshold: a.cfg.RelevanceThreshold,
	}, nil
}

// dedupe keeps the first occurrence of every chunk id
func dedupe(lists ...[]retrieval.Chunk) []retrieval.Chunk {
	seen := make(map[string]struct{})
	var out []retrieval.Chunk
	for _, list := range lists {
		for _, chunk := range list {
			if _, ok := seen[chunk.ID]; ok {
				continue
			}
			seen[chunk.ID] = struct{}{}
			out = append(out, chunk)
		}
	}
	return out
}

func rankByAuthority(chunks []retrieval.Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		pi, pj := sourcePriority[chunks[i].SourceType], sourcePriority[chunks[j].SourceType]
		if pi != pj {
			return pi > pj
		}
		return chunks[i].Similarity > chunks[j].Similarity
	})
}

func (a *Assembler) limitPerSource(chunks []retrieval.Chunk) []retrieval.Chunk {
	perSource := make(map[string]int)
	out := make([]retrieval.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if perSource[chunk.SourceID] >= a.cfg.MaxChunksPerSource {
			continue
		}
		perSource[chunk.SourceID]++
		out = append(out, chunk)
	}
	return out
}

// applyBudget walks the ranked chunks, admitting whole chunks while they fit.
// The first chunk that overflows is cut to the remaining budget when enough
// room is left; everything after it is dropped.
func (a *Assembler) applyBudget(chunks []retrieval.Chunk) ([]retrieval.Chunk, int) {
	maxChars := a.cfg.MaxTokens * a.cfg.CharsPerToken
	used := 0
	out := make([]retrieval.Chunk, 0, len(chunks))

	for _, chunk := range chunks {
		content := []rune(chunk.Content)
		if used+len(content) <= maxChars {
			out = append(out, chunk)
			used += len(content)
			continue
		}

		remaining := maxChars - used
		keep := remaining - len(truncationMarker)
		if remaining >= a.cfg.MinTruncationChars && keep > 0 {
			chunk.Content = string(content[:keep]) + truncationMarker
			out = append(out, chunk)
			used += remaining
		}
		break
	}

	return out, used
}

func (a *Assembler) estimateTokens(chars int) int {
	return (chars + a.cfg.CharsPerToken - 1) / a.cfg.CharsPerToken
}
