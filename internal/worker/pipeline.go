package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/crop-copilot-be/internal/assembler"
	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/generator"
	"github.com/cuongbtq/crop-copilot-be/internal/retrieval"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTextTopK  = 5
	DefaultImageTopK = 3
)

// Generator produces a validated recommendation from an assembled context
type Generator interface {
	Generate(ctx context.Context, input *domain.Input, ac *assembler.AssembledContext) (*generator.Outcome, error)
}

// PipelineConfig wires the retrieve, assemble and generate stages
type PipelineConfig struct {
	TextRetriever  retrieval.Retriever
	ImageRetriever retrieval.Retriever // optional
	TextTopK       int
	ImageTopK      int
	Assembler      *assembler.Assembler
	Generator      Generator
	Logger         *slog.Logger
}

// Pipeline turns one input into a recommendation
type Pipeline struct {
	text      retrieval.Retriever
	image     retrieval.Retriever
	textTopK  int
	imageTopK int
	assembler *assembler.Assembler
	generator Generator
	logger    *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		text:      cfg.TextRetriever,
		image:     cfg.ImageRetriever,
		textTopK:  cfg.TextTopK,
		imageTopK: cfg.ImageTopK,
		assembler: cfg.Assembler,
		generator: cfg.Generator,
		logger:    cfg.Logger,
	}
	if p.textTopK <= 0 {
		p.textTopK = DefaultTextTopK
	}
	if p.imageTopK <= 0 {
		p.imageTopK = DefaultImageTopK
	}
	return p
}

// Run retrieves text and image chunks in parallel, assembles the context and
// generates a recommendation.
func (p *Pipeline) Run(ctx context.Context, input *domain.Input) (*domain.RecommendationResult, error) {
	query := retrieval.BuildQuery(input)

	var textChunks, imageChunks []retrieval.Chunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chunks, err := p.text.Retrieve(gctx, query, p.textTopK)
		if err != nil {
			return fmt.Errorf("text retrieval: %w", err)
		}
		textChunks = chunks
		return nil
	})
	if p.image != nil {
		g.Go(func() error {
			chunks, err := p.image.Retrieve(gctx, query, p.imageTopK)
			if err != nil {
				return fmt.Errorf("image retrieval: %w", err)
			}
			imageChunks = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ac, err := p.assembler.Assemble(textChunks, imageChunks)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Context assembled",
		slog.String("input_id", input.ID),
		slog.Int("retrieved", len(textChunks)+len(imageChunks)),
		slog.Int("chunks", ac.TotalChunks),
		slog.Int("tokens", ac.TotalTokens),
	)

	outcome, err := p.generator.Generate(ctx, input, ac)
	if err != nil {
		return nil, err
	}
	return outcome.Result, nil
}

// failureReason renders a pipeline error as the job's failure reason
func failureReason(err error) string {
	var vErr *generator.ValidationError
	switch {
	case errors.Is(err, domain.ErrNoUsableContext):
		return domain.FailureReason(domain.CodeNoUsableContext,
			"no retrieved chunk met the relevance threshold")
	case errors.As(err, &vErr):
		return domain.FailureReason(domain.CodeValidationFailed, strings.Join(vErr.Issues, "; "))
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureReason(domain.CodeInternal, "processing timed out")
	default:
		return domain.FailureReason(domain.CodeInternal, err.Error())
	}
}
