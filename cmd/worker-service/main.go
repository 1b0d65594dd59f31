package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/crop-copilot-be/internal/assembler"
	"github.com/cuongbtq/crop-copilot-be/internal/bootstrap"
	"github.com/cuongbtq/crop-copilot-be/internal/config"
	"github.com/cuongbtq/crop-copilot-be/internal/generator"
	"github.com/cuongbtq/crop-copilot-be/internal/llm"
	"github.com/cuongbtq/crop-copilot-be/internal/notify"
	"github.com/cuongbtq/crop-copilot-be/internal/retrieval"
	"github.com/cuongbtq/crop-copilot-be/internal/worker"
	"github.com/cuongbtq/crop-copilot-be/shared/logger"
	"github.com/cuongbtq/crop-copilot-be/shared/postgresql"
	"github.com/cuongbtq/crop-copilot-be/shared/rabbitmq"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "worker-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	// the knowledge base is always in postgres; the job store may share it
	dbClient, err := bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	vectorVersion, err := dbClient.VectorExtensionVersion(context.Background())
	if err != nil {
		return fmt.Errorf("knowledge base unavailable: %w", err)
	}
	appLogger.Info("Knowledge base connection established", slog.String("pgvector", vectorVersion))

	store, err := bootstrap.OpenStore(cfg, dbClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	jobQueue, err := bootstrap.OpenJobQueue(cfg, workerID, appLogger.Logger)
	if err != nil {
		return err
	}
	defer jobQueue.Close()

	appLogger.Info("Job queue connection established")

	notifier, closeNotifier, err := initNotifier(cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Store:             store.Store,
		Consumer:          jobQueue.Consumer,
		Pipeline:          initPipeline(cfg, dbClient, appLogger),
		Notifier:          notifier,
		WorkerID:          workerID,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleAfter:        cfg.Worker.StaleAfter,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	if err := workerInstance.Stop(cfg.Worker.ShutdownTimeout); err != nil {
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit", slog.Any("error", err))
	}

	appLogger.Info("Worker service shutdown complete", slog.String("db_pool", dbClient.Stats()))
	return nil
}

// initPipeline wires retrieval, assembly and generation
func initPipeline(cfg *config.Config, dbClient *postgresql.Client, appLogger *logger.Logger) *worker.Pipeline {
	embedder := retrieval.NewHTTPEmbedder(retrieval.EmbedderConfig{
		BaseURL:    cfg.Retrieval.Embedder.BaseURL,
		APIKey:     cfg.Retrieval.Embedder.APIKey,
		Model:      cfg.Retrieval.Embedder.Model,
		Timeout:    cfg.Retrieval.Embedder.Timeout,
		MaxRetries: cfg.Retrieval.Embedder.MaxRetries,
	})

	var imageRetriever retrieval.Retriever
	if cfg.Retrieval.ImageEnabled {
		imageRetriever = retrieval.NewImageRetriever(dbClient.GetDB(), embedder)
	}

	provider := llm.NewClient(llm.Config{
		BaseURL:        cfg.Generator.LLM.BaseURL,
		APIKey:         cfg.Generator.LLM.APIKey,
		Model:          cfg.Generator.LLM.Model,
		Timeout:        cfg.Generator.LLM.Timeout,
		MaxRetries:     cfg.Generator.LLM.MaxRetries,
		InitialBackoff: cfg.Generator.LLM.InitialBackoff,
		Logger:         appLogger.WithGroup("llm").Logger,
	})

	return worker.NewPipeline(worker.PipelineConfig{
		TextRetriever:  retrieval.NewTextRetriever(dbClient.GetDB(), embedder),
		ImageRetriever: imageRetriever,
		TextTopK:       cfg.Retrieval.TextTopK,
		ImageTopK:      cfg.Retrieval.ImageTopK,
		Assembler: assembler.New(assembler.Config{
			RelevanceThreshold: cfg.Assembler.RelevanceThreshold,
			MaxTokens:          cfg.Assembler.MaxTokens,
			CharsPerToken:      cfg.Assembler.CharsPerToken,
			MaxChunksPerSource: cfg.Assembler.MaxChunksPerSource,
			MinTruncationChars: cfg.Assembler.MinTruncationChars,
		}),
		Generator: generator.New(provider, generator.Config{
			MaxRetries:  *cfg.Generator.MaxRetries,
			MaxTokens:   cfg.Generator.MaxTokens,
			Temperature: cfg.Generator.Temperature,
		}, appLogger.Logger),
		Logger: appLogger.Logger,
	})
}

// initNotifier connects the recommendation.ready publisher when enabled
func initNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, func(), error) {
	if !cfg.Notifications.Enabled {
		logger.Info("Recommendation notifications disabled")
		return notify.Noop{}, func() {}, nil
	}

	client, err := rabbitmq.NewClient(bootstrap.EventsRabbitMQConfig(cfg), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	return notify.NewRabbitMQ(client), func() { client.Close() }, nil
}
