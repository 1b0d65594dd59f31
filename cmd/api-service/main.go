package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/crop-copilot-be/internal/api/handler"
	"github.com/cuongbtq/crop-copilot-be/internal/api/router"
	"github.com/cuongbtq/crop-copilot-be/internal/bootstrap"
	"github.com/cuongbtq/crop-copilot-be/internal/config"
	"github.com/cuongbtq/crop-copilot-be/internal/intake"
	"github.com/cuongbtq/crop-copilot-be/shared/postgresql"
	"github.com/gin-gonic/gin"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "api-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("queue", cfg.Queue.Backend),
	)

	var dbClient *postgresql.Client
	if cfg.Storage.Backend == config.StoragePostgres {
		dbClient, err = bootstrap.InitPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()
	}

	store, err := bootstrap.OpenStore(cfg, dbClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	jobQueue, err := bootstrap.OpenJobQueue(cfg, "", appLogger.Logger)
	if err != nil {
		return err
	}
	defer jobQueue.Close()

	appLogger.Info("Job queue connection established")

	intakeService := intake.NewService(store.Store, jobQueue.Publisher, cfg.Queue.PublishTimeout, appLogger.Logger)

	r := initRouter(cfg, appLogger.Logger, store, intakeService, jobQueue.Check)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(
	cfg *config.Config,
	logger *slog.Logger,
	store *bootstrap.StoreHandle,
	intakeService *intake.Service,
	queueCheck handler.DependencyCheck,
) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	serviceName := cfg.App.Name
	if serviceName == "" {
		serviceName = "api-service"
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:      logger,
		ServiceName: serviceName,
		Store:       store.Store,
		Intake:      intakeService,
		Checks: []handler.DependencyCheck{
			{Name: "storage", Check: store.Ping},
			queueCheck,
		},
	})
}
