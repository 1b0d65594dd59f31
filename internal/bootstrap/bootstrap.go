// Package bootstrap builds the shared infrastructure of the service entry
// points from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/api/handler"
	"github.com/cuongbtq/crop-copilot-be/internal/config"
	"github.com/cuongbtq/crop-copilot-be/internal/queue"
	"github.com/cuongbtq/crop-copilot-be/internal/storage"
	"github.com/cuongbtq/crop-copilot-be/internal/storage/memory"
	"github.com/cuongbtq/crop-copilot-be/internal/storage/sqlstore"
	"github.com/cuongbtq/crop-copilot-be/shared/logger"
	"github.com/cuongbtq/crop-copilot-be/shared/postgresql"
	"github.com/cuongbtq/crop-copilot-be/shared/rabbitmq"
	"github.com/cuongbtq/crop-copilot-be/shared/redis"
	"github.com/jmoiron/sqlx"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	})
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(PostgreSQLConfig(cfg), logger)
}

// PostgreSQLConfig maps the database section onto the client config
func PostgreSQLConfig(cfg *config.DatabaseConfig) *postgresql.Config {
	return &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// RabbitMQConfig maps the rabbitmq section onto the client config for the
// job exchange and queue
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		DeadLetterExchange: cfg.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// EventsRabbitMQConfig returns a publish-only config for the
// recommendation event exchange on the same broker
func EventsRabbitMQConfig(cfg *config.Config) *rabbitmq.Config {
	rc := RabbitMQConfig(&cfg.RabbitMQ)
	rc.ExchangeName = cfg.Notifications.Exchange
	rc.ExchangeType = cfg.Notifications.ExchangeType
	rc.ExchangeDurable = true
	rc.ExchangeAutoDelete = false
	rc.QueueName = ""
	rc.DeadLetterExchange = ""
	rc.RoutingKey = ""
	return rc
}

// RedisConfig maps the redis section onto the client config
func RedisConfig(cfg *config.RedisConfig) *redis.Config {
	return &redis.Config{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
}

// StoreHandle is an opened job store together with its lifecycle hooks
type StoreHandle struct {
	Store storage.Store
	// DB is nil for the memory backend
	DB    *sqlx.DB
	ping  func(ctx context.Context) error
	close func() error
}

// Ping reports whether the backing database is reachable
func (h *StoreHandle) Ping(ctx context.Context) error {
	if h.ping == nil {
		return nil
	}
	return h.ping(ctx)
}

// Close releases the database opened by OpenStore. A shared postgres
// client passed in by the caller is left open.
func (h *StoreHandle) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// OpenStore opens the configured storage backend and applies migrations when
// auto_migrate is set. pg is required for the postgres backend.
func OpenStore(cfg *config.Config, pg *postgresql.Client, logger *slog.Logger) (*StoreHandle, error) {
	var h *StoreHandle
	var dialect string

	switch cfg.Storage.Backend {
	case config.StorageMemory:
		logger.Warn("Using in-memory storage; data is lost on restart")
		return &StoreHandle{Store: storage.WithTimeout(memory.New(), cfg.Storage.OperationTimeout)}, nil

	case config.StoragePostgres:
		if pg == nil {
			return nil, errors.New("postgres storage requires a database client")
		}
		db := pg.GetDB()
		h = &StoreHandle{Store: sqlstore.New(db), DB: db, ping: pg.HealthCheck}
		dialect = sqlstore.DialectPostgres

	case config.StorageSQLite:
		db, err := sqlstore.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		h = &StoreHandle{Store: sqlstore.New(db), DB: db, ping: db.PingContext, close: db.Close}
		dialect = sqlstore.DialectSQLite

	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Storage.Backend)
	}

	if cfg.Storage.AutoMigrate {
		if err := sqlstore.Migrate(h.DB.DB, dialect); err != nil {
			h.Close()
			return nil, err
		}
		logger.Info("Schema migrations applied", slog.String("dialect", dialect))
	}

	h.Store = storage.WithTimeout(h.Store, cfg.Storage.OperationTimeout)
	logger.Info("Job store ready",
		slog.String("backend", cfg.Storage.Backend),
		slog.Duration("operation_timeout", cfg.Storage.OperationTimeout),
	)
	return h, nil
}

// JobQueue is the configured job transport
type JobQueue struct {
	Publisher queue.Publisher
	Consumer  queue.Consumer
	Check     handler.DependencyCheck
	close     func() error
}

// Close disconnects from the broker
func (q *JobQueue) Close() error {
	if q.close == nil {
		return nil
	}
	return q.close()
}

// OpenJobQueue connects to the configured queue backend. consumerTag names
// the RabbitMQ consumer or the Redis processing list.
func OpenJobQueue(cfg *config.Config, consumerTag string, logger *slog.Logger) (*JobQueue, error) {
	switch cfg.Queue.Backend {
	case config.QueueRabbitMQ:
		client, err := rabbitmq.NewClient(RabbitMQConfig(&cfg.RabbitMQ), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		q := queue.NewRabbitMQ(client, consumerTag, cfg.RabbitMQ.Consumer.PrefetchCount, logger)
		return &JobQueue{
			Publisher: q,
			Consumer:  q,
			Check: handler.DependencyCheck{Name: "rabbitmq", Check: func(context.Context) error {
				if !client.IsConnected() {
					return rabbitmq.ErrNotConnected
				}
				return nil
			}},
			close: client.Close,
		}, nil

	case config.QueueRedis:
		client, err := redis.NewClient(RedisConfig(&cfg.Redis), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		q := queue.NewRedis(client.GetClient(), queue.RedisKeys{
			Queue:      cfg.Redis.QueueKey,
			Processing: cfg.Redis.ProcessingKey,
			DeadLetter: cfg.Redis.DeadLetterKey,
		}, consumerTag, cfg.Redis.ClaimTimeout, logger)
		return &JobQueue{
			Publisher: q,
			Consumer:  q,
			Check:     handler.DependencyCheck{Name: "redis", Check: client.Ping},
			close:     client.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported queue backend: %q", cfg.Queue.Backend)
	}
}
