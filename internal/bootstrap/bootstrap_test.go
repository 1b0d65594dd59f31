package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/cuongbtq/crop-copilot-be/internal/config"
	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStore_SQLiteAutoMigrate(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{
		Backend:     config.StorageSQLite,
		SQLitePath:  ":memory:",
		AutoMigrate: true,
	}}

	h, err := OpenStore(cfg, nil, discardLogger())
	require.NoError(t, err)
	defer h.Close()

	require.NotNil(t, h.DB)
	require.NoError(t, h.Ping(context.Background()))

	res, err := h.Store.EnqueueInput(context.Background(), "U1", domain.CreateInputCommand{
		IdempotencyKey: "k1",
		Type:           domain.InputTypePhoto,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, res.Status)
}

func TestOpenStore_Memory(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Backend: config.StorageMemory}}

	h, err := OpenStore(cfg, nil, discardLogger())
	require.NoError(t, err)

	assert.Nil(t, h.DB)
	assert.NoError(t, h.Ping(context.Background()))
	assert.NoError(t, h.Close())
}

func TestOpenStore_PostgresNeedsClient(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Backend: config.StoragePostgres}}

	_, err := OpenStore(cfg, nil, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a database client")
}

func TestOpenJobQueue_UnknownBackend(t *testing.T) {
	cfg := &config.Config{Queue: config.JobQueueConfig{Backend: "kafka"}}

	_, err := OpenJobQueue(cfg, "tag", discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported queue backend")
}

func TestEventsRabbitMQConfig(t *testing.T) {
	cfg := &config.Config{
		RabbitMQ: config.RabbitMQConfig{
			Host:               "broker",
			Port:               5672,
			Exchange:           config.ExchangeConfig{Name: "recommendation_jobs", Type: "direct"},
			Queue:              config.QueueConfig{Name: "recommendation_jobs_queue", Durable: true},
			RoutingKey:         "recommendation.job.requested",
			DeadLetterExchange: "recommendation_jobs_dlx",
		},
	}
	cfg.ApplyDefaults()

	rc := EventsRabbitMQConfig(cfg)

	assert.Equal(t, "broker", rc.Host)
	assert.Equal(t, "recommendation_events", rc.ExchangeName)
	assert.Equal(t, "topic", rc.ExchangeType)
	assert.True(t, rc.ExchangeDurable)
	assert.Empty(t, rc.QueueName, "event client must not declare the job queue")
	assert.Empty(t, rc.DeadLetterExchange)

	jobs := RabbitMQConfig(&cfg.RabbitMQ)
	assert.Equal(t, "recommendation_jobs_queue", jobs.QueueName)
	assert.Equal(t, "recommendation_jobs_dlx", jobs.DeadLetterExchange)
}
