package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("CROP_DB_PASSWORD", "s3cret")

	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "crop_copilot", cfg.Database.Database)
				assert.Equal(t, "s3cret", cfg.Database.Password)
				assert.Equal(t, StoragePostgres, cfg.Storage.Backend)
				assert.Equal(t, QueueRabbitMQ, cfg.Queue.Backend)
				assert.Equal(t, "recommendation_jobs", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "recommendation_jobs_queue", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "crop-copilot", cfg.App.Name)
				assert.Equal(t, "google/gemini-2.0-flash-001", cfg.Generator.LLM.Model)
				assert.True(t, cfg.Notifications.Enabled)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, StoragePostgres, cfg.Storage.Backend)
	assert.Equal(t, QueueRabbitMQ, cfg.Queue.Backend)
	assert.Equal(t, 5*time.Second, cfg.Queue.PublishTimeout)
	assert.Equal(t, 5*time.Second, cfg.Storage.OperationTimeout)

	assert.Equal(t, 0.5, cfg.Assembler.RelevanceThreshold)
	assert.Equal(t, 4000, cfg.Assembler.MaxTokens)
	assert.Equal(t, 3, cfg.Assembler.CharsPerToken)
	assert.Equal(t, 2, cfg.Assembler.MaxChunksPerSource)
	assert.Equal(t, 200, cfg.Assembler.MinTruncationChars)

	require.NotNil(t, cfg.Generator.MaxRetries)
	assert.Equal(t, 2, *cfg.Generator.MaxRetries)
	assert.Equal(t, 5, cfg.Retrieval.TextTopK)
	assert.Equal(t, 3, cfg.Retrieval.ImageTopK)

	assert.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Worker.StaleAfter)

	assert.Equal(t, "recommendation:jobs", cfg.Redis.QueueKey)
	assert.Equal(t, "recommendation:jobs:processing", cfg.Redis.ProcessingKey)
	assert.Equal(t, "recommendation:jobs:dead", cfg.Redis.DeadLetterKey)
}

func TestApplyDefaults_KeepsExplicitZeroRetries(t *testing.T) {
	zero := 0
	cfg := &Config{Generator: GeneratorConfig{MaxRetries: &zero}}
	cfg.ApplyDefaults()

	assert.Equal(t, 0, *cfg.Generator.MaxRetries)
}

// validConfig returns a config that passes every validation
func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "crop_copilot",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "recommendation_jobs"},
			Queue:    QueueConfig{Name: "recommendation_jobs_queue"},
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			JobTimeout:      2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Generator: GeneratorConfig{
			LLM: LLMConfig{Model: "google/gemini-2.0-flash-001"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name: "memory storage needs no database",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageMemory
				c.Database = DatabaseConfig{}
			},
		},
		{
			name:      "sqlite storage needs a path",
			mutate:    func(c *Config) { c.Storage.Backend = StorageSQLite },
			errString: "sqlite_path is required",
		},
		{
			name:      "unknown storage backend",
			mutate:    func(c *Config) { c.Storage.Backend = "mongo" },
			errString: "unsupported storage backend",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			errString: "rabbitmq queue name is required",
		},
		{
			name: "redis queue ignores rabbitmq settings",
			mutate: func(c *Config) {
				c.Queue.Backend = QueueRedis
				c.RabbitMQ = RabbitMQConfig{}
				c.Redis.Host = "localhost"
				c.Redis.Port = 6379
			},
		},
		{
			name: "redis queue needs a host",
			mutate: func(c *Config) {
				c.Queue.Backend = QueueRedis
				c.Redis.Port = 6379
			},
			errString: "redis host is required",
		},
		{
			name:      "unknown queue backend",
			mutate:    func(c *Config) { c.Queue.Backend = "kafka" },
			errString: "unsupported queue backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "memory storage",
			mutate:    func(c *Config) { c.Storage.Backend = StorageMemory },
			errString: "memory storage backend",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			errString: "worker job_timeout must be greater than 0",
		},
		{
			name:      "stale window not longer than heartbeat",
			mutate:    func(c *Config) { c.Worker.StaleAfter = c.Worker.HeartbeatInterval },
			errString: "must exceed heartbeat_interval",
		},
		{
			name: "sqlite jobs still need the knowledge base database",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageSQLite
				c.Storage.SQLitePath = "crop.db"
				c.Database.Host = ""
			},
			errString: "database host is required",
		},
		{
			name: "notifications need a broker",
			mutate: func(c *Config) {
				c.Notifications.Enabled = true
				c.RabbitMQ.Host = ""
			},
			errString: "rabbitmq host is required",
		},
		{
			name:      "missing model",
			mutate:    func(c *Config) { c.Generator.LLM.Model = "" },
			errString: "generator llm model is required",
		},
		{
			name: "negative retries",
			mutate: func(c *Config) {
				n := -1
				c.Generator.MaxRetries = &n
			},
			errString: "max_retries must not be negative",
		},
		{
			name:      "truncation floor shorter than the marker",
			mutate:    func(c *Config) { c.Assembler.MinTruncationChars = 2 },
			errString: "min_truncation_chars must be at least 4",
		},
		{
			name:   "truncation floor of one character plus marker",
			mutate: func(c *Config) { c.Assembler.MinTruncationChars = 4 },
		},
		{
			name:      "relevance threshold above one",
			mutate:    func(c *Config) { c.Assembler.RelevanceThreshold = 1.5 },
			errString: "relevance_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestRedisConfig_Addr(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
}
