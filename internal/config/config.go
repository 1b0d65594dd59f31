package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
	// MinTruncationChars leaves room for one character and the "..." marker
	MinTruncationChars = 4
)

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Queue backends
const (
	QueueRabbitMQ = "rabbitmq"
	QueueRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Storage       StorageConfig       `yaml:"storage"`
	RabbitMQ      RabbitMQConfig      `yaml:"rabbitmq"`
	Redis         RedisConfig         `yaml:"redis"`
	Queue         JobQueueConfig      `yaml:"queue"`
	Logging       LoggingConfig       `yaml:"logging"`
	App           AppConfig           `yaml:"app"`
	Worker        WorkerConfig        `yaml:"worker"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Assembler     AssemblerConfig     `yaml:"assembler"`
	Generator     GeneratorConfig     `yaml:"generator"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// StorageConfig selects where inputs and jobs are kept
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	AutoMigrate bool   `yaml:"auto_migrate"`
	// OperationTimeout bounds every store call
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host               string           `yaml:"host"`
	Port               int              `yaml:"port"`
	User               string           `yaml:"user"`
	Password           string           `yaml:"password"`
	VHost              string           `yaml:"vhost"`
	Exchange           ExchangeConfig   `yaml:"exchange"`
	Queue              QueueConfig      `yaml:"queue"`
	RoutingKey         string           `yaml:"routing_key"`
	DeadLetterExchange string           `yaml:"dead_letter_exchange"`
	Connection         ConnectionConfig `yaml:"connection"`
	Publish            PublishConfig    `yaml:"publish"`
	Consumer           ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// RedisConfig holds the Redis connection and the list keys of the job queue
type RedisConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	QueueKey      string        `yaml:"queue_key"`
	ProcessingKey string        `yaml:"processing_key"`
	DeadLetterKey string        `yaml:"dead_letter_key"`
	ClaimTimeout  time.Duration `yaml:"claim_timeout"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JobQueueConfig selects the job queue transport
type JobQueueConfig struct {
	Backend        string        `yaml:"backend"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// RetrievalConfig holds the embeddings endpoint and per-index result counts
type RetrievalConfig struct {
	Embedder     EmbedderConfig `yaml:"embedder"`
	TextTopK     int            `yaml:"text_top_k"`
	ImageTopK    int            `yaml:"image_top_k"`
	ImageEnabled bool           `yaml:"image_enabled"`
}

// EmbedderConfig holds the OpenAI-compatible embeddings client settings
type EmbedderConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// AssemblerConfig holds the context assembly limits
type AssemblerConfig struct {
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	MaxTokens          int     `yaml:"max_tokens"`
	CharsPerToken      int     `yaml:"chars_per_token"`
	MaxChunksPerSource int     `yaml:"max_chunks_per_source"`
	MinTruncationChars int     `yaml:"min_truncation_chars"`
}

// GeneratorConfig holds the generation loop and model settings
type GeneratorConfig struct {
	// MaxRetries is the number of re-invocations after a rejected attempt
	MaxRetries  *int      `yaml:"max_retries"`
	MaxTokens   int       `yaml:"max_tokens"`
	Temperature float64   `yaml:"temperature"`
	LLM         LLMConfig `yaml:"llm"`
}

// LLMConfig holds the chat completions client settings
type LLMConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

// NotificationsConfig controls the recommendation.ready event sink
type NotificationsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Exchange     string `yaml:"exchange"`
	ExchangeType string `yaml:"exchange_type"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset fields with production defaults
func (c *Config) ApplyDefaults() {
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StoragePostgres
	}
	if c.Storage.OperationTimeout <= 0 {
		c.Storage.OperationTimeout = 5 * time.Second
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueRabbitMQ
	}
	if c.Queue.PublishTimeout <= 0 {
		c.Queue.PublishTimeout = 5 * time.Second
	}

	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = "recommendation:jobs"
	}
	if c.Redis.ProcessingKey == "" {
		c.Redis.ProcessingKey = c.Redis.QueueKey + ":processing"
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = c.Redis.QueueKey + ":dead"
	}
	if c.Redis.ClaimTimeout <= 0 {
		c.Redis.ClaimTimeout = 5 * time.Second
	}

	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 10 * time.Second
	}
	if c.Worker.StaleAfter <= 0 {
		c.Worker.StaleAfter = 3 * c.Worker.HeartbeatInterval
	}

	if c.Retrieval.TextTopK <= 0 {
		c.Retrieval.TextTopK = 5
	}
	if c.Retrieval.ImageTopK <= 0 {
		c.Retrieval.ImageTopK = 3
	}

	a := &c.Assembler
	if a.RelevanceThreshold <= 0 {
		a.RelevanceThreshold = 0.5
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = 4000
	}
	if a.CharsPerToken <= 0 {
		a.CharsPerToken = 3
	}
	if a.MaxChunksPerSource <= 0 {
		a.MaxChunksPerSource = 2
	}
	if a.MinTruncationChars <= 0 {
		a.MinTruncationChars = 200
	}

	if c.Generator.MaxRetries == nil {
		retries := 2
		c.Generator.MaxRetries = &retries
	}
	if c.Generator.MaxTokens <= 0 {
		c.Generator.MaxTokens = 2000
	}

	if c.Notifications.Exchange == "" {
		c.Notifications.Exchange = "recommendation_events"
	}
	if c.Notifications.ExchangeType == "" {
		c.Notifications.ExchangeType = "topic"
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %q", c.Storage.Backend)
	}

	switch c.Queue.Backend {
	case QueueRabbitMQ:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	case QueueRedis:
		if c.Redis.Host == "" {
			return errors.New("redis host is required")
		}
		if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
			return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
		}
	default:
		return fmt.Errorf("unsupported queue backend: %q", c.Queue.Backend)
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Storage.Backend == StorageMemory {
		return errors.New("worker cannot use the memory storage backend")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after (%s) must exceed heartbeat_interval (%s)", c.Worker.StaleAfter, c.Worker.HeartbeatInterval)
	}

	// the knowledge base lives in postgres regardless of the job store
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Generator.LLM.Model == "" {
		return fmt.Errorf("generator llm model is required")
	}

	if c.Notifications.Enabled && c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required when notifications are enabled")
	}

	if *c.Generator.MaxRetries < 0 {
		return fmt.Errorf("generator max_retries must not be negative")
	}

	if c.Assembler.RelevanceThreshold > 1 {
		return fmt.Errorf("assembler relevance_threshold must be between 0 and 1")
	}

	if c.Assembler.MinTruncationChars < MinTruncationChars {
		return fmt.Errorf("assembler min_truncation_chars must be at least %d", MinTruncationChars)
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
