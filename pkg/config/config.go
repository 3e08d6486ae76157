// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Redis, Kafka, SQS, Postgres, Indexer, Worker, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	SQS      SQSConfig      `yaml:"sqs"`
	Postgres PostgresConfig `yaml:"postgres"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Worker   WorkerConfig   `yaml:"worker"`
	Search   SearchConfig   `yaml:"search"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// RedisConfig holds connection parameters for the shared index store.
type RedisConfig struct {
	Addr           string               `yaml:"addr"`
	Password       string               `yaml:"password"`
	DB             int                  `yaml:"db"`
	PoolSize       int                  `yaml:"poolSize"`
	DialTimeout    time.Duration        `yaml:"dialTimeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// CircuitBreakerConfig guards store calls against a failing Redis.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// KafkaConfig holds Kafka broker, topic and batching settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Topic         string        `yaml:"topic"`
	BatchSize     int           `yaml:"batchSize"`
	BatchLinger   time.Duration `yaml:"batchLinger"`
}

// SQSConfig holds the change queue settings when running on SQS.
type SQSConfig struct {
	QueueURL          string        `yaml:"queueUrl"`
	Region            string        `yaml:"region"`
	Endpoint          string        `yaml:"endpoint"`
	MaxMessages       int32         `yaml:"maxMessages"`
	WaitTime          time.Duration `yaml:"waitTime"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the dead-letter
// ledger. An empty Host disables the ledger.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// IndexerConfig controls entity leases, composite-set lifetime and the
// search-word tokenizer.
type IndexerConfig struct {
	LockTTL          time.Duration   `yaml:"lockTTL"`
	LockWait         time.Duration   `yaml:"lockWait"`
	LockPollInterval time.Duration   `yaml:"lockPollInterval"`
	CompositeTTL     time.Duration   `yaml:"compositeTTL"`
	Tokenizer        TokenizerConfig `yaml:"tokenizer"`
}

// TokenizerConfig selects the search-word tokenization policy.
type TokenizerConfig struct {
	MinLength int  `yaml:"minLength"`
	StopWords bool `yaml:"stopWords"`
	Stem      bool `yaml:"stem"`
}

// WorkerConfig controls the change ingestion worker.
type WorkerConfig struct {
	Source            string        `yaml:"source"`
	Concurrency       int           `yaml:"concurrency"`
	RetryAttempts     int           `yaml:"retryAttempts"`
	RetryInitialDelay time.Duration `yaml:"retryInitialDelay"`
	RetryMaxDelay     time.Duration `yaml:"retryMaxDelay"`
}

// SearchConfig controls query limits and timeouts.
type SearchConfig struct {
	MaxResults int           `yaml:"maxResults"`
	Timeout    time.Duration `yaml:"timeout"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Worker.Source {
	case "kafka", "sqs":
	default:
		return fmt.Errorf("worker.source must be kafka or sqs, got %q", c.Worker.Source)
	}
	if c.Worker.Source == "sqs" && c.SQS.QueueURL == "" {
		return fmt.Errorf("sqs.queueUrl is required when worker.source is sqs")
	}
	if c.SQS.MaxMessages < 1 || c.SQS.MaxMessages > 10 {
		return fmt.Errorf("sqs.maxMessages must be between 1 and 10, got %d", c.SQS.MaxMessages)
	}
	if c.Indexer.LockWait <= 0 || c.Indexer.LockTTL <= 0 {
		return fmt.Errorf("indexer.lockTTL and indexer.lockWait must be positive")
	}
	return nil
}

// Default returns a Config with defaults for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "recipe-index",
			Topic:         "entity-changes",
			BatchSize:     50,
			BatchLinger:   50 * time.Millisecond,
		},
		SQS: SQSConfig{
			Region:            "us-east-1",
			MaxMessages:       10,
			WaitTime:          20 * time.Second,
			VisibilityTimeout: 60 * time.Second,
		},
		Postgres: PostgresConfig{
			Port:            5432,
			Database:        "recipeindex",
			User:            "recipeindex",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Indexer: IndexerConfig{
			LockTTL:          10 * time.Second,
			LockWait:         3 * time.Second,
			LockPollInterval: 20 * time.Millisecond,
			CompositeTTL:     30 * time.Second,
			Tokenizer: TokenizerConfig{
				MinLength: 2,
				StopWords: true,
			},
		},
		Worker: WorkerConfig{
			Source:            "kafka",
			Concurrency:       8,
			RetryAttempts:     5,
			RetryInitialDelay: 100 * time.Millisecond,
			RetryMaxDelay:     5 * time.Second,
		},
		Search: SearchConfig{
			MaxResults: 500,
			Timeout:    2 * time.Second,
			RateLimit:  50,
			RateBurst:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads RI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RI_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("RI_SQS_QUEUE_URL"); v != "" {
		cfg.SQS.QueueURL = v
	}
	if v := os.Getenv("RI_SQS_REGION"); v != "" {
		cfg.SQS.Region = v
	}
	if v := os.Getenv("RI_SQS_ENDPOINT"); v != "" {
		cfg.SQS.Endpoint = v
	}
	if v := os.Getenv("RI_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("RI_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("RI_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RI_WORKER_SOURCE"); v != "" {
		cfg.Worker.Source = v
	}
	if v := os.Getenv("RI_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("RI_INDEXER_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Indexer.LockTTL = d
		}
	}
	if v := os.Getenv("RI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
