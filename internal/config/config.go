package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Klaviyo   KlaviyoConfig   `yaml:"klaviyo"`
	Sync      SyncConfig      `yaml:"sync"`
	Retention RetentionConfig `yaml:"retention"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" env:"SERVER_PORT"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn" env:"POSTGRES_DSN"`
	Password string `yaml:"-" env:"POSTGRES_PASSWORD"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// Enabled reports whether a redis cache should be wired.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
	GroupID string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps" env:"RATELIMIT_RPS"`
	Burst int `yaml:"burst" env:"RATELIMIT_BURST"`
}

type KlaviyoConfig struct {
	BaseURL  string        `yaml:"base_url" env:"KLAVIYO_BASE_URL"`
	APIKey   string        `yaml:"-" env:"KLAVIYO_API_KEY"`
	Revision string        `yaml:"revision" env:"KLAVIYO_REVISION"`
	Timeout  time.Duration `yaml:"timeout"`
	RPS      float64       `yaml:"rps"`
	Burst    int           `yaml:"burst"`
}

// Queue backends for sync dispatch.
const (
	QueueMemory = "memory"
	QueueKafka  = "kafka"
)

type SyncConfig struct {
	Queue          string        `yaml:"queue" env:"SYNC_QUEUE"`
	Workers        int           `yaml:"workers" env:"SYNC_WORKERS"`
	Buffer         int           `yaml:"buffer"`
	Attempts       uint64        `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxAttempts    int           `yaml:"max_attempts"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollBatch      int           `yaml:"poll_batch"`
}

type RetentionConfig struct {
	Schedule string        `yaml:"schedule" env:"RETENTION_SCHEDULE"`
	Horizon  time.Duration `yaml:"horizon"`
}

// Load reads the yaml file, applies environment overrides and fills defaults.
// A missing file is not an error: the service can be configured from env alone.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	// override DSN password from env if present
	if cfg.Postgres.Password != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + cfg.Postgres.Password
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 100
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 200
	}
	if c.Klaviyo.BaseURL == "" {
		c.Klaviyo.BaseURL = "https://a.klaviyo.com"
	}
	if c.Klaviyo.Revision == "" {
		c.Klaviyo.Revision = "2025-10-15"
	}
	if c.Klaviyo.Timeout == 0 {
		c.Klaviyo.Timeout = 10 * time.Second
	}
	if c.Klaviyo.RPS == 0 {
		c.Klaviyo.RPS = 10
	}
	if c.Klaviyo.Burst == 0 {
		c.Klaviyo.Burst = 20
	}
	if c.Sync.Queue == "" {
		c.Sync.Queue = QueueMemory
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 4
	}
	if c.Sync.Buffer == 0 {
		c.Sync.Buffer = 1024
	}
	if c.Sync.Attempts == 0 {
		c.Sync.Attempts = 3
	}
	if c.Sync.InitialBackoff == 0 {
		c.Sync.InitialBackoff = 200 * time.Millisecond
	}
	if c.Sync.MaxBackoff == 0 {
		c.Sync.MaxBackoff = 5 * time.Second
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 10
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 30 * time.Second
	}
	if c.Sync.PollBatch == 0 {
		c.Sync.PollBatch = 100
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "event-sync"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "event-sync-poller"
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "@midnight"
	}
	if c.Retention.Horizon == 0 {
		c.Retention.Horizon = 7 * 24 * time.Hour
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	switch c.Sync.Queue {
	case QueueMemory:
	case QueueKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required when sync.queue is kafka")
		}
	default:
		return fmt.Errorf("unknown sync.queue %q", c.Sync.Queue)
	}
	if c.Retention.Horizon < 0 {
		return errors.New("retention.horizon must be positive")
	}
	return nil
}
