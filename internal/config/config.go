// Package config loads the server configuration from a YAML file and the
// environment, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/FairForge/fhirbundle/internal/importer"
	"github.com/FairForge/fhirbundle/internal/subscriptions"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Import        ImportConfig        `yaml:"import"`
	Queue         QueueConfig         `yaml:"queue"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// StorageConfig selects the resource store. Driver is memory, postgres or
// sqlite.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type OrchestrationConfig struct {
	// OperationTimeout bounds an operation that has no explicit deadline.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

type ImportConfig struct {
	ChunkSize int               `yaml:"chunk_size"`
	Workers   int               `yaml:"workers"`
	S3        importer.S3Config `yaml:"s3"`
}

type QueueConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

type SubscriptionsConfig struct {
	Workers  int                          `yaml:"workers"`
	Delivery subscriptions.RestHookConfig `yaml:"delivery"`
}

// AuthConfig enables bearer token checks when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// RateLimitConfig limits requests per client. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 << 20
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Orchestration.OperationTimeout == 0 {
		c.Orchestration.OperationTimeout = 2 * time.Minute
	}
	if c.Import.ChunkSize == 0 {
		c.Import.ChunkSize = importer.DefaultChunkSize
	}
	if c.Import.Workers == 0 {
		c.Import.Workers = 2
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.VisibilityTimeout == 0 {
		c.Queue.VisibilityTimeout = 30 * time.Minute
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 500 * time.Millisecond
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = 10 * time.Second
	}
	if c.Subscriptions.Workers == 0 {
		c.Subscriptions.Workers = 4
	}
	d := subscriptions.DefaultRestHookConfig()
	if c.Subscriptions.Delivery.MaxRetries == 0 {
		c.Subscriptions.Delivery.MaxRetries = d.MaxRetries
	}
	if c.Subscriptions.Delivery.RetryInterval == 0 {
		c.Subscriptions.Delivery.RetryInterval = d.RetryInterval
	}
	if c.Subscriptions.Delivery.RequestTimeout == 0 {
		c.Subscriptions.Delivery.RequestTimeout = d.RequestTimeout
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = int(c.RateLimit.RequestsPerSecond) + 1
	}
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if _, err := zapcore.ParseLevel(c.Server.LogLevel); err != nil {
		return fmt.Errorf("%w: server.log_level: %v", ErrInvalidConfig, err)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for %s", ErrInvalidConfig, c.Storage.Driver)
		}
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Orchestration.OperationTimeout < 0 {
		return fmt.Errorf("%w: orchestration.operation_timeout must be positive", ErrInvalidConfig)
	}
	if c.Import.ChunkSize < 0 || c.Import.Workers < 0 || c.Subscriptions.Workers < 0 {
		return fmt.Errorf("%w: chunk sizes and worker counts must not be negative", ErrInvalidConfig)
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: rate_limit.requests_per_second must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Load reads path (when not empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
