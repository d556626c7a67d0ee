package config

import (
	"time"

	"github.com/vietddude/rpcworker/internal/infra/broker"
	redisclient "github.com/vietddude/rpcworker/internal/infra/redis"
	"github.com/vietddude/rpcworker/internal/infra/storage/postgres"
)

// Fallback recoverers for messages that cannot be answered.
const (
	FallbackRepublish = "republish"
	FallbackArchive   = "archive"
	FallbackNone      = "none"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	RabbitMQ broker.Config      `yaml:"rabbitmq"`
	Retry    RetryConfig        `yaml:"retry"`
	Recovery RecoveryConfig     `yaml:"recovery"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
	Logging  LoggingConfig      `yaml:"logging"`
	GRPC     GRPCConfig         `yaml:"grpc"`
	Codec    string             `yaml:"codec"` // reply content type
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// GRPCConfig holds gRPC health server settings.
type GRPCConfig struct {
	Port int `yaml:"port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RetryConfig holds the bounded retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`     // 0 = retry immediately
	MaxBackoff  time.Duration `yaml:"max_backoff"` // 0 = uncapped
	Multiplier  float64       `yaml:"multiplier"`
	Retryable   []string      `yaml:"retryable"` // error type names, e.g. "*net.OpError"
}

// RecoveryConfig selects what happens to messages whose retries ran out.
type RecoveryConfig struct {
	ErrorExchange         string        `yaml:"error_exchange"`
	ErrorRoutingKey       string        `yaml:"error_routing_key"`
	ErrorRoutingKeyPrefix string        `yaml:"error_routing_key_prefix"`
	ErrorQueue            string        `yaml:"error_queue"`
	DeclareErrorQueue     bool          `yaml:"declare_error_queue"`
	Fallback              string        `yaml:"fallback"`  // republish, archive, none
	Retention             time.Duration `yaml:"retention"` // 0 = keep dead letters forever
	PruneInterval         time.Duration `yaml:"prune_interval"`
	BacklogLimit          int           `yaml:"backlog_limit"` // pending dead letters before degraded
}
