package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/rpcworker/internal/infra/codec"
	"github.com/vietddude/rpcworker/internal/pipeline/classify"
	"github.com/vietddude/rpcworker/internal/pipeline/recovery"
	"github.com/vietddude/rpcworker/internal/pipeline/retry"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Codec == "" {
		cfg.Codec = codec.JSON{}.ContentType()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.RabbitMQ.Prefetch == 0 {
		cfg.RabbitMQ.Prefetch = 1
	}
	if cfg.RabbitMQ.Consumers == 0 {
		cfg.RabbitMQ.Consumers = 1
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 1
	}

	r := &cfg.Recovery
	r.Fallback = strings.ToLower(strings.TrimSpace(r.Fallback))
	if r.Fallback == "" {
		r.Fallback = FallbackRepublish
	}
	// A prefix only applies when no fixed key is set.
	if r.ErrorRoutingKey == "" && r.ErrorRoutingKeyPrefix == "" {
		r.ErrorRoutingKey = recovery.DefaultErrorRoutingKey
	}
}

// Validate checks values that would otherwise only fail once a message arrives.
func (cfg *AppConfig) Validate() error {
	var errs []error

	if cfg.RabbitMQ.Queue == "" {
		errs = append(errs, errors.New("rabbitmq.queue is required"))
	}
	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", cfg.Retry.Multiplier))
	}
	if err := classify.New().AcceptNames(cfg.Retry.Retryable...); err != nil {
		errs = append(errs, fmt.Errorf("retry.retryable: %w", err))
	}
	if _, err := codec.NewDefaultRegistry().Lookup(cfg.Codec); err != nil {
		errs = append(errs, fmt.Errorf("codec: %w", err))
	}

	switch cfg.Recovery.Fallback {
	case FallbackRepublish, FallbackNone:
	case FallbackArchive:
		if cfg.Recovery.Retention < 0 {
			errs = append(errs, errors.New("recovery.retention must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("recovery.fallback must be one of %s, %s, %s; got %q",
			FallbackRepublish, FallbackArchive, FallbackNone, cfg.Recovery.Fallback))
	}

	return errors.Join(errs...)
}

// RetryPolicy builds the retry policy described by the retry section.
func (cfg *AppConfig) RetryPolicy() (*retry.Policy, error) {
	classifier := classify.New()
	if err := classifier.AcceptNames(cfg.Retry.Retryable...); err != nil {
		return nil, err
	}
	return &retry.Policy{
		Attempts:     cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.Backoff,
		MaxDelay:     cfg.Retry.MaxBackoff,
		Multiplier:   cfg.Retry.Multiplier,
		Classifier:   classifier,
	}, nil
}

// RepublishConfig returns the error exchange settings.
func (cfg *AppConfig) RepublishConfig() recovery.RepublishConfig {
	return recovery.RepublishConfig{
		ErrorExchange:         cfg.Recovery.ErrorExchange,
		ErrorRoutingKey:       cfg.Recovery.ErrorRoutingKey,
		ErrorRoutingKeyPrefix: cfg.Recovery.ErrorRoutingKeyPrefix,
	}
}
