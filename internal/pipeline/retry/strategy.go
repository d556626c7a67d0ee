package retry

import (
	"math"
	"time"

	"github.com/vietddude/rpcworker/internal/pipeline/classify"
)

// DefaultMaxAttempts is the total number of handler invocations per message.
const DefaultMaxAttempts = 3

// Strategy defines how retries should be handled.
type Strategy interface {
	// MaxAttempts returns the total number of attempts allowed (1-indexed cap).
	MaxAttempts() int

	// Retryable reports whether err is transient.
	Retryable(err error) bool

	// GetDelay returns the delay before the given retry (0-indexed).
	GetDelay(retry int) time.Duration

	// ShouldRetry reports whether another attempt follows the failed
	// attempt (1-indexed).
	ShouldRetry(err error, attempt int) bool
}

// Policy is a bounded retry strategy driven by an exception classifier.
// With a zero InitialDelay retries run back to back.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Classifier   *classify.Classifier
}

// DefaultPolicy retries classified errors up to DefaultMaxAttempts times with
// no delay.
func DefaultPolicy(classifier *classify.Classifier) *Policy {
	if classifier == nil {
		classifier = classify.New()
	}
	return &Policy{
		Attempts:   DefaultMaxAttempts,
		Multiplier: 1,
		Classifier: classifier,
	}
}

func (p *Policy) MaxAttempts() int {
	if p.Attempts <= 0 {
		return 1
	}
	return p.Attempts
}

func (p *Policy) Retryable(err error) bool {
	return p.Classifier.Classify(err)
}

// GetDelay calculates delay: InitialDelay * Multiplier^retry, capped at MaxDelay.
func (p *Policy) GetDelay(retry int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(retry))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if the error is retryable and attempts remain.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts() {
		return false
	}
	return p.Retryable(err)
}
