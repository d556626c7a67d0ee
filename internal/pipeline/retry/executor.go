// Package retry runs a message handler under a bounded, stateless retry
// policy and hands exhausted messages to a recoverer exactly once.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/vietddude/rpcworker/internal/pipeline/metrics"
)

const (
	reasonExhausted = "exhausted"
	reasonPermanent = "permanent"
	reasonCanceled  = "canceled"
)

// Operation is one handler invocation.
type Operation func(ctx context.Context) error

// Recoverer resolves a message whose attempts are exhausted. It has no result:
// the message counts as resolved once Recover returns.
type Recoverer interface {
	Recover(ctx context.Context, args []any, err error)
}

// RecovererFunc adapts a function to Recoverer.
type RecovererFunc func(ctx context.Context, args []any, err error)

func (f RecovererFunc) Recover(ctx context.Context, args []any, err error) { f(ctx, args, err) }

// PanicError reports a panic raised by the handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Executor wraps handler invocations with retry and recovery.
type Executor struct {
	strategy  Strategy
	recoverer Recoverer
	sleep     func(context.Context, time.Duration) error
	log       *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecoverer sets the recoverer invoked once attempts are exhausted.
func WithRecoverer(r Recoverer) Option {
	return func(e *Executor) {
		e.recoverer = r
	}
}

// WithSleep replaces the delay function used between attempts.
func WithSleep(f func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.log = l
	}
}

// NewExecutor creates an Executor. A nil strategy means DefaultPolicy with an
// empty classifier, so every error is permanent.
func NewExecutor(strategy Strategy, opts ...Option) *Executor {
	e := &Executor{strategy: strategy}
	for _, opt := range opts {
		opt(e)
	}
	if e.strategy == nil {
		e.strategy = DefaultPolicy(nil)
	}
	if e.sleep == nil {
		e.sleep = sleepWithContext
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Execute invokes op until it succeeds, fails with an unclassified error, or
// runs out of attempts. On failure the recoverer receives args and the last
// error and Execute returns nil. Without a recoverer the last error is
// returned. Attempts for one call never overlap.
func (e *Executor) Execute(ctx context.Context, args []any, op Operation) error {
	if ctx == nil {
		ctx = context.Background()
	}
	maxAttempts := max(e.strategy.MaxAttempts(), 1)

	var lastErr error
	reason := reasonExhausted

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := ctx.Err(); err != nil {
				reason = reasonCanceled
				break
			}
			if delay := e.strategy.GetDelay(attempt - 2); delay > 0 {
				if err := e.sleep(ctx, delay); err != nil {
					reason = reasonCanceled
					break
				}
			}
		}

		err := e.invoke(ctx, AttemptInfo{
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			LastErr:     lastErr,
		}, op)
		if err == nil {
			metrics.HandlerAttempts.WithLabelValues("success").Inc()
			return nil
		}
		lastErr = err

		if e.strategy.ShouldRetry(err, attempt) {
			metrics.HandlerAttempts.WithLabelValues("retryable").Inc()
			e.log.Debug("Handler attempt failed",
				"attempt", attempt, "max_attempts", maxAttempts, "error", err)
			continue
		}
		if !e.strategy.Retryable(err) {
			metrics.HandlerAttempts.WithLabelValues(reasonPermanent).Inc()
			reason = reasonPermanent
		} else {
			metrics.HandlerAttempts.WithLabelValues("retryable").Inc()
		}
		break
	}

	metrics.RetriesExhausted.WithLabelValues(reason).Inc()
	if e.recoverer == nil {
		return lastErr
	}

	// Recovery runs once even when the consumer is shutting down.
	e.recoverer.Recover(context.WithoutCancel(ctx), args, lastErr)
	return nil
}

func (e *Executor) invoke(ctx context.Context, info AttemptInfo, op Operation) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		metrics.HandlerLatency.Observe(time.Since(start).Seconds())
	}()
	return op(WithAttemptInfo(ctx, info))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
