package retry

import "context"

type attemptInfoKey struct{}

// AttemptInfo is per-attempt metadata attached to the handler context.
type AttemptInfo struct {
	// Attempt is 1 for the first invocation.
	Attempt     int
	MaxAttempts int
	// LastErr is the error returned by the previous attempt, nil on the first.
	LastErr error
}

// IsLast reports whether no further attempt will follow a failure.
func (a AttemptInfo) IsLast() bool {
	return a.Attempt >= a.MaxAttempts
}

// WithAttemptInfo returns a context derived from ctx that carries info.
func WithAttemptInfo(ctx context.Context, info AttemptInfo) context.Context {
	return context.WithValue(ctx, attemptInfoKey{}, info)
}

// AttemptFromContext returns the AttemptInfo from ctx, if present.
func AttemptFromContext(ctx context.Context) (AttemptInfo, bool) {
	info, ok := ctx.Value(attemptInfoKey{}).(AttemptInfo)
	return info, ok
}
