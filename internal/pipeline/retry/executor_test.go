package retry

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/rpcworker/internal/pipeline/classify"
)

type recordingRecoverer struct {
	mu    sync.Mutex
	calls int
	args  []any
	err   error
	ctx   context.Context
}

func (r *recordingRecoverer) Recover(ctx context.Context, args []any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.args = args
	r.err = err
	r.ctx = ctx
}

func newTestExecutor(rec Recoverer, opts ...Option) *Executor {
	policy := DefaultPolicy(classify.New().Accept((*fs.PathError)(nil)))
	return NewExecutor(policy, append([]Option{WithRecoverer(rec)}, opts...)...)
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	rec := &recordingRecoverer{}
	exec := newTestExecutor(rec)

	calls := 0
	err := exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, rec.calls)
}

func TestExecute_RetryableExhaustsThenRecoversOnce(t *testing.T) {
	rec := &recordingRecoverer{}
	exec := newTestExecutor(rec)
	args := []any{"channel", "message"}
	failure := &fs.PathError{Op: "read", Path: "/data", Err: fs.ErrClosed}

	calls := 0
	err := exec.Execute(context.Background(), args, func(ctx context.Context) error {
		calls++
		return failure
	})

	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, calls)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, args, rec.args)
	assert.Same(t, failure, rec.err)
}

func TestExecute_PermanentErrorRecoversImmediately(t *testing.T) {
	rec := &recordingRecoverer{}
	exec := newTestExecutor(rec)
	failure := errors.New("validation failed")

	calls := 0
	err := exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return failure
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, failure, rec.err)
}

func TestExecute_SucceedsOnRetry(t *testing.T) {
	rec := &recordingRecoverer{}
	exec := newTestExecutor(rec)

	calls := 0
	err := exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return &fs.PathError{Op: "read"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Zero(t, rec.calls)
}

func TestExecute_SwitchFromRetryableToPermanent(t *testing.T) {
	rec := &recordingRecoverer{}
	exec := newTestExecutor(rec)
	permanent := errors.New("bad payload")

	calls := 0
	_ = exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &fs.PathError{Op: "read"}
		}
		return permanent
	})

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, permanent, rec.err)
}

func TestExecute_NoRecovererReturnsLastError(t *testing.T) {
	exec := NewExecutor(DefaultPolicy(nil))
	failure := errors.New("boom")

	err := exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		return failure
	})

	assert.ErrorIs(t, err, failure)
}

func TestExecute_AttemptInfoInContext(t *testing.T) {
	exec := newTestExecutor(&recordingRecoverer{})

	var seen []AttemptInfo
	_ = exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		info, ok := AttemptFromContext(ctx)
		require.True(t, ok)
		seen = append(seen, info)
		return &fs.PathError{Op: "read"}
	})

	require.Len(t, seen, 3)
	assert.Equal(t, 1, seen[0].Attempt)
	assert.Nil(t, seen[0].LastErr)
	assert.Equal(t, 3, seen[2].Attempt)
	assert.True(t, seen[2].IsLast())
	assert.Error(t, seen[2].LastErr)
}

func TestExecute_PanicIsPermanent(t *testing.T) {
	rec := &recordingRecoverer{}
	exec := newTestExecutor(rec)

	calls := 0
	err := exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		panic("nil map write")
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Equal(t, 1, rec.calls)
	var pe *PanicError
	require.ErrorAs(t, rec.err, &pe)
	assert.Equal(t, "nil map write", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestExecute_CancelStopsAtAttemptBoundary(t *testing.T) {
	rec := &recordingRecoverer{}
	exec := newTestExecutor(rec)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := exec.Execute(ctx, nil, func(ctx context.Context) error {
		calls++
		cancel()
		return &fs.PathError{Op: "read"}
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Equal(t, 1, rec.calls)
	assert.NoError(t, rec.ctx.Err(), "recovery context must not inherit cancellation")
}

func TestExecute_SleepsBetweenAttempts(t *testing.T) {
	var delays []time.Duration
	policy := DefaultPolicy(classify.New().Accept((*fs.PathError)(nil)))
	policy.InitialDelay = 10 * time.Millisecond
	policy.Multiplier = 2

	exec := NewExecutor(policy,
		WithRecoverer(&recordingRecoverer{}),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)

	_ = exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		return &fs.PathError{Op: "read"}
	})

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestExecute_NilStrategyTreatsEverythingAsPermanent(t *testing.T) {
	rec := &recordingRecoverer{}
	exec := NewExecutor(nil, WithRecoverer(rec))

	calls := 0
	_ = exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return &fs.PathError{Op: "read"}
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, rec.calls)
}

// budgetStrategy allows retries while a shared budget lasts.
type budgetStrategy struct {
	*Policy
	budget int
}

func (s *budgetStrategy) ShouldRetry(err error, attempt int) bool {
	if s.budget == 0 {
		return false
	}
	s.budget--
	return s.Policy.ShouldRetry(err, attempt)
}

func TestExecute_StrategyDecidesRetries(t *testing.T) {
	rec := &recordingRecoverer{}
	policy := DefaultPolicy(classify.New().Accept((*fs.PathError)(nil)))
	policy.Attempts = 5
	exec := NewExecutor(&budgetStrategy{Policy: policy, budget: 1}, WithRecoverer(rec))

	calls := 0
	err := exec.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return &fs.PathError{Op: "read", Path: "/data", Err: fs.ErrClosed}
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, rec.calls)
}
