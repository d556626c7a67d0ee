package retry

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vietddude/rpcworker/internal/pipeline/classify"
)

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy(nil)
	p.InitialDelay = 1 * time.Second
	p.MaxDelay = 10 * time.Second
	p.Multiplier = 2

	assert.Equal(t, 1*time.Second, p.GetDelay(0))
	assert.Equal(t, 2*time.Second, p.GetDelay(1))
	assert.Equal(t, 4*time.Second, p.GetDelay(2))
	assert.Equal(t, 10*time.Second, p.GetDelay(10), "capped at MaxDelay")
}

func TestPolicy_NoDelayByDefault(t *testing.T) {
	p := DefaultPolicy(nil)
	assert.Zero(t, p.GetDelay(0))
	assert.Zero(t, p.GetDelay(5))
}

func TestPolicy_FixedDelayWhenMultiplierUnset(t *testing.T) {
	p := &Policy{Attempts: 3, InitialDelay: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, p.GetDelay(3))
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := DefaultPolicy(classify.New().Accept((*fs.PathError)(nil)))
	pathErr := &fs.PathError{Op: "open"}

	assert.True(t, p.ShouldRetry(pathErr, 1))
	assert.True(t, p.ShouldRetry(pathErr, 2))
	assert.False(t, p.ShouldRetry(pathErr, 3), "max attempts reached")
	assert.False(t, p.ShouldRetry(errors.New("permanent"), 1))
}

func TestPolicy_MaxAttemptsFloor(t *testing.T) {
	assert.Equal(t, 1, (&Policy{}).MaxAttempts())
	assert.Equal(t, DefaultMaxAttempts, DefaultPolicy(nil).MaxAttempts())
}
