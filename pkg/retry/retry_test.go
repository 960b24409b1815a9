package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fast is a policy that retries without meaningful sleeps
var fast = Policy{
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
	Multiplier:     2,
	Jitter:         0.1,
	MaxAttempts:    5,
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return status.Error(codes.Unavailable, "flaky")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fast.Do(context.Background(), func() error {
		calls++
		return io.EOF
	})
	assert.Error(t, err)
	assert.Equal(t, fast.MaxAttempts, calls)
}

func TestDoStructuralErrorSurfacesImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("structural")
	err := fast.Do(context.Background(), func() error {
		calls++
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := fast.Do(ctx, func() error {
		calls++
		return status.Error(codes.Unavailable, "flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestTransient(t *testing.T) {
	assert.False(t, Transient(nil))
	assert.False(t, Transient(context.Canceled))
	assert.False(t, Transient(context.DeadlineExceeded))
	assert.False(t, Transient(errors.New("structural")))
	assert.False(t, Transient(status.Error(codes.InvalidArgument, "bad")))
	assert.True(t, Transient(io.EOF))
	assert.True(t, Transient(status.Error(codes.Unavailable, "down")))
	assert.True(t, Transient(status.Error(codes.ResourceExhausted, "full")))
}

func TestJitterBounds(t *testing.T) {
	p := Policy{Jitter: 0.1}
	base := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := p.jittered(base)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}
