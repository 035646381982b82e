package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mailerrors "github.com/mailwire/mailwire/pkg/errors"
	"github.com/mailwire/mailwire/pkg/transport"
)

func TestRateLimiterRejectBehavior(t *testing.T) {
	r := NewRateLimiter(transport.RateLimitConfig{
		Enabled:       true,
		MaxOperations: 2,
		Window:        time.Hour,
		Behavior:      transport.RateLimitReject,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		release, err := r.Acquire(ctx)
		require.NoError(t, err)
		release()
	}

	_, err := r.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeRateLimited))

	st := r.Status()
	assert.Equal(t, uint64(2), st.Allowed)
	assert.Equal(t, uint64(1), st.Rejected)
}

func TestRateLimiterWaitBehavior(t *testing.T) {
	r := NewRateLimiter(transport.RateLimitConfig{
		Enabled:       true,
		MaxOperations: 10,
		Window:        100 * time.Millisecond,
		Behavior:      transport.RateLimitWait,
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		release, err := r.Acquire(ctx)
		require.NoError(t, err)
		release()
	}

	// The bucket is empty; the next acquire waits for a refill instead
	// of rejecting.
	start := time.Now()
	release, err := r.Acquire(ctx)
	require.NoError(t, err)
	release()
	assert.Greater(t, time.Since(start), time.Millisecond)
}

func TestRateLimiterWaitRespectsCancellation(t *testing.T) {
	r := NewRateLimiter(transport.RateLimitConfig{
		Enabled:       true,
		MaxOperations: 1,
		Window:        time.Hour,
		Behavior:      transport.RateLimitWait,
	})

	ctx := context.Background()
	release, err := r.Acquire(ctx)
	require.NoError(t, err)
	release()

	cancelCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(cancelCtx)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCategory(err, mailerrors.CategoryCancelled))
}

func TestRateLimiterWaitTimeoutBehavior(t *testing.T) {
	r := NewRateLimiter(transport.RateLimitConfig{
		Enabled:       true,
		MaxOperations: 1,
		Window:        time.Hour,
		Behavior:      transport.RateLimitWaitTimeout,
		MaxWait:       5 * time.Millisecond,
	})

	ctx := context.Background()
	release, err := r.Acquire(ctx)
	require.NoError(t, err)
	release()

	// A refill is an hour away, far beyond the wait budget.
	_, err = r.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeRateLimited))
}

func TestRateLimiterConcurrencyCap(t *testing.T) {
	r := NewRateLimiter(transport.RateLimitConfig{
		Enabled:       true,
		MaxOperations: 100,
		Window:        time.Hour,
		MaxConcurrent: 1,
		Behavior:      transport.RateLimitReject,
	})

	ctx := context.Background()
	release, err := r.Acquire(ctx)
	require.NoError(t, err)

	_, err = r.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, mailerrors.IsCode(err, mailerrors.CodeRateLimited))

	release()
	release2, err := r.Acquire(ctx)
	require.NoError(t, err)
	release2()
}
