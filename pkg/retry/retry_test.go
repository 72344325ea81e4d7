package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/caresync/resilience-core/pkg/errors"
)

func TestManager_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Config{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}, func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return "recovered", nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, "recovered", result.Value)
	assert.NoError(t, result.Err)
}

func TestManager_ExhaustsAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2.0,
	}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("request timed out")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "timed out")
}

func TestManager_StopsOnNonRetryableError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Config{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, apperrors.NewValidationError("bad input")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
}

func TestManager_AllowListOverridesHeuristic(t *testing.T) {
	// "connection refused" is retryable by default, but the allow-list
	// only admits quota errors
	calls := 0
	result := Do(context.Background(), Config{
		MaxAttempts:       5,
		BaseDelay:         time.Millisecond,
		RetryablePatterns: []string{"quota"},
	}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("connection refused")
	})

	assert.Equal(t, 1, calls)
	assert.False(t, result.Success)

	// And a matching error is retried
	calls = 0
	result = Do(context.Background(), Config{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		RetryablePatterns: []string{"quota"},
	}, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("quota exceeded for tenant")
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
}

func TestManager_OnRetryHook(t *testing.T) {
	var attempts []int
	var delays []time.Duration

	Do(context.Background(), Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
		},
	}, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("503 service unavailable")
	})

	// Called before each retry, not after the final attempt
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Len(t, delays, 2)
}

func TestManager_ContextCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	result := Do(ctx, Config{
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		Jitter:      false,
	}, func(c context.Context) (interface{}, error) {
		calls++
		cancel()
		return nil, errors.New("connection reset")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestCalculateDelay_ExponentialGrowth(t *testing.T) {
	config := Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     false,
	}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(config, 1))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(config, 2))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(config, 3))
	assert.Equal(t, 800*time.Millisecond, calculateDelay(config, 4))
}

func TestCalculateDelay_CappedAtMax(t *testing.T) {
	config := Config{
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 10.0,
		Jitter:     false,
	}

	assert.Equal(t, 5*time.Second, calculateDelay(config, 3))
}

func TestCalculateDelay_JitterBounds(t *testing.T) {
	config := Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for i := 0; i < 100; i++ {
		delay := calculateDelay(config, 2)
		assert.GreaterOrEqual(t, delay, 160*time.Millisecond)
		assert.LessOrEqual(t, delay, 240*time.Millisecond)
	}
}

func TestIsRetryableError_Classification(t *testing.T) {
	retryable := []error{
		errors.New("dial tcp: i/o timeout"),
		errors.New("connection reset by peer"),
		errors.New("rate limit exceeded"),
		errors.New("upstream returned 503"),
		errors.New("connection pool exhausted"),
		errors.New("deadlock detected"),
		apperrors.NewTimeoutError("call"),
		apperrors.NewConnectionError("refused"),
		apperrors.NewTransientError("blip"),
	}
	for _, err := range retryable {
		assert.True(t, IsRetryableError(err), "expected retryable: %v", err)
	}

	notRetryable := []error{
		nil,
		errors.New("record malformed"),
		apperrors.NewValidationError("bad input"),
		apperrors.NewNotFoundError("order"),
		apperrors.NewConflictError("already exists"),
	}
	for _, err := range notRetryable {
		assert.False(t, IsRetryableError(err), "expected not retryable: %v", err)
	}
}

func TestRetrying_SurfacesFinalError(t *testing.T) {
	sentinel := errors.New("connection refused")
	op := Retrying(Config{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) (interface{}, error) {
		return nil, sentinel
	})

	_, err := op(context.Background())
	assert.Same(t, sentinel, err)
}

func TestRetrying_PassesValueThrough(t *testing.T) {
	op := Retrying(Config{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})

	value, err := op(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}
