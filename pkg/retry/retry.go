package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/caresync/resilience-core/pkg/breaker"
	apperrors "github.com/caresync/resilience-core/pkg/errors"
	"github.com/caresync/resilience-core/pkg/logging"
)

// Config holds configuration for retry logic. Configs are stateless and
// supplied per call.
type Config struct {
	// MaxAttempts is the total number of attempts including the first
	MaxAttempts int
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff delay
	MaxDelay time.Duration
	// Multiplier is the exponential backoff base
	Multiplier float64
	// Jitter applies +/-20% randomness to each delay to avoid thundering herd
	Jitter bool
	// RetryablePatterns is an allow-list of error-message substrings. When
	// set, an error matching none of them stops the loop after attempt 1.
	RetryablePatterns []string
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Result is the structured outcome of a retried operation. The final
// failure is never swallowed: Err carries it when Success is false.
type Result struct {
	Success  bool
	Attempts int
	Duration time.Duration
	Value    interface{}
	Err      error
}

// retryableSignatures are the transient failure fingerprints matched by the
// default classifier
var retryableSignatures = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"rate limit",
	"too many requests",
	"503",
	"service unavailable",
	"pool exhausted",
	"too many connections",
	"deadlock",
}

// IsRetryableError is the default heuristic classifier used when no
// explicit allow-list is configured. Best-effort triage of the message,
// not a guarantee.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Circuit-open rejections carry their own retry-after time and must
	// never be retried internally
	if breaker.IsOpenError(err) {
		return false
	}

	switch apperrors.GetType(err) {
	case apperrors.ErrorTypeTimeout, apperrors.ErrorTypeConnection,
		apperrors.ErrorTypeRateLimit, apperrors.ErrorTypeTransient,
		apperrors.ErrorTypeExternal:
		return true
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeNotFound,
		apperrors.ErrorTypeConflict:
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range retryableSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Manager executes operations with exponential backoff. Stateless apart
// from its logger; safe for concurrent use.
type Manager struct {
	logger *logging.Logger
}

// NewManager creates a retry manager
func NewManager() *Manager {
	return &Manager{logger: logging.GetLogger()}
}

// Do attempts the operation up to config.MaxAttempts times and returns a
// structured result. The loop stops early for non-retryable errors and for
// context cancellation.
func (m *Manager) Do(ctx context.Context, config Config, op func(context.Context) (interface{}, error)) *Result {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	start := time.Now()
	var lastErr error
	attemptsMade := 0

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return &Result{Attempts: attempt - 1, Duration: time.Since(start), Err: ctx.Err()}
		}

		value, err := op(ctx)
		attemptsMade = attempt
		if err == nil {
			if attempt > 1 {
				m.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"max_attempts", config.MaxAttempts,
				)
			}
			return &Result{
				Success:  true,
				Attempts: attempt,
				Duration: time.Since(start),
				Value:    value,
			}
		}

		lastErr = err

		if !m.shouldRetry(err, config) {
			m.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", attempt,
			)
			break
		}

		if attempt == config.MaxAttempts {
			break
		}

		delay := calculateDelay(config, attempt)

		m.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", config.MaxAttempts,
			"delay", delay,
		)

		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return &Result{Attempts: attempt, Duration: time.Since(start), Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	m.logger.Error("Operation failed after all attempts",
		"error", lastErr.Error(),
		"attempts", attemptsMade,
	)

	return &Result{
		Attempts: attemptsMade,
		Duration: time.Since(start),
		Err:      lastErr,
	}
}

// shouldRetry consults the explicit allow-list when present, falling back
// to the default heuristic otherwise
func (m *Manager) shouldRetry(err error, config Config) bool {
	if len(config.RetryablePatterns) > 0 {
		msg := strings.ToLower(err.Error())
		for _, pattern := range config.RetryablePatterns {
			if strings.Contains(msg, strings.ToLower(pattern)) {
				return true
			}
		}
		return false
	}
	return IsRetryableError(err)
}

func calculateDelay(config Config, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt-1))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		// +/-20% of the computed delay
		delay *= 0.8 + rand.Float64()*0.4
	}

	return time.Duration(delay)
}

// Retrying wraps an operation in transparent retry, surfacing the final
// error unwrapped on exhaustion. Explicit function composition replaces
// any annotation mechanism.
func Retrying(config Config, op func(context.Context) (interface{}, error)) func(context.Context) (interface{}, error) {
	m := NewManager()
	return func(ctx context.Context) (interface{}, error) {
		res := m.Do(ctx, config, op)
		if res.Success {
			return res.Value, nil
		}
		return nil, res.Err
	}
}

// Do is a convenience function using a one-off manager
func Do(ctx context.Context, config Config, op func(context.Context) (interface{}, error)) *Result {
	return NewManager().Do(ctx, config, op)
}
