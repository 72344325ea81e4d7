package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/caresync/resilience-core/pkg/errors"
	"github.com/caresync/resilience-core/pkg/logging"
)

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, probing requests are allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState converts a persisted state string back to a State
func ParseState(s string) (State, error) {
	switch s {
	case "closed":
		return StateClosed, nil
	case "open":
		return StateOpen, nil
	case "half_open":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %q", s)
	}
}

// Config holds configuration for a circuit breaker
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in the
	// half-open state that closes the circuit
	SuccessThreshold int
	// Timeout bounds a single guarded call; the call's result is abandoned
	// (not cancelled) when it loses the race
	Timeout time.Duration
	// ResetTimeout is how long the circuit stays open before the next call
	// is allowed to probe in half-open
	ResetTimeout time.Duration
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from State, to State)
	// OnCall is called after every guarded call with the outcome, one of
	// "success", "failure" or "rejected"
	OnCall func(name string, outcome string)
}

// DefaultConfig returns production defaults for a guarded dependency
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// PersistedState is the durable snapshot of a breaker, written to the
// state store after every state-affecting event
type PersistedState struct {
	Name         string    `db:"name" json:"name"`
	State        string    `db:"state" json:"state"`
	FailureCount int       `db:"failure_count" json:"failure_count"`
	SuccessCount int       `db:"success_count" json:"success_count"`
	NextRetryAt  time.Time `db:"next_retry_at" json:"next_retry_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// StateStore is the durable store contract supplied by the host.
// Get returns (nil, nil) when no state has been persisted for the name.
// Store failures must be tolerated by the breaker, never propagated to
// guarded calls.
type StateStore interface {
	Get(ctx context.Context, name string) (*PersistedState, error)
	Upsert(ctx context.Context, state *PersistedState) error
}

// OpenError is returned when a call is rejected because the circuit is open
type OpenError struct {
	Name    string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open, retry after %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// IsOpenError checks if an error is a circuit-open rejection
func IsOpenError(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}

// CircuitBreaker is a per-dependency failure state machine. Each instance
// serializes its own state-mutation-plus-persist sequence under a mutex;
// distinct breakers need no coordination.
type CircuitBreaker struct {
	name   string
	config Config

	mutex        sync.Mutex
	state        State
	failureCount int
	successCount int
	nextRetryAt  time.Time

	store  StateStore
	logger *logging.Logger
}

// New creates a circuit breaker, loading any previously persisted state.
// Load failures are non-fatal: the breaker starts closed with defaults.
func New(name string, config Config, store StateStore) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}

	cb := &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		store:  store,
		logger: logging.GetLogger(),
	}

	if store != nil {
		persisted, err := store.Get(context.Background(), name)
		if err != nil {
			cb.logger.Warn("Failed to load circuit breaker state, starting closed",
				"name", name,
				"error", err.Error(),
			)
		} else if persisted != nil {
			if state, err := ParseState(persisted.State); err == nil {
				cb.state = state
				cb.failureCount = persisted.FailureCount
				cb.successCount = persisted.SuccessCount
				cb.nextRetryAt = persisted.NextRetryAt
			}
		}
	}

	return cb
}

// Execute runs the guarded operation under circuit protection. The
// operation's own failure is always surfaced unmodified; only the
// circuit-open rejection replaces it.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeRequest(ctx); err != nil {
		cb.observeCall("rejected")
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.recordFailure(ctx)
			cb.observeCall("failure")
			panic(r)
		}
	}()

	result, err := cb.run(ctx, op)
	if err != nil {
		cb.recordFailure(ctx)
		cb.observeCall("failure")
		return nil, err
	}

	cb.recordSuccess(ctx)
	cb.observeCall("success")
	return result, nil
}

func (cb *CircuitBreaker) observeCall(outcome string) {
	if cb.config.OnCall != nil {
		cb.config.OnCall(cb.name, outcome)
	}
}

type callResult struct {
	value interface{}
	err   error
}

// run races the operation against the configured timeout. Losing the race
// abandons the in-flight call rather than cancelling it; operations that
// cannot honor ctx cancellation are a known leak.
func (cb *CircuitBreaker) run(ctx context.Context, op func(context.Context) (interface{}, error)) (interface{}, error) {
	if cb.config.Timeout <= 0 {
		return op(ctx)
	}

	done := make(chan callResult, 1)
	go func() {
		value, err := op(ctx)
		done <- callResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-time.After(cb.config.Timeout):
		return nil, apperrors.NewTimeoutError(fmt.Sprintf("operation guarded by circuit '%s'", cb.name))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// beforeRequest rejects while open, or moves open -> half-open once the
// reset timeout has elapsed
func (cb *CircuitBreaker) beforeRequest(ctx context.Context) error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state != StateOpen {
		return nil
	}

	now := time.Now()
	if now.Before(cb.nextRetryAt) {
		return &OpenError{Name: cb.name, RetryAt: cb.nextRetryAt}
	}

	cb.setState(StateHalfOpen)
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextRetryAt = time.Time{}
	cb.persist(ctx)
	return nil
}

func (cb *CircuitBreaker) recordSuccess(ctx context.Context) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		// A single success fully clears the failure streak. Isolated
		// failures between successes never accumulate toward the threshold.
		if cb.failureCount > 0 {
			cb.failureCount = 0
		}
	}

	cb.persist(ctx)
}

func (cb *CircuitBreaker) recordFailure(ctx context.Context) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++

	switch cb.state {
	case StateHalfOpen:
		// Any failure while probing immediately reopens the circuit
		cb.setState(StateOpen)
		cb.nextRetryAt = time.Now().Add(cb.config.ResetTimeout)
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
			cb.nextRetryAt = time.Now().Add(cb.config.ResetTimeout)
		}
	}

	cb.persist(ctx)
}

// Reset forces the circuit closed (manual operator override)
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextRetryAt = time.Time{}
	cb.persist(context.Background())
}

// ForceOpen trips the circuit without waiting for failures, used by
// automated recovery to shed load from a dependency proactively
func (cb *CircuitBreaker) ForceOpen() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateOpen)
	cb.nextRetryAt = time.Now().Add(cb.config.ResetTimeout)
	cb.persist(context.Background())
}

// setState must be called with the mutex held
func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
	)
}

// persist must be called with the mutex held. Store failures are logged
// and swallowed; in-memory state stays authoritative.
func (cb *CircuitBreaker) persist(ctx context.Context) {
	if cb.store == nil {
		return
	}

	snapshot := &PersistedState{
		Name:         cb.name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		NextRetryAt:  cb.nextRetryAt,
		UpdatedAt:    time.Now(),
	}

	if err := cb.store.Upsert(ctx, snapshot); err != nil {
		cb.logger.Warn("Failed to persist circuit breaker state",
			"name", cb.name,
			"state", snapshot.State,
			"error", err.Error(),
		)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Name returns the dependency name this breaker guards
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Snapshot is a point-in-time view of a breaker for monitoring
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	NextRetryAt  time.Time `json:"next_retry_at,omitempty"`
}

// Snapshot returns a copy of the breaker's current counters and state
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Snapshot{
		Name:         cb.name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
		NextRetryAt:  cb.nextRetryAt,
	}
}
