package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingOp(ctx context.Context) (interface{}, error) {
	return nil, errors.New("dependency unavailable")
}

func succeedingOp(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

type fakeStore struct {
	mutex   sync.Mutex
	states  map[string]PersistedState
	upserts int
	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]PersistedState)}
}

func (s *fakeStore) Get(_ context.Context, name string) (*PersistedState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failing {
		return nil, errors.New("store down")
	}
	state, ok := s.states[name]
	if !ok {
		return nil, nil
	}
	copied := state
	return &copied, nil
}

func (s *fakeStore) Upsert(_ context.Context, state *PersistedState) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.failing {
		return errors.New("store down")
	}
	s.upserts++
	s.states[state.Name] = *state
	return nil
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Second}, nil)

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 5; i++ {
		result, err := cb.Execute(context.Background(), succeedingOp)
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), failingOp)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Rejected without invoking the operation
	invoked := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked = true
		return "should not run", nil
	})
	require.Error(t, err)
	assert.True(t, IsOpenError(err))
	assert.False(t, invoked)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "payments", openErr.Name)
	assert.True(t, openErr.RetryAt.After(time.Now()))
}

func TestCircuitBreaker_SuccessClearsFailureStreak(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute}, nil)

	// Two failures, then a success, then two more failures: the streak
	// never reaches three
	cb.Execute(context.Background(), failingOp)
	cb.Execute(context.Background(), failingOp)
	cb.Execute(context.Background(), succeedingOp)
	cb.Execute(context.Background(), failingOp)
	cb.Execute(context.Background(), failingOp)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Snapshot().FailureCount)
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 100 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failingOp)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)

	// First probe moves the circuit to half-open
	_, err := cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Second success closes it
	_, err = cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: 100 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), failingOp)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)

	_, err := cb.Execute(context.Background(), failingOp)
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	// Back to rejecting immediately
	_, err = cb.Execute(context.Background(), succeedingOp)
	require.Error(t, err)
	assert.True(t, IsOpenError(err))
}

func TestCircuitBreaker_CallTimeout(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 50 * time.Millisecond, ResetTimeout: time.Minute}, nil)

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		time.Sleep(300 * time.Millisecond)
		return "late", nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, 1, cb.Snapshot().FailureCount)
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute}, nil)

	assert.Panics(t, func() {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			panic("boom")
		})
	})
	assert.Equal(t, 1, cb.Snapshot().FailureCount)
}

func TestCircuitBreaker_OperationErrorSurfacesUnmodified(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute}, nil)

	sentinel := errors.New("very specific failure")
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, sentinel
	})
	assert.Same(t, sentinel, err)
}

func TestCircuitBreaker_PersistsAfterEveryMutation(t *testing.T) {
	store := newFakeStore()
	cb := New("payments", Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute}, store)

	cb.Execute(context.Background(), failingOp)
	cb.Execute(context.Background(), failingOp)

	persisted, err := store.Get(context.Background(), "payments")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, "open", persisted.State)
	assert.Equal(t, 2, persisted.FailureCount)
	assert.GreaterOrEqual(t, store.upserts, 2)
}

func TestCircuitBreaker_RestoresPersistedState(t *testing.T) {
	store := newFakeStore()
	first := New("payments", Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute}, store)
	first.Execute(context.Background(), failingOp)
	first.Execute(context.Background(), failingOp)
	require.Equal(t, StateOpen, first.State())

	// A new breaker for the same name resumes open
	second := New("payments", Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute}, store)
	assert.Equal(t, StateOpen, second.State())

	_, err := second.Execute(context.Background(), succeedingOp)
	require.Error(t, err)
	assert.True(t, IsOpenError(err))
}

func TestCircuitBreaker_StoreFailuresAreNonFatal(t *testing.T) {
	store := newFakeStore()
	store.failing = true
	cb := New("payments", Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Minute}, store)

	result, err := cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	cb.Execute(context.Background(), failingOp)
	cb.Execute(context.Background(), failingOp)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ForceOpenAndReset(t *testing.T) {
	cb := New("payments", Config{FailureThreshold: 5, SuccessThreshold: 2, ResetTimeout: time.Minute}, nil)

	cb.ForceOpen()
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(context.Background(), succeedingOp)
	require.Error(t, err)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	result, err := cb.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	var mutex sync.Mutex

	cb := New("payments", Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(name string, from, to State) {
			mutex.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mutex.Unlock()
		},
	}, nil)

	cb.Execute(context.Background(), failingOp)
	cb.Execute(context.Background(), failingOp)

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, "closed->open", transitions[0])
}

func TestCircuitBreaker_OnCallOutcomes(t *testing.T) {
	var outcomes []string
	cb := New("payments", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		OnCall: func(name string, outcome string) {
			assert.Equal(t, "payments", name)
			outcomes = append(outcomes, outcome)
		},
	}, nil)

	cb.Execute(context.Background(), succeedingOp)
	cb.Execute(context.Background(), failingOp)
	// The circuit is now open; the next call is rejected
	cb.Execute(context.Background(), succeedingOp)

	assert.Equal(t, []string{"success", "failure", "rejected"}, outcomes)
}

func TestRegistry_SingletonPerName(t *testing.T) {
	registry := NewRegistry(nil)

	a := registry.GetOrCreate("payments", Config{FailureThreshold: 3})
	b := registry.GetOrCreate("payments", Config{FailureThreshold: 99})
	assert.Same(t, a, b)

	// The original config is never replaced
	a.Execute(context.Background(), failingOp)
	a.Execute(context.Background(), failingOp)
	a.Execute(context.Background(), failingOp)
	assert.Equal(t, StateOpen, a.State())
}

func TestRegistry_AllStatesAndResetAll(t *testing.T) {
	registry := NewRegistry(nil)

	registry.GetOrCreate("payments", DefaultConfig()).ForceOpen()
	registry.GetOrCreate("search", DefaultConfig())

	states := registry.AllStates()
	require.Len(t, states, 2)
	assert.Equal(t, "open", states["payments"].State)
	assert.Equal(t, "closed", states["search"].State)

	registry.ResetAll()
	states = registry.AllStates()
	assert.Equal(t, "closed", states["payments"].State)
}

func TestRegistry_GetOrDefaultUsesConfiguredDefaults(t *testing.T) {
	registry := NewRegistry(nil)
	registry.SetDefaults(Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Minute})

	cb := registry.GetOrDefault("payments")
	cb.Execute(context.Background(), failingOp)
	assert.Equal(t, StateOpen, cb.State())

	assert.Same(t, cb, registry.GetOrDefault("payments"))
}

func TestRegistry_GetMissing(t *testing.T) {
	registry := NewRegistry(nil)
	_, ok := registry.Get("never-created")
	assert.False(t, ok)
}

func TestParseState_RoundTrip(t *testing.T) {
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseState("bogus")
	assert.Error(t, err)
}
