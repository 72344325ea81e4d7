package store

import (
	"context"
	"database/sql"
	"sync"

	"github.com/caresync/resilience-core/pkg/breaker"
	"github.com/caresync/resilience-core/pkg/errors"
)

// PostgresStateStore persists circuit breaker state so circuits survive
// process restarts
type PostgresStateStore struct {
	db *DB
}

// NewPostgresStateStore creates a Postgres-backed circuit state store
func NewPostgresStateStore(db *DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

// Get loads persisted state for a circuit, returning (nil, nil) when the
// circuit has never been persisted
func (s *PostgresStateStore) Get(ctx context.Context, name string) (*breaker.PersistedState, error) {
	var state breaker.PersistedState
	query := `
		SELECT name, state, failure_count, success_count, next_retry_at, updated_at
		FROM circuit_breaker_states
		WHERE name = $1`

	if err := s.db.GetContext(ctx, &state, query, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.NewDatabaseError("failed to load circuit state").WithCause(err)
	}
	return &state, nil
}

// Upsert writes the circuit's current state, replacing any previous row
func (s *PostgresStateStore) Upsert(ctx context.Context, state *breaker.PersistedState) error {
	query := `
		INSERT INTO circuit_breaker_states
			(name, state, failure_count, success_count, next_retry_at, updated_at)
		VALUES
			(:name, :state, :failure_count, :success_count, :next_retry_at, :updated_at)
		ON CONFLICT (name) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			success_count = EXCLUDED.success_count,
			next_retry_at = EXCLUDED.next_retry_at,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.db.NamedExecContext(ctx, query, state); err != nil {
		return errors.NewDatabaseError("failed to persist circuit state").WithCause(err)
	}
	return nil
}

// MemoryStateStore is an in-process state store for tests and hosts
// running without a database
type MemoryStateStore struct {
	mutex  sync.RWMutex
	states map[string]breaker.PersistedState
}

// NewMemoryStateStore creates an empty in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]breaker.PersistedState)}
}

func (s *MemoryStateStore) Get(_ context.Context, name string) (*breaker.PersistedState, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	state, ok := s.states[name]
	if !ok {
		return nil, nil
	}
	copied := state
	return &copied, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state *breaker.PersistedState) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.states[state.Name] = *state
	return nil
}
