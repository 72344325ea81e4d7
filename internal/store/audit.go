package store

import (
	"context"
	"sync"
	"time"

	"github.com/caresync/resilience-core/pkg/errors"
	"github.com/caresync/resilience-core/pkg/recovery"
)

// PostgresAuditSink stores every recovery execution record for operator
// review
type PostgresAuditSink struct {
	db *DB
}

// NewPostgresAuditSink creates a Postgres-backed audit sink
func NewPostgresAuditSink(db *DB) *PostgresAuditSink {
	return &PostgresAuditSink{db: db}
}

// Append inserts one execution record
func (s *PostgresAuditSink) Append(ctx context.Context, result *recovery.Result) error {
	query := `
		INSERT INTO recovery_audit
			(execution_id, workflow_id, service, trigger_type, success,
			 completed_steps, total_steps, duration_ms, error, rolled_back, started_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		result.ExecutionID,
		result.WorkflowID,
		result.Service,
		string(result.Trigger),
		result.Success,
		result.CompletedSteps,
		result.TotalSteps,
		result.Duration.Milliseconds(),
		result.Error,
		result.RolledBack,
		result.StartedAt,
	)
	if err != nil {
		return errors.NewDatabaseError("failed to record recovery execution").WithCause(err)
	}
	return nil
}

// auditRow maps the recovery_audit table for reads
type auditRow struct {
	ExecutionID    string    `db:"execution_id"`
	WorkflowID     string    `db:"workflow_id"`
	Service        string    `db:"service"`
	TriggerType    string    `db:"trigger_type"`
	Success        bool      `db:"success"`
	CompletedSteps int       `db:"completed_steps"`
	TotalSteps     int       `db:"total_steps"`
	DurationMs     int64     `db:"duration_ms"`
	Error          *string   `db:"error"`
	RolledBack     bool      `db:"rolled_back"`
	StartedAt      time.Time `db:"started_at"`
}

// RecentByService returns the most recent execution records for a
// service, newest first
func (s *PostgresAuditSink) RecentByService(ctx context.Context, service string, limit int) ([]*recovery.Result, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []auditRow
	query := `
		SELECT execution_id, workflow_id, service, trigger_type, success,
		       completed_steps, total_steps, duration_ms, error, rolled_back, started_at
		FROM recovery_audit
		WHERE service = $1
		ORDER BY started_at DESC
		LIMIT $2`

	if err := s.db.SelectContext(ctx, &rows, query, service, limit); err != nil {
		return nil, errors.NewDatabaseError("failed to load recovery history").WithCause(err)
	}

	results := make([]*recovery.Result, 0, len(rows))
	for _, row := range rows {
		result := &recovery.Result{
			ExecutionID:    row.ExecutionID,
			WorkflowID:     row.WorkflowID,
			Service:        row.Service,
			Trigger:        recovery.Trigger(row.TriggerType),
			Success:        row.Success,
			CompletedSteps: row.CompletedSteps,
			TotalSteps:     row.TotalSteps,
			Duration:       time.Duration(row.DurationMs) * time.Millisecond,
			RolledBack:     row.RolledBack,
			StartedAt:      row.StartedAt,
		}
		if row.Error != nil {
			result.Error = *row.Error
		}
		results = append(results, result)
	}
	return results, nil
}

// MemoryAuditSink is an in-process audit sink for tests and hosts running
// without a database
type MemoryAuditSink struct {
	mutex   sync.RWMutex
	results []*recovery.Result
}

// NewMemoryAuditSink creates an empty in-memory audit sink
func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) Append(_ context.Context, result *recovery.Result) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *result
	s.results = append(s.results, &copied)
	return nil
}

// All returns every recorded execution, oldest first
func (s *MemoryAuditSink) All() []*recovery.Result {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]*recovery.Result, len(s.results))
	copy(out, s.results)
	return out
}

// RecentByService returns the most recent execution records for a
// service, newest first
func (s *MemoryAuditSink) RecentByService(_ context.Context, service string, limit int) ([]*recovery.Result, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*recovery.Result
	for i := len(s.results) - 1; i >= 0 && len(out) < limit; i-- {
		if s.results[i].Service == service {
			out = append(out, s.results[i])
		}
	}
	return out, nil
}
