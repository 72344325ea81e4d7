package errhandler

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/caresync/resilience-core/pkg/errors"
	"github.com/caresync/resilience-core/pkg/logging"
	"github.com/caresync/resilience-core/pkg/metrics"
)

// Severity is the triage ladder for classified failures
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Category is the best-effort failure taxonomy. Classification is triage,
// not a guarantee.
type Category string

const (
	CategoryTimeout        Category = "timeout"
	CategoryConnection     Category = "connection"
	CategoryRateLimit      Category = "rate_limit"
	CategoryQuota          Category = "quota"
	CategoryDatabase       Category = "database"
	CategoryCache          Category = "cache"
	CategoryStorage        Category = "storage"
	CategoryTypeError      Category = "type_error"
	CategoryReferenceError Category = "reference_error"
	CategorySyntaxError    Category = "syntax_error"
	CategoryUnknown        Category = "unknown"
)

// ErrorContext is created at every catch site and fanned out to the
// registered handlers. It is never persisted by this core directly.
type ErrorContext struct {
	ErrorID       string                 `json:"error_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Err           error                  `json:"-"`
	Message       string                 `json:"message"`
	Category      Category               `json:"category"`
	Severity      Severity               `json:"severity"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// HandlerFunc is one subscriber to the error fan-out
type HandlerFunc func(ctx context.Context, ec *ErrorContext)

// Handler is the process-wide fan-out dispatcher for otherwise-unhandled
// failures. Constructed once at the composition root and injected.
type Handler struct {
	mutex    sync.RWMutex
	handlers []HandlerFunc

	logger  *logging.Logger
	metrics *metrics.Metrics

	// gracePeriod lets async subscribers (persistence, alerting) flush
	// before a fatal exit
	gracePeriod time.Duration
	exit        func(code int)
}

// New creates an error handler. The metrics argument may be nil.
func New(m *metrics.Metrics) *Handler {
	return &Handler{
		logger:      logging.GetLogger(),
		metrics:     m,
		gracePeriod: 2 * time.Second,
		exit:        os.Exit,
	}
}

// RegisterHandler subscribes a handler to the fan-out
func (h *Handler) RegisterHandler(fn HandlerFunc) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.handlers = append(h.handlers, fn)
}

// HandleError invokes every subscriber sequentially. A subscriber's own
// panic is caught and logged so one failing handler never blocks the rest
// or the caller.
func (h *Handler) HandleError(ctx context.Context, ec *ErrorContext) {
	if ec == nil {
		return
	}

	if h.metrics != nil && h.metrics.ErrorsTotal != nil {
		h.metrics.ErrorsTotal.WithLabelValues(string(ec.Category), string(ec.Severity)).Inc()
	}

	h.logger.WithFields(logging.Fields{
		"error_id": ec.ErrorID,
		"category": string(ec.Category),
		"severity": string(ec.Severity),
		"source":   ec.Source,
		"error":    ec.Message,
	}).Error("Error dispatched")

	h.mutex.RLock()
	handlers := make([]HandlerFunc, len(h.handlers))
	copy(handlers, h.handlers)
	h.mutex.RUnlock()

	for i, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("Error handler panicked",
						"handler_index", i,
						"error_id", ec.ErrorID,
						"panic", r,
					)
				}
			}()
			fn(ctx, ec)
		}()
	}
}

// NewErrorContext classifies an error and builds its dispatch context
func (h *Handler) NewErrorContext(ctx context.Context, err error, source string, extra map[string]interface{}) *ErrorContext {
	return &ErrorContext{
		ErrorID:       uuid.New().String(),
		Timestamp:     time.Now(),
		Err:           err,
		Message:       err.Error(),
		Category:      ClassifyCategory(err),
		Severity:      ClassifySeverity(err),
		Source:        source,
		CorrelationID: logging.GetCorrelationID(ctx),
		Context:       extra,
	}
}

// Wrap gives an operation transparent observability: on failure it
// classifies, dispatches and rethrows the error unchanged.
func (h *Handler) Wrap(source string, op func(context.Context) (interface{}, error)) func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		value, err := op(ctx)
		if err != nil {
			h.HandleError(ctx, h.NewErrorContext(ctx, err, source, nil))
		}
		return value, err
	}
}

// HandleBackground dispatches a failure from a background goroutine.
// Classified high severity and never fatal, mirroring an unhandled async
// rejection.
func (h *Handler) HandleBackground(ctx context.Context, err error, source string) {
	if err == nil {
		return
	}
	ec := h.NewErrorContext(ctx, err, source, nil)
	ec.Severity = SeverityHigh
	h.HandleError(ctx, ec)
}

// HandlePanic dispatches a recovered panic as critical and terminates the
// process after the grace period. Install via Recover in a defer at the
// top of each goroutine the host owns.
func (h *Handler) HandlePanic(ctx context.Context, recovered interface{}, source string) {
	err := apperrors.NewInternalError("panic recovered").WithDetail("panic", toString(recovered))
	ec := h.NewErrorContext(ctx, err, source, map[string]interface{}{"panic": recovered})
	ec.Severity = SeverityCritical
	h.HandleError(ctx, ec)

	h.logger.Error("Fatal panic, terminating after grace period",
		"source", source,
		"grace_period", h.gracePeriod,
	)
	time.Sleep(h.gracePeriod)
	h.exit(1)
}

// Recover is the deferred hook for host goroutines:
//
//	defer handler.Recover(ctx, "scheduler")
func (h *Handler) Recover(ctx context.Context, source string) {
	if r := recover(); r != nil {
		h.HandlePanic(ctx, r, source)
	}
}

func toString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "unknown panic value"
}

var severityPatterns = []struct {
	severity Severity
	patterns []string
}{
	{SeverityCritical, []string{"panic", "fatal", "out of memory", "corrupt", "data loss"}},
	{SeverityHigh, []string{"database", "storage", "connection refused", "pool exhausted", "quota", "unauthorized"}},
	{SeverityMedium, []string{"timeout", "timed out", "rate limit", "503", "service unavailable", "cache"}},
	{SeverityLow, []string{"validation", "not found", "invalid input"}},
}

// ClassifySeverity pattern-matches the error message against a fixed
// vocabulary. Best-effort triage; unmatched errors default to medium.
func ClassifySeverity(err error) Severity {
	if err == nil {
		return SeverityLow
	}

	switch apperrors.GetType(err) {
	case apperrors.ErrorTypeDatabase, apperrors.ErrorTypeStorage, apperrors.ErrorTypeQuota:
		return SeverityHigh
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeNotFound:
		return SeverityLow
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range severityPatterns {
		for _, pattern := range entry.patterns {
			if strings.Contains(msg, pattern) {
				return entry.severity
			}
		}
	}
	return SeverityMedium
}

var categoryPatterns = []struct {
	category Category
	patterns []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryConnection, []string{"connection refused", "connection reset", "no such host", "broken pipe", "econnrefused"}},
	{CategoryRateLimit, []string{"rate limit", "too many requests", "429"}},
	{CategoryQuota, []string{"quota", "limit exceeded", "insufficient"}},
	{CategoryDatabase, []string{"database", "sql", "postgres", "constraint", "deadlock"}},
	{CategoryCache, []string{"cache", "redis"}},
	{CategoryStorage, []string{"storage", "bucket", "disk", "file system"}},
	{CategoryTypeError, []string{"type assertion", "type error", "cannot convert"}},
	{CategoryReferenceError, []string{"nil pointer", "undefined", "not defined"}},
	{CategorySyntaxError, []string{"syntax error", "unexpected token", "parse error"}},
}

// ClassifyCategory pattern-matches the error name/message against the
// category taxonomy, defaulting to unknown
func ClassifyCategory(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch apperrors.GetType(err) {
	case apperrors.ErrorTypeTimeout:
		return CategoryTimeout
	case apperrors.ErrorTypeConnection:
		return CategoryConnection
	case apperrors.ErrorTypeRateLimit:
		return CategoryRateLimit
	case apperrors.ErrorTypeQuota:
		return CategoryQuota
	case apperrors.ErrorTypeDatabase:
		return CategoryDatabase
	case apperrors.ErrorTypeCache:
		return CategoryCache
	case apperrors.ErrorTypeStorage:
		return CategoryStorage
	}

	msg := strings.ToLower(err.Error())
	for _, entry := range categoryPatterns {
		for _, pattern := range entry.patterns {
			if strings.Contains(msg, pattern) {
				return entry.category
			}
		}
	}
	return CategoryUnknown
}
