package errhandler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/caresync/resilience-core/pkg/errors"
)

func TestHandler_FanOutReachesAllSubscribers(t *testing.T) {
	h := New(nil)

	var seen []string
	h.RegisterHandler(func(ctx context.Context, ec *ErrorContext) {
		seen = append(seen, "first:"+ec.Message)
	})
	h.RegisterHandler(func(ctx context.Context, ec *ErrorContext) {
		seen = append(seen, "second:"+ec.Message)
	})

	ec := h.NewErrorContext(context.Background(), errors.New("boom"), "worker", nil)
	h.HandleError(context.Background(), ec)

	assert.Equal(t, []string{"first:boom", "second:boom"}, seen)
}

func TestHandler_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	h := New(nil)

	var secondRan bool
	h.RegisterHandler(func(ctx context.Context, ec *ErrorContext) {
		panic("subscriber bug")
	})
	h.RegisterHandler(func(ctx context.Context, ec *ErrorContext) {
		secondRan = true
	})

	assert.NotPanics(t, func() {
		h.HandleError(context.Background(), h.NewErrorContext(context.Background(), errors.New("boom"), "worker", nil))
	})
	assert.True(t, secondRan)
}

func TestHandler_NewErrorContextPopulatesFields(t *testing.T) {
	h := New(nil)

	err := apperrors.NewDatabaseError("insert failed")
	ec := h.NewErrorContext(context.Background(), err, "store", map[string]interface{}{"table": "orders"})

	assert.NotEmpty(t, ec.ErrorID)
	assert.False(t, ec.Timestamp.IsZero())
	assert.Same(t, err, ec.Err)
	assert.Equal(t, CategoryDatabase, ec.Category)
	assert.Equal(t, SeverityHigh, ec.Severity)
	assert.Equal(t, "store", ec.Source)
	assert.Equal(t, "orders", ec.Context["table"])
}

func TestHandler_WrapRethrowsUnchanged(t *testing.T) {
	h := New(nil)

	var dispatched *ErrorContext
	h.RegisterHandler(func(ctx context.Context, ec *ErrorContext) {
		dispatched = ec
	})

	sentinel := errors.New("connection refused")
	op := h.Wrap("gateway", func(ctx context.Context) (interface{}, error) {
		return nil, sentinel
	})

	_, err := op(context.Background())
	assert.Same(t, sentinel, err)
	require.NotNil(t, dispatched)
	assert.Equal(t, "gateway", dispatched.Source)
	assert.Equal(t, CategoryConnection, dispatched.Category)
}

func TestHandler_WrapSuccessSkipsDispatch(t *testing.T) {
	h := New(nil)

	dispatched := false
	h.RegisterHandler(func(ctx context.Context, ec *ErrorContext) {
		dispatched = true
	})

	op := h.Wrap("gateway", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	value, err := op(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.False(t, dispatched)
}

func TestHandler_BackgroundErrorsAreHighAndNonFatal(t *testing.T) {
	h := New(nil)
	exited := false
	h.exit = func(code int) { exited = true }

	var dispatched *ErrorContext
	h.RegisterHandler(func(ctx context.Context, ec *ErrorContext) {
		dispatched = ec
	})

	h.HandleBackground(context.Background(), errors.New("record malformed"), "scheduler")
	h.HandleBackground(context.Background(), nil, "scheduler")

	require.NotNil(t, dispatched)
	assert.Equal(t, SeverityHigh, dispatched.Severity)
	assert.False(t, exited)
}

func TestHandler_PanicIsCriticalAndFatal(t *testing.T) {
	h := New(nil)
	h.gracePeriod = 0

	var exitCode int
	h.exit = func(code int) { exitCode = code }

	var dispatched *ErrorContext
	h.RegisterHandler(func(ctx context.Context, ec *ErrorContext) {
		dispatched = ec
	})

	h.HandlePanic(context.Background(), "index out of range", "worker")

	require.NotNil(t, dispatched)
	assert.Equal(t, SeverityCritical, dispatched.Severity)
	assert.Equal(t, "index out of range", dispatched.Context["panic"])
	assert.Equal(t, 1, exitCode)
}

func TestHandler_RecoverHookCatchesPanics(t *testing.T) {
	h := New(nil)
	h.gracePeriod = 0

	exited := make(chan int, 1)
	h.exit = func(code int) { exited <- code }

	assert.NotPanics(t, func() {
		defer h.Recover(context.Background(), "worker")
		panic(errors.New("boom"))
	})

	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("expected fatal exit after recovered panic")
	}
}

func TestClassifySeverity(t *testing.T) {
	cases := []struct {
		err      error
		expected Severity
	}{
		{nil, SeverityLow},
		{errors.New("fatal: out of memory"), SeverityCritical},
		{errors.New("connection refused by host"), SeverityHigh},
		{errors.New("request timed out"), SeverityMedium},
		{errors.New("validation failed on field"), SeverityLow},
		{errors.New("something odd happened"), SeverityMedium},
		{apperrors.NewDatabaseError("insert failed"), SeverityHigh},
		{apperrors.NewValidationError("bad input"), SeverityLow},
		{apperrors.NewNotFoundError("order"), SeverityLow},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, ClassifySeverity(tc.err), "error: %v", tc.err)
	}
}

func TestClassifyCategory(t *testing.T) {
	cases := []struct {
		err      error
		expected Category
	}{
		{nil, CategoryUnknown},
		{errors.New("context deadline exceeded"), CategoryTimeout},
		{errors.New("dial tcp: connection refused"), CategoryConnection},
		{errors.New("429 too many requests"), CategoryRateLimit},
		{errors.New("monthly quota reached"), CategoryQuota},
		{errors.New("pq: constraint violation"), CategoryDatabase},
		{errors.New("redis: nil"), CategoryCache},
		{errors.New("bucket does not exist"), CategoryStorage},
		{errors.New("interface conversion: type assertion failed"), CategoryTypeError},
		{errors.New("runtime error: nil pointer dereference"), CategoryReferenceError},
		{errors.New("parse error near line 3"), CategorySyntaxError},
		{errors.New("something odd happened"), CategoryUnknown},
		{apperrors.NewTimeoutError("call"), CategoryTimeout},
		{apperrors.NewConnectionError("refused"), CategoryConnection},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, ClassifyCategory(tc.err), "error: %v", tc.err)
	}
}
