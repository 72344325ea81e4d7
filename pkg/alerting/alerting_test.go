package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	mutex  sync.Mutex
	name   string
	alerts []*Alert
	err    error
}

func (c *stubChannel) Notify(_ context.Context, alert *Alert) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.alerts = append(c.alerts, alert)
	return c.err
}

func (c *stubChannel) Name() string { return c.name }

func TestService_FansOutToEveryChannel(t *testing.T) {
	service := NewService()
	first := &stubChannel{name: "first"}
	second := &stubChannel{name: "second"}
	service.AddChannel(first)
	service.AddChannel(second)

	err := service.Notify(context.Background(), &Alert{
		Type:     "circuit_open",
		Severity: SeverityHigh,
		Title:    "payments circuit open",
	})
	require.NoError(t, err)

	assert.Len(t, first.alerts, 1)
	assert.Len(t, second.alerts, 1)
}

func TestService_FailingChannelDoesNotBlockOthers(t *testing.T) {
	service := NewService()
	failing := &stubChannel{name: "failing", err: errors.New("delivery failed")}
	healthy := &stubChannel{name: "healthy"}
	service.AddChannel(failing)
	service.AddChannel(healthy)

	err := service.Notify(context.Background(), &Alert{Type: "test", Title: "t"})
	assert.NoError(t, err)
	assert.Len(t, healthy.alerts, 1)
}

func TestService_StampsMissingTimestamp(t *testing.T) {
	service := NewService()
	channel := &stubChannel{name: "capture"}
	service.AddChannel(channel)

	service.Notify(context.Background(), &Alert{Type: "test", Title: "t"})

	require.Len(t, channel.alerts, 1)
	assert.False(t, channel.alerts[0].Timestamp.IsZero())

	// An explicit timestamp is preserved
	stamped := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	service.Notify(context.Background(), &Alert{Type: "test", Title: "t", Timestamp: stamped})
	assert.Equal(t, stamped, channel.alerts[1].Timestamp)
}

func TestWebhookChannel_PostsAlertJSON(t *testing.T) {
	var received *Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		received = &alert
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel := NewWebhookChannel("ops", server.URL, time.Second)
	err := channel.Notify(context.Background(), &Alert{
		Type:     "anomaly",
		Severity: SeverityCritical,
		Title:    "error rate spike",
		Metadata: map[string]string{"service": "payments"},
	})
	require.NoError(t, err)

	require.NotNil(t, received)
	assert.Equal(t, "anomaly", received.Type)
	assert.Equal(t, SeverityCritical, received.Severity)
	assert.Equal(t, "payments", received.Metadata["service"])
}

func TestWebhookChannel_NonSuccessStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel := NewWebhookChannel("ops", server.URL, time.Second)
	err := channel.Notify(context.Background(), &Alert{Type: "test", Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLogChannel_NeverFails(t *testing.T) {
	channel := NewLogChannel()
	assert.Equal(t, "log", channel.Name())
	assert.NoError(t, channel.Notify(context.Background(), &Alert{Type: "test", Title: "t"}))
}
