package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/caresync/resilience-core/pkg/logging"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a transport-agnostic operator notification
type Alert struct {
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Channel delivers alerts over one transport. Delivery failures are the
// caller's to log and swallow; alerting must never destabilize the host.
type Channel interface {
	Notify(ctx context.Context, alert *Alert) error
	Name() string
}

// Service fans an alert out to every configured channel. A failing
// channel is logged and does not block the others.
type Service struct {
	channels []Channel
	logger   *logging.Logger
	mutex    sync.RWMutex
}

// NewService creates an alerting service
func NewService() *Service {
	return &Service{
		channels: make([]Channel, 0),
		logger:   logging.GetLogger(),
	}
}

// AddChannel adds a notification channel
func (s *Service) AddChannel(channel Channel) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.channels = append(s.channels, channel)
}

// Notify delivers the alert to every channel. Implements Channel so the
// service can itself be injected wherever a single channel is expected.
func (s *Service) Notify(ctx context.Context, alert *Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	s.mutex.RLock()
	channels := make([]Channel, len(s.channels))
	copy(channels, s.channels)
	s.mutex.RUnlock()

	s.logger.WithFields(logging.Fields{
		"alert_type": alert.Type,
		"severity":   string(alert.Severity),
		"title":      alert.Title,
	}).Warn("Alert raised")

	for _, channel := range channels {
		if err := channel.Notify(ctx, alert); err != nil {
			s.logger.Error("Alert delivery failed",
				"channel", channel.Name(),
				"alert_type", alert.Type,
				"error", err.Error(),
			)
		}
	}
	return nil
}

// Name implements Channel
func (s *Service) Name() string {
	return "fanout"
}

// WebhookChannel posts alerts as JSON to an HTTP endpoint (Slack-style
// incoming webhook or any collector)
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel with the given timeout
func NewWebhookChannel(name, url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Notify(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogChannel writes alerts to the structured log, useful as a default
// channel and in tests
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log-backed alert channel
func NewLogChannel() *LogChannel {
	return &LogChannel{logger: logging.GetLogger()}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Notify(_ context.Context, alert *Alert) error {
	l.logger.WithFields(logging.Fields{
		"alert_type": alert.Type,
		"severity":   string(alert.Severity),
		"title":      alert.Title,
		"message":    alert.Message,
		"metadata":   alert.Metadata,
	}).Warn("Alert")
	return nil
}
