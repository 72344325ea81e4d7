package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/caresync/resilience-core/pkg/breaker"
	"github.com/caresync/resilience-core/pkg/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents the result of one health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Config holds health check configuration
type Config struct {
	// Timeout bounds each individual check
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// Service runs registered checkers concurrently and aggregates the
// results into one overall status
type Service struct {
	checkers map[string]Checker
	timeout  time.Duration
	logger   *logging.Logger
	metadata map[string]string
	mutex    sync.RWMutex
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &Service{
		checkers: make(map[string]Checker),
		timeout:  config.Timeout,
		logger:   logger,
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth performs all health checks concurrently. A single unhealthy
// check makes the aggregate unhealthy; degraded checks degrade it.
func (s *Service) CheckHealth(ctx context.Context) *Response {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			check := checker.Check(checkCtx)

			mutex.Lock()
			checks[name] = check

			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			mutex.Unlock()
		}(name, checker)
	}

	wg.Wait()

	return &Response{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		switch health.Status {
		case StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// Pinger is anything with a liveness probe, typically a database wrapper
type Pinger interface {
	Health(ctx context.Context) error
}

// PingChecker checks a Pinger's connectivity
type PingChecker struct {
	pinger Pinger
	name   string
}

// NewPingChecker creates a health checker around a Pinger
func NewPingChecker(pinger Pinger, name string) *PingChecker {
	return &PingChecker{
		pinger: pinger,
		name:   name,
	}
}

// Check performs the connectivity check
func (pc *PingChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      pc.name,
		Timestamp: start,
	}

	if pc.pinger == nil {
		check.Status = StatusUnhealthy
		check.Error = "connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := pc.pinger.Health(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = fmt.Sprintf("%s is healthy", pc.name)
	check.Duration = time.Since(start)
	return check
}

// RedisChecker checks Redis connectivity
type RedisChecker struct {
	client *redis.Client
	name   string
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(client *redis.Client, name string) *RedisChecker {
	return &RedisChecker{
		client: client,
		name:   name,
	}
}

// Check performs Redis health check
func (rc *RedisChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}

	if rc.client == nil {
		check.Status = StatusUnhealthy
		check.Error = "redis connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := rc.client.Ping(ctx).Err(); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	stats := rc.client.PoolStats()
	check.Status = StatusHealthy
	check.Message = "redis is healthy"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"total_connections": fmt.Sprintf("%d", stats.TotalConns),
		"idle_connections":  fmt.Sprintf("%d", stats.IdleConns),
		"stale_connections": fmt.Sprintf("%d", stats.StaleConns),
	}

	return check
}

// HTTPChecker checks HTTP endpoint health
type HTTPChecker struct {
	url    string
	name   string
	client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(url, name string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		url:  url,
		name: name,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Check performs HTTP health check
func (hc *HTTPChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      hc.name,
		Timestamp: start,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.url, nil)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("failed to create request: %v", err)
		check.Duration = time.Since(start)
		return check
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("request failed: %v", err)
		check.Duration = time.Since(start)
		return check
	}
	defer resp.Body.Close()

	check.Duration = time.Since(start)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		check.Status = StatusHealthy
		check.Message = "endpoint is healthy"
	case resp.StatusCode >= 500:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	default:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}

	check.Metadata = map[string]string{
		"status_code":   fmt.Sprintf("%d", resp.StatusCode),
		"response_time": check.Duration.String(),
	}

	return check
}

// BreakerChecker reports degraded when any circuit in the registry is
// open. Open circuits mean dependencies are failing, not that this
// process is down, so the aggregate never goes unhealthy from this check.
type BreakerChecker struct {
	registry *breaker.Registry
	name     string
}

// NewBreakerChecker creates a circuit breaker health checker
func NewBreakerChecker(registry *breaker.Registry, name string) *BreakerChecker {
	return &BreakerChecker{
		registry: registry,
		name:     name,
	}
}

// Check inspects all registered circuits
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      bc.name,
		Timestamp: start,
		Metadata:  make(map[string]string),
	}

	if bc.registry == nil {
		check.Status = StatusUnknown
		check.Message = "no circuit breaker registry configured"
		check.Duration = time.Since(start)
		return check
	}

	open := 0
	states := bc.registry.AllStates()
	for name, snapshot := range states {
		check.Metadata[name] = snapshot.State
		if snapshot.State == breaker.StateOpen.String() {
			open++
		}
	}

	check.Duration = time.Since(start)
	if open > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d of %d circuits open", open, len(states))
		return check
	}

	check.Status = StatusHealthy
	check.Message = fmt.Sprintf("all %d circuits closed", len(states))
	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
