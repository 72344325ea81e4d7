package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Breaker  BreakerConfig  `json:"breaker"`
	Retry    RetryConfig    `json:"retry"`
	Monitor  MonitorConfig  `json:"monitor"`
	Recovery RecoveryConfig `json:"recovery"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig contains database connection configuration. Optional:
// an empty host disables circuit state persistence and audit storage.
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// RedisConfig contains Redis connection configuration. Optional: an empty
// host falls back to the in-memory fallback cache.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// BreakerConfig contains default circuit breaker tuning
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	Timeout          time.Duration `json:"timeout"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// RetryConfig contains default retry tuning
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
}

// MonitorConfig contains predictive monitor tuning
type MonitorConfig struct {
	Interval             time.Duration `json:"interval"`
	SampleTimeout        time.Duration `json:"sample_timeout"`
	MaxErrorRate         float64       `json:"max_error_rate"`
	MaxP99LatencyMs      float64       `json:"max_p99_latency_ms"`
	MaxLoadScore         float64       `json:"max_load_score"`
	NominalThroughputRPS float64       `json:"nominal_throughput_rps"`
	MaxMemoryPercent     float64       `json:"max_memory_percent"`
	MaxConnections       int           `json:"max_connections"`
}

// RecoveryConfig contains recovery orchestration tuning
type RecoveryConfig struct {
	ActionCooldown      time.Duration `json:"action_cooldown"`
	WorkflowTimeout     time.Duration `json:"workflow_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

// AlertingConfig contains alert delivery configuration
type AlertingConfig struct {
	WebhookURL     string        `json:"webhook_url"`
	WebhookTimeout time.Duration `json:"webhook_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", ""),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "resilience"),
			User:            getEnvString("DB_USER", "resilience"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			Timeout:          getEnvDuration("BREAKER_CALL_TIMEOUT", 30*time.Second),
			ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:  getEnvFloat("RETRY_MULTIPLIER", 2.0),
		},
		Monitor: MonitorConfig{
			Interval:             getEnvDuration("MONITOR_INTERVAL", 30*time.Second),
			SampleTimeout:        getEnvDuration("MONITOR_SAMPLE_TIMEOUT", 10*time.Second),
			MaxErrorRate:         getEnvFloat("MONITOR_MAX_ERROR_RATE", 0.05),
			MaxP99LatencyMs:      getEnvFloat("MONITOR_MAX_P99_LATENCY_MS", 2000),
			MaxLoadScore:         getEnvFloat("MONITOR_MAX_LOAD_SCORE", 0.8),
			NominalThroughputRPS: getEnvFloat("MONITOR_NOMINAL_THROUGHPUT_RPS", 1000),
			MaxMemoryPercent:     getEnvFloat("MONITOR_MAX_MEMORY_PERCENT", 85),
			MaxConnections:       getEnvInt("MONITOR_MAX_CONNECTIONS", 90),
		},
		Recovery: RecoveryConfig{
			ActionCooldown:      getEnvDuration("RECOVERY_ACTION_COOLDOWN", 5*time.Minute),
			WorkflowTimeout:     getEnvDuration("RECOVERY_WORKFLOW_TIMEOUT", 2*time.Minute),
			HealthCheckInterval: getEnvDuration("RECOVERY_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Alerting: AlertingConfig{
			WebhookURL:     getEnvString("ALERT_WEBHOOK_URL", ""),
			WebhookTimeout: getEnvDuration("ALERT_WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Host != "" && c.Database.Password == "" {
		return fmt.Errorf("database password is required when DB_HOST is set")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker success threshold must be positive")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}

	if c.Monitor.MaxErrorRate <= 0 || c.Monitor.MaxErrorRate > 1 {
		return fmt.Errorf("monitor max error rate must be in (0, 1]")
	}

	return nil
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
