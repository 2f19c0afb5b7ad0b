package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Auth         AuthConfig
	Bus          BusConfig
	Workflow     WorkflowConfig
	Registry     RegistryConfig
	RateLimit    RateLimitConfig
	Audit        AuditConfig
	LogLevel     string
	LogFormat    string // json or text
	Environment  string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds SQLite database configuration
type DatabaseConfig struct {
	Path string
}

// AuthConfig holds token verification and gate configuration
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	// BypassEnabled swaps the permission gate for an allow-all strategy.
	// Refused outright in production.
	BypassEnabled bool
	StoreRetries  int
	StoreBackoff  time.Duration
}

// BusConfig holds event bus tuning
type BusConfig struct {
	QueueDepth int
}

// WorkflowConfig holds orchestrator tuning
type WorkflowConfig struct {
	MaxRetryAttempts    int
	InitialBackoff      time.Duration
	BackoffMultiplier   float64
	MaxBackoff          time.Duration
	DefaultStepDeadline time.Duration
	// ApprovalTimeout of 0 means pending approvals never expire.
	ApprovalTimeout time.Duration
}

// RegistryConfig holds agent liveness tuning
type RegistryConfig struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// RateLimitConfig holds the sliding-window rate ceiling applied by the gate
type RateLimitConfig struct {
	Window time.Duration
	Limit  int
}

// AuditConfig holds async audit writer tuning
type AuditConfig struct {
	BufferSize     int
	WorkerCount    int
	EnqueueTimeout time.Duration
}

// New creates a new Config instance by loading environment variables
func New() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "coordinator.db"),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			Issuer:        getEnv("JWT_ISSUER", ""),
			BypassEnabled: getEnvAsBool("AUTH_BYPASS_ENABLED", false),
			StoreRetries:  getEnvAsInt("AUTH_STORE_RETRIES", 3),
			StoreBackoff:  getEnvAsDuration("AUTH_STORE_BACKOFF", 50*time.Millisecond),
		},
		Bus: BusConfig{
			QueueDepth: getEnvAsInt("BUS_QUEUE_DEPTH", 256),
		},
		Workflow: WorkflowConfig{
			MaxRetryAttempts:    getEnvAsInt("WORKFLOW_MAX_RETRIES", 3),
			InitialBackoff:      getEnvAsDuration("WORKFLOW_INITIAL_BACKOFF", 500*time.Millisecond),
			BackoffMultiplier:   getEnvAsFloat("WORKFLOW_BACKOFF_MULTIPLIER", 2.0),
			MaxBackoff:          getEnvAsDuration("WORKFLOW_MAX_BACKOFF", 30*time.Second),
			DefaultStepDeadline: getEnvAsDuration("WORKFLOW_STEP_DEADLINE", 15*time.Minute),
			ApprovalTimeout:     getEnvAsDuration("WORKFLOW_APPROVAL_TIMEOUT", 0),
		},
		Registry: RegistryConfig{
			HeartbeatTimeout: getEnvAsDuration("AGENT_HEARTBEAT_TIMEOUT", 30*time.Second),
			SweepInterval:    getEnvAsDuration("AGENT_SWEEP_INTERVAL", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Window: getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			Limit:  getEnvAsInt("RATE_LIMIT_PER_WINDOW", 60),
		},
		Audit: AuditConfig{
			BufferSize:     getEnvAsInt("AUDIT_BUFFER_SIZE", 10000),
			WorkerCount:    getEnvAsInt("AUDIT_WORKERS", 4),
			EnqueueTimeout: getEnvAsDuration("AUDIT_ENQUEUE_TIMEOUT", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Auth.JWTSecret == "" && !c.Auth.BypassEnabled {
		return fmt.Errorf("JWT_SECRET is required unless AUTH_BYPASS_ENABLED is set")
	}
	if c.IsProduction() && c.Auth.BypassEnabled {
		return fmt.Errorf("AUTH_BYPASS_ENABLED is not allowed in production")
	}
	if c.Workflow.MaxRetryAttempts < 0 {
		return fmt.Errorf("WORKFLOW_MAX_RETRIES must not be negative")
	}
	if c.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
