// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port           string   `env:"PORT" envDefault:"5001"`
	AppEnv         string   `env:"APP_ENV" envDefault:"development"`
	DBPath         string   `env:"DB_PATH" envDefault:"./data/advisor-sim.db"`
	SeedPath       string   `env:"SEED_PATH"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`

	Auth            AuthConfig
	Guest           GuestConfig
	Completion      CompletionConfig
	Session         SessionConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	Telemetry       TelemetryConfig
}

// AuthConfig controls bearer token verification for registered users.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET"`
	Issuer    string `env:"AUTH_JWT_ISSUER"`
	Audience  string `env:"AUTH_JWT_AUDIENCE"`

	// Defaults for registered users without a stored feature record.
	MentorEnabled    bool `env:"REGISTERED_MENTOR_ENABLED" envDefault:"true"`
	EvaluatorEnabled bool `env:"REGISTERED_EVALUATOR_ENABLED" envDefault:"true"`
}

// GuestConfig controls the guest code registry.
type GuestConfig struct {
	CacheTTL time.Duration `env:"GUEST_CODE_CACHE_TTL" envDefault:"30s"`
}

// CompletionConfig selects and tunes the completion service.
type CompletionConfig struct {
	Provider     string        `env:"COMPLETION_PROVIDER"` // "genai", "grpc" or "" to auto-detect
	Timeout      time.Duration `env:"COMPLETION_TIMEOUT" envDefault:"30s"`
	Model        string        `env:"COMPLETION_MODEL" envDefault:"gemini-2.0-flash"`
	GoogleAPIKey string        `env:"GOOGLE_API_KEY"`
	GRPCAddr     string        `env:"COMPLETION_GRPC_ADDR"`
	WindowTurns  int           `env:"PROMPT_WINDOW_TURNS" envDefault:"40"`
}

// SessionConfig controls session lifetime.
type SessionConfig struct {
	IdleTTL       time.Duration `env:"SESSION_IDLE_TTL" envDefault:"2h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	MaxBodyBytes  int64         `env:"MAX_REQUEST_BODY_BYTES" envDefault:"1048576"`
	// Subjects used by registered chats that name no subjectRef.
	DefaultPersonaID  string `env:"DEFAULT_PERSONA_ID"`
	DefaultScenarioID string `env:"DEFAULT_SCENARIO_ID"`
}

// RateLimitConfig holds per-principal request limits.
type RateLimitConfig struct {
	RequestsPerWindow int           `env:"RATE_LIMIT_REQUESTS" envDefault:"30"`
	WindowDuration    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled   bool   `env:"CONVERSATION_LOG_ENABLED" envDefault:"false"`
	Dir       string `env:"CONVERSATION_LOG_DIR" envDefault:"./data/logs/conversations"`
	QueueSize int    `env:"CONVERSATION_LOG_QUEUE_SIZE" envDefault:"1000"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string `env:"OTEL_ENDPOINT"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"advisor-sim"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))
	cfg.Completion.Provider = strings.ToLower(strings.TrimSpace(cfg.Completion.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.AppEnv {
	case "development", "production", "test":
	default:
		return fmt.Errorf("APP_ENV must be development, production or test, got %q", c.AppEnv)
	}
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required in production")
	}
	switch c.Completion.Provider {
	case "", "genai", "grpc":
	default:
		return fmt.Errorf("COMPLETION_PROVIDER must be genai or grpc, got %q", c.Completion.Provider)
	}
	if c.Completion.Provider == "genai" && c.Completion.GoogleAPIKey == "" {
		return fmt.Errorf("GOOGLE_API_KEY is required for the genai provider")
	}
	if c.Completion.Provider == "grpc" && c.Completion.GRPCAddr == "" {
		return fmt.Errorf("COMPLETION_GRPC_ADDR is required for the grpc provider")
	}
	if c.Completion.Timeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be > 0")
	}
	if c.Completion.WindowTurns <= 0 {
		return fmt.Errorf("PROMPT_WINDOW_TURNS must be > 0")
	}
	if c.Guest.CacheTTL < 0 {
		return fmt.Errorf("GUEST_CODE_CACHE_TTL cannot be negative")
	}
	if c.Session.IdleTTL <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL and SWEEP_INTERVAL must be > 0")
	}
	if c.Session.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// CompletionProvider returns the configured provider, falling back to
// whichever credentials are present.
func (c *Config) CompletionProvider() string {
	if c.Completion.Provider != "" {
		return c.Completion.Provider
	}
	switch {
	case c.Completion.GoogleAPIKey != "":
		return "genai"
	case c.Completion.GRPCAddr != "":
		return "grpc"
	default:
		return ""
	}
}

// IsProduction reports whether stack traces must be hidden from clients.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// SlogLevel maps LOG_LEVEL onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
