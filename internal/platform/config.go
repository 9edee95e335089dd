package platform

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr           string        `env:"GATEWAY_ADDR" envDefault:":6001"`
	MaxConnections int           `env:"GATEWAY_MAX_CONNECTIONS" envDefault:"10000"`
	MaxMessageSize int           `env:"GATEWAY_MAX_MESSAGE_BYTES" envDefault:"65536"`
	ShutdownGrace  time.Duration `env:"GATEWAY_SHUTDOWN_GRACE" envDefault:"30s"`
	WriteWait      time.Duration `env:"GATEWAY_WRITE_WAIT" envDefault:"5s"`
	PongWait       time.Duration `env:"GATEWAY_PONG_WAIT" envDefault:"30s"`

	// Upgrades are refused with 503 while host CPU is above this percentage (0 disables)
	CPURejectThreshold float64 `env:"GATEWAY_CPU_REJECT_THRESHOLD" envDefault:"0"`

	// Outbound queue (backpressure)
	SendBufferSize    int    `env:"GATEWAY_SEND_BUFFER" envDefault:"256"`
	OverflowPolicy    string `env:"GATEWAY_OVERFLOW_POLICY" envDefault:"disconnect"`
	SlowClientStrikes int    `env:"GATEWAY_SLOW_CLIENT_STRIKES" envDefault:"3"`

	// Protocol hardening (0 disables)
	MaxProtocolErrors int           `env:"GATEWAY_MAX_PROTOCOL_ERRORS" envDefault:"0"`
	ReauthInterval    time.Duration `env:"GATEWAY_REAUTH_INTERVAL" envDefault:"0s"`

	// Message and connection rate limits (fixed one-second windows)
	ConnectionMessagesPerSec int           `env:"RATE_LIMIT_CONNECTION_MESSAGES" envDefault:"10"`
	TenantMessagesPerSec     int           `env:"RATE_LIMIT_TENANT_MESSAGES" envDefault:"500"`
	TenantMaxConnections     int           `env:"RATE_LIMIT_TENANT_CONNECTIONS" envDefault:"50"`
	RateLimitWindow          time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1s"`

	// Handshake admission (token buckets in front of the upgrade)
	HandshakeRateLimitEnabled bool    `env:"HANDSHAKE_RATE_LIMIT_ENABLED" envDefault:"true"`
	HandshakeIPBurst          int     `env:"HANDSHAKE_IP_BURST" envDefault:"10"`
	HandshakeIPRate           float64 `env:"HANDSHAKE_IP_RATE" envDefault:"1.0"`
	HandshakeGlobalBurst      int     `env:"HANDSHAKE_GLOBAL_BURST" envDefault:"300"`
	HandshakeGlobalRate       float64 `env:"HANDSHAKE_GLOBAL_RATE" envDefault:"50.0"`

	// Authentication and authorization collaborators
	TokenBackend     string        `env:"AUTH_TOKEN_BACKEND" envDefault:"redis"`
	DirectoryBackend string        `env:"AUTH_DIRECTORY_BACKEND" envDefault:"redis"`
	JWTSecret        string        `env:"AUTH_JWT_SECRET"`
	StaticFile       string        `env:"AUTH_STATIC_FILE"`
	PolicyFallback   string        `env:"AUTH_POLICY_FALLBACK" envDefault:"allow_tenant"`
	CheckTimeout     time.Duration `env:"AUTH_CHECK_TIMEOUT" envDefault:"2s"`

	// Redis directory
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"gateway:"`

	// Upstream broadcast ingest (empty disables a source)
	KafkaBrokers  string  `env:"KAFKA_BROKERS"`
	ConsumerGroup string  `env:"KAFKA_CONSUMER_GROUP" envDefault:"ws-gateway"`
	KafkaTopic    string  `env:"KAFKA_TOPIC" envDefault:"gateway.broadcasts"`
	NATSURL       string  `env:"NATS_URL"`
	NATSSubject   string  `env:"NATS_SUBJECT" envDefault:"gateway.broadcast.>"`
	MaxIngestRate float64 `env:"INGEST_MAX_RATE" envDefault:"1000"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, nothing is logged.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; containers use real environment variables
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GATEWAY_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBufferSize < 1 {
		return fmt.Errorf("GATEWAY_SEND_BUFFER must be > 0, got %d", c.SendBufferSize)
	}
	if c.MaxMessageSize < 64 {
		return fmt.Errorf("GATEWAY_MAX_MESSAGE_BYTES must be >= 64, got %d", c.MaxMessageSize)
	}
	if c.ConnectionMessagesPerSec < 1 {
		return fmt.Errorf("RATE_LIMIT_CONNECTION_MESSAGES must be > 0, got %d", c.ConnectionMessagesPerSec)
	}
	if c.TenantMessagesPerSec < 1 {
		return fmt.Errorf("RATE_LIMIT_TENANT_MESSAGES must be > 0, got %d", c.TenantMessagesPerSec)
	}
	if c.TenantMaxConnections < 1 {
		return fmt.Errorf("RATE_LIMIT_TENANT_CONNECTIONS must be > 0, got %d", c.TenantMaxConnections)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0, got %s", c.RateLimitWindow)
	}
	if c.MaxProtocolErrors < 0 {
		return fmt.Errorf("GATEWAY_MAX_PROTOCOL_ERRORS must be >= 0, got %d", c.MaxProtocolErrors)
	}
	if c.ReauthInterval < 0 {
		return fmt.Errorf("GATEWAY_REAUTH_INTERVAL must be >= 0, got %s", c.ReauthInterval)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("GATEWAY_CPU_REJECT_THRESHOLD must be between 0 and 100, got %.1f", c.CPURejectThreshold)
	}
	if c.MetricsInterval <= 0 {
		return fmt.Errorf("METRICS_INTERVAL must be > 0, got %s", c.MetricsInterval)
	}
	if c.WriteWait <= 0 || c.PongWait <= 0 {
		return fmt.Errorf("GATEWAY_WRITE_WAIT and GATEWAY_PONG_WAIT must be > 0")
	}

	// Enum checks
	switch c.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("GATEWAY_OVERFLOW_POLICY must be one of: drop_oldest, disconnect (got: %s)", c.OverflowPolicy)
	}
	if c.OverflowPolicy == "disconnect" && c.SlowClientStrikes < 1 {
		return fmt.Errorf("GATEWAY_SLOW_CLIENT_STRIKES must be > 0, got %d", c.SlowClientStrikes)
	}

	switch c.TokenBackend {
	case "redis", "static":
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required when AUTH_TOKEN_BACKEND=jwt")
		}
	default:
		return fmt.Errorf("AUTH_TOKEN_BACKEND must be one of: redis, jwt, static (got: %s)", c.TokenBackend)
	}

	switch c.DirectoryBackend {
	case "redis", "static":
	default:
		return fmt.Errorf("AUTH_DIRECTORY_BACKEND must be one of: redis, static (got: %s)", c.DirectoryBackend)
	}

	if (c.TokenBackend == "static" || c.DirectoryBackend == "static") && c.StaticFile == "" {
		return fmt.Errorf("AUTH_STATIC_FILE is required for the static backend")
	}

	switch c.PolicyFallback {
	case "allow_tenant", "deny":
	default:
		return fmt.Errorf("AUTH_POLICY_FALLBACK must be one of: allow_tenant, deny (got: %s)", c.PolicyFallback)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// UsesRedis reports whether any collaborator backend needs a Redis client
func (c *Config) UsesRedis() bool {
	return c.TokenBackend == "redis" || c.DirectoryBackend == "redis"
}

// Brokers splits KAFKA_BROKERS into a clean list
func (c *Config) Brokers() []string {
	result := []string{}
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int("send_buffer", c.SendBufferSize).
		Str("overflow_policy", c.OverflowPolicy).
		Int("connection_messages_per_sec", c.ConnectionMessagesPerSec).
		Int("tenant_messages_per_sec", c.TenantMessagesPerSec).
		Int("tenant_max_connections", c.TenantMaxConnections).
		Dur("rate_limit_window", c.RateLimitWindow).
		Bool("handshake_rate_limit", c.HandshakeRateLimitEnabled).
		Str("token_backend", c.TokenBackend).
		Str("directory_backend", c.DirectoryBackend).
		Str("policy_fallback", c.PolicyFallback).
		Strs("kafka_brokers", c.Brokers()).
		Str("kafka_topic", c.KafkaTopic).
		Bool("nats_enabled", c.NATSURL != "").
		Dur("reauth_interval", c.ReauthInterval).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
