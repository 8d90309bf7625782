// Package config provides centralized configuration for the import
// recovery server. Settings load from environment variables with
// sensible defaults and are validated on startup to fail fast on
// misconfiguration.
package config

import (
	"fmt"
	"time"
)

// StrictMaxUploadBytes is the absolute upload ceiling enforced when the
// hardened security profile is enabled, regardless of UPLOAD_MAX_BYTES.
const StrictMaxUploadBytes = 25 * 1024 * 1024

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Upload    UploadConfig
	Session   SessionConfig
	Broadcast BroadcastConfig
	Rate      RateLimitConfig
	Security  SecurityConfig
	Logging   LoggingConfig
	Database  DatabaseConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response.
	// Zero disables it, which the WebSocket endpoint requires (default: 0s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// RequestTimeout is the per-request middleware deadline (default: 30s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"30s"`

	// ShutdownTimeout is the maximum wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// UploadConfig holds upload parsing settings.
type UploadConfig struct {
	// MaxBytes is the payload size ceiling per upload, enforced
	// incrementally while streaming (default: 10MB)
	MaxBytes int64 `env:"UPLOAD_MAX_BYTES" default:"10485760"`

	// MaxConcurrent is the number of uploads parsed in parallel (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long an upload waits for a parse slot (default: 10s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"10s"`
}

// SessionConfig holds session store and lifecycle settings.
type SessionConfig struct {
	// MaxSessions is the global concurrent-session ceiling (default: 100)
	MaxSessions int `env:"SESSION_MAX_SESSIONS" default:"100"`

	// MaxRecords is the per-session record ceiling (default: 50000)
	MaxRecords int `env:"SESSION_MAX_RECORDS" default:"50000"`

	// TTL is the idle time before a session expires (default: 30m)
	TTL time.Duration `env:"SESSION_TTL" default:"30m"`

	// TombstoneTTL is how long a terminal session stays queryable (default: 5m)
	TombstoneTTL time.Duration `env:"SESSION_TOMBSTONE_TTL" default:"5m"`

	// SweepInterval is the lifecycle sweeper cadence (default: 30s)
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" default:"30s"`

	// ExpiryWarning is how far ahead of expiry to warn subscribers (default: 5m)
	ExpiryWarning time.Duration `env:"SESSION_EXPIRY_WARNING" default:"5m"`
}

// BroadcastConfig holds progress streaming settings.
type BroadcastConfig struct {
	// BufferSize is the per-connection event buffer; a connection whose
	// buffer stays full is dropped (default: 32)
	BufferSize int `env:"BROADCAST_BUFFER_SIZE" default:"32"`

	// MaxConnsPerSession caps subscribers per session (default: 16)
	MaxConnsPerSession int `env:"BROADCAST_MAX_CONNS_PER_SESSION" default:"16"`

	// HeartbeatInterval is the ping cadence (default: 15s)
	HeartbeatInterval time.Duration `env:"BROADCAST_HEARTBEAT_INTERVAL" default:"15s"`

	// MissedHeartbeats is how many consecutive misses mark a connection
	// dead (default: 3)
	MissedHeartbeats int `env:"BROADCAST_MISSED_HEARTBEATS" default:"3"`
}

// RateLimitConfig holds per-IP request rate limiting settings.
type RateLimitConfig struct {
	// Enabled toggles rate limiting (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the per-IP budget (default: 300)
	RequestsPerMinute int `env:"RATE_LIMIT_RPM" default:"300"`
}

// SecurityConfig holds authentication and hardening settings.
type SecurityConfig struct {
	// RequireAPIKey toggles X-API-Key validation (default: false)
	RequireAPIKey bool `env:"SECURITY_REQUIRE_API_KEY" default:"false"`

	// APIKeys is the comma-separated list of accepted keys
	APIKeys []string `env:"SECURITY_API_KEYS"`

	// TrustedProxies is the comma-separated list of proxy CIDRs whose
	// X-Real-IP and X-Forwarded-For headers are honored. Empty means no
	// proxy is trusted and the connection peer is the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// StrictLimits enables the hardened profile, clamping the upload
	// ceiling to StrictMaxUploadBytes (default: false)
	StrictLimits bool `env:"SECURITY_STRICT_LIMITS" default:"false"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the handler format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// DatabaseConfig holds the optional session archive database settings.
type DatabaseConfig struct {
	// URL enables the PostgreSQL session archive when set
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the connection pool ceiling (default: 4)
	MaxConns int `env:"DB_MAX_CONNS" default:"4"`
}

// Validate checks invariants that the loader cannot express and applies
// the hardened profile.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be 1-65535, got %d", c.Server.Port)
	}
	if c.Upload.MaxBytes < 1 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive, got %d", c.Upload.MaxBytes)
	}
	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("SESSION_MAX_SESSIONS must be positive, got %d", c.Session.MaxSessions)
	}
	if c.Session.MaxRecords < 1 {
		return fmt.Errorf("SESSION_MAX_RECORDS must be positive, got %d", c.Session.MaxRecords)
	}
	if c.Session.TTL < time.Second {
		return fmt.Errorf("SESSION_TTL must be at least 1s, got %s", c.Session.TTL)
	}
	if c.Broadcast.BufferSize < 1 {
		return fmt.Errorf("BROADCAST_BUFFER_SIZE must be positive, got %d", c.Broadcast.BufferSize)
	}
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		return fmt.Errorf("SECURITY_REQUIRE_API_KEY is set but SECURITY_API_KEYS is empty")
	}

	if c.Security.StrictLimits && c.Upload.MaxBytes > StrictMaxUploadBytes {
		c.Upload.MaxBytes = StrictMaxUploadBytes
	}

	return nil
}

// Addr returns the host:port the server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
