package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gatekey/gatekey/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	SSO           SSOConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	MaxLifetime time.Duration
}

// RedisConfig holds Redis configuration for the token revocation store
type RedisConfig struct {
	URL string
}

// SSOConfig holds federated authentication configuration
type SSOConfig struct {
	// BaseURL is the externally reachable URL of this service; ACS and
	// redirect URLs are derived from it.
	BaseURL string

	// SessionTTL bounds authenticated session lifetime.
	SessionTTL time.Duration

	// HandshakeTTL bounds how long an initiated handshake may stay pending
	// before the sweeper fails it.
	HandshakeTTL time.Duration

	// UpstreamTimeout bounds IdP and directory calls.
	UpstreamTimeout time.Duration

	// SecretsKey is the 32-byte key (base64) used to encrypt provider
	// credential material at rest. Key management is external.
	SecretsKey []byte

	// InsecureSkipVerify relaxes SAML signature and OIDC issuer checks.
	// Development only.
	InsecureSkipVerify bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("GATEKEY_HOST", "0.0.0.0"),
			Port:            getEnv("GATEKEY_PORT", "8080"),
			ReadTimeout:     getEnvDuration("GATEKEY_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("GATEKEY_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("GATEKEY_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("GATEKEY_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("GATEKEY_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:         getEnv("GATEKEY_POSTGRES_URL", ""),
			MaxConns:    getEnvInt("GATEKEY_POSTGRES_MAX_CONNS", 25),
			MinConns:    getEnvInt("GATEKEY_POSTGRES_MIN_CONNS", 5),
			MaxLifetime: getEnvDuration("GATEKEY_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL: getEnv("GATEKEY_REDIS_URL", "redis://localhost:6379/0"),
		},
		SSO: SSOConfig{
			BaseURL:            getEnv("GATEKEY_BASE_URL", "http://localhost:8080"),
			SessionTTL:         getEnvDuration("GATEKEY_SESSION_TTL", 8*time.Hour),
			HandshakeTTL:       getEnvDuration("GATEKEY_HANDSHAKE_TTL", 10*time.Minute),
			UpstreamTimeout:    getEnvDuration("GATEKEY_UPSTREAM_TIMEOUT", 15*time.Second),
			InsecureSkipVerify: getEnvBool("GATEKEY_SSO_INSECURE_SKIP_VERIFY", false),
		},
		Observability: ObservabilityConfig{
			LogLevel: observability.ParseLogLevel(getEnv("GATEKEY_LOG_LEVEL", "info")),
		},
	}

	if keyB64 := getEnv("GATEKEY_SECRETS_KEY", ""); keyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("invalid GATEKEY_SECRETS_KEY: %w", err)
		}
		cfg.SSO.SecretsKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("GATEKEY_POSTGRES_URL is required")
	}
	if len(c.SSO.SecretsKey) != 32 {
		return fmt.Errorf("GATEKEY_SECRETS_KEY must decode to 32 bytes")
	}
	if c.SSO.SessionTTL <= 0 {
		return fmt.Errorf("GATEKEY_SESSION_TTL must be positive")
	}
	if c.SSO.UpstreamTimeout < time.Second {
		return fmt.Errorf("GATEKEY_UPSTREAM_TIMEOUT must be at least 1s")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
