// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the API binary reads from the environment.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string
	// DatabaseURL selects the Postgres backend; empty selects the
	// in-memory backend.
	DatabaseURL string

	// TokenSecret signs session tokens; TokenTTL bounds their lifetime.
	TokenSecret string
	TokenTTL    time.Duration

	// LockWait bounds how long an operation waits for a per-book
	// exclusion before failing with a retryable conflict.
	LockWait       time.Duration
	RequestTimeout time.Duration

	// AdminMayBorrow decides whether admin accounts may create
	// borrowings for themselves.
	AdminMayBorrow bool

	// Admin bootstrap account, created at startup when username and
	// password are both set.
	AdminUsername string
	AdminEmail    string
	AdminPassword string

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string
	LogLevel     string
}

// Load reads the configuration from the environment, applying defaults.
func Load() Config {
	return Config{
		Addr:           getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		TokenSecret:    getEnv("TOKEN_SECRET", "dev_secret_change_in_prod"),
		TokenTTL:       getDuration("TOKEN_TTL", 30*time.Minute),
		LockWait:       getDuration("LOCK_WAIT", 3*time.Second),
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 15*time.Second),
		AdminMayBorrow: getBool("ADMIN_MAY_BORROW", true),
		AdminUsername:  os.Getenv("ADMIN_USERNAME"),
		AdminEmail:     getEnv("ADMIN_EMAIL", "admin@library.local"),
		AdminPassword:  os.Getenv("ADMIN_PASSWORD"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
