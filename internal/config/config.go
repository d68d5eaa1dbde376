package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the application configuration
type Config struct {
	// BorrowLimit is the most books one member may hold at once. It is read
	// once at startup.
	BorrowLimit int
	LockTimeout time.Duration

	StorageDriver string
	DatabaseURL   string
	SQLitePath    string

	Port     string
	LogLevel string

	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint string

	RegistrationRate int
	ConflictRetries  uint
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{
		StorageDriver: getenv("STORAGE_DRIVER", DriverMemory),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    getenv("SQLITE_PATH", "libralend.db"),
		Port:          getenv("PORT", "8080"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if config.BorrowLimit, err = intFromEnv("BORROW_LIMIT", 5); err != nil {
		return nil, err
	}
	if config.BorrowLimit < 0 {
		return nil, fmt.Errorf("BORROW_LIMIT must not be negative, got %d", config.BorrowLimit)
	}

	config.LockTimeout = 2 * time.Second
	if raw := os.Getenv("LOCK_TIMEOUT"); raw != "" {
		if config.LockTimeout, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("invalid LOCK_TIMEOUT: %w", err)
		}
		if config.LockTimeout <= 0 {
			return nil, fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", raw)
		}
	}

	if config.RegistrationRate, err = intFromEnv("REGISTRATION_RATE", 60); err != nil {
		return nil, err
	}

	retries, err := intFromEnv("CONFLICT_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	if retries < 1 {
		return nil, fmt.Errorf("CONFLICT_RETRIES must be at least 1, got %d", retries)
	}
	config.ConflictRetries = uint(retries)

	switch config.StorageDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is postgres")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", config.StorageDriver)
	}

	return config, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
