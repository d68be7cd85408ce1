package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoadConfigFromEnv assembles the database configuration. DATABASE_URL,
// when set, is used verbatim as the connection string; otherwise the
// DSN is built from the individual DB_* variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:             os.Getenv("DATABASE_URL"),
		Host:            envOr("DB_HOST", "localhost"),
		User:            envOr("DB_USER", "wave"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        envOr("DB_NAME", "wave"),
		SSLMode:         envOr("DB_SSLMODE", "disable"),
		MaxOpenConns:    envInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    envInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}

	port, err := strconv.Atoi(envOr("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Port = port
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt falls back silently on unparsable values; pool sizing is not
// worth failing startup over.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
