// Package config loads engine configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings.
type Config struct {
	Port string

	// DatabaseURL selects the PostgreSQL store; empty runs in-memory.
	DatabaseURL string

	// RedisURL enables the read-through cache in front of PostgreSQL;
	// empty disables caching.
	RedisURL string
	CacheTTL time.Duration

	// Broker selects the downstream adapter ("simulator").
	Broker string

	// BatchWorkers bounds concurrent broker submissions per batch run.
	BatchWorkers int

	// ReconcileSchedule is the cron expression for the nightly cash sweep;
	// empty disables scheduling. ReconcileTimeout bounds one sweep.
	ReconcileSchedule string
	ReconcileTimeout  time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in when present; real environment variables win.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	return Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		CacheTTL:          getDuration("CACHE_TTL", 5*time.Minute),
		Broker:            getEnv("BROKER", "simulator"),
		BatchWorkers:      getInt("BATCH_WORKERS", 8),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", ""),
		ReconcileTimeout:  getDuration("RECONCILE_TIMEOUT", 10*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
