// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the process needs at startup.
type Config struct {
	Addr          string
	DatabaseURL   string // SQLite path, or a postgres:// connection string
	DataDir       string // uploads live under here, next to the database
	PollInterval  time.Duration
	AdminUser     string
	AdminPassword string
	LogLevel      string
}

// Defaults.
const (
	DefaultAddr         = ":8080"
	DefaultDatabaseURL  = "data/tasks.db"
	DefaultDataDir      = "data"
	DefaultPollInterval = 60 * time.Second
	DefaultAdminUser    = "admin"
	DefaultLogLevel     = "info"
)

// Load reads an optional .env file, then the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:          coalesce(os.Getenv("TASKAPP_ADDR"), DefaultAddr),
		DatabaseURL:   coalesce(os.Getenv("TASKAPP_DB"), DefaultDatabaseURL),
		DataDir:       coalesce(os.Getenv("TASKAPP_DATA_DIR"), DefaultDataDir),
		PollInterval:  intervalFromEnv("TASKAPP_POLL_INTERVAL", DefaultPollInterval),
		AdminUser:     coalesce(os.Getenv("TASKAPP_ADMIN_USER"), DefaultAdminUser),
		AdminPassword: coalesce(os.Getenv("TASKAPP_ADMIN_PASSWORD"), "admin"),
		LogLevel:      coalesce(os.Getenv("TASKAPP_LOG_LEVEL"), DefaultLogLevel),
	}
}

func intervalFromEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func coalesce(args ...string) string {
	for _, s := range args {
		if s != "" {
			return s
		}
	}
	return ""
}
