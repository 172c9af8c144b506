package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads a local .env file if one exists. Missing files are fine; the
// process environment always wins for values set in both.
func LoadEnv() {
	_ = godotenv.Load()
}

// GetEnv returns the value of key, or def when unset or empty.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetEnvInt returns the integer value of key, or def when unset or unparseable.
func GetEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetEnvBool returns the boolean value of key, or def when unset or unparseable.
func GetEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// GetEnvDuration returns the duration value of key (time.ParseDuration syntax,
// e.g. "30s", "5m"), or def when unset or unparseable.
func GetEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
