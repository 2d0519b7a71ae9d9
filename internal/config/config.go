// Package config loads gateway configuration from the environment,
// using a plain os.Getenv-with-defaults convention.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds every tunable the gateway's components need.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	ErrorThreshold int

	WorkflowTimeout time.Duration
	PreloadTimeout  time.Duration

	// ComfyInputDir is the backends' shared input directory, where the
	// preload placeholder image is ensured to exist.
	ComfyInputDir string

	ListenAddr string

	LogLevel string
	LogJSON  bool
}

// DefaultConfig mirrors scheduler.DefaultSchedulerConfig()'s role in the
// teacher: a single place holding every knob's sane default.
func DefaultConfig() Config {
	return Config{
		RedisAddr:       "localhost:6379",
		RedisPassword:   "",
		RedisDB:         0,
		PostgresDSN:     "",
		ProbeInterval:   5 * time.Second,
		ProbeTimeout:    3 * time.Second,
		ErrorThreshold:  3,
		WorkflowTimeout: 120 * time.Second,
		PreloadTimeout:  300 * time.Second,
		ComfyInputDir:   "./comfyui_input",
		ListenAddr:      ":8080",
		LogLevel:        "info",
		LogJSON:         false,
	}
}

// Load builds a Config from the environment, falling back to
// DefaultConfig's values for anything unset.
func Load() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		var db int
		if _, err := fmt.Sscanf(v, "%d", &db); err == nil {
			cfg.RedisDB = db
		}
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("PROBE_INTERVAL_SECONDS"); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			cfg.ProbeInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("PROBE_TIMEOUT_SECONDS"); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			cfg.ProbeTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("ERROR_THRESHOLD"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.ErrorThreshold = n
		}
	}
	if v := os.Getenv("WORKFLOW_TIMEOUT_SECONDS"); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			cfg.WorkflowTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("PRELOAD_TIMEOUT_SECONDS"); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
			cfg.PreloadTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("COMFYUI_INPUT_DIR"); v != "" {
		cfg.ComfyInputDir = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v == "true" {
		cfg.LogJSON = true
	}

	return cfg
}
