package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the remote-control relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Session lifecycle tuning.
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Relay queue capacities per session.
	ControlQueueCap int
	MediaQueueCap   int

	// Empty DatabaseURL selects the in-memory session store.
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "mirrorlink"),
		AllowAnyOrigin:   false,
		ShutdownTimeout:  15 * time.Second,
		IdleTimeout:      5 * time.Minute,
		SweepInterval:    10 * time.Second,
		ControlQueueCap:  100,
		MediaQueueCap:    30,
		DatabaseURL:      envTrimmed("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleTimeout, err = durationFromEnv("REMOTE_IDLE_TIMEOUT", cfg.IdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("REMOTE_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ControlQueueCap, err = intFromEnv("REMOTE_CONTROL_QUEUE_CAP", cfg.ControlQueueCap)
	if err != nil {
		return Config{}, err
	}
	cfg.MediaQueueCap, err = intFromEnv("REMOTE_MEDIA_QUEUE_CAP", cfg.MediaQueueCap)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.IdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("REMOTE_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("REMOTE_SWEEP_INTERVAL must be positive")
	}
	if cfg.ControlQueueCap <= 0 {
		return Config{}, fmt.Errorf("REMOTE_CONTROL_QUEUE_CAP must be positive")
	}
	if cfg.MediaQueueCap <= 0 {
		return Config{}, fmt.Errorf("REMOTE_MEDIA_QUEUE_CAP must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
