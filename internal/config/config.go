package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig carries every process setting. Values load from an optional
// YAML file first (ARBITER_CONFIG), then environment variables override.
type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	JWTSecret string `yaml:"jwt_secret"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	// Time control bounds for match creation.
	MinTimeControlSec int64 `yaml:"min_time_control_sec"`
	MaxTimeControlSec int64 `yaml:"max_time_control_sec"`
	MaxIncrementSec   int64 `yaml:"max_increment_sec"`

	GraceWindowSec   int `yaml:"grace_window_sec"`
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	CreateRatePerMin int `yaml:"create_rate_per_min"`
	WSRatePerMin     int `yaml:"ws_rate_per_min"`
}

// GraceWindow returns the disconnect grace window as a duration.
func (c *AppConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowSec) * time.Second
}

// PollInterval returns the timeout poller tick as a duration.
func (c *AppConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ValidTimeControl checks a requested time control against configured
// bounds. Values are seconds.
func (c *AppConfig) ValidTimeControl(timeControl, increment int64) bool {
	if timeControl < c.MinTimeControlSec || timeControl > c.MaxTimeControlSec {
		return false
	}
	return increment >= 0 && increment <= c.MaxIncrementSec
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:        "127.0.0.1:8080",
		MinTimeControlSec: 30,
		MaxTimeControlSec: 10800,
		MaxIncrementSec:   60,
		GraceWindowSec:    15,
		PollIntervalMs:    100,
		CreateRatePerMin:  5,
		WSRatePerMin:      30,
	}

	if path := strings.TrimSpace(os.Getenv("ARBITER_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		cfg.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = nil
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}
	intFromEnv("GRACE_WINDOW_SEC", &cfg.GraceWindowSec)
	intFromEnv("POLL_INTERVAL_MS", &cfg.PollIntervalMs)
	intFromEnv("CREATE_RATE_PER_MIN", &cfg.CreateRatePerMin)
	intFromEnv("WS_RATE_PER_MIN", &cfg.WSRatePerMin)
	int64FromEnv("MIN_TIME_CONTROL_SEC", &cfg.MinTimeControlSec)
	int64FromEnv("MAX_TIME_CONTROL_SEC", &cfg.MaxTimeControlSec)
	int64FromEnv("MAX_INCREMENT_SEC", &cfg.MaxIncrementSec)

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.GraceWindowSec <= 0 || cfg.PollIntervalMs <= 0 {
		return nil, errors.New("grace window and poll interval must be positive")
	}
	return cfg, nil
}

func intFromEnv(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func int64FromEnv(key string, dst *int64) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = n
		}
	}
}
