package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration. Values are loaded from an optional
// YAML file, then overridden by environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	RedisAddr  string `yaml:"redis_addr"`

	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	// TypingIdle is the debounce window after which a typing user is
	// considered to have stopped absent further input.
	TypingIdle time.Duration `yaml:"typing_idle"`

	// HistoryLimit is the number of messages retained per chat.
	HistoryLimit int `yaml:"history_limit"`

	// MaxConns caps concurrent WebSocket connections (0 = unlimited).
	MaxConns int `yaml:"max_conns"`

	// IdleTimeout closes WebSocket connections with no client activity
	// for this long (0 = never).
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// LoginRateLimit is the number of login attempts allowed per IP
	// within LoginRateWindow.
	LoginRateLimit  int           `yaml:"login_rate_limit"`
	LoginRateWindow time.Duration `yaml:"login_rate_window"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		JWTSecret:       "dev-secret-change-me",
		TokenTTL:        30 * 24 * time.Hour,
		TypingIdle:      2 * time.Second,
		HistoryLimit:    500,
		LoginRateLimit:  10,
		LoginRateWindow: time.Minute,
	}
}

// Load reads the config file at path if it exists, applies environment
// overrides, and returns the result. A missing file is not an error;
// a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides fields from environment variables. Every field has
// an override; unparsable values keep the prior setting.
func (c *Config) applyEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	envDuration("TOKEN_TTL", &c.TokenTTL)
	envDuration("TYPING_IDLE", &c.TypingIdle)
	envDuration("IDLE_TIMEOUT", &c.IdleTimeout)
	envDuration("LOGIN_RATE_WINDOW", &c.LoginRateWindow)
	envInt("HISTORY_LIMIT", &c.HistoryLimit)
	envInt("MAX_CONNS", &c.MaxConns)
	envInt("LOGIN_RATE_LIMIT", &c.LoginRateLimit)
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
