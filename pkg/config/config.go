// Package config loads caseq server configuration from an optional TOML file
// and environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Server contains HTTP listener settings.
type Server struct {
	ListenAddr string `toml:"listen_addr"`
	// APIKey enables X-API-Key authentication when non-empty.
	APIKey string `toml:"api_key"`
}

// Redis contains connection and retention settings.
type Redis struct {
	Addr             string `toml:"addr"`
	HistoryLimit     int    `toml:"history_limit"`
	ResultTTLSeconds int    `toml:"result_ttl_seconds"`
}

// Uploads contains file storage and submission settings.
type Uploads struct {
	Dir      string `toml:"dir"`
	BaseURL  string `toml:"base_url"`
	MaxBytes int64  `toml:"max_bytes"`
	// RateLimit and RateBurst bound submissions per case (token bucket).
	RateLimit int `toml:"rate_limit"`
	RateBurst int `toml:"rate_burst"`
}

// Logging contains logger settings.
type Logging struct {
	Level string `toml:"level"`
}

// Config is the top-level configuration.
type Config struct {
	Env     string  `toml:"env"`
	Server  Server  `toml:"server"`
	Redis   Redis   `toml:"redis"`
	Uploads Uploads `toml:"uploads"`
	Logging Logging `toml:"logging"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Env: "development",
		Server: Server{
			ListenAddr: ":8081",
		},
		Redis: Redis{
			Addr:             "127.0.0.1:6379",
			HistoryLimit:     100,
			ResultTTLSeconds: int((24 * time.Hour).Seconds()),
		},
		Uploads: Uploads{
			Dir:       "data/uploads",
			BaseURL:   "http://localhost:8081/files",
			MaxBytes:  20 << 20,
			RateLimit: 5,
			RateBurst: 10,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("APP_ENV", &c.Env)
	str("API_KEY", &c.Server.APIKey)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("UPLOAD_DIR", &c.Uploads.Dir)
	str("UPLOAD_BASE_URL", &c.Uploads.BaseURL)
	str("LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("RATE_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: RATE_LIMIT: %w", err)
		}
		c.Uploads.RateLimit = n
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Redis.HistoryLimit <= 0 {
		errs = append(errs, errors.New("redis.history_limit must be positive"))
	}
	if c.Redis.ResultTTLSeconds <= 0 {
		errs = append(errs, errors.New("redis.result_ttl_seconds must be positive"))
	}
	if strings.TrimSpace(c.Uploads.Dir) == "" {
		errs = append(errs, errors.New("uploads.dir is required"))
	}
	if c.Uploads.MaxBytes <= 0 {
		errs = append(errs, errors.New("uploads.max_bytes must be positive"))
	}
	if c.Uploads.RateLimit < 0 || c.Uploads.RateBurst < 0 {
		errs = append(errs, errors.New("uploads.rate_limit and uploads.rate_burst must not be negative"))
	}
	if c.Uploads.RateLimit > 0 && c.Uploads.RateBurst == 0 {
		errs = append(errs, errors.New("uploads.rate_burst is required when rate_limit is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ResultTTL returns the configured result expiry.
func (c Config) ResultTTL() time.Duration {
	return time.Duration(c.Redis.ResultTTLSeconds) * time.Second
}

// Production reports whether the server runs in production mode.
func (c Config) Production() bool {
	return c.Env == "production"
}
