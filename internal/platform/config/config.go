package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	InstanceID  string `env:"INSTANCE_ID"`

	// AllowedOrigins is a comma-separated list of browser origins allowed to open /ws.
	// Empty allows every origin.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	MaxSessionsPerDomain int     `env:"MAX_SESSIONS_PER_DOMAIN" default:"1000"`
	BroadcastRateLimit   float64 `env:"BROADCAST_RATE_LIMIT" default:"50"`
	BroadcastRateBurst   int     `env:"BROADCAST_RATE_BURST" default:"100"`
}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
)

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Origins returns the parsed ALLOWED_ORIGINS list.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.TrimSuffix(o, "/"))
		}
	}
	return origins
}

func validate(cfg *Config) error {
	if cfg.Port == "" {
		return errors.New("PORT is required")
	}
	if !slices.Contains(validLogLevels, cfg.LogLevel) {
		return fmt.Errorf("LOG_LEVEL must be one of %s", strings.Join(validLogLevels, ", "))
	}
	if !slices.Contains(validLogFormats, cfg.LogFormat) {
		return fmt.Errorf("LOG_FORMAT must be one of %s", strings.Join(validLogFormats, ", "))
	}
	if cfg.MaxSessionsPerDomain < 0 {
		return errors.New("MAX_SESSIONS_PER_DOMAIN must not be negative")
	}
	if cfg.BroadcastRateLimit <= 0 || cfg.BroadcastRateBurst <= 0 {
		return errors.New("BROADCAST_RATE_LIMIT and BROADCAST_RATE_BURST must be positive")
	}

	if cfg.RedisURL != "" {
		u, err := url.Parse(cfg.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return errors.New("REDIS_URL must be a redis:// or rediss:// URL")
		}
	}

	if cfg.DatabaseURL != "" && cfg.IsProduction() {
		if err := requireSecureSSLMode(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	for _, origin := range cfg.Origins() {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("ALLOWED_ORIGINS entry %q must be scheme://host", origin)
		}
	}

	return nil
}

func requireSecureSSLMode(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	switch u.Query().Get("sslmode") {
	case "disable", "allow", "prefer":
		return errors.New("DATABASE_URL must not use an insecure sslmode in production")
	}
	return nil
}
