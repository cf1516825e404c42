// Package config loads server settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

const MinSessionSecretLength = 32

type Config struct {
	Port            uint16        `env:"PORT" envDefault:"5001"`
	DBPath          string        `env:"DB_PATH" envDefault:"duochat.db"`
	SessionSecret   string        `env:"SESSION_SECRET,required"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS,required" envSeparator:","`
	TrustedProxies  []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	MediaDir        string        `env:"MEDIA_DIR" envDefault:"media"`
	StaticDir       string        `env:"STATIC_DIR" envDefault:"web"`
	CallRingTimeout time.Duration `env:"CALL_RING_TIMEOUT" envDefault:"45s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads .env (when present) into the process environment and parses it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from an explicit environment map instead of the process environment.
func Parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if len(c.SessionSecret) < MinSessionSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters", MinSessionSecretLength)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.CallRingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}

	origins, err := ParseAllowedOrigins(c.AllowedOrigins)
	if err != nil {
		return err
	}
	c.AllowedOrigins = origins

	proxies := make([]string, 0, len(c.TrustedProxies))
	for _, p := range c.TrustedProxies {
		if p = strings.TrimSpace(p); p != "" {
			proxies = append(proxies, p)
		}
	}
	c.TrustedProxies = proxies
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseAllowedOrigins normalizes and de-duplicates origin entries. Wildcards are rejected.
func ParseAllowedOrigins(entries []string) ([]string, error) {
	origins := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" || strings.HasPrefix(entry, "*.") {
			return nil, fmt.Errorf("ALLOWED_ORIGINS entries must be full origins; wildcard values are not allowed: %q", entry)
		}

		normalized, ok := NormalizeOrigin(entry)
		if !ok {
			return nil, fmt.Errorf("ALLOWED_ORIGINS entry is invalid (%q). Use full https origins, e.g. https://chat.example.com", entry)
		}

		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		origins = append(origins, normalized)
	}

	if len(origins) == 0 {
		return nil, fmt.Errorf("ALLOWED_ORIGINS must include at least one origin")
	}
	return origins, nil
}

// NormalizeOrigin accepts https origins and plain http for loopback hosts only.
func NormalizeOrigin(origin string) (string, bool) {
	originURL, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || originURL.Scheme == "" || originURL.Host == "" {
		return "", false
	}
	if (originURL.Path != "" && originURL.Path != "/") || originURL.RawQuery != "" || originURL.Fragment != "" || originURL.User != nil {
		return "", false
	}

	host := strings.ToLower(originURL.Host)
	switch strings.ToLower(originURL.Scheme) {
	case "https":
		return "https://" + host, true
	case "http":
		if isLoopbackHost(originURL.Hostname()) {
			return "http://" + host, true
		}
	}
	return "", false
}

// IsOriginAllowed reports whether origin normalizes to one of the allowed entries.
func IsOriginAllowed(origin string, allowed []string) bool {
	normalized, ok := NormalizeOrigin(origin)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), normalized) {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
