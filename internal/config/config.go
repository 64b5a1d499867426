// Package config provides configuration management for the canopy-watch service.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/robert-malhotra/canopy-watch/pkg/aoi"
)

// Config holds the complete application configuration loaded from environment variables.
type Config struct {
	Server  ServerConfig  `envPrefix:"SERVER_"`
	Backend BackendConfig `envPrefix:"BACKEND_"`
	Metrics MetricsConfig `envPrefix:"METRICS_"`
	AOI     AOIConfig     `envPrefix:"AOI_"`
	Tracker TrackerConfig `envPrefix:"TRACKER_"`
	STAC    STACConfig    `envPrefix:"STAC_"`
	Logging LoggingConfig `envPrefix:"LOG_"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// MaxUploadMB bounds drone image uploads accepted by the API.
	MaxUploadMB int64 `env:"MAX_UPLOAD_MB" envDefault:"512"`
}

// BackendConfig contains analysis backend client configuration.
type BackendConfig struct {
	BaseURL      string        `env:"BASE_URL" envDefault:"http://localhost:8000"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"60s"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	PollTimeout  time.Duration `env:"POLL_TIMEOUT" envDefault:"0s"` // 0 means PollInterval

	// UploadTimeout bounds a drone image upload end to end, including the
	// proxied request body read by the API.
	UploadTimeout time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"15m"`
}

// MetricsConfig contains derived metrics configuration.
type MetricsConfig struct {
	VisualScaleCap float64 `env:"VISUAL_SCALE_CAP" envDefault:"5"`
}

// AOIConfig contains area-of-interest normalization configuration.
type AOIConfig struct {
	// MultiFeature is "first" or "reject".
	MultiFeature string `env:"MULTI_FEATURE" envDefault:"first"`
}

// TrackerConfig contains job tracker retention configuration.
type TrackerConfig struct {
	TTL             time.Duration `env:"TTL" envDefault:"1h"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
}

// STACConfig contains STAC item export configuration.
type STACConfig struct {
	Version string `env:"VERSION" envDefault:"1.0.0"`
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"` // Public-facing URL for item links
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load parses configuration from environment variables.
// It returns an error if required fields are missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}

	opts := env.Options{
		RequiredIfNoDef: true,
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive, got %s", c.Server.ReadTimeout)
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive, got %s", c.Server.WriteTimeout)
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}

	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("max upload size must be at least 1 MB, got %d", c.Server.MaxUploadMB)
	}

	// Validate backend config
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base URL is required")
	}

	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend base URL must be an absolute URL, got %q", c.Backend.BaseURL)
	}

	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend timeout must be positive, got %s", c.Backend.Timeout)
	}

	if c.Backend.UploadTimeout <= 0 {
		return fmt.Errorf("backend upload timeout must be positive, got %s", c.Backend.UploadTimeout)
	}

	if c.Backend.PollInterval <= 0 {
		return fmt.Errorf("backend poll interval must be positive, got %s", c.Backend.PollInterval)
	}

	if c.Backend.PollTimeout < 0 {
		return fmt.Errorf("backend poll timeout must not be negative, got %s", c.Backend.PollTimeout)
	}

	if c.Metrics.VisualScaleCap <= 0 {
		return fmt.Errorf("visual scale cap must be positive, got %g", c.Metrics.VisualScaleCap)
	}

	if _, err := aoi.ParseMultiFeaturePolicy(c.AOI.MultiFeature); err != nil {
		return err
	}

	if c.Tracker.TTL <= 0 {
		return fmt.Errorf("tracker TTL must be positive, got %s", c.Tracker.TTL)
	}

	if c.Tracker.CleanupInterval <= 0 {
		return fmt.Errorf("tracker cleanup interval must be positive, got %s", c.Tracker.CleanupInterval)
	}

	if c.STAC.BaseURL == "" {
		return fmt.Errorf("STAC base URL is required")
	}

	if c.STAC.Version == "" {
		return fmt.Errorf("STAC version is required")
	}

	// Validate logging config
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, text", c.Logging.Format)
	}

	return nil
}

// Address returns the server listen address in the format "host:port".
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// EffectivePollTimeout returns PollTimeout, or PollInterval when unset.
func (b *BackendConfig) EffectivePollTimeout() time.Duration {
	if b.PollTimeout > 0 {
		return b.PollTimeout
	}
	return b.PollInterval
}

// Policy returns the parsed multi-feature policy. Validate guarantees it parses.
func (a *AOIConfig) Policy() aoi.MultiFeaturePolicy {
	p, _ := aoi.ParseMultiFeaturePolicy(a.MultiFeature)
	return p
}
