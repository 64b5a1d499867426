// Package server provides a public API for embedding the canopy-watch service.
package server

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/robert-malhotra/canopy-watch/internal/analysis"
	"github.com/robert-malhotra/canopy-watch/internal/api"
	"github.com/robert-malhotra/canopy-watch/internal/config"
	"github.com/robert-malhotra/canopy-watch/internal/metrics"
	"github.com/robert-malhotra/canopy-watch/internal/monitor"
	"github.com/robert-malhotra/canopy-watch/pkg/aoi"
)

// Options configures the canopy-watch server.
type Options struct {
	// BaseURL is the public-facing URL for self-referential links.
	// Example: "https://api.example.com/canopy" or "http://localhost:8080"
	BaseURL string

	// BackendURL is the analysis backend base URL.
	// Default: "http://localhost:8000"
	BackendURL string

	// Timeout is the backend request timeout for submissions and queries.
	// Default: 60s
	Timeout time.Duration

	// UploadTimeout bounds a drone image upload end to end.
	// Default: 15m
	UploadTimeout time.Duration

	// PollInterval is the delay between job status polls.
	// Default: 3s
	PollInterval time.Duration

	// PollTimeout bounds a single status poll.
	// Default: PollInterval
	PollTimeout time.Duration

	// VisualScaleCap is the percentage at which the visual scale saturates.
	// Default: 5
	VisualScaleCap float64

	// RejectMultipleFeatures rejects FeatureCollections with more than one
	// feature instead of using the first.
	// Default: false
	RejectMultipleFeatures bool

	// TrackerTTL is how long an idle job is remembered.
	// Default: 1h
	TrackerTTL time.Duration

	// MaxUploadMB bounds drone image uploads.
	// Default: 512
	MaxUploadMB int64

	// Logger is the slog logger to use.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Server is a canopy-watch server that can be embedded in another application.
type Server struct {
	router  chi.Router
	monitor *monitor.Monitor
}

// New creates a new canopy-watch server with the given options.
func New(opts Options) (*Server, error) {
	// Apply defaults
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:8080"
	}
	if opts.BackendURL == "" {
		opts.BackendURL = analysis.DefaultBaseURL
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UploadTimeout == 0 {
		opts.UploadTimeout = analysis.DefaultUploadTimeout
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = analysis.DefaultPollInterval
	}
	if opts.VisualScaleCap == 0 {
		opts.VisualScaleCap = metrics.DefaultVisualScaleCap
	}
	if opts.TrackerTTL == 0 {
		opts.TrackerTTL = time.Hour
	}
	if opts.MaxUploadMB == 0 {
		opts.MaxUploadMB = 512
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	policy := aoi.MultiFeatureFirst
	if opts.RejectMultipleFeatures {
		policy = aoi.MultiFeatureReject
	}

	// Build internal config
	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxUploadMB: opts.MaxUploadMB,
		},
		Backend: config.BackendConfig{
			BaseURL:       opts.BackendURL,
			Timeout:       opts.Timeout,
			UploadTimeout: opts.UploadTimeout,
			PollInterval:  opts.PollInterval,
			PollTimeout:   opts.PollTimeout,
		},
		Metrics: config.MetricsConfig{
			VisualScaleCap: opts.VisualScaleCap,
		},
		AOI: config.AOIConfig{
			MultiFeature: policy.String(),
		},
		Tracker: config.TrackerConfig{
			TTL:             opts.TrackerTTL,
			CleanupInterval: 5 * time.Minute,
		},
		STAC: config.STACConfig{
			Version: "1.0.0",
			BaseURL: opts.BaseURL,
		},
	}

	handlers, mon := Wire(cfg, opts.Logger)

	return &Server{
		router:  api.NewRouter(handlers, opts.Logger),
		monitor: mon,
	}, nil
}

// Wire builds the handlers and the monitor behind them from cfg.
// The caller owns the returned monitor and must Close it.
func Wire(cfg *config.Config, logger *slog.Logger) (*api.Handlers, *monitor.Monitor) {
	client := analysis.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout).
		WithUploadTimeout(cfg.Backend.UploadTimeout).
		WithLogger(logger)
	normalizer := aoi.NewNormalizer(cfg.AOI.Policy()).WithLogger(logger)

	mon := monitor.New(client, monitor.Options{
		Watch: analysis.WatchOptions{
			Interval:    cfg.Backend.PollInterval,
			PollTimeout: cfg.Backend.EffectivePollTimeout(),
		},
		Metrics:         metrics.Options{VisualScaleCap: cfg.Metrics.VisualScaleCap},
		Normalizer:      normalizer,
		TTL:             cfg.Tracker.TTL,
		CleanupInterval: cfg.Tracker.CleanupInterval,
		Logger:          logger,
	})

	logger.Info("using analysis backend",
		"base_url", cfg.Backend.BaseURL,
		"poll_interval", cfg.Backend.PollInterval,
		"multi_feature", cfg.AOI.Policy().String(),
	)

	return api.NewHandlers(cfg, mon, client, normalizer, logger), mon
}

// Router returns the chi.Router for mounting in another application.
func (s *Server) Router() chi.Router {
	return s.router
}

// Close stops background goroutines (job watches and tracker cleanup).
func (s *Server) Close() {
	if s.monitor != nil {
		s.monitor.Close()
	}
}
