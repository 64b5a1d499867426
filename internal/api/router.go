package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and configures the HTTP router with all routes and middleware.
func NewRouter(h *Handlers, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	// Add middleware stack
	r.Use(middleware.RequestID)
	r.Use(RequestIDResponse) // Add X-Request-ID to response headers
	r.Use(PropagateRequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(Recovery(logger))
	r.Use(middleware.Compress(5)) // Gzip compression
	r.Use(ContentTypeJSON)

	// Browser view layers call the API directly
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length", "X-Request-ID"},
		ExposedHeaders:   []string{"Location", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300, // 5 minutes
	}))

	r.Get("/health", h.Health)

	r.Post("/aoi/normalize", h.NormalizeAOI)
	r.Post("/metrics", h.DeriveMetrics)
	r.Post("/demo", h.Demo)

	r.Route("/analyses", func(r chi.Router) {
		r.Get("/", h.ListAnalyses)
		r.Post("/", h.StartAnalysis)
		r.Get("/{jobId}", h.GetAnalysis)
		r.Delete("/{jobId}", h.CancelAnalysis)
		r.Get("/{jobId}/item", h.AnalysisItem)
	})

	r.Route("/uploads", func(r chi.Router) {
		r.Get("/", h.ListUploads)
		r.Post("/", h.UploadDroneImage)
		r.Delete("/{fileId}", h.DeleteUpload)
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "endpoint not found")
	})

	// 405 handler
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	})

	return r
}
