package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/robert-malhotra/canopy-watch/internal/analysis"
	"github.com/robert-malhotra/canopy-watch/internal/config"
	"github.com/robert-malhotra/canopy-watch/internal/metrics"
	"github.com/robert-malhotra/canopy-watch/internal/monitor"
	"github.com/robert-malhotra/canopy-watch/internal/translate"
	"github.com/robert-malhotra/canopy-watch/pkg/aoi"
)

// maxJSONBody bounds JSON request bodies. AOIs pasted from desktop GIS can be large.
const maxJSONBody = 10 << 20

// healthCheckTimeout bounds the backend probe made by /health.
const healthCheckTimeout = 5 * time.Second

// Backend is the analysis backend surface used directly by the handlers.
type Backend interface {
	Health(ctx context.Context) (*analysis.Health, error)
	Demo(ctx context.Context) (*analysis.Result, error)
	UploadDroneImage(ctx context.Context, filename string, r io.Reader) (*analysis.Upload, error)
	ListUploads(ctx context.Context) ([]analysis.Upload, error)
	DeleteUpload(ctx context.Context, fileID string) error
}

// Handlers contains all HTTP handlers for the service.
type Handlers struct {
	cfg        *config.Config
	monitor    *monitor.Monitor
	backend    Backend
	normalizer *aoi.Normalizer
	logger     *slog.Logger
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(
	cfg *config.Config,
	mon *monitor.Monitor,
	backend Backend,
	normalizer *aoi.Normalizer,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		cfg:        cfg,
		monitor:    mon,
		backend:    backend,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Health returns the health status of the service and its backend.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	tracked, watching := h.monitor.Stats()
	response := map[string]any{
		"status":   "ok",
		"tracked":  tracked,
		"watching": watching,
	}

	backendHealth, err := h.backend.Health(ctx)
	if err != nil {
		h.logger.WarnContext(r.Context(), "analysis backend health check failed",
			slog.String("error", err.Error()),
		)
		response["status"] = "degraded"
		response["backend"] = map[string]string{"status": "unreachable", "error": err.Error()}
	} else {
		response["backend"] = backendHealth
	}

	WriteJSON(w, http.StatusOK, response)
}

// NormalizeAOI normalizes any supported area-of-interest shape.
// POST /aoi/normalize
func (h *Handlers) NormalizeAOI(w http.ResponseWriter, r *http.Request) {
	input, err := decodeAOI(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	polygon, err := h.normalizer.Normalize(input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	geometry, err := aoi.GeometryJSON(polygon)
	if err != nil {
		WriteInternalError(w, "failed to encode geometry")
		return
	}

	bbox, err := aoi.BBox(polygon)
	if err != nil {
		WriteInternalError(w, "failed to compute bbox")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"geometry": geometry,
		"bbox":     bbox,
		"area_ha":  aoi.AreaHectares(polygon),
		"wkt":      aoi.WKT(polygon),
	})
}

// startRequest is the body of POST /analyses.
type startRequest struct {
	AOI          json.RawMessage `json:"aoi"`
	PastYear     int             `json:"past_year"`
	PresentYear  int             `json:"present_year"`
	DroneImageID string          `json:"drone_image_id,omitempty"`
}

// StartAnalysis submits a new analysis and begins watching it.
// POST /analyses
func (h *Handlers) StartAnalysis(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		WriteBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if len(bytes.TrimSpace(req.AOI)) == 0 {
		WriteInvalidParameter(w, "aoi is required")
		return
	}

	input, err := decodeAOI(bytes.NewReader(req.AOI))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	job, err := h.monitor.Start(r.Context(), monitor.StartRequest{
		AOI:          input,
		PastYear:     req.PastYear,
		PresentYear:  req.PresentYear,
		DroneImageID: req.DroneImageID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/analyses/"+job.JobID)
	WriteJSON(w, http.StatusAccepted, job)
}

// ListAnalyses returns every tracked analysis, most recent first.
// GET /analyses
func (h *Handlers) ListAnalyses(w http.ResponseWriter, r *http.Request) {
	jobs := h.monitor.List()
	WriteJSON(w, http.StatusOK, map[string]any{
		"analyses": jobs,
		"count":    len(jobs),
	})
}

// GetAnalysis returns the latest snapshot and derived metrics of an analysis.
// GET /analyses/{jobId}
func (h *Handlers) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	job, err := h.monitor.Get(chi.URLParam(r, "jobId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// CancelAnalysis stops watching an analysis.
// DELETE /analyses/{jobId}
func (h *Handlers) CancelAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	if err := h.monitor.Cancel(jobID); err != nil {
		h.writeError(w, r, err)
		return
	}

	job, err := h.monitor.Get(jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// AnalysisItem returns a completed analysis as a STAC Item.
// GET /analyses/{jobId}/item
func (h *Handlers) AnalysisItem(w http.ResponseWriter, r *http.Request) {
	job, err := h.monitor.Get(chi.URLParam(r, "jobId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	item, err := translate.AnalysisToItem(job, h.cfg.STAC.BaseURL, h.cfg.STAC.Version)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	WriteGeoJSON(w, http.StatusOK, item)
}

// DeriveMetrics computes metrics for a posted result without tracking anything.
// The visual scale cap may be overridden with the "cap" query parameter.
// POST /metrics
func (h *Handlers) DeriveMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		WriteBadRequest(w, fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	result, err := analysis.ParseResult(body)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	opts := metrics.Options{VisualScaleCap: h.cfg.Metrics.VisualScaleCap}
	if capParam := r.URL.Query().Get("cap"); capParam != "" {
		c, err := strconv.ParseFloat(capParam, 64)
		if err != nil || c <= 0 {
			WriteInvalidParameter(w, "cap must be a positive number")
			return
		}
		opts.VisualScaleCap = c
	}

	WriteJSON(w, http.StatusOK, metrics.Derive(result, opts))
}

// UploadDroneImage streams a multipart drone image to the backend.
// POST /uploads
func (h *Handlers) UploadDroneImage(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		WriteBadRequest(w, "expected multipart/form-data")
		return
	}

	// Large GeoTIFFs outlive the server-wide read and write deadlines.
	// Writers without deadline support return an error, which is ignored.
	if h.cfg.Backend.UploadTimeout > 0 {
		deadline := time.Now().Add(h.cfg.Backend.UploadTimeout)
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(deadline)
		_ = rc.SetWriteDeadline(deadline)
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Server.MaxUploadMB<<20)
	reader, err := r.MultipartReader()
	if err != nil {
		WriteBadRequest(w, fmt.Sprintf("invalid multipart body: %v", err))
		return
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			WriteInvalidParameter(w, "file is required")
			return
		}
		if err != nil {
			WriteBadRequest(w, fmt.Sprintf("invalid multipart body: %v", err))
			return
		}

		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		upload, err := h.backend.UploadDroneImage(r.Context(), part.FileName(), part)
		part.Close()
		if err != nil {
			h.logger.ErrorContext(r.Context(), "drone image upload failed",
				slog.String("filename", part.FileName()),
				slog.String("error", err.Error()),
			)
			WriteUpstreamError(w, err.Error())
			return
		}

		WriteJSON(w, http.StatusCreated, upload)
		return
	}
}

// ListUploads returns the drone images stored by the backend.
// GET /uploads
func (h *Handlers) ListUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.backend.ListUploads(r.Context())
	if err != nil {
		WriteUpstreamError(w, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"files": uploads,
		"count": len(uploads),
	})
}

// DeleteUpload removes a stored drone image.
// DELETE /uploads/{fileId}
func (h *Handlers) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")

	if err := h.backend.DeleteUpload(r.Context(), fileID); err != nil {
		h.writeError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"file_id": fileID,
		"deleted": true,
	})
}

// Demo runs the backend's synthetic analysis and derives its metrics.
// POST /demo
func (h *Handlers) Demo(w http.ResponseWriter, r *http.Request) {
	result, err := h.backend.Demo(r.Context())
	if err != nil {
		WriteUpstreamError(w, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"result":  result,
		"metrics": metrics.Derive(result, metrics.Options{VisualScaleCap: h.cfg.Metrics.VisualScaleCap}),
	})
}

// writeError maps domain errors onto HTTP responses.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		geomErr *aoi.InvalidGeometryError
		subErr  *analysis.SubmissionError
	)

	switch {
	case errors.As(err, &geomErr):
		WriteInvalidGeometry(w, geomErr.Error())
	case errors.Is(err, monitor.ErrInvalidYears):
		WriteInvalidParameter(w, err.Error())
	case errors.As(err, &subErr):
		h.logger.WarnContext(r.Context(), "analysis submission rejected",
			slog.Int("status", subErr.StatusCode),
			slog.String("detail", subErr.Detail),
		)
		WriteUpstreamError(w, subErr.Detail)
	case errors.Is(err, monitor.ErrNotFound):
		WriteNotFound(w, "analysis not found")
	case errors.Is(err, analysis.ErrNotFound):
		WriteNotFound(w, "file not found")
	case errors.Is(err, translate.ErrNotCompleted):
		WriteConflict(w, "analysis has not completed")
	default:
		reqID := GetRequestID(r.Context())
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		WriteInternalErrorWithRequestID(w, "internal server error", reqID)
	}
}

// decodeAOI decodes a JSON AOI body. A JSON string is passed through as text
// so WKT and embedded GeoJSON documents both work.
func decodeAOI(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var input any
	if err := dec.Decode(&input); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if input == nil {
		return nil, errors.New("aoi is required")
	}
	return input, nil
}
