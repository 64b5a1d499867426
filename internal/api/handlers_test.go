package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/robert-malhotra/canopy-watch/internal/analysis"
	"github.com/robert-malhotra/canopy-watch/internal/config"
	"github.com/robert-malhotra/canopy-watch/internal/monitor"
	"github.com/robert-malhotra/canopy-watch/pkg/aoi"
)

const (
	processingBody = `{"job_id":"abc123","status":"processing","result":null,"error":null}`
	completedBody  = `{"job_id":"abc123","status":"completed","satellite_comparison":{"past_cover_ha":120.5,"present_cover_ha":95.2,"change_ha":-25.3,"past_year":2016,"present_year":2024},"drone_data":null,"summary":{"total_loss_ha":25.3,"total_loss_pct":20.996,"time_period_years":8}}`
	ringAOI        = `[[[-122.5,37.8],[-122.4,37.8],[-122.4,37.9],[-122.5,37.9]]]`
)

// fakeAnalysisBackend emulates the analysis service.
type fakeAnalysisBackend struct {
	jobBodies []string
	polls     atomic.Int32
	submitErr string
}

func (b *fakeAnalysisBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		w.Write([]byte(`{"status":"healthy","service":"Forest Monitor API"}`))
	case r.Method == http.MethodPost && r.URL.Path == "/analyze":
		if b.submitErr != "" {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(b.submitErr))
			return
		}
		w.Write([]byte(`{"job_id":"abc123","status":"submitted","includes_drone_data":false}`))
	case r.Method == http.MethodGet && r.URL.Path == "/jobs/abc123":
		n := int(b.polls.Add(1)) - 1
		if n >= len(b.jobBodies) {
			n = len(b.jobBodies) - 1
		}
		w.Write([]byte(b.jobBodies[n]))
	case r.Method == http.MethodPost && r.URL.Path == "/analyze-demo":
		w.Write([]byte(`{"satellite_comparison":{"past_cover_ha":150.3,"present_cover_ha":120.8,"change_ha":-29.5,"past_year":2016,"present_year":2024},"drone_data":{"vegetation_area_ha":118.5,"total_area_ha":200,"vegetation_percentage":59.25,"mean_ndvi":0.52}}`))
	case r.Method == http.MethodPost && r.URL.Path == "/upload-drone-image":
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"no file"}`))
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		json.NewEncoder(w).Encode(map[string]any{
			"file_id":  "f-1",
			"filename": header.Filename,
			"size_mb":  float64(len(data)) / (1 << 20),
		})
	case r.Method == http.MethodGet && r.URL.Path == "/uploads":
		w.Write([]byte(`{"files":[{"file_id":"f-1","filename":"field.tif","size_mb":1.5}],"count":1}`))
	case r.Method == http.MethodDelete && r.URL.Path == "/uploads/f-1":
		w.Write([]byte(`{"message":"File deleted successfully","file_id":"f-1"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"File not found"}`))
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{MaxUploadMB: 16},
		Backend: config.BackendConfig{UploadTimeout: 5 * time.Second},
		Metrics: config.MetricsConfig{VisualScaleCap: 5},
		STAC: config.STACConfig{
			Version: "1.0.0",
			BaseURL: "https://canopy.example.com",
		},
	}
}

// newTestRouter wires handlers against a fake backend.
func newTestRouter(t *testing.T, backend http.Handler) http.Handler {
	t.Helper()

	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := analysis.NewClient(server.URL, 5*time.Second).WithLogger(logger)
	normalizer := aoi.NewNormalizer(aoi.MultiFeatureFirst).WithLogger(logger)

	mon := monitor.New(client, monitor.Options{
		Watch:      analysis.WatchOptions{Interval: 10 * time.Millisecond, PollTimeout: time.Second},
		Normalizer: normalizer,
		Logger:     logger,
	})
	t.Cleanup(mon.Close)

	h := NewHandlers(testConfig(), mon, client, normalizer, logger)
	return NewRouter(h, logger)
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	w := do(t, router, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	resp := decodeBody(t, w)
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", resp["status"])
	}
	backend, _ := resp["backend"].(map[string]any)
	if backend["service"] != "Forest Monitor API" {
		t.Errorf("Unexpected backend health %v", resp["backend"])
	}
}

func TestHealth_BackendDown(t *testing.T) {
	router := newTestRouter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	w := do(t, router, "GET", "/health", "")
	resp := decodeBody(t, w)
	if resp["status"] != "degraded" {
		t.Errorf("Expected status degraded, got %v", resp["status"])
	}
}

func TestNormalizeAOI(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	tests := []struct {
		name string
		body string
	}{
		{"rings", ringAOI},
		{"feature", `{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":` + ringAOI + `}}`},
		{"feature collection", `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Polygon","coordinates":` + ringAOI + `}}]}`},
		{"geojson text", `"{\"type\":\"Polygon\",\"coordinates\":[[[-122.5,37.8],[-122.4,37.8],[-122.4,37.9],[-122.5,37.9]]]}"`},
		{"wkt text", `"POLYGON((-122.5 37.8,-122.4 37.8,-122.4 37.9,-122.5 37.9,-122.5 37.8))"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/aoi/normalize", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
			}

			resp := decodeBody(t, w)
			geometry, _ := resp["geometry"].(map[string]any)
			if geometry["type"] != "Polygon" {
				t.Errorf("Expected Polygon geometry, got %v", resp["geometry"])
			}
			rings, _ := geometry["coordinates"].([]any)
			if len(rings) != 1 || len(rings[0].([]any)) != 5 {
				t.Errorf("Expected one closed ring of 5 points, got %v", geometry["coordinates"])
			}
			if area, _ := resp["area_ha"].(float64); area <= 0 {
				t.Errorf("Expected positive area, got %v", resp["area_ha"])
			}
		})
	}
}

func TestNormalizeAOI_Invalid(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"too few points", `[[[0,0],[1,0],[0,0]]]`, ErrCodeInvalidGeometry},
		{"point geometry", `{"type":"Point","coordinates":[0,0]}`, ErrCodeInvalidGeometry},
		{"malformed text", `"{not json"`, ErrCodeInvalidGeometry},
		{"malformed body", `{`, ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/aoi/normalize", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", w.Code)
			}
			if resp := decodeBody(t, w); resp["code"] != tt.wantCode {
				t.Errorf("Expected code %s, got %v", tt.wantCode, resp["code"])
			}
		})
	}
}

func waitForStatus(t *testing.T, router http.Handler, jobID, status string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := do(t, router, "GET", "/analyses/"+jobID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		resp := decodeBody(t, w)
		snapshot, _ := resp["snapshot"].(map[string]any)
		if snapshot["status"] == status {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("analysis %s never reached %s", jobID, status)
	return nil
}

func TestAnalysisLifecycle(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody, processingBody, completedBody}})

	w := do(t, router, "POST", "/analyses", `{"aoi":`+ringAOI+`,"past_year":2016,"present_year":2024}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/analyses/abc123" {
		t.Errorf("Expected Location /analyses/abc123, got %s", loc)
	}
	if resp := decodeBody(t, w); resp["job_id"] != "abc123" {
		t.Errorf("Expected job_id abc123, got %v", resp["job_id"])
	}

	resp := waitForStatus(t, router, "abc123", "completed")
	m, _ := resp["metrics"].(map[string]any)
	if m["is_loss"] != true || m["direction"] != "loss" || m["visual_scale_fraction"] != 1.0 {
		t.Errorf("Unexpected metrics %v", m)
	}

	// List
	w = do(t, router, "GET", "/analyses", "")
	if list := decodeBody(t, w); list["count"] != 1.0 {
		t.Errorf("Expected 1 analysis, got %v", list["count"])
	}

	// STAC item
	w = do(t, router, "GET", "/analyses/abc123/item", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Expected application/geo+json, got %s", ct)
	}
	item := decodeBody(t, w)
	if item["type"] != "Feature" || item["id"] != "abc123" {
		t.Errorf("Unexpected item %v", item)
	}
}

func TestAnalysisItem_NotCompleted(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	do(t, router, "POST", "/analyses", `{"aoi":`+ringAOI+`,"past_year":2016,"present_year":2024}`)

	w := do(t, router, "GET", "/analyses/abc123/item", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestCancelAnalysis(t *testing.T) {
	backend := &fakeAnalysisBackend{jobBodies: []string{processingBody}}
	router := newTestRouter(t, backend)

	do(t, router, "POST", "/analyses", `{"aoi":`+ringAOI+`,"past_year":2016,"present_year":2024}`)

	w := do(t, router, "DELETE", "/analyses/abc123", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["cancelled"] != true {
		t.Errorf("Expected cancelled analysis, got %v", resp)
	}

	time.Sleep(30 * time.Millisecond)
	before := backend.polls.Load()
	time.Sleep(50 * time.Millisecond)
	if after := backend.polls.Load(); after != before {
		t.Errorf("Expected polling to stop, went from %d to %d", before, after)
	}

	if w := do(t, router, "DELETE", "/analyses/unknown", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestStartAnalysis_Errors(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{
		jobBodies: []string{processingBody},
		submitErr: `{"detail":"Earth Engine not initialized"}`,
	})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantDesc   string
	}{
		{
			name:       "reversed years",
			body:       `{"aoi":` + ringAOI + `,"past_year":2024,"present_year":2016}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeInvalidParameter,
		},
		{
			name:       "missing aoi",
			body:       `{"past_year":2016,"present_year":2024}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeInvalidParameter,
		},
		{
			name:       "invalid aoi",
			body:       `{"aoi":[[[0,0],[1,1]]],"past_year":2016,"present_year":2024}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeInvalidGeometry,
		},
		{
			name:       "backend rejects",
			body:       `{"aoi":` + ringAOI + `,"past_year":2016,"present_year":2024}`,
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrCodeUpstreamError,
			wantDesc:   "Earth Engine not initialized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/analyses", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			resp := decodeBody(t, w)
			if resp["code"] != tt.wantCode {
				t.Errorf("Expected code %s, got %v", tt.wantCode, resp["code"])
			}
			if tt.wantDesc != "" && resp["description"] != tt.wantDesc {
				t.Errorf("Expected description %q, got %v", tt.wantDesc, resp["description"])
			}
		})
	}
}

func TestGetAnalysis_NotFound(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	w := do(t, router, "GET", "/analyses/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestDeriveMetrics(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	body := `{"satellite_comparison":{"past_cover_ha":120.5,"present_cover_ha":95.2,"change_ha":-25.3,"past_year":2016,"present_year":2024}}`

	w := do(t, router, "POST", "/metrics", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["visual_scale_fraction"] != 1.0 || resp["is_loss"] != true {
		t.Errorf("Unexpected metrics %v", resp)
	}

	w = do(t, router, "POST", "/metrics?cap=42", body)
	resp = decodeBody(t, w)
	if frac, _ := resp["visual_scale_fraction"].(float64); frac <= 0.49 || frac >= 0.51 {
		t.Errorf("Expected visual scale near 0.5 with cap 42, got %v", resp["visual_scale_fraction"])
	}

	if w := do(t, router, "POST", "/metrics?cap=-1", body); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for negative cap, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/metrics", "nope"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed body, got %d", w.Code)
	}
}

func TestDemo(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	w := do(t, router, "POST", "/demo", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	resp := decodeBody(t, w)
	m, _ := resp["metrics"].(map[string]any)
	if m["drone_satellite_diff_pct"] == nil {
		t.Errorf("Expected drone difference in demo metrics, got %v", m)
	}
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "ignored")
	if field != "" {
		part, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		part.Write([]byte(content))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploads(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	body, contentType := multipartBody(t, "file", "field.tif", "GEOTIFF")
	req := httptest.NewRequest("POST", "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["file_id"] != "f-1" || resp["filename"] != "field.tif" {
		t.Errorf("Unexpected upload %v", resp)
	}

	w = do(t, router, "GET", "/uploads", "")
	if resp := decodeBody(t, w); resp["count"] != 1.0 {
		t.Errorf("Expected 1 upload, got %v", resp)
	}

	if w := do(t, router, "DELETE", "/uploads/f-1", ""); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", "/uploads/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestUploads_OutliveServerReadTimeout(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	ts := httptest.NewUnstartedServer(router)
	ts.Config.ReadTimeout = 50 * time.Millisecond
	ts.Start()
	defer ts.Close()

	// The body trickles in for longer than the server read timeout.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", "field.tif")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		part.Write([]byte("GEOTIFF"))
		time.Sleep(200 * time.Millisecond)
		part.Write([]byte("-TAIL"))
		pw.CloseWithError(mw.Close())
	}()

	resp, err := http.Post(ts.URL+"/uploads", mw.FormDataContentType(), pr)
	if err != nil {
		t.Fatalf("POST /uploads failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, b)
	}
}

func TestUploads_BadRequests(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	// No file part
	body, contentType := multipartBody(t, "", "", "")
	req := httptest.NewRequest("POST", "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without file, got %d", w.Code)
	}

	// Not multipart
	if w := do(t, router, "POST", "/uploads", `{"file":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for JSON body, got %d", w.Code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}})

	w := do(t, router, "GET", "/collections", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

func TestRouterRoutes(t *testing.T) {
	router := newTestRouter(t, &fakeAnalysisBackend{jobBodies: []string{processingBody}}).(chi.Router)

	want := map[string]bool{
		"GET /health":                false,
		"POST /aoi/normalize":        false,
		"POST /analyses/":            false,
		"GET /analyses/{jobId}/item": false,
		"DELETE /uploads/{fileId}":   false,
	}

	chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if _, ok := want[method+" "+route]; ok {
			want[method+" "+route] = true
		}
		return nil
	})

	for route, found := range want {
		if !found {
			t.Errorf("Expected route %s", route)
		}
	}
}
