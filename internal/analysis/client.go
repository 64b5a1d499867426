package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robert-malhotra/canopy-watch/pkg/aoi"
)

const (
	// DefaultBaseURL is the default analysis backend URL.
	DefaultBaseURL = "http://localhost:8000"

	// RequestIDHeader carries the per-request correlation ID.
	RequestIDHeader = "X-Request-ID"

	userAgent = "canopy-watch/1.0"

	// maxBodyBytes bounds how much of a backend response is read.
	maxBodyBytes = 16 << 20

	// DefaultUploadTimeout bounds a drone image upload.
	DefaultUploadTimeout = 15 * time.Minute
)

// Client handles communication with the analysis backend.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	uploadClient *http.Client
	logger       *slog.Logger
	now          func() time.Time
}

// NewClient creates a new analysis backend client.
// timeout bounds every JSON round trip. Uploads use DefaultUploadTimeout
// unless WithUploadTimeout says otherwise.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout, Transport: transport},
		uploadClient: &http.Client{Timeout: DefaultUploadTimeout, Transport: transport},
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// WithLogger sets a custom logger for the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// WithHTTPClient replaces the underlying HTTP client. Uploads share its
// transport but keep their own timeout.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	c.uploadClient = &http.Client{
		Transport:     hc.Transport,
		CheckRedirect: hc.CheckRedirect,
		Jar:           hc.Jar,
		Timeout:       c.uploadClient.Timeout,
	}
	return c
}

// WithUploadTimeout sets the timeout for drone image uploads. Zero or less
// disables it, leaving only the request context as a bound.
func (c *Client) WithUploadTimeout(timeout time.Duration) *Client {
	if timeout < 0 {
		timeout = 0
	}
	c.uploadClient.Timeout = timeout
	return c
}

type submitBody struct {
	Geometry    json.RawMessage `json:"geometry"`
	PastYear    int             `json:"past_year"`
	PresentYear int             `json:"present_year"`
}

// Submit creates a job on the backend and returns its handle.
// All failures are *SubmissionError.
func (c *Client) Submit(ctx context.Context, req Request) (*JobHandle, error) {
	geometry, err := aoi.GeometryJSON(req.Geometry)
	if err != nil {
		return nil, &SubmissionError{Detail: "failed to encode geometry", Err: err}
	}

	payload, err := json.Marshal(submitBody{
		Geometry:    geometry,
		PastYear:    req.PastYear,
		PresentYear: req.PresentYear,
	})
	if err != nil {
		return nil, &SubmissionError{Detail: "failed to encode request", Err: err}
	}

	query := url.Values{}
	if req.DroneImageID != "" {
		query.Set("drone_image_id", req.DroneImageID)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/analyze", query, bytes.NewReader(payload))
	if err != nil {
		return nil, &SubmissionError{Detail: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.DebugContext(ctx, "submitting analysis job",
		slog.Int("past_year", req.PastYear),
		slog.Int("present_year", req.PresentYear),
		slog.Bool("drone", req.DroneImageID != ""),
		slog.String("request_id", httpReq.Header.Get(RequestIDHeader)),
	)

	status, body, err := c.do(httpReq)
	if err != nil {
		c.logger.ErrorContext(ctx, "analysis backend request failed",
			slog.String("error", err.Error()),
		)
		return nil, &SubmissionError{Detail: "backend unreachable", Err: err}
	}

	if status < 200 || status > 299 {
		detail := errorDetail(body, status)
		c.logger.WarnContext(ctx, "analysis backend rejected job",
			slog.Int("status_code", status),
			slog.String("detail", detail),
		)
		return nil, &SubmissionError{StatusCode: status, Detail: detail}
	}

	var handle JobHandle
	if err := json.Unmarshal(body, &handle); err != nil {
		return nil, &SubmissionError{StatusCode: status, Detail: "invalid job creation response", Err: err}
	}
	if handle.ID == "" {
		return nil, &SubmissionError{StatusCode: status, Detail: "job creation response has no job_id"}
	}
	if handle.Status == "" {
		handle.Status = StatusSubmitted
	}

	c.logger.InfoContext(ctx, "analysis job submitted",
		slog.String("job_id", handle.ID),
		slog.Bool("includes_drone_data", handle.IncludesDroneData),
	)

	return &handle, nil
}

// Poll performs one status round trip for jobID. It never loops.
// A 404 returns a *JobFailedError wrapping ErrJobNotFound; every other
// failure is a *TransportError.
func (c *Client) Poll(ctx context.Context, jobID string) (Snapshot, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, nil)
	if err != nil {
		return Snapshot{}, &TransportError{JobID: jobID, Err: err}
	}

	status, body, err := c.do(httpReq)
	if err != nil {
		return Snapshot{}, &TransportError{JobID: jobID, Err: err}
	}

	if status == http.StatusNotFound {
		return Snapshot{}, &JobFailedError{JobID: jobID, Message: errorDetail(body, status), Err: ErrJobNotFound}
	}
	if status != http.StatusOK {
		return Snapshot{}, &TransportError{
			JobID:      jobID,
			StatusCode: status,
			Err:        errors.New(errorDetail(body, status)),
		}
	}

	snap, err := decodeSnapshot(jobID, body, c.now())
	if err != nil {
		return Snapshot{}, &TransportError{JobID: jobID, StatusCode: status, Err: err}
	}

	c.logger.DebugContext(ctx, "polled analysis job",
		slog.String("job_id", jobID),
		slog.String("status", string(snap.Status)),
	)

	return snap, nil
}

// Health checks the backend health endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	status, body, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis backend request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("analysis backend returned status %d: %s", status, errorDetail(body, status))
	}

	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Demo runs the backend's synthetic analysis and returns its result.
func (c *Client) Demo(ctx context.Context) (*Result, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/analyze-demo", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	status, body, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis backend request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("analysis backend returned status %d: %s", status, errorDetail(body, status))
	}

	return decodeResult(body)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	reqID := RequestIDFromContext(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	req.Header.Set(RequestIDHeader, reqID)

	return req, nil
}

type requestIDKey struct{}

// ContextWithRequestID returns a context whose backend requests carry id as
// their correlation ID instead of a fresh one.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the correlation ID set by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// do executes req with the JSON client and returns the status code and body.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	return c.doWith(c.httpClient, req)
}

func (c *Client) doWith(hc *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, body, nil
}
