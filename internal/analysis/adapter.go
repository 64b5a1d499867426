package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// jobEnvelope is the /jobs/{id} response. Completed payloads arrive either
// nested under "result" or flattened onto the envelope itself.
type jobEnvelope struct {
	JobID               string          `json:"job_id"`
	Status              string          `json:"status"`
	Error               *string         `json:"error"`
	Result              json.RawMessage `json:"result"`
	SatelliteComparison json.RawMessage `json:"satellite_comparison"`
}

// decodeSnapshot adapts a job status body into a canonical Snapshot.
func decodeSnapshot(jobID string, body []byte, observedAt time.Time) (Snapshot, error) {
	var env jobEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode job status: %w", err)
	}

	status := Status(strings.ToLower(strings.TrimSpace(env.Status)))
	if status == "" && present(env.SatelliteComparison) {
		status = StatusCompleted
	}
	if !status.Valid() {
		return Snapshot{}, fmt.Errorf("unexpected job status %q", env.Status)
	}

	snap := Snapshot{
		JobID:      jobID,
		Status:     status,
		ObservedAt: observedAt,
	}
	if env.Error != nil {
		snap.Error = *env.Error
	}

	if status == StatusCompleted {
		payload := env.Result
		if !present(payload) {
			if !present(env.SatelliteComparison) {
				return Snapshot{}, fmt.Errorf("completed job has no result")
			}
			payload = body
		}
		result, err := decodeResultPayload(payload)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Result = result
	}

	return snap, nil
}

// ParseResult decodes a completed result in either the nested or the bare
// layout.
func ParseResult(body []byte) (*Result, error) {
	return decodeResult(body)
}

// decodeResult adapts a bare result body (for example the demo endpoint),
// which may itself be wrapped in a "result" field.
func decodeResult(body []byte) (*Result, error) {
	var wrapper struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	if present(wrapper.Result) {
		return decodeResultPayload(wrapper.Result)
	}
	return decodeResultPayload(body)
}

func decodeResultPayload(payload []byte) (*Result, error) {
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// errorDetail extracts the message from a non-success body: FastAPI-style
// {"detail": ...} JSON or plain text.
func errorDetail(body []byte, statusCode int) string {
	trimmed := bytes.TrimSpace(body)

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(trimmed, &payload) == nil && present(payload.Detail) {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			if s != "" {
				return s
			}
		} else {
			// Validation errors carry a structured detail; pass it through compacted.
			var buf bytes.Buffer
			if json.Compact(&buf, payload.Detail) == nil {
				return buf.String()
			}
		}
	}

	if len(trimmed) > 0 && !json.Valid(trimmed) {
		return string(trimmed)
	}

	return fmt.Sprintf("backend returned status %d", statusCode)
}
