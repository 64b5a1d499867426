package analysis

import (
	"errors"
	"fmt"
)

// DefaultJobFailedMessage is used when the backend reports a failure without detail.
const DefaultJobFailedMessage = "analysis job failed"

var (
	// ErrNotFound is returned when the backend reports a missing upload.
	ErrNotFound = errors.New("not found")

	// ErrJobNotFound is returned by Poll when the backend no longer knows the
	// job, for example after it restarted. It is permanent and never retried.
	ErrJobNotFound = errors.New("job not found on backend")
)

// SubmissionError is returned when a job could not be created.
type SubmissionError struct {
	StatusCode int // 0 when the request never reached the backend
	Detail     string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analysis submission failed: %s: %v", e.Detail, e.Err)
	}
	return "analysis submission failed: " + e.Detail
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// TransportError is returned when a single status round trip fails.
// Watch retries these on the next tick.
type TransportError struct {
	JobID      string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("polling job %s: status %d: %v", e.JobID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("polling job %s: %v", e.JobID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// JobFailedError is delivered when the backend reports the job as failed
// or no longer knows it. Err is ErrJobNotFound in the latter case.
type JobFailedError struct {
	JobID   string
	Message string
	Err     error
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

func (e *JobFailedError) Unwrap() error {
	return e.Err
}

func newJobFailedError(snap Snapshot) *JobFailedError {
	msg := snap.Error
	if msg == "" {
		msg = DefaultJobFailedMessage
	}
	return &JobFailedError{JobID: snap.JobID, Message: msg}
}
