package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued               Status = "queued"
	StatusProcessing           Status = "processing"
	StatusProcessingWithErrors Status = "processing_with_errors"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

// Terminal reports whether no further stage will run.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("jobs: job not found")
	// ErrJobExists is returned when creating a job whose id is taken.
	ErrJobExists = errors.New("jobs: job already exists")
	// ErrInvalid wraps every rejection of a malformed job.
	ErrInvalid = errors.New("jobs: invalid job")
)

// Job is the orchestrator's view of one unit of pipeline work.
type Job struct {
	ID           string          `json:"job_id"`
	Pipeline     string          `json:"pipeline"`
	CurrentStage string          `json:"current_stage"`
	Status       Status          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int32           `json:"priority"`
	JobType      string          `json:"job_type,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

func (j Job) validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalid)
	}
	if strings.IndexByte(j.ID, 0) >= 0 {
		return fmt.Errorf("%w: job_id contains NUL", ErrInvalid)
	}
	if strings.TrimSpace(j.Pipeline) == "" {
		return fmt.Errorf("%w: pipeline is required", ErrInvalid)
	}
	if j.CurrentStage == "" {
		return fmt.Errorf("%w: current_stage is required", ErrInvalid)
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalid)
	}
	return nil
}

// MergePayload shallow-merges the top-level keys of delta into base. When
// either side is not a JSON object delta replaces base. Empty inputs are
// ignored.
func MergePayload(base, delta json.RawMessage) (json.RawMessage, error) {
	if len(delta) == 0 || string(delta) == "null" {
		return base, nil
	}
	if !json.Valid(delta) {
		return nil, fmt.Errorf("jobs: merge: delta is not valid JSON")
	}
	if len(base) == 0 || string(base) == "null" {
		return delta, nil
	}
	var b, d map[string]json.RawMessage
	if json.Unmarshal(base, &b) != nil || json.Unmarshal(delta, &d) != nil || b == nil || d == nil {
		return delta, nil
	}
	for k, v := range d {
		b[k] = v
	}
	out, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("jobs: merge: %w", err)
	}
	return out, nil
}
