package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the state of a stage attempt record.
type Status string

const (
	StatusRunning      Status = "running"
	StatusRetrying     Status = "retrying"
	StatusCompleted    Status = "completed"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether a new StartAttempt begins a fresh run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// ErrNotFound is returned when no record exists for a job stage.
var ErrNotFound = errors.New("ledger: record not found")

// Record tracks attempts of one stage for one job.
type Record struct {
	Pipeline          string     `json:"pipeline"`
	JobID             string     `json:"job_id"`
	Stage             string     `json:"stage"`
	AttemptCount      int        `json:"attempt_count"`
	MaxAttempts       int        `json:"max_attempts"`
	LastError         string     `json:"last_error,omitempty"`
	RetryDelayMs      int64      `json:"retry_delay_ms"`
	RetryDelaySeconds float64    `json:"retry_delay_seconds"`
	Priority          int32      `json:"priority"`
	Status            Status     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// RetryDelay returns the delay before the next attempt.
func (r Record) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelayMs) * time.Millisecond
}

// Exhausted reports whether the attempt budget is used up.
func (r Record) Exhausted() bool {
	return r.AttemptCount >= r.MaxAttempts
}

// Keyspace: l/{job_id}\x00{pipeline}\x00{stage}
const prefixLedger = "l/"

func jobPrefix(jobID string) []byte {
	k := make([]byte, 0, len(prefixLedger)+len(jobID)+1)
	k = append(k, prefixLedger...)
	k = append(k, jobID...)
	return append(k, 0)
}

func recordKey(pipeline, jobID, stage string) []byte {
	k := jobPrefix(jobID)
	k = append(k, pipeline...)
	k = append(k, 0)
	return append(k, stage...)
}

func validateKey(pipeline, jobID, stage string) error {
	for name, v := range map[string]string{"pipeline": pipeline, "job_id": jobID, "stage": stage} {
		if v == "" {
			return fmt.Errorf("ledger: %s is required", name)
		}
		if strings.IndexByte(v, 0) >= 0 {
			return fmt.Errorf("ledger: %s contains NUL", name)
		}
	}
	return nil
}

func encodeRecord(r Record) ([]byte, error) {
	r.RetryDelaySeconds = float64(r.RetryDelayMs) / 1000
	return json.Marshal(r)
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode ledger record: %w", err)
	}
	return r, nil
}
