package transports

import (
	"context"
	"encoding/json"
)

// SubmitRequest creates a job on a pipeline.
type SubmitRequest struct {
	Pipeline     string          `json:"pipeline"`
	JobID        string          `json:"job_id,omitempty"`
	JobType      string          `json:"job_type,omitempty"`
	Stage        string          `json:"stage,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int32           `json:"priority,omitempty"`
	DelaySeconds float64         `json:"delay_seconds,omitempty"`
}

// EnqueueRequest places a raw message on a named queue.
type EnqueueRequest struct {
	Queue        string          `json:"-"`
	JobID        string          `json:"job_id"`
	Stage        string          `json:"stage"`
	Pipeline     string          `json:"pipeline,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int32           `json:"priority,omitempty"`
	DelaySeconds float64         `json:"delay_seconds,omitempty"`
}

// StatusRequest selects a job and how much of its event log to return.
type StatusRequest struct {
	JobID  string
	Events int    // 0 uses the server default, -1 returns none
	Filter string // CEL filter over events
}

// DeadLetterQuery filters dead-letter listings.
type DeadLetterQuery struct {
	Queue string
	JobID string
	Limit int
}

// Transport is the client surface of a stageflow node. Responses are returned
// as the server's JSON so commands can print them unchanged.
type Transport interface {
	Submit(ctx context.Context, req SubmitRequest) (json.RawMessage, error)
	Status(ctx context.Context, req StatusRequest) (json.RawMessage, error)
	Artifact(ctx context.Context, jobID, stage string) ([]byte, string, error)
	Enqueue(ctx context.Context, req EnqueueRequest) (json.RawMessage, error)
	Trigger(ctx context.Context, pipeline, stage string, async bool) (json.RawMessage, error)
	Backlog(ctx context.Context) (json.RawMessage, error)
	DeadLetters(ctx context.Context, q DeadLetterQuery) (json.RawMessage, error)
}
