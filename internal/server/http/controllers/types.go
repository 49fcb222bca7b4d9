package controllers

import "encoding/json"

// Common request/response types for HTTP controllers

// submitReq represents a request to submit a new job.
type submitReq struct {
	Pipeline     string          `json:"pipeline"`
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	Stage        string          `json:"stage"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int32           `json:"priority"`
	DelaySeconds float64         `json:"delay_seconds"`
}

// enqueueReq represents a raw message for a queue.
type enqueueReq struct {
	JobID        string          `json:"job_id"`
	Stage        string          `json:"stage"`
	Pipeline     string          `json:"pipeline"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int32           `json:"priority"`
	DelaySeconds float64         `json:"delay_seconds"`
}

// enqueueResp identifies an enqueued message.
type enqueueResp struct {
	MsgID string `json:"msg_id"`
	Error string `json:"error,omitempty"`
}
