package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	TypeQueued       Type = "queued"
	TypeProcessing   Type = "processing"
	TypeCompleted    Type = "completed"
	TypeError        Type = "error"
	TypeDeadLettered Type = "dead_lettered"
	TypeForwarded    Type = "forwarded"
)

// Event is one immutable entry of a job's audit trail.
type Event struct {
	Seq       uint64         `json:"seq"`
	JobID     string         `json:"job_id"`
	Stage     string         `json:"stage"`
	Type      Type           `json:"event_type"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type eventHeader struct {
	Type      Type   `json:"t"`
	Stage     string `json:"s"`
	CreatedMs int64  `json:"ts"`
}

type eventBody struct {
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func encodeEvent(ev Event) ([]byte, error) {
	h, err := json.Marshal(eventHeader{Type: ev.Type, Stage: ev.Stage, CreatedMs: ev.CreatedAt.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("encode event header: %w", err)
	}
	body, err := json.Marshal(eventBody{Message: ev.Message, Metadata: ev.Metadata})
	if err != nil {
		return nil, fmt.Errorf("encode event body: %w", err)
	}
	return encodeRecord(h, body), nil
}

func decodeEvent(jobID string, seq uint64, b []byte) (Event, bool) {
	hb, pb, ok := decodeRecord(b)
	if !ok {
		return Event{}, false
	}
	var h eventHeader
	var body eventBody
	if json.Unmarshal(hb, &h) != nil || json.Unmarshal(pb, &body) != nil {
		return Event{}, false
	}
	return Event{
		Seq:       seq,
		JobID:     jobID,
		Stage:     h.Stage,
		Type:      h.Type,
		Message:   body.Message,
		Metadata:  body.Metadata,
		CreatedAt: time.UnixMilli(h.CreatedMs).UTC(),
	}, true
}
