package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rzbill/stageflow/pkg/id"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("queue: message not found")
	// ErrAlreadyQueued is returned by Enqueue when a live message already
	// exists for the same job and stage. The existing message id is returned
	// alongside it.
	ErrAlreadyQueued = errors.New("queue: job stage already has a live message")
	// ErrLeaseLost is returned when the caller no longer holds the lease.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrCorrupt is returned when a stored record fails its checksum.
	ErrCorrupt = errors.New("queue: corrupt message record")
)

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("queue: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// EnqueueRequest describes a message to add to a queue.
type EnqueueRequest struct {
	JobID    string
	Stage    string
	Pipeline string
	Payload  json.RawMessage
	Priority int32
	Delay    time.Duration
}

// Validate checks r as a message for queue and returns a *ValidationError
// naming the first bad field.
func (r EnqueueRequest) Validate(queue string) error {
	if err := validateQueueName(queue); err != nil {
		return err
	}
	if strings.TrimSpace(r.JobID) == "" {
		return &ValidationError{Field: "job_id", Reason: "required"}
	}
	if strings.IndexByte(r.JobID, guardSeparator) >= 0 {
		return &ValidationError{Field: "job_id", Reason: "contains NUL"}
	}
	if strings.TrimSpace(r.Stage) == "" {
		return &ValidationError{Field: "stage", Reason: "required"}
	}
	if r.Delay < 0 {
		return &ValidationError{Field: "delay", Reason: "negative"}
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return &ValidationError{Field: "payload", Reason: "not valid JSON"}
	}
	return nil
}

func validateQueueName(queue string) error {
	if strings.TrimSpace(queue) == "" {
		return &ValidationError{Field: "queue", Reason: "required"}
	}
	if strings.ContainsAny(queue, "/\x00") {
		return &ValidationError{Field: "queue", Reason: "must not contain '/' or NUL"}
	}
	return nil
}

// Message is a leasable unit of work.
type Message struct {
	ID         id.ID           `json:"msg_id"`
	Queue      string          `json:"queue"`
	JobID      string          `json:"job_id"`
	Stage      string          `json:"stage"`
	Pipeline   string          `json:"pipeline,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int32           `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	VisibleAt  time.Time       `json:"visible_at"`
	Deliveries int             `json:"deliveries"`
	Lease      *Lease          `json:"lease,omitempty"`
}

// header is the persisted form of a message minus its payload.
type header struct {
	Queue       string `json:"queue"`
	JobID       string `json:"job_id"`
	Stage       string `json:"stage"`
	Pipeline    string `json:"pipeline,omitempty"`
	Priority    int32  `json:"priority"`
	EnqueuedMs  int64  `json:"enqueued_ms"`
	VisibleAtMs int64  `json:"visible_at_ms"`
	Deliveries  int    `json:"deliveries"`
}

func encodeMessage(m Message) ([]byte, error) {
	h, err := json.Marshal(header{
		Queue:       m.Queue,
		JobID:       m.JobID,
		Stage:       m.Stage,
		Pipeline:    m.Pipeline,
		Priority:    m.Priority,
		EnqueuedMs:  m.EnqueuedAt.UnixMilli(),
		VisibleAtMs: m.VisibleAt.UnixMilli(),
		Deliveries:  m.Deliveries,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal message header: %w", err)
	}
	return encodeRecord(h, m.Payload), nil
}

func decodeMessage(msgID id.ID, b []byte) (Message, error) {
	hb, payload, ok := decodeRecord(b)
	if !ok {
		return Message{}, ErrCorrupt
	}
	var h header
	if err := json.Unmarshal(hb, &h); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	m := Message{
		ID:         msgID,
		Queue:      h.Queue,
		JobID:      h.JobID,
		Stage:      h.Stage,
		Pipeline:   h.Pipeline,
		Priority:   h.Priority,
		EnqueuedAt: time.UnixMilli(h.EnqueuedMs).UTC(),
		VisibleAt:  time.UnixMilli(h.VisibleAtMs).UTC(),
		Deliveries: h.Deliveries,
	}
	if len(payload) > 0 {
		m.Payload = json.RawMessage(payload)
	}
	return m, nil
}

// Request rebuilds the enqueue request that would reproduce m unchanged.
func (m Message) Request() EnqueueRequest {
	return EnqueueRequest{
		JobID:    m.JobID,
		Stage:    m.Stage,
		Pipeline: m.Pipeline,
		Payload:  m.Payload,
		Priority: m.Priority,
	}
}
