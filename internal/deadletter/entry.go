package deadletter

import (
	"errors"
	"time"

	"github.com/rzbill/stageflow/internal/queue"
	"github.com/rzbill/stageflow/pkg/id"
)

// Reason explains why a message was dead-lettered.
type Reason string

const (
	ReasonMaxAttempts Reason = "max_attempts_exceeded"
	ReasonFatal       Reason = "fatal_error"
	ReasonUnroutable  Reason = "unroutable_stage"
)

// ErrNotFound is returned when a dead letter does not exist.
var ErrNotFound = errors.New("deadletter: entry not found")

// Entry is an immutable dead-letter record.
type Entry struct {
	Queue        string            `json:"queue"`
	MsgID        id.ID             `json:"msg_id"`
	JobID        string            `json:"job_id"`
	Pipeline     string            `json:"pipeline,omitempty"`
	Stage        string            `json:"stage"`
	Reason       Reason            `json:"reason"`
	LastError    string            `json:"last_error,omitempty"`
	ErrorContext map[string]string `json:"error_context,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	Message      queue.Message     `json:"original_message"`
	RoutedAt     time.Time         `json:"routed_at"`
}

// Request describes a message to move to the dead-letter store.
type Request struct {
	Queue        string
	Message      queue.Message
	Reason       Reason
	LastError    string
	ErrorContext map[string]string
	AttemptCount int
}

// Keyspace: dlq/{queue}/{msg_id}
const prefixDLQ = "dlq/"

func queuePrefix(q string) []byte {
	k := make([]byte, 0, len(prefixDLQ)+len(q)+1+16)
	k = append(k, prefixDLQ...)
	k = append(k, q...)
	return append(k, '/')
}

func entryKey(q string, msgID id.ID) []byte {
	return append(queuePrefix(q), msgID[:]...)
}
