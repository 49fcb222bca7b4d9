package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/stageflow/pkg/id"
)

// Handler performs the domain work of one stage for one job.
//
// Returning an error schedules a retry; wrap it with Fatal to dead-letter
// immediately, or return a *PartialError to keep partial output.
type Handler interface {
	Handle(ctx context.Context, jobID string, payload json.RawMessage, info StageInfo) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, jobID string, payload json.RawMessage, info StageInfo) (Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, jobID string, payload json.RawMessage, info StageInfo) (Result, error) {
	return f(ctx, jobID, payload, info)
}

// Result is the outcome of a successful stage.
type Result struct {
	// Payload is shallow-merged into the job payload.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Complete ends the pipeline after this stage.
	Complete bool `json:"complete,omitempty"`
	// Artifact, when set, is stored for (pipeline, job, stage).
	Artifact            []byte `json:"artifact,omitempty"`
	ArtifactContentType string `json:"artifact_content_type,omitempty"`
}

// StageInfo describes the delivery being handled.
type StageInfo struct {
	Pipeline    string
	Stage       string
	Queue       string
	MsgID       id.ID
	Attempt     int
	MaxAttempts int
	Deliveries  int

	extend func(ctx context.Context, additional time.Duration) error
}

// ExtendLease keeps the message invisible for additional more time. It
// returns queue.ErrLeaseLost if another worker has taken the message.
func (s StageInfo) ExtendLease(ctx context.Context, additional time.Duration) error {
	if s.extend == nil {
		return errors.New("runner: lease extension unavailable")
	}
	return s.extend(ctx, additional)
}

// FatalError marks a failure that retrying cannot fix.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so the runner dead-letters the message without retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf is Fatal(fmt.Errorf(format, args...)).
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// IsFatal reports whether err, or anything it wraps, is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// PartialError is a transient failure that still produced output. The
// payload is merged into the job and into the retried message, and the job
// is marked processing_with_errors.
type PartialError struct {
	Payload json.RawMessage
	Err     error
}

func (e *PartialError) Error() string { return "partial: " + e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *PartialError) Unwrap() error { return e.Err }
