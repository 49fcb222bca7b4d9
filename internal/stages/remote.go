package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rzbill/stageflow/internal/config"
	"github.com/rzbill/stageflow/internal/runner"
	"github.com/rzbill/stageflow/pkg/log"
)

const maxResponseBytes = 32 << 20

// Request is the body POSTed to a remote stage handler.
type Request struct {
	JobID       string          `json:"job_id"`
	Pipeline    string          `json:"pipeline"`
	Stage       string          `json:"stage"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Response is the body a remote stage handler returns on success.
type Response struct {
	Payload             json.RawMessage `json:"payload,omitempty"`
	Complete            bool            `json:"complete,omitempty"`
	Artifact            []byte          `json:"artifact,omitempty"`
	ArtifactContentType string          `json:"artifact_content_type,omitempty"`
}

// StatusError is a non-2xx reply from a remote handler.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote handler returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("remote handler returned %d: %s", e.Code, e.Body)
}

// Remote is a runner.Handler that delegates the stage to an HTTP service.
type Remote struct {
	url    string
	client *http.Client
	logger log.Logger
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithClient sets the HTTP client. Its Timeout is overridden by the stage
// handler timeout when that is set.
func WithClient(c *http.Client) RemoteOption { return func(r *Remote) { r.client = c } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) RemoteOption { return func(r *Remote) { r.logger = l } }

// NewRemote builds a handler for cfg. cfg.URL must be set.
func NewRemote(cfg config.HandlerConfig, opts ...RemoteOption) (*Remote, error) {
	if cfg.URL == "" {
		return nil, errors.New("stages: handler url is required")
	}
	r := &Remote{url: cfg.URL, client: &http.Client{}, logger: log.NewNop()}
	for _, o := range opts {
		o(r)
	}
	if cfg.TimeoutSeconds > 0 {
		c := *r.client
		c.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		r.client = &c
	}
	r.logger = r.logger.WithComponent("remote-stage")
	return r, nil
}

// Handle implements runner.Handler.
func (r *Remote) Handle(ctx context.Context, jobID string, payload json.RawMessage, info runner.StageInfo) (runner.Result, error) {
	body, err := json.Marshal(Request{
		JobID:       jobID,
		Pipeline:    info.Pipeline,
		Stage:       info.Stage,
		Attempt:     info.Attempt,
		MaxAttempts: info.MaxAttempts,
		Payload:     payload,
	})
	if err != nil {
		return runner.Result{}, runner.Fatal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return runner.Result{}, runner.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return runner.Result{}, fmt.Errorf("call %s: %w", r.url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return runner.Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(truncate(data, 512)))}
		if Retryable(resp.StatusCode) {
			return runner.Result{}, serr
		}
		return runner.Result{}, runner.Fatal(serr)
	}

	var out Response
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return runner.Result{}, runner.Fatal(fmt.Errorf("decode response: %w", err))
		}
	}
	r.logger.Debug("remote stage finished",
		log.Str("job_id", jobID),
		log.Str("stage", info.Stage),
		log.Int("status", resp.StatusCode),
	)
	return runner.Result{
		Payload:             out.Payload,
		Complete:            out.Complete,
		Artifact:            out.Artifact,
		ArtifactContentType: out.ArtifactContentType,
	}, nil
}

// Retryable reports whether a failed reply with code is worth retrying:
// timeouts, rate limiting and server errors are, other client errors are
// not.
func Retryable(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

var _ runner.Handler = (*Remote)(nil)
