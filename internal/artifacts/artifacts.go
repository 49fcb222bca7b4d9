package artifacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when no artifact exists for a job stage.
var ErrNotFound = errors.New("artifacts: not found")

// Artifact is the opaque output one stage produced for one job.
type Artifact struct {
	Pipeline    string    `json:"pipeline"`
	JobID       string    `json:"job_id"`
	Stage       string    `json:"stage"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists artifacts. Put overwrites, so retried stages may write the
// same artifact again.
type Store interface {
	Put(ctx context.Context, a Artifact) error
	Get(ctx context.Context, pipeline, jobID, stage string) (Artifact, error)
}

const defaultContentType = "application/octet-stream"

func validate(pipeline, jobID, stage string) error {
	for name, v := range map[string]string{"pipeline": pipeline, "job_id": jobID, "stage": stage} {
		if v == "" {
			return fmt.Errorf("artifacts: %s is required", name)
		}
		if strings.ContainsAny(v, "/\x00") {
			return fmt.Errorf("artifacts: %s must not contain '/' or NUL", name)
		}
	}
	return nil
}
