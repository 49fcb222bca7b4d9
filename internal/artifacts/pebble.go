package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
)

// Keyspace: art/{job_id}\x00{pipeline}\x00{stage}
const prefixArtifact = "art/"

func artifactKey(pipeline, jobID, stage string) []byte {
	k := make([]byte, 0, len(prefixArtifact)+len(jobID)+len(pipeline)+len(stage)+2)
	k = append(k, prefixArtifact...)
	k = append(k, jobID...)
	k = append(k, 0)
	k = append(k, pipeline...)
	k = append(k, 0)
	return append(k, stage...)
}

// PebbleStore keeps artifacts next to the rest of the pipeline state.
type PebbleStore struct {
	db  *pebblestore.DB
	now func() time.Time
}

// NewPebbleStore creates a PebbleStore.
func NewPebbleStore(db *pebblestore.DB) *PebbleStore {
	return &PebbleStore{db: db, now: time.Now}
}

// Put implements Store.
func (s *PebbleStore) Put(ctx context.Context, a Artifact) error {
	if err := validate(a.Pipeline, a.JobID, a.Stage); err != nil {
		return err
	}
	if a.ContentType == "" {
		a.ContentType = defaultContentType
	}
	a.UpdatedAt = s.now().UTC()
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		return tx.Set(artifactKey(a.Pipeline, a.JobID, a.Stage), b)
	})
}

// Get implements Store.
func (s *PebbleStore) Get(ctx context.Context, pipeline, jobID, stage string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if err := validate(pipeline, jobID, stage); err != nil {
		return Artifact{}, err
	}
	b, err := s.db.Get(artifactKey(pipeline, jobID, stage))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	return a, nil
}
