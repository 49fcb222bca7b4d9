package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
)

// Keyspace: j/{job_id}
const prefixJob = "j/"

func jobKey(jobID string) []byte { return append([]byte(prefixJob), jobID...) }

// Store persists jobs.
type Store struct {
	db  *pebblestore.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New creates a job store over db.
func New(db *pebblestore.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewID returns a fresh job id.
func NewID() string { return uuid.NewString() }

// Create stores a new job in the queued state.
func (s *Store) Create(ctx context.Context, j Job) (Job, error) {
	var out Job
	err := s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		out, err = s.CreateTx(tx, j)
		return err
	})
	return out, err
}

// CreateTx is Create inside tx. An empty id is replaced by a UUID; a taken
// id fails with ErrJobExists.
func (s *Store) CreateTx(tx *pebblestore.Tx, j Job) (Job, error) {
	if j.ID == "" {
		j.ID = NewID()
	}
	if err := j.validate(); err != nil {
		return Job{}, err
	}
	if _, err := s.GetTx(tx, j.ID); err == nil {
		return Job{}, fmt.Errorf("%w: %s", ErrJobExists, j.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return Job{}, err
	}
	now := s.now().UTC()
	j.Status = StatusQueued
	j.CreatedAt = now
	j.UpdatedAt = now
	j.FinishedAt = nil
	return j, s.putTx(tx, j)
}

// Get returns a job by id.
func (s *Store) Get(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	b, err := s.db.Get(jobKey(jobID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return decodeJob(b)
}

// GetTx is Get inside tx.
func (s *Store) GetTx(tx *pebblestore.Tx, jobID string) (Job, error) {
	b, err := tx.Get(jobKey(jobID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return decodeJob(b)
}

// ListOptions filters List.
type ListOptions struct {
	Pipeline string
	Status   Status
	Limit    int
}

// List returns jobs ordered by id, filtered by opts.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kvs, err := s.db.Scan([]byte(prefixJob), 0, false)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var out []Job
	for _, kv := range kvs {
		j, err := decodeJob(kv.Value)
		if err != nil {
			return nil, err
		}
		if opts.Pipeline != "" && j.Pipeline != opts.Pipeline {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		out = append(out, j)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// MarkProcessingTx records that stage has started work on the job.
func (s *Store) MarkProcessingTx(tx *pebblestore.Tx, jobID, stage string) (Job, error) {
	return s.update(tx, jobID, func(j *Job) error {
		j.CurrentStage = stage
		if j.Status != StatusProcessingWithErrors {
			j.Status = StatusProcessing
		}
		return nil
	})
}

// MarkErroredTx records a partial failure in stage and merges the partial
// payload so the retry sees it.
func (s *Store) MarkErroredTx(tx *pebblestore.Tx, jobID, stage string, partial json.RawMessage) (Job, error) {
	return s.update(tx, jobID, func(j *Job) error {
		merged, err := MergePayload(j.Payload, partial)
		if err != nil {
			return err
		}
		j.Payload = merged
		j.CurrentStage = stage
		j.Status = StatusProcessingWithErrors
		return nil
	})
}

// AdvanceTx merges delta into the payload and moves the job to nextStage.
func (s *Store) AdvanceTx(tx *pebblestore.Tx, jobID, nextStage string, delta json.RawMessage) (Job, error) {
	return s.update(tx, jobID, func(j *Job) error {
		merged, err := MergePayload(j.Payload, delta)
		if err != nil {
			return err
		}
		j.Payload = merged
		j.CurrentStage = nextStage
		j.Status = StatusQueued
		return nil
	})
}

// CompleteTx merges delta into the payload and marks the job completed.
func (s *Store) CompleteTx(tx *pebblestore.Tx, jobID string, delta json.RawMessage) (Job, error) {
	return s.update(tx, jobID, func(j *Job) error {
		merged, err := MergePayload(j.Payload, delta)
		if err != nil {
			return err
		}
		j.Payload = merged
		j.Status = StatusCompleted
		now := s.now().UTC()
		j.FinishedAt = &now
		return nil
	})
}

// FailTx marks the job failed at stage.
func (s *Store) FailTx(tx *pebblestore.Tx, jobID, stage string) (Job, error) {
	return s.update(tx, jobID, func(j *Job) error {
		if stage != "" {
			j.CurrentStage = stage
		}
		j.Status = StatusFailed
		now := s.now().UTC()
		j.FinishedAt = &now
		return nil
	})
}

func (s *Store) update(tx *pebblestore.Tx, jobID string, fn func(*Job) error) (Job, error) {
	j, err := s.GetTx(tx, jobID)
	if err != nil {
		return Job{}, err
	}
	if err := fn(&j); err != nil {
		return Job{}, err
	}
	j.UpdatedAt = s.now().UTC()
	return j, s.putTx(tx, j)
}

func (s *Store) putTx(tx *pebblestore.Tx, j Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return tx.Set(jobKey(j.ID), b)
}

func decodeJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}
