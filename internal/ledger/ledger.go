package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
	"github.com/rzbill/stageflow/pkg/log"
)

// Ledger persists stage attempt records and computes retry delays.
type Ledger struct {
	db       *pebblestore.DB
	policies PolicyResolver
	now      func() time.Time
	rnd      func() float64
	logger   log.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithRand overrides the jitter source. It must return values in [0, 1).
func WithRand(rnd func() float64) Option { return func(l *Ledger) { l.rnd = rnd } }

// WithLogger sets the logger.
func WithLogger(lg log.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// New creates a Ledger. A nil resolver uses DefaultPolicy for every stage.
func New(db *pebblestore.DB, policies PolicyResolver, opts ...Option) *Ledger {
	if policies == nil {
		policies = StaticPolicy(DefaultPolicy())
	}
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex
	l := &Ledger{
		db:       db,
		policies: policies,
		now:      time.Now,
		rnd: func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		},
		logger: log.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.WithComponent("ledger")
	return l
}

// DB returns the underlying database.
func (l *Ledger) DB() *pebblestore.DB { return l.db }

// Policy returns the resolved policy for a stage.
func (l *Ledger) Policy(pipeline, stage string) Policy {
	return l.policies.Policy(pipeline, stage)
}

// StartAttempt initializes the record on the first attempt and increments
// the counter on later ones. A record left completed or dead-lettered by an
// earlier run starts again from 1.
func (l *Ledger) StartAttempt(ctx context.Context, pipeline, jobID, stage string, priority int32) (Record, error) {
	var r Record
	err := l.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		r, err = l.StartAttemptTx(tx, pipeline, jobID, stage, priority)
		return err
	})
	return r, err
}

// StartAttemptTx is StartAttempt inside tx.
func (l *Ledger) StartAttemptTx(tx *pebblestore.Tx, pipeline, jobID, stage string, priority int32) (Record, error) {
	if err := validateKey(pipeline, jobID, stage); err != nil {
		return Record{}, err
	}
	now := l.now().UTC()
	r, err := l.getTx(tx, pipeline, jobID, stage)
	switch {
	case errors.Is(err, ErrNotFound) || (err == nil && r.Status.Terminal()):
		r = Record{
			Pipeline:  pipeline,
			JobID:     jobID,
			Stage:     stage,
			StartedAt: now,
		}
	case err != nil:
		return Record{}, err
	}
	r.AttemptCount++
	r.MaxAttempts = l.maxAttempts(pipeline, stage)
	r.Priority = priority
	r.Status = StatusRunning
	r.UpdatedAt = now
	return r, l.putTx(tx, r)
}

// CompleteAttempt marks the stage completed. The attempt count is kept.
func (l *Ledger) CompleteAttempt(ctx context.Context, pipeline, jobID, stage string) (Record, error) {
	var r Record
	err := l.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		r, err = l.CompleteAttemptTx(tx, pipeline, jobID, stage)
		return err
	})
	return r, err
}

// CompleteAttemptTx is CompleteAttempt inside tx.
func (l *Ledger) CompleteAttemptTx(tx *pebblestore.Tx, pipeline, jobID, stage string) (Record, error) {
	r, err := l.getTx(tx, pipeline, jobID, stage)
	if err != nil {
		return Record{}, err
	}
	now := l.now().UTC()
	r.Status = StatusCompleted
	r.LastError = ""
	r.RetryDelayMs = 0
	r.UpdatedAt = now
	r.FinishedAt = &now
	return r, l.putTx(tx, r)
}

// FailAttempt records cause and computes the next retry delay:
//
//	delay = max(previous, min(cap, base * 2^(attempt-1) * (1 + jitter)))
//
// so delays never shrink until they reach the cap. The record priority is
// adjusted by the policy's RetryPriorityDelta.
func (l *Ledger) FailAttempt(ctx context.Context, pipeline, jobID, stage string, cause error) (Record, error) {
	var r Record
	err := l.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		r, err = l.FailAttemptTx(tx, pipeline, jobID, stage, cause)
		return err
	})
	return r, err
}

// FailAttemptTx is FailAttempt inside tx. A missing record is created as a
// first attempt.
func (l *Ledger) FailAttemptTx(tx *pebblestore.Tx, pipeline, jobID, stage string, cause error) (Record, error) {
	if err := validateKey(pipeline, jobID, stage); err != nil {
		return Record{}, err
	}
	now := l.now().UTC()
	r, err := l.getTx(tx, pipeline, jobID, stage)
	if errors.Is(err, ErrNotFound) {
		r = Record{
			Pipeline:     pipeline,
			JobID:        jobID,
			Stage:        stage,
			AttemptCount: 1,
			MaxAttempts:  l.maxAttempts(pipeline, stage),
			StartedAt:    now,
		}
	} else if err != nil {
		return Record{}, err
	}

	p := l.policies.Policy(pipeline, stage)
	delay := ComputeBackoff(p, r.AttemptCount, l.rnd)
	if prev := r.RetryDelay(); prev > delay {
		delay = prev
	}
	r.RetryDelayMs = delay.Milliseconds()
	r.Priority += p.RetryPriorityDelta
	if cause != nil {
		r.LastError = cause.Error()
	}
	r.Status = StatusRetrying
	r.UpdatedAt = now
	if err := l.putTx(tx, r); err != nil {
		return Record{}, err
	}
	l.logger.Debug("attempt failed",
		log.Str("pipeline", pipeline),
		log.Str("job_id", jobID),
		log.Str("stage", stage),
		log.Int("attempt", r.AttemptCount),
		log.Dur("retry_delay", delay),
	)
	return r, nil
}

// ShouldDeadLetter reports whether attempt_count >= max_attempts. A job
// stage without a record has not failed and returns false.
func (l *Ledger) ShouldDeadLetter(ctx context.Context, pipeline, jobID, stage string) (bool, error) {
	r, err := l.Get(ctx, pipeline, jobID, stage)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.Exhausted(), nil
}

// ShouldDeadLetterTx is ShouldDeadLetter inside tx.
func (l *Ledger) ShouldDeadLetterTx(tx *pebblestore.Tx, pipeline, jobID, stage string) (bool, error) {
	r, err := l.getTx(tx, pipeline, jobID, stage)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.Exhausted(), nil
}

// MarkDeadLetteredTx closes the record after its message was dead-lettered.
// A missing record is created so the dead letter is visible in status.
func (l *Ledger) MarkDeadLetteredTx(tx *pebblestore.Tx, pipeline, jobID, stage, lastError string) (Record, error) {
	if err := validateKey(pipeline, jobID, stage); err != nil {
		return Record{}, err
	}
	now := l.now().UTC()
	r, err := l.getTx(tx, pipeline, jobID, stage)
	if errors.Is(err, ErrNotFound) {
		r = Record{
			Pipeline:    pipeline,
			JobID:       jobID,
			Stage:       stage,
			MaxAttempts: l.maxAttempts(pipeline, stage),
			StartedAt:   now,
		}
	} else if err != nil {
		return Record{}, err
	}
	if lastError != "" {
		r.LastError = lastError
	}
	r.Status = StatusDeadLettered
	r.UpdatedAt = now
	r.FinishedAt = &now
	return r, l.putTx(tx, r)
}

// Get returns the record for a job stage.
func (l *Ledger) Get(ctx context.Context, pipeline, jobID, stage string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if err := validateKey(pipeline, jobID, stage); err != nil {
		return Record{}, err
	}
	b, err := l.db.Get(recordKey(pipeline, jobID, stage))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get ledger record: %w", err)
	}
	return decodeRecord(b)
}

// List returns every stage record of a job ordered by pipeline then stage.
func (l *Ledger) List(ctx context.Context, jobID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kvs, err := l.db.Scan(jobPrefix(jobID), 0, false)
	if err != nil {
		return nil, fmt.Errorf("list ledger records: %w", err)
	}
	out := make([]Record, 0, len(kvs))
	for _, kv := range kvs {
		r, err := decodeRecord(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (l *Ledger) maxAttempts(pipeline, stage string) int {
	m := l.policies.Policy(pipeline, stage).MaxAttempts
	if m < 1 {
		m = 1
	}
	return m
}

func (l *Ledger) getTx(tx *pebblestore.Tx, pipeline, jobID, stage string) (Record, error) {
	b, err := tx.Get(recordKey(pipeline, jobID, stage))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get ledger record: %w", err)
	}
	return decodeRecord(b)
}

func (l *Ledger) putTx(tx *pebblestore.Tx, r Record) error {
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	return tx.Set(recordKey(r.Pipeline, r.JobID, r.Stage), b)
}
