package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/stageflow/internal/events"
	"github.com/rzbill/stageflow/internal/jobs"
	"github.com/rzbill/stageflow/internal/ledger"
	"github.com/rzbill/stageflow/internal/queue"
	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
	"github.com/rzbill/stageflow/pkg/id"
	"github.com/rzbill/stageflow/pkg/log"
)

// Router moves messages that cannot make progress out of their queue.
type Router struct {
	db     *pebblestore.DB
	queue  *queue.Store
	jobs   *jobs.Store
	ledger *ledger.Ledger
	events *events.Log
	now    func() time.Time
	logger log.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(r *Router) { r.logger = l } }

// NewRouter creates a Router. All stores must share db.
func NewRouter(db *pebblestore.DB, q *queue.Store, js *jobs.Store, lg *ledger.Ledger, ev *events.Log, opts ...Option) *Router {
	r := &Router{
		db:     db,
		queue:  q,
		jobs:   js,
		ledger: lg,
		events: ev,
		now:    time.Now,
		logger: log.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.WithComponent("deadletter")
	return r
}

// MoveToDeadLetter writes the entry, acks the message, fails the job, closes
// the ledger record and appends a dead_lettered event in one transaction.
func (r *Router) MoveToDeadLetter(ctx context.Context, req Request) (Entry, error) {
	var e Entry
	err := r.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		e, err = r.MoveTx(tx, req)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	r.logger.Warn("message dead-lettered",
		log.Str("queue", e.Queue),
		log.Str("msg_id", e.MsgID.String()),
		log.Str("job_id", e.JobID),
		log.Str("stage", e.Stage),
		log.Str("reason", string(e.Reason)),
		log.Int("attempt_count", e.AttemptCount),
	)
	return e, nil
}

// MoveTx is MoveToDeadLetter inside tx. Moving the same message twice
// returns the first entry unchanged.
func (r *Router) MoveTx(tx *pebblestore.Tx, req Request) (Entry, error) {
	m := req.Message
	if req.Queue == "" || m.ID.IsZero() {
		return Entry{}, errors.New("deadletter: queue and message id are required")
	}
	switch req.Reason {
	case ReasonMaxAttempts, ReasonFatal, ReasonUnroutable:
	default:
		return Entry{}, fmt.Errorf("deadletter: unknown reason %q", req.Reason)
	}

	key := entryKey(req.Queue, m.ID)
	if b, err := tx.Get(key); err == nil {
		return decodeEntry(b)
	} else if !errors.Is(err, pebblestore.ErrNotFound) {
		return Entry{}, fmt.Errorf("read dead letter: %w", err)
	}

	m.Lease = nil
	e := Entry{
		Queue:        req.Queue,
		MsgID:        m.ID,
		JobID:        m.JobID,
		Pipeline:     m.Pipeline,
		Stage:        m.Stage,
		Reason:       req.Reason,
		LastError:    req.LastError,
		ErrorContext: req.ErrorContext,
		AttemptCount: req.AttemptCount,
		Message:      m,
		RoutedAt:     r.now().UTC(),
	}
	b, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode dead letter: %w", err)
	}
	if err := tx.Set(key, b); err != nil {
		return Entry{}, err
	}
	if err := r.queue.AckTx(tx, req.Queue, m.ID); err != nil {
		return Entry{}, fmt.Errorf("ack dead-lettered message: %w", err)
	}
	if _, err := r.jobs.FailTx(tx, m.JobID, m.Stage); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return Entry{}, fmt.Errorf("fail job: %w", err)
	}
	if m.Pipeline != "" {
		if _, err := r.ledger.MarkDeadLetteredTx(tx, m.Pipeline, m.JobID, m.Stage, req.LastError); err != nil {
			return Entry{}, fmt.Errorf("close ledger record: %w", err)
		}
	}
	_, err = r.events.AppendTx(tx, events.Event{
		JobID:   m.JobID,
		Stage:   m.Stage,
		Type:    events.TypeDeadLettered,
		Message: req.LastError,
		Metadata: map[string]any{
			"reason":        string(req.Reason),
			"queue":         req.Queue,
			"msg_id":        m.ID.String(),
			"attempt_count": req.AttemptCount,
		},
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append dead_lettered event: %w", err)
	}
	return e, nil
}

// ListOptions filters List.
type ListOptions struct {
	Queue string // empty lists every queue
	JobID string
	Limit int
}

// List returns dead letters ordered by queue then message id.
func (r *Router) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(prefixDLQ)
	if opts.Queue != "" {
		prefix = queuePrefix(opts.Queue)
	}
	kvs, err := r.db.Scan(prefix, 0, false)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	var out []Entry
	for _, kv := range kvs {
		e, err := decodeEntry(kv.Value)
		if err != nil {
			return nil, err
		}
		if opts.JobID != "" && e.JobID != opts.JobID {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Get returns one dead letter.
func (r *Router) Get(ctx context.Context, q string, msgID id.ID) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	b, err := r.db.Get(entryKey(q, msgID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get dead letter: %w", err)
	}
	return decodeEntry(b)
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return e, nil
}
