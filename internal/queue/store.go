package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
	"github.com/rzbill/stageflow/pkg/id"
	"github.com/rzbill/stageflow/pkg/log"
)

// maxReclaimPerDequeue bounds how many expired leases one dequeue returns to
// the ready index.
const maxReclaimPerDequeue = 1000

// Store is the durable queue. Every mutation runs inside one
// pebblestore.DB.Update, so claims, acks and requeues are atomic.
type Store struct {
	db     *pebblestore.DB
	leases *LeaseManager
	ids    *id.Generator
	now    func() time.Time
	logger log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store over db.
func New(db *pebblestore.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		leases: NewLeaseManager(),
		now:    time.Now,
		logger: log.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.ids = id.NewGenerator(s.now)
	s.logger = s.logger.WithComponent("queue")
	return s
}

// DB returns the underlying database so callers can compose Tx methods.
func (s *Store) DB() *pebblestore.DB { return s.db }

// Leases returns the lease manager.
func (s *Store) Leases() *LeaseManager { return s.leases }

// Now returns the store clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Enqueue adds a message to queue. See EnqueueTx.
func (s *Store) Enqueue(ctx context.Context, queue string, req EnqueueRequest) (id.ID, error) {
	var msgID id.ID
	err := s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		msgID, err = s.EnqueueTx(tx, queue, req)
		return err
	})
	return msgID, err
}

// EnqueueTx adds a message inside tx. The message becomes visible at
// now+req.Delay. If the job stage already has a live message its id is
// returned with ErrAlreadyQueued and nothing is written.
func (s *Store) EnqueueTx(tx *pebblestore.Tx, queue string, req EnqueueRequest) (id.ID, error) {
	if err := req.Validate(queue); err != nil {
		return id.ID{}, err
	}
	gk := guardKey(req.JobID, req.Stage)
	existing, err := s.liveGuard(tx, gk)
	if err != nil {
		return id.ID{}, err
	}
	if !existing.IsZero() {
		return existing, ErrAlreadyQueued
	}

	now := s.now()
	visibleAt := now.Add(req.Delay)
	m := Message{
		ID:         s.ids.Next(),
		Queue:      queue,
		JobID:      req.JobID,
		Stage:      req.Stage,
		Pipeline:   req.Pipeline,
		Payload:    req.Payload,
		Priority:   req.Priority,
		EnqueuedAt: now,
		VisibleAt:  visibleAt,
	}
	if err := s.putMessage(tx, m); err != nil {
		return id.ID{}, err
	}
	if req.Delay > 0 {
		err = tx.Set(delayKey(queue, visibleAt.UnixMilli(), m.ID), nil)
	} else {
		err = tx.Set(readyKey(queue, m.Priority, m.VisibleAt.UnixMilli(), m.ID), nil)
	}
	if err != nil {
		return id.ID{}, err
	}
	if err := tx.Set(gk, m.ID[:]); err != nil {
		return id.ID{}, err
	}
	return m.ID, nil
}

// liveGuard returns the message id held by a guard key, or the zero id if
// the job stage has no live message. AckTx always clears the guard.
func (s *Store) liveGuard(tx *pebblestore.Tx, gk []byte) (id.ID, error) {
	b, err := tx.Get(gk)
	if errors.Is(err, pebblestore.ErrNotFound) {
		return id.ID{}, nil
	}
	if err != nil {
		return id.ID{}, fmt.Errorf("read guard: %w", err)
	}
	msgID, ok := id.FromBytes(b)
	if !ok {
		return id.ID{}, nil
	}
	return msgID, nil
}

// DequeueBatch leases up to batchSize claimable messages to holder for
// visibility. Expired leases are reclaimed and due delayed messages promoted
// first, in the same transaction. An empty result is not an error.
func (s *Store) DequeueBatch(ctx context.Context, queue, holder string, visibility time.Duration, batchSize int) ([]Message, error) {
	if err := validateQueueName(queue); err != nil {
		return nil, err
	}
	if holder == "" {
		return nil, &ValidationError{Field: "holder", Reason: "required"}
	}
	if visibility <= 0 {
		return nil, &ValidationError{Field: "visibility", Reason: "must be positive"}
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	var out []Message
	err := s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		out = out[:0]
		nowMs := s.now().UnixMilli()
		if _, err := s.reclaimTx(tx, queue, nowMs, maxReclaimPerDequeue); err != nil {
			return err
		}
		if _, err := s.promoteTx(tx, queue, nowMs); err != nil {
			return err
		}
		ready, err := tx.Scan(readyPrefix(queue), batchSize)
		if err != nil {
			return fmt.Errorf("scan ready: %w", err)
		}
		for _, kv := range ready {
			msgID, ok := idFromKey(kv.Key)
			if !ok {
				continue
			}
			if err := tx.Delete(kv.Key); err != nil {
				return err
			}
			m, err := s.getMessage(tx, queue, msgID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			m.Deliveries++
			l, err := s.leases.Acquire(tx, queue, msgID, holder, nowMs, visibility, m.Deliveries)
			if err != nil {
				return err
			}
			if err := s.putMessage(tx, m); err != nil {
				return err
			}
			m.Lease = &l
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}
	if len(out) > 0 {
		s.logger.Debug("leased batch", log.Str("queue", queue), log.Str("holder", holder), log.Int("count", len(out)))
	}
	return out, nil
}

// reclaimTx returns messages with expired leases to the ready index.
func (s *Store) reclaimTx(tx *pebblestore.Tx, queue string, nowMs int64, limit int) (int, error) {
	expired, err := s.leases.Expired(tx, queue, nowMs, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range expired {
		if err := s.leases.Release(tx, queue, l.MsgID); err != nil {
			return n, err
		}
		m, err := s.getMessage(tx, queue, l.MsgID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if err := tx.Set(readyKey(queue, m.Priority, m.VisibleAt.UnixMilli(), m.ID), nil); err != nil {
			return n, err
		}
		n++
		s.logger.Info("lease expired, message reclaimed",
			log.Str("queue", queue),
			log.Str("msg_id", l.MsgID.String()),
			log.Str("holder", l.Holder),
			log.Int("deliveries", l.Deliveries),
		)
	}
	return n, nil
}

// promoteTx moves delayed messages that are due at nowMs into ready.
func (s *Store) promoteTx(tx *pebblestore.Tx, queue string, nowMs int64) (int, error) {
	due, err := tx.ScanRange(delayPrefix(queue), delayBound(queue, nowMs), 0)
	if err != nil {
		return 0, fmt.Errorf("scan delayed: %w", err)
	}
	n := 0
	for _, kv := range due {
		msgID, ok := idFromKey(kv.Key)
		if !ok {
			continue
		}
		if err := tx.Delete(kv.Key); err != nil {
			return n, err
		}
		m, err := s.getMessage(tx, queue, msgID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if err := tx.Set(readyKey(queue, m.Priority, m.VisibleAt.UnixMilli(), msgID), nil); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Reclaim returns expired leases on queue to ready outside of a dequeue.
func (s *Store) Reclaim(ctx context.Context, queue string, limit int) (int, error) {
	if err := validateQueueName(queue); err != nil {
		return 0, err
	}
	var n int
	err := s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		n, err = s.reclaimTx(tx, queue, s.now().UnixMilli(), limit)
		return err
	})
	return n, err
}

// Ack removes a message and everything that refers to it. Acking a message
// that does not exist is a no-op.
func (s *Store) Ack(ctx context.Context, queue string, msgID id.ID) error {
	return s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		return s.AckTx(tx, queue, msgID)
	})
}

// AckTx is Ack inside tx.
func (s *Store) AckTx(tx *pebblestore.Tx, queue string, msgID id.ID) error {
	m, err := s.getMessage(tx, queue, msgID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, k := range [][]byte{
		readyKey(queue, m.Priority, m.VisibleAt.UnixMilli(), msgID),
		delayKey(queue, m.VisibleAt.UnixMilli(), msgID),
		msgKey(queue, msgID),
	} {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	if err := s.leases.Release(tx, queue, msgID); err != nil {
		return err
	}
	gk := guardKey(m.JobID, m.Stage)
	owner, err := s.liveGuard(tx, gk)
	if err != nil {
		return err
	}
	if owner == msgID {
		return tx.Delete(gk)
	}
	return nil
}

// ExtendLease pushes the lease expiry to now+additional. It fails with
// ErrLeaseLost unless holder still owns an unexpired lease on delivery
// number deliveries. A reclaimed message has a newer delivery, so a stale
// worker sharing the holder name cannot extend it.
func (s *Store) ExtendLease(ctx context.Context, queue string, msgID id.ID, holder string, deliveries int, additional time.Duration) (Lease, error) {
	if additional <= 0 {
		return Lease{}, &ValidationError{Field: "additional", Reason: "must be positive"}
	}
	var l Lease
	err := s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		if _, err := s.getMessage(tx, queue, msgID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrLeaseLost
			}
			return err
		}
		var err error
		l, err = s.leases.Extend(tx, queue, msgID, holder, deliveries, s.now().UnixMilli(), additional)
		return err
	})
	return l, err
}

// CheckLeaseTx verifies that holder still owns delivery number deliveries
// of msgID. A lease that has expired but was not yet reclaimed still counts
// as owned.
func (s *Store) CheckLeaseTx(tx *pebblestore.Tx, queue string, msgID id.ID, holder string, deliveries int) (Message, error) {
	m, err := s.getMessage(tx, queue, msgID)
	if err != nil {
		return Message{}, err
	}
	l, err := s.leases.Get(tx, queue, msgID)
	if errors.Is(err, ErrNotFound) {
		return Message{}, ErrLeaseLost
	}
	if err != nil {
		return Message{}, err
	}
	if l.Holder != holder || l.Deliveries != deliveries {
		return Message{}, ErrLeaseLost
	}
	m.Lease = &l
	return m, nil
}

// RequeueWithDelay acks msgID and enqueues req in its place atomically.
func (s *Store) RequeueWithDelay(ctx context.Context, queue string, msgID id.ID, req EnqueueRequest) (id.ID, error) {
	var newID id.ID
	err := s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		newID, err = s.RequeueTx(tx, queue, msgID, req)
		return err
	})
	return newID, err
}

// RequeueTx is RequeueWithDelay inside tx. The original message must exist.
func (s *Store) RequeueTx(tx *pebblestore.Tx, queue string, msgID id.ID, req EnqueueRequest) (id.ID, error) {
	if _, err := s.getMessage(tx, queue, msgID); err != nil {
		return id.ID{}, err
	}
	if err := s.AckTx(tx, queue, msgID); err != nil {
		return id.ID{}, err
	}
	return s.EnqueueTx(tx, queue, req)
}

// Stats is a point-in-time backlog summary for one queue.
type Stats struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	Inflight int `json:"inflight"`
}

// Stats counts ready, delayed and leased messages. Delayed messages that are
// already due but not yet promoted count as delayed.
func (s *Store) Stats(ctx context.Context, queue string) (Stats, error) {
	if err := validateQueueName(queue); err != nil {
		return Stats{}, err
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, c := range []struct {
		prefix []byte
		dst    *int
	}{
		{readyPrefix(queue), &st.Ready},
		{delayPrefix(queue), &st.Delayed},
		{leaseIdxPrefix(queue), &st.Inflight},
	} {
		kvs, err := s.db.Scan(c.prefix, 0, false)
		if err != nil {
			return Stats{}, fmt.Errorf("stats %s: %w", queue, err)
		}
		*c.dst = len(kvs)
	}
	return st, nil
}

// Peek returns a message and its lease, if any, without claiming it.
func (s *Store) Peek(ctx context.Context, queue string, msgID id.ID) (Message, error) {
	var m Message
	err := s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		m, err = s.getMessage(tx, queue, msgID)
		if err != nil {
			return err
		}
		l, err := s.leases.Get(tx, queue, msgID)
		if err == nil {
			m.Lease = &l
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	})
	return m, err
}

func (s *Store) getMessage(tx *pebblestore.Tx, queue string, msgID id.ID) (Message, error) {
	b, err := tx.Get(msgKey(queue, msgID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return decodeMessage(msgID, b)
}

func (s *Store) putMessage(tx *pebblestore.Tx, m Message) error {
	b, err := encodeMessage(m)
	if err != nil {
		return err
	}
	return tx.Set(msgKey(m.Queue, m.ID), b)
}
