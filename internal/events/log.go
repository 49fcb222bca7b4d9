package events

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
)

// Log is the append-only per-job event log.
type Log struct {
	db  *pebblestore.DB
	now func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// New creates an event log over db.
func New(db *pebblestore.DB, opts ...Option) *Log {
	l := &Log{db: db, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append adds ev to its job's log in its own transaction.
func (l *Log) Append(ctx context.Context, ev Event) (Event, error) {
	var out Event
	err := l.db.Update(ctx, func(tx *pebblestore.Tx) error {
		var err error
		out, err = l.AppendTx(tx, ev)
		return err
	})
	return out, err
}

// AppendTx adds ev inside tx and returns it with Seq and CreatedAt set.
// Sequences start at 1 and are dense per job.
func (l *Log) AppendTx(tx *pebblestore.Tx, ev Event) (Event, error) {
	if ev.JobID == "" || strings.IndexByte(ev.JobID, 0) >= 0 {
		return Event{}, fmt.Errorf("events: invalid job_id %q", ev.JobID)
	}
	if ev.Type == "" {
		return Event{}, errors.New("events: event_type is required")
	}
	var last uint64
	meta, err := tx.Get(metaKey(ev.JobID))
	switch {
	case err == nil && len(meta) >= 8:
		last = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return Event{}, fmt.Errorf("read event meta: %w", err)
	}
	ev.Seq = last + 1
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now().UTC()
	}
	val, err := encodeEvent(ev)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Set(entryKey(ev.JobID, ev.Seq), val); err != nil {
		return Event{}, err
	}
	if err := tx.Set(metaKey(ev.JobID), binary.BigEndian.AppendUint64(nil, ev.Seq)); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ReadOptions controls Read.
type ReadOptions struct {
	AfterSeq uint64 // exclusive start; 0 reads from the beginning
	Limit    int    // 0 means no limit
}

// Read returns events of jobID in sequence order.
func (l *Log) Read(ctx context.Context, jobID string, opts ReadOptions) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := entryKey(jobID, opts.AfterSeq+1)
	upper := pebblestore.PrefixEnd(entryPrefix(jobID))
	iter, err := l.db.NewIter(pebblestore.RangeOptions(lower, upper))
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer iter.Close()
	var out []Event
	for ok := iter.First(); ok; ok = iter.Next() {
		ev, valid := decodeEvent(jobID, seqFromKey(iter.Key()), iter.Value())
		if !valid {
			continue
		}
		out = append(out, ev)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, iter.Error()
}

// TailOptions controls Tail.
type TailOptions struct {
	Limit  int     // newest N matching events; 0 means all
	Filter *Filter // nil matches everything
}

// Tail returns the newest matching events of jobID, oldest first.
func (l *Log) Tail(ctx context.Context, jobID string, opts TailOptions) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := l.db.NewIter(pebblestore.PrefixOptions(entryPrefix(jobID)))
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	defer iter.Close()
	nowMs := l.now().UnixMilli()
	var rev []Event
	for ok := iter.Last(); ok; ok = iter.Prev() {
		ev, valid := decodeEvent(jobID, seqFromKey(iter.Key()), iter.Value())
		if !valid || !opts.Filter.Match(ev, nowMs) {
			continue
		}
		rev = append(rev, ev)
		if opts.Limit > 0 && len(rev) >= opts.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	out := make([]Event, len(rev))
	for i, ev := range rev {
		out[len(rev)-1-i] = ev
	}
	return out, nil
}

// Count returns how many events of type t jobID has. An empty t counts all.
func (l *Log) Count(ctx context.Context, jobID string, t Type) (int, error) {
	evs, err := l.Read(ctx, jobID, ReadOptions{})
	if err != nil {
		return 0, err
	}
	if t == "" {
		return len(evs), nil
	}
	n := 0
	for _, ev := range evs {
		if ev.Type == t {
			n++
		}
	}
	return n, nil
}
