package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

var (
	// ErrNotFound is returned by point reads when the key is absent.
	ErrNotFound = pebble.ErrNotFound
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("pebble: store closed")
)

// defaultGroupCommit is the WAL sync window for FsyncModeInterval without an
// explicit interval, and for FsyncModeUnspecified.
const defaultGroupCommit = 5 * time.Millisecond

// FsyncMode defines durability behavior for committed transactions.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every commit.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs of commits that land
	// within FsyncInterval of each other.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble. A crash can lose the most
	// recent commits, so acked messages may be redelivered.
	FsyncModeNever
)

var fsyncNames = map[FsyncMode]string{
	FsyncModeAlways:   "always",
	FsyncModeInterval: "interval",
	FsyncModeNever:    "never",
}

func (m FsyncMode) String() string {
	if s, ok := fsyncNames[m]; ok {
		return s
	}
	return "unspecified"
}

// ParseFsyncMode maps always|interval|never to a mode. Empty is always.
func ParseFsyncMode(s string) (FsyncMode, error) {
	if s == "" {
		return FsyncModeAlways, nil
	}
	for m, name := range fsyncNames {
		if name == s {
			return m, nil
		}
	}
	return FsyncModeUnspecified, fmt.Errorf("invalid fsync %q; use always|interval|never", s)
}

// Options configures the Pebble store wrapper.
type Options struct {
	DataDir string
	Fsync   FsyncMode
	// FsyncInterval is the group-commit window for FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning of Pebble.
	PebbleOptions *pebble.Options
	// Metrics observes read/write/commit latencies and sizes. Optional.
	Metrics MetricsHook
}

// DB wraps a Pebble database. All writers go through writeMu so that an
// Update observes a stable view of the keys it reads before committing.
// Reads hold lifeMu shared; Close takes writeMu then lifeMu, so it waits
// for in-flight work and everything after it fails with ErrClosed.
type DB struct {
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook
	writeMu   sync.Mutex
	lifeMu    sync.RWMutex
	closed    bool
}

// Open creates or opens a Pebble database.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		window := opts.FsyncInterval
		if window <= 0 {
			window = defaultGroupCommit
		}
		po.WALMinSyncInterval = func() time.Duration { return window }
	default:
		po.WALMinSyncInterval = func() time.Duration { return defaultGroupCommit }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", opts.DataDir, err)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &DB{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		metrics:   metrics,
	}, nil
}

// Close waits for running operations and closes the Pebble database.
// Closing twice is a no-op.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.lifeMu.Lock()
	defer db.lifeMu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.inner.Close()
}

// Update runs fn inside an indexed batch and commits it atomically. Writers
// are serialized, so a read inside fn followed by a write is a conditional
// update: no other Update can interleave between them. If fn returns an
// error nothing is written.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if db.closed {
		return ErrClosed
	}

	b := db.inner.NewIndexedBatch()
	defer b.Close()
	tx := &Tx{b: b, metrics: db.metrics}
	if err := fn(tx); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	start := time.Now()
	size := b.Len()
	opts := pebble.NoSync
	if db.writeSync {
		opts = pebble.Sync
	}
	err := b.Commit(opts)
	db.metrics.ObserveBatchCommit(time.Since(start), tx.ops, size)
	return err
}

// Set writes one key in its own transaction.
func (db *DB) Set(key, value []byte) error {
	return db.Update(context.Background(), func(tx *Tx) error { return tx.Set(key, value) })
}

// Delete removes one key in its own transaction.
func (db *DB) Delete(key []byte) error {
	return db.Update(context.Background(), func(tx *Tx) error { return tx.Delete(key) })
}

// Get copies the committed value for key.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	db.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// NewIter creates a raw Pebble iterator over committed state. The caller
// must close it before the DB is closed.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.inner.NewIter(opts)
}

// Scan returns copies of up to limit entries whose keys start with prefix.
// A limit <= 0 means no limit. Reverse walks from the highest key down.
func (db *DB) Scan(prefix []byte, limit int, reverse bool) ([]KV, error) {
	db.lifeMu.RLock()
	defer db.lifeMu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	iter, err := db.inner.NewIter(PrefixOptions(prefix))
	if err != nil {
		return nil, err
	}
	return collect(iter, limit, reverse, db.metrics)
}
