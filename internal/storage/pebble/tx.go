package pebblestore

import (
	"time"

	"github.com/cockroachdb/pebble"
)

// KV is a copied key/value pair returned by scans.
type KV struct {
	Key   []byte
	Value []byte
}

// Tx is a read-your-writes view over an indexed batch. It is only valid
// inside the callback passed to DB.Update.
type Tx struct {
	b       *pebble.Batch
	metrics MetricsHook
	ops     int
}

// Get copies the value for key, consulting pending writes first.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := tx.b.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	tx.metrics.ObserveRead(time.Since(start), len(buf))
	return buf, nil
}

// Set stages a write.
func (tx *Tx) Set(key, value []byte) error {
	tx.ops++
	tx.metrics.ObserveWrite(0, len(key)+len(value))
	return tx.b.Set(key, value, nil)
}

// Delete stages a point deletion.
func (tx *Tx) Delete(key []byte) error {
	tx.ops++
	return tx.b.Delete(key, nil)
}

// Scan returns copies of up to limit entries under prefix, including writes
// staged earlier in this transaction. Entries are fully materialized before
// returning so callers may mutate while walking the result.
func (tx *Tx) Scan(prefix []byte, limit int) ([]KV, error) {
	iter, err := tx.b.NewIter(PrefixOptions(prefix))
	if err != nil {
		return nil, err
	}
	return collect(iter, limit, false, tx.metrics)
}

// ScanRange is Scan over [lower, upper).
func (tx *Tx) ScanRange(lower, upper []byte, limit int) ([]KV, error) {
	iter, err := tx.b.NewIter(RangeOptions(lower, upper))
	if err != nil {
		return nil, err
	}
	return collect(iter, limit, false, tx.metrics)
}

// PrefixOptions bounds an iterator to keys starting with prefix.
func PrefixOptions(prefix []byte) *pebble.IterOptions {
	return RangeOptions(prefix, PrefixEnd(prefix))
}

// RangeOptions bounds an iterator to [lower, upper).
func RangeOptions(lower, upper []byte) *pebble.IterOptions {
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func collect(iter *pebble.Iterator, limit int, reverse bool, metrics MetricsHook) ([]KV, error) {
	defer iter.Close()
	start := time.Now()
	var out []KV
	bytes := 0
	ok := iter.First()
	if reverse {
		ok = iter.Last()
	}
	for ; ok; ok = step(iter, reverse) {
		kv := KV{
			Key:   append([]byte(nil), iter.Key()...),
			Value: append([]byte(nil), iter.Value()...),
		}
		bytes += len(kv.Key) + len(kv.Value)
		out = append(out, kv)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	metrics.ObserveRead(time.Since(start), bytes)
	return out, iter.Error()
}

func step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}
