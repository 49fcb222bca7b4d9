package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
	"github.com/rzbill/stageflow/pkg/id"
)

// Lease is an exclusive, time-bounded claim on a message.
type Lease struct {
	MsgID       id.ID  `json:"msg_id"`
	Holder      string `json:"holder"`
	ExpiresAtMs int64  `json:"expires_at_ms"`
	Deliveries  int    `json:"deliveries"`
}

// ExpiresAt returns the lease expiry as a time.
func (l Lease) ExpiresAt() time.Time { return time.UnixMilli(l.ExpiresAtMs).UTC() }

// Expired reports whether the lease no longer protects the message at nowMs.
func (l Lease) Expired(nowMs int64) bool { return nowMs >= l.ExpiresAtMs }

// LeaseManager owns lease records and their expiry index. All methods run
// inside a caller's transaction.
type LeaseManager struct{}

// NewLeaseManager creates a LeaseManager.
func NewLeaseManager() *LeaseManager { return &LeaseManager{} }

// Acquire writes a lease for msgID held by holder until nowMs+visibility.
// An unexpired lease held by anyone yields ErrLeaseLost.
func (lm *LeaseManager) Acquire(tx *pebblestore.Tx, queue string, msgID id.ID, holder string, nowMs int64, visibility time.Duration, deliveries int) (Lease, error) {
	prev, err := lm.Get(tx, queue, msgID)
	switch {
	case err == nil:
		if !prev.Expired(nowMs) {
			return Lease{}, fmt.Errorf("%w: held by %s until %d", ErrLeaseLost, prev.Holder, prev.ExpiresAtMs)
		}
		if err := tx.Delete(leaseIdxKey(queue, prev.ExpiresAtMs, msgID)); err != nil {
			return Lease{}, err
		}
	case !errors.Is(err, ErrNotFound):
		return Lease{}, err
	}
	l := Lease{
		MsgID:       msgID,
		Holder:      holder,
		ExpiresAtMs: nowMs + visibility.Milliseconds(),
		Deliveries:  deliveries,
	}
	return l, lm.put(tx, queue, l)
}

// Get returns the lease on msgID, or ErrNotFound.
func (lm *LeaseManager) Get(tx *pebblestore.Tx, queue string, msgID id.ID) (Lease, error) {
	b, err := tx.Get(leaseKey(queue, msgID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Lease{}, ErrNotFound
	}
	if err != nil {
		return Lease{}, fmt.Errorf("get lease: %w", err)
	}
	var l Lease
	if err := json.Unmarshal(b, &l); err != nil {
		return Lease{}, fmt.Errorf("decode lease: %w", err)
	}
	return l, nil
}

// Check returns the lease if holder still owns delivery number deliveries
// of msgID at nowMs.
func (lm *LeaseManager) Check(tx *pebblestore.Tx, queue string, msgID id.ID, holder string, deliveries int, nowMs int64) (Lease, error) {
	l, err := lm.Get(tx, queue, msgID)
	if errors.Is(err, ErrNotFound) {
		return Lease{}, ErrLeaseLost
	}
	if err != nil {
		return Lease{}, err
	}
	if l.Holder != holder || l.Deliveries != deliveries || l.Expired(nowMs) {
		return Lease{}, ErrLeaseLost
	}
	return l, nil
}

// Extend moves the expiry of a lease owned by holder for delivery number
// deliveries to nowMs+additional.
func (lm *LeaseManager) Extend(tx *pebblestore.Tx, queue string, msgID id.ID, holder string, deliveries int, nowMs int64, additional time.Duration) (Lease, error) {
	l, err := lm.Check(tx, queue, msgID, holder, deliveries, nowMs)
	if err != nil {
		return Lease{}, err
	}
	if err := tx.Delete(leaseIdxKey(queue, l.ExpiresAtMs, msgID)); err != nil {
		return Lease{}, err
	}
	l.ExpiresAtMs = nowMs + additional.Milliseconds()
	return l, lm.put(tx, queue, l)
}

// Release removes any lease on msgID. Missing leases are ignored.
func (lm *LeaseManager) Release(tx *pebblestore.Tx, queue string, msgID id.ID) error {
	l, err := lm.Get(tx, queue, msgID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.Delete(leaseIdxKey(queue, l.ExpiresAtMs, msgID)); err != nil {
		return err
	}
	return tx.Delete(leaseKey(queue, msgID))
}

// Expired lists up to limit leases whose expiry is at or before nowMs, oldest
// first. limit <= 0 means no limit.
func (lm *LeaseManager) Expired(tx *pebblestore.Tx, queue string, nowMs int64, limit int) ([]Lease, error) {
	kvs, err := tx.ScanRange(leaseIdxPrefix(queue), leaseIdxBound(queue, nowMs), limit)
	if err != nil {
		return nil, fmt.Errorf("scan lease index: %w", err)
	}
	out := make([]Lease, 0, len(kvs))
	for _, kv := range kvs {
		msgID, ok := idFromKey(kv.Key)
		if !ok {
			continue
		}
		l, err := lm.Get(tx, queue, msgID)
		if errors.Is(err, ErrNotFound) {
			// orphaned index entry
			if err := tx.Delete(kv.Key); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (lm *LeaseManager) put(tx *pebblestore.Tx, queue string, l Lease) error {
	b, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	if err := tx.Set(leaseKey(queue, l.MsgID), b); err != nil {
		return err
	}
	return tx.Set(leaseIdxKey(queue, l.ExpiresAtMs, l.MsgID), nil)
}
