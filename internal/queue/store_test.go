package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
	"github.com/rzbill/stageflow/pkg/id"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := newFakeClock()
	return New(db, WithClock(clk.Now)), clk
}

func mustEnqueue(t *testing.T, s *Store, queue string, req EnqueueRequest) id.ID {
	t.Helper()
	msgID, err := s.Enqueue(context.Background(), queue, req)
	if err != nil {
		t.Fatalf("enqueue %s/%s: %v", req.JobID, req.Stage, err)
	}
	return msgID
}

func TestEnqueueValidation(t *testing.T) {
	s, _ := openTestStore(t)
	cases := []struct {
		name  string
		queue string
		req   EnqueueRequest
	}{
		{"missing queue", "", EnqueueRequest{JobID: "j", Stage: "a"}},
		{"slash in queue", "a/b", EnqueueRequest{JobID: "j", Stage: "a"}},
		{"missing job", "q", EnqueueRequest{Stage: "a"}},
		{"missing stage", "q", EnqueueRequest{JobID: "j"}},
		{"negative delay", "q", EnqueueRequest{JobID: "j", Stage: "a", Delay: -time.Second}},
		{"bad payload", "q", EnqueueRequest{JobID: "j", Stage: "a", Payload: json.RawMessage("{")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Enqueue(context.Background(), tc.queue, tc.req)
			if !IsValidation(err) {
				t.Fatalf("want validation error, got %v", err)
			}
		})
	}
}

func TestDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	low1 := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j1", Stage: "a", Priority: -5})
	high := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j2", Stage: "a", Priority: 10})
	low2 := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j3", Stage: "a", Priority: -5})
	mid := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j4", Stage: "a"})

	msgs, err := s.DequeueBatch(ctx, "q", "w", time.Minute, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	want := []id.ID{high, mid, low1, low2}
	if len(msgs) != len(want) {
		t.Fatalf("want %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Fatalf("position %d: want %s got %s", i, want[i], m.ID)
		}
		if m.Deliveries != 1 || m.Lease == nil || m.Lease.Holder != "w" {
			t.Fatalf("position %d: bad lease state %+v", i, m)
		}
	}

	again, err := s.DequeueBatch(ctx, "q", "w2", time.Minute, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("leased messages must be invisible, got %d", len(again))
	}
}

func TestDelayedMessageBecomesVisible(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	msgID := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "a", Delay: 2 * time.Second})

	msgs, _ := s.DequeueBatch(ctx, "q", "w", time.Minute, 1)
	if len(msgs) != 0 {
		t.Fatalf("delayed message visible early")
	}
	clk.Advance(2*time.Second - time.Millisecond)
	msgs, _ = s.DequeueBatch(ctx, "q", "w", time.Minute, 1)
	if len(msgs) != 0 {
		t.Fatalf("delayed message visible 1ms early")
	}
	clk.Advance(time.Millisecond)
	msgs, err := s.DequeueBatch(ctx, "q", "w", time.Minute, 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msgID {
		t.Fatalf("want delayed message at visible_at, got %v", msgs)
	}
}

func TestLeaseExpiryBoundary(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	msgID := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "a"})

	first, err := s.DequeueBatch(ctx, "q", "crashed", 10*time.Second, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first dequeue: %v %d", err, len(first))
	}
	expires := first[0].Lease.ExpiresAtMs

	clk.Advance(10*time.Second - time.Millisecond)
	if s.Now().UnixMilli() != expires-1 {
		t.Fatalf("clock setup")
	}
	msgs, _ := s.DequeueBatch(ctx, "q", "other", 10*time.Second, 1)
	if len(msgs) != 0 {
		t.Fatalf("message visible before expires_at")
	}

	clk.Advance(time.Millisecond)
	msgs, err = s.DequeueBatch(ctx, "q", "other", 10*time.Second, 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msgID {
		t.Fatalf("message not reclaimed at expires_at")
	}
	if msgs[0].Deliveries != 2 || msgs[0].Lease.Holder != "other" {
		t.Fatalf("want second delivery to other, got %+v", msgs[0])
	}

	if _, err := s.ExtendLease(ctx, "q", msgID, "crashed", 1, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("old holder must have lost the lease, got %v", err)
	}
}

func TestConcurrentDequeueNeverDuplicates(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	const total = 60
	for i := 0; i < total; i++ {
		mustEnqueue(t, s, "q", EnqueueRequest{JobID: fmt.Sprintf("job-%d", i), Stage: "a", Priority: int32(i % 3)})
	}

	var (
		mu   sync.Mutex
		seen = map[id.ID]string{}
		dups []id.ID
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				msgs, err := s.DequeueBatch(ctx, "q", worker, time.Hour, 3)
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					if _, ok := seen[m.ID]; ok {
						dups = append(dups, m.ID)
					}
					seen[m.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	if len(dups) != 0 {
		t.Fatalf("messages delivered twice while leased: %v", dups)
	}
	if len(seen) != total {
		t.Fatalf("want %d distinct messages, got %d", total, len(seen))
	}
}

func TestDuplicateJobStageRejected(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	first := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "a"})

	got, err := s.Enqueue(ctx, "q", EnqueueRequest{JobID: "j", Stage: "a"})
	if !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("want ErrAlreadyQueued, got %v", err)
	}
	if got != first {
		t.Fatalf("want existing id %s, got %s", first, got)
	}

	// still rejected while leased
	if _, err := s.DequeueBatch(ctx, "q", "w", time.Minute, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := s.Enqueue(ctx, "q", EnqueueRequest{JobID: "j", Stage: "a"}); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("want ErrAlreadyQueued while leased, got %v", err)
	}

	// a different stage of the same job is fine
	mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "b"})

	if err := s.Ack(ctx, "q", first); err != nil {
		t.Fatalf("ack: %v", err)
	}
	mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "a"})
}

func TestAckIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	msgID := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "a"})
	if _, err := s.DequeueBatch(ctx, "q", "w", time.Minute, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Ack(ctx, "q", msgID); err != nil {
			t.Fatalf("ack #%d: %v", i+1, err)
		}
	}
	if _, err := s.Peek(ctx, "q", msgID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after ack, got %v", err)
	}
	st, err := s.Stats(ctx, "q")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st != (Stats{}) {
		t.Fatalf("want empty queue after ack, got %+v", st)
	}
}

func TestExtendLease(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	msgID := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "a"})
	if _, err := s.DequeueBatch(ctx, "q", "w", 10*time.Second, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	clk.Advance(8 * time.Second)
	l, err := s.ExtendLease(ctx, "q", msgID, "w", 1, 30*time.Second)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if want := s.Now().Add(30 * time.Second).UnixMilli(); l.ExpiresAtMs != want {
		t.Fatalf("want expiry %d, got %d", want, l.ExpiresAtMs)
	}

	if _, err := s.ExtendLease(ctx, "q", msgID, "intruder", 1, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("want ErrLeaseLost for other holder, got %v", err)
	}

	clk.Advance(20 * time.Second)
	msgs, _ := s.DequeueBatch(ctx, "q", "w2", time.Minute, 1)
	if len(msgs) != 0 {
		t.Fatalf("extended lease should still hide the message")
	}

	clk.Advance(10 * time.Second)
	if _, err := s.ExtendLease(ctx, "q", msgID, "w", 1, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("want ErrLeaseLost after expiry, got %v", err)
	}
	if _, err := s.ExtendLease(ctx, "q", id.ID{}, "w", 1, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("want ErrLeaseLost for missing message, got %v", err)
	}
}

func TestExtendLeaseRejectsStaleDelivery(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	msgID := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "a"})

	first, err := s.DequeueBatch(ctx, "q", "w", 10*time.Second, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first dequeue: %v %d", err, len(first))
	}
	clk.Advance(10 * time.Second)
	second, err := s.DequeueBatch(ctx, "q", "w", 10*time.Second, 1)
	if err != nil || len(second) != 1 || second[0].ID != msgID {
		t.Fatalf("reclaim by same holder: %v %v", err, second)
	}
	if second[0].Deliveries != 2 {
		t.Fatalf("want delivery 2, got %d", second[0].Deliveries)
	}

	if _, err := s.ExtendLease(ctx, "q", msgID, "w", first[0].Deliveries, time.Hour); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale delivery extended the lease: %v", err)
	}
	l, err := s.ExtendLease(ctx, "q", msgID, "w", second[0].Deliveries, time.Minute)
	if err != nil {
		t.Fatalf("extend current delivery: %v", err)
	}
	if want := s.Now().Add(time.Minute).UnixMilli(); l.ExpiresAtMs != want {
		t.Fatalf("want expiry %d, got %d", want, l.ExpiresAtMs)
	}
}

func TestRequeueWithDelay(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	orig := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "a", Payload: json.RawMessage(`{"n":1}`)})
	msgs, _ := s.DequeueBatch(ctx, "q", "w", time.Minute, 1)
	if len(msgs) != 1 {
		t.Fatalf("dequeue")
	}

	req := msgs[0].Request()
	req.Delay = 5 * time.Second
	req.Payload = json.RawMessage(`{"n":2}`)
	newID, err := s.RequeueWithDelay(ctx, "q", orig, req)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if newID == orig {
		t.Fatalf("requeue must create a new message id")
	}
	if _, err := s.Peek(ctx, "q", orig); !errors.Is(err, ErrNotFound) {
		t.Fatalf("original must be acked, got %v", err)
	}
	st, _ := s.Stats(ctx, "q")
	if st.Delayed != 1 || st.Ready != 0 || st.Inflight != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	clk.Advance(5 * time.Second)
	msgs, _ = s.DequeueBatch(ctx, "q", "w", time.Minute, 1)
	if len(msgs) != 1 || msgs[0].ID != newID || string(msgs[0].Payload) != `{"n":2}` {
		t.Fatalf("requeued message not delivered after delay: %+v", msgs)
	}

	if _, err := s.RequeueWithDelay(ctx, "q", orig, req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("requeue of acked message: want ErrNotFound, got %v", err)
	}
}

func TestRequeuedMessageOrderedByVisibleAt(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	orig := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "retry", Stage: "a"})
	msgs, _ := s.DequeueBatch(ctx, "q", "w", time.Minute, 1)
	if len(msgs) != 1 {
		t.Fatalf("dequeue")
	}
	req := msgs[0].Request()
	req.Delay = 10 * time.Second
	retried, err := s.RequeueWithDelay(ctx, "q", orig, req)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}

	clk.Advance(2 * time.Second)
	early := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "early", Stage: "a", Delay: 3 * time.Second})
	clk.Advance(13 * time.Second)
	late := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "late", Stage: "a"})

	clk.Advance(5 * time.Second)
	msgs, err = s.DequeueBatch(ctx, "q", "w", time.Minute, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	want := []id.ID{early, retried, late}
	if len(msgs) != len(want) {
		t.Fatalf("want %d messages, got %d", len(want), len(msgs))
	}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Fatalf("position %d: want %s, got %s (%s)", i, want[i], m.ID, m.JobID)
		}
	}
}

func TestCheckLeaseTx(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	msgID := mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j", Stage: "a"})
	msgs, _ := s.DequeueBatch(ctx, "q", "w", time.Second, 1)
	if len(msgs) != 1 {
		t.Fatalf("dequeue")
	}

	check := func(holder string, deliveries int) error {
		return s.DB().Update(ctx, func(tx *pebblestore.Tx) error {
			_, err := s.CheckLeaseTx(tx, "q", msgID, holder, deliveries)
			return err
		})
	}
	if err := check("w", 1); err != nil {
		t.Fatalf("owner check: %v", err)
	}
	if err := check("w", 2); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("stale delivery: want ErrLeaseLost, got %v", err)
	}

	clk.Advance(2 * time.Second)
	if _, err := s.DequeueBatch(ctx, "q", "w", time.Second, 1); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if err := check("w", 1); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("first delivery must be superseded, got %v", err)
	}
	if err := check("w", 2); err != nil {
		t.Fatalf("second delivery check: %v", err)
	}
}

func TestStatsAndSweeper(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j1", Stage: "a"})
	mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j2", Stage: "a"})
	mustEnqueue(t, s, "q", EnqueueRequest{JobID: "j3", Stage: "a", Delay: time.Hour})
	if _, err := s.DequeueBatch(ctx, "q", "w", time.Second, 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	st, err := s.Stats(ctx, "q")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st != (Stats{Ready: 1, Delayed: 1, Inflight: 1}) {
		t.Fatalf("unexpected stats %+v", st)
	}

	clk.Advance(time.Second)
	sw := NewSweeper(s, func() []string { return []string{"q"} }, SweeperConfig{}, nil)
	if n := sw.SweepOnce(ctx); n != 1 {
		t.Fatalf("want 1 reclaimed, got %d", n)
	}
	st, _ = s.Stats(ctx, "q")
	if st != (Stats{Ready: 2, Delayed: 1}) {
		t.Fatalf("unexpected stats after sweep %+v", st)
	}
}
