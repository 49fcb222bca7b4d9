package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/stageflow/internal/artifacts"
	"github.com/rzbill/stageflow/internal/config"
	"github.com/rzbill/stageflow/internal/deadletter"
	"github.com/rzbill/stageflow/internal/dispatch"
	"github.com/rzbill/stageflow/internal/events"
	"github.com/rzbill/stageflow/internal/jobs"
	"github.com/rzbill/stageflow/internal/ledger"
	"github.com/rzbill/stageflow/internal/queue"
	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

type fixture struct {
	clk  *fakeClock
	deps Deps
}

func newFixture(t *testing.T, submitAttempts int) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Pipelines = []config.PipelineConfig{{
		Name: "seo",
		Stages: []config.StageConfig{
			{Name: "submit_crawl", MaxAttempts: submitAttempts, BackoffBaseSeconds: 1, BackoffCapSeconds: 10, Concurrency: 2},
			{Name: "wait_crawl"},
			{Name: "publish"},
		},
	}}
	d, err := dispatch.New(cfg, dispatch.WithLocal(dispatch.LocalFunc(func(context.Context, string, string) error { return nil })))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	clk := &fakeClock{t: time.UnixMilli(1_700_000_000_000).UTC()}
	q := queue.New(db, queue.WithClock(clk.Now))
	lg := ledger.New(db, d.Policies(), ledger.WithClock(clk.Now), ledger.WithRand(func() float64 { return 0 }))
	js := jobs.New(db, jobs.WithClock(clk.Now))
	ev := events.New(db, events.WithClock(clk.Now))
	return &fixture{
		clk: clk,
		deps: Deps{
			Queue:       q,
			Ledger:      lg,
			Jobs:        js,
			Events:      ev,
			DeadLetters: deadletter.NewRouter(db, q, js, lg, ev, deadletter.WithClock(clk.Now)),
			Dispatcher:  d,
			Artifacts:   artifacts.NewPebbleStore(db),
		},
	}
}

func (f *fixture) runner(t *testing.T, stage string, h Handler) *Runner {
	t.Helper()
	route, err := f.deps.Dispatcher.Route("seo", stage)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	return New(route, h, f.deps, WithHolder("w-"+stage))
}

// submit creates a job and enqueues its message for stage.
func (f *fixture) submit(t *testing.T, jobID, stage string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.deps.Jobs.Create(ctx, jobs.Job{ID: jobID, Pipeline: "seo", CurrentStage: stage, Payload: json.RawMessage(`{"url":"https://example.com"}`)}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	f.enqueue(t, "seo."+stage, jobID, stage)
}

func (f *fixture) enqueue(t *testing.T, q, jobID, stage string) {
	t.Helper()
	_, err := f.deps.Queue.Enqueue(context.Background(), q, queue.EnqueueRequest{
		JobID:    jobID,
		Stage:    stage,
		Pipeline: "seo",
		Payload:  json.RawMessage(`{"url":"https://example.com"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func (f *fixture) job(t *testing.T, jobID string) jobs.Job {
	t.Helper()
	j, err := f.deps.Jobs.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j
}

func (f *fixture) countEvents(t *testing.T, jobID, stage string) map[events.Type]int {
	t.Helper()
	evs, err := f.deps.Events.Read(context.Background(), jobID, events.ReadOptions{})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	out := map[events.Type]int{}
	for _, ev := range evs {
		if ev.Stage == stage {
			out[ev.Type]++
		}
	}
	return out
}

func (f *fixture) stats(t *testing.T, q string) queue.Stats {
	t.Helper()
	st, err := f.deps.Queue.Stats(context.Background(), q)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st
}

func runOnce(t *testing.T, r *Runner) Summary {
	t.Helper()
	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	return sum
}

func succeedWith(payload string) HandlerFunc {
	return func(context.Context, string, json.RawMessage, StageInfo) (Result, error) {
		return Result{Payload: json.RawMessage(payload)}, nil
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	f := newFixture(t, 3)
	sum := runOnce(t, f.runner(t, "submit_crawl", succeedWith(`{}`)))
	if sum.Scheduled || sum.Count != 0 || sum.Message != NoMessages {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestRetryThenSucceedAdvancesJob(t *testing.T) {
	f := newFixture(t, 3)
	f.submit(t, "J1", "submit_crawl")

	var calls int32
	r := f.runner(t, "submit_crawl", HandlerFunc(func(_ context.Context, _ string, _ json.RawMessage, info StageInfo) (Result, error) {
		n := atomic.AddInt32(&calls, 1)
		if info.Attempt != int(n) || info.MaxAttempts != 3 {
			return Result{}, Fatalf("attempt %d/%d on call %d", info.Attempt, info.MaxAttempts, n)
		}
		if n < 3 {
			return Result{}, errors.New("crawler busy")
		}
		return Result{Payload: json.RawMessage(`{"crawl_id":"c-1"}`)}, nil
	}))

	for i := 0; i < 2; i++ {
		if sum := runOnce(t, r); sum.Retried != 1 {
			t.Fatalf("cycle %d: expected a retry, got %+v", i, sum)
		}
		if sum := runOnce(t, r); sum.Count != 0 {
			t.Fatalf("retry must be delayed, got %+v", sum)
		}
		f.clk.Advance(15 * time.Second)
	}
	if sum := runOnce(t, r); sum.Succeeded != 1 {
		t.Fatalf("expected success, got %+v", sum)
	}

	rec, err := f.deps.Ledger.Get(context.Background(), "seo", "J1", "submit_crawl")
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if rec.AttemptCount != 3 || rec.Status != ledger.StatusCompleted {
		t.Fatalf("unexpected ledger record %+v", rec)
	}
	if st := f.stats(t, "seo.submit_crawl"); st != (queue.Stats{}) {
		t.Fatalf("submit queue must be empty, got %+v", st)
	}
	if st := f.stats(t, "seo.wait_crawl"); st.Ready != 1 {
		t.Fatalf("expected a wait_crawl message, got %+v", st)
	}
	counts := f.countEvents(t, "J1", "submit_crawl")
	if counts[events.TypeProcessing] != 1 || counts[events.TypeError] != 2 || counts[events.TypeCompleted] != 1 {
		t.Fatalf("unexpected events %v", counts)
	}
	j := f.job(t, "J1")
	if j.Status != jobs.StatusQueued || j.CurrentStage != "wait_crawl" {
		t.Fatalf("unexpected job %+v", j)
	}
	var payload map[string]string
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["crawl_id"] != "c-1" || payload["url"] != "https://example.com" {
		t.Fatalf("payload not merged: %s", j.Payload)
	}

	msgs, err := f.deps.Queue.DequeueBatch(context.Background(), "seo.wait_crawl", "probe", time.Minute, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("dequeue wait_crawl: %v %d", err, len(msgs))
	}
	if msgs[0].Stage != "wait_crawl" || msgs[0].JobID != "J1" {
		t.Fatalf("unexpected next message %+v", msgs[0])
	}
}

func TestExhaustedAttemptsDeadLetter(t *testing.T) {
	f := newFixture(t, 2)
	f.submit(t, "J2", "submit_crawl")
	r := f.runner(t, "submit_crawl", HandlerFunc(func(context.Context, string, json.RawMessage, StageInfo) (Result, error) {
		return Result{}, errors.New("upstream 503")
	}))

	if sum := runOnce(t, r); sum.Retried != 1 {
		t.Fatalf("expected a retry, got %+v", sum)
	}
	f.clk.Advance(15 * time.Second)
	if sum := runOnce(t, r); sum.DeadLettered != 1 {
		t.Fatalf("expected dead letter, got %+v", sum)
	}

	entries, err := f.deps.DeadLetters.List(context.Background(), deadletter.ListOptions{JobID: "J2"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("dead letters: %v %d", err, len(entries))
	}
	e := entries[0]
	if e.Reason != deadletter.ReasonMaxAttempts || e.AttemptCount != 2 || e.LastError != "upstream 503" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if j := f.job(t, "J2"); j.Status != jobs.StatusFailed {
		t.Fatalf("job must fail, got %s", j.Status)
	}
	if st := f.stats(t, "seo.submit_crawl"); st != (queue.Stats{}) {
		t.Fatalf("queue must be empty, got %+v", st)
	}
	rec, _ := f.deps.Ledger.Get(context.Background(), "seo", "J2", "submit_crawl")
	if rec.Status != ledger.StatusDeadLettered {
		t.Fatalf("ledger status %s", rec.Status)
	}
}

func TestBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t, 3)
	for i := 0; i < 5; i++ {
		f.submit(t, fmt.Sprintf("job-%d", i), "submit_crawl")
	}
	r := f.runner(t, "submit_crawl", HandlerFunc(func(_ context.Context, jobID string, _ json.RawMessage, _ StageInfo) (Result, error) {
		if jobID == "job-2" {
			return Result{}, Fatalf("invalid url")
		}
		return Result{}, nil
	}))

	sum := runOnce(t, r)
	if sum.Count != 5 || sum.Succeeded != 4 || sum.DeadLettered != 1 || len(sum.Errors) != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	for i := 0; i < 5; i++ {
		j := f.job(t, fmt.Sprintf("job-%d", i))
		want := jobs.StatusQueued
		if i == 2 {
			want = jobs.StatusFailed
		}
		if j.Status != want {
			t.Fatalf("job-%d: status %s, want %s", i, j.Status, want)
		}
	}
	entries, _ := f.deps.DeadLetters.List(context.Background(), deadletter.ListOptions{})
	if len(entries) != 1 || entries[0].Reason != deadletter.ReasonFatal || entries[0].AttemptCount != 1 {
		t.Fatalf("unexpected dead letters %+v", entries)
	}
	if st := f.stats(t, "seo.wait_crawl"); st.Ready != 4 {
		t.Fatalf("expected 4 advanced jobs, got %+v", st)
	}
}

func TestPanicIsRetried(t *testing.T) {
	f := newFixture(t, 3)
	f.submit(t, "J3", "submit_crawl")
	r := f.runner(t, "submit_crawl", HandlerFunc(func(context.Context, string, json.RawMessage, StageInfo) (Result, error) {
		panic("nil map")
	}))
	if sum := runOnce(t, r); sum.Retried != 1 {
		t.Fatalf("expected a retry, got %+v", sum)
	}
	rec, _ := f.deps.Ledger.Get(context.Background(), "seo", "J3", "submit_crawl")
	if rec.Status != ledger.StatusRetrying || rec.LastError != "handler panic: nil map" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestPartialErrorKeepsOutput(t *testing.T) {
	f := newFixture(t, 3)
	f.submit(t, "J4", "submit_crawl")
	r := f.runner(t, "submit_crawl", HandlerFunc(func(context.Context, string, json.RawMessage, StageInfo) (Result, error) {
		return Result{}, &PartialError{Payload: json.RawMessage(`{"pages":7}`), Err: errors.New("sitemap truncated")}
	}))
	if sum := runOnce(t, r); sum.Retried != 1 {
		t.Fatalf("expected a retry, got %+v", sum)
	}
	j := f.job(t, "J4")
	if j.Status != jobs.StatusProcessingWithErrors {
		t.Fatalf("job status %s", j.Status)
	}
	var payload map[string]any
	_ = json.Unmarshal(j.Payload, &payload)
	if payload["pages"] != float64(7) {
		t.Fatalf("job payload %s", j.Payload)
	}

	f.clk.Advance(15 * time.Second)
	msgs, err := f.deps.Queue.DequeueBatch(context.Background(), "seo.submit_crawl", "probe", time.Minute, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("dequeue: %v %d", err, len(msgs))
	}
	payload = nil
	_ = json.Unmarshal(msgs[0].Payload, &payload)
	if payload["pages"] != float64(7) || payload["url"] != "https://example.com" {
		t.Fatalf("requeued payload %s", msgs[0].Payload)
	}
}

func TestMissingJobIsFatal(t *testing.T) {
	f := newFixture(t, 3)
	f.enqueue(t, "seo.submit_crawl", "ghost", "submit_crawl")
	r := f.runner(t, "submit_crawl", succeedWith(`{}`))
	if sum := runOnce(t, r); sum.DeadLettered != 1 {
		t.Fatalf("expected dead letter, got %+v", sum)
	}
	entries, _ := f.deps.DeadLetters.List(context.Background(), deadletter.ListOptions{JobID: "ghost"})
	if len(entries) != 1 || entries[0].Reason != deadletter.ReasonFatal || entries[0].ErrorContext["job_not_found"] != "ghost" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestMisroutedMessageIsForwarded(t *testing.T) {
	f := newFixture(t, 3)
	if _, err := f.deps.Jobs.Create(context.Background(), jobs.Job{ID: "J5", Pipeline: "seo", CurrentStage: "wait_crawl"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.enqueue(t, "seo.submit_crawl", "J5", "wait_crawl")

	var called int32
	r := f.runner(t, "submit_crawl", HandlerFunc(func(context.Context, string, json.RawMessage, StageInfo) (Result, error) {
		atomic.AddInt32(&called, 1)
		return Result{}, nil
	}))
	if sum := runOnce(t, r); sum.Forwarded != 1 {
		t.Fatalf("expected forward, got %+v", sum)
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Fatal("handler must not run for a forwarded message")
	}
	if st := f.stats(t, "seo.wait_crawl"); st.Ready != 1 {
		t.Fatalf("expected message in wait_crawl, got %+v", st)
	}
	if st := f.stats(t, "seo.submit_crawl"); st != (queue.Stats{}) {
		t.Fatalf("source queue must be empty, got %+v", st)
	}
	if n := f.countEvents(t, "J5", "wait_crawl")[events.TypeForwarded]; n != 1 {
		t.Fatalf("forwarded events %d", n)
	}
}

func TestUnknownStageIsUnroutable(t *testing.T) {
	f := newFixture(t, 3)
	if _, err := f.deps.Jobs.Create(context.Background(), jobs.Job{ID: "J6", Pipeline: "seo", CurrentStage: "translate"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.enqueue(t, "seo.submit_crawl", "J6", "translate")
	r := f.runner(t, "submit_crawl", succeedWith(`{}`))

	if sum := runOnce(t, r); sum.DeadLettered != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if j := f.job(t, "J6"); j.Status != jobs.StatusFailed {
		t.Fatalf("job status %s", j.Status)
	}
	entries, _ := f.deps.DeadLetters.List(context.Background(), deadletter.ListOptions{JobID: "J6"})
	if len(entries) != 1 || entries[0].Reason != deadletter.ReasonUnroutable || entries[0].Stage != "translate" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestTerminalStageCompletesJobAndStoresArtifact(t *testing.T) {
	f := newFixture(t, 3)
	f.submit(t, "J7", "publish")
	r := f.runner(t, "publish", HandlerFunc(func(context.Context, string, json.RawMessage, StageInfo) (Result, error) {
		return Result{
			Payload:             json.RawMessage(`{"published":true}`),
			Artifact:            []byte("<html></html>"),
			ArtifactContentType: "text/html",
		}, nil
	}))
	if sum := runOnce(t, r); sum.Succeeded != 1 {
		t.Fatalf("expected success, got %+v", sum)
	}
	j := f.job(t, "J7")
	if j.Status != jobs.StatusCompleted || j.FinishedAt == nil {
		t.Fatalf("unexpected job %+v", j)
	}
	a, err := f.deps.Artifacts.Get(context.Background(), "seo", "J7", "publish")
	if err != nil || string(a.Data) != "<html></html>" || a.ContentType != "text/html" {
		t.Fatalf("artifact: %v %+v", err, a)
	}
}

func TestCompleteEndsPipelineEarly(t *testing.T) {
	f := newFixture(t, 3)
	f.submit(t, "J8", "submit_crawl")
	r := f.runner(t, "submit_crawl", HandlerFunc(func(context.Context, string, json.RawMessage, StageInfo) (Result, error) {
		return Result{Complete: true}, nil
	}))
	runOnce(t, r)
	if j := f.job(t, "J8"); j.Status != jobs.StatusCompleted {
		t.Fatalf("job status %s", j.Status)
	}
	if st := f.stats(t, "seo.wait_crawl"); st != (queue.Stats{}) {
		t.Fatalf("no next stage expected, got %+v", st)
	}
}

func TestLostLeaseDiscardsResult(t *testing.T) {
	f := newFixture(t, 3)
	f.submit(t, "J9", "submit_crawl")
	r := f.runner(t, "submit_crawl", HandlerFunc(func(ctx context.Context, _ string, _ json.RawMessage, _ StageInfo) (Result, error) {
		f.clk.Advance(301 * time.Second)
		msgs, err := f.deps.Queue.DequeueBatch(ctx, "seo.submit_crawl", "other", time.Minute, 1)
		if err != nil || len(msgs) != 1 {
			return Result{}, fmt.Errorf("steal: %v %d", err, len(msgs))
		}
		return Result{}, nil
	}))
	sum := runOnce(t, r)
	if sum.Succeeded != 0 || len(sum.Errors) != 1 || !errors.Is(sum.Err(), queue.ErrLeaseLost) {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if j := f.job(t, "J9"); j.CurrentStage != "submit_crawl" || j.Status != jobs.StatusProcessing {
		t.Fatalf("job must not advance, got %+v", j)
	}
	if st := f.stats(t, "seo.submit_crawl"); st.Inflight != 1 {
		t.Fatalf("message must stay leased by the new holder, got %+v", st)
	}
}

func TestHandlerCanExtendLease(t *testing.T) {
	f := newFixture(t, 3)
	f.submit(t, "J10", "submit_crawl")
	r := f.runner(t, "submit_crawl", HandlerFunc(func(ctx context.Context, _ string, _ json.RawMessage, info StageInfo) (Result, error) {
		f.clk.Advance(200 * time.Second)
		if err := info.ExtendLease(ctx, 10*time.Minute); err != nil {
			return Result{}, err
		}
		f.clk.Advance(200 * time.Second)
		return Result{}, nil
	}))
	if sum := runOnce(t, r); sum.Succeeded != 1 {
		t.Fatalf("expected success, got %+v", sum)
	}
}

func TestSupervisorRunsRegisteredRunners(t *testing.T) {
	f := newFixture(t, 3)
	f.submit(t, "J11", "submit_crawl")

	sup := NewSupervisor(time.Minute, nil)
	var (
		mu          sync.Mutex
		completions []Completion
	)
	sup.OnCompletion(func(c Completion) {
		mu.Lock()
		completions = append(completions, c)
		mu.Unlock()
	})
	reg := NewRegistry(sup)
	reg.Register(f.runner(t, "submit_crawl", succeedWith(`{}`)))
	reg.Register(f.runner(t, "wait_crawl", succeedWith(`{}`)))

	if all := reg.All(); len(all) != 2 || all[0].Route().Stage != "submit_crawl" {
		t.Fatalf("unexpected registry order")
	}
	if err := reg.Invoke(context.Background(), "seo", "submit_crawl"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if err := reg.Invoke(context.Background(), "seo", "missing"); !errors.Is(err, dispatch.ErrUnknownStage) {
		t.Fatalf("expected unknown stage, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(completions) != 1 || completions[0].Summary.Succeeded != 1 || completions[0].Err != nil {
		t.Fatalf("unexpected completions %+v", completions)
	}
	if err := reg.Invoke(context.Background(), "seo", "wait_crawl"); err == nil {
		t.Fatal("invoke after shutdown must fail")
	}
}
