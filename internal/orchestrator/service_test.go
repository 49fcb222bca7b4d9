package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
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

type testEnv struct {
	svc      *Service
	deps     Deps
	notified chan string
}

func newTestEnv(t *testing.T) *testEnv {
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
			{Name: "submit_crawl", Priority: 4},
			{Name: "wait_crawl"},
		},
	}}
	notified := make(chan string, 16)
	d, err := dispatch.New(cfg, dispatch.WithLocal(dispatch.LocalFunc(func(_ context.Context, p, s string) error {
		notified <- p + "/" + s
		return nil
	})))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	q := queue.New(db)
	lg := ledger.New(db, d.Policies())
	js := jobs.New(db)
	ev := events.New(db)
	deps := Deps{
		Queue:       q,
		Ledger:      lg,
		Jobs:        js,
		Events:      ev,
		DeadLetters: deadletter.NewRouter(db, q, js, lg, ev),
		Dispatcher:  d,
		Artifacts:   artifacts.NewPebbleStore(db),
	}
	return &testEnv{svc: New(deps, nil), deps: deps, notified: notified}
}

func (e *testEnv) expectNotify(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-e.notified:
		if got != want {
			t.Fatalf("notified %s, want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification for %s", want)
	}
}

func TestSubmitDefaultsToFirstStage(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, err := e.svc.Submit(ctx, SubmitRequest{
		Pipeline: "seo",
		JobID:    "J1",
		JobType:  "audit",
		Payload:  json.RawMessage(`{"url":"https://example.com"}`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.JobID != "J1" || res.Stage != "submit_crawl" || res.Queue != "seo.submit_crawl" || res.MsgID.IsZero() {
		t.Fatalf("unexpected result %+v", res)
	}
	e.expectNotify(t, "seo/submit_crawl")

	m, err := e.deps.Queue.Peek(ctx, "seo.submit_crawl", res.MsgID)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if m.Priority != 4 || m.Pipeline != "seo" || m.Stage != "submit_crawl" {
		t.Fatalf("unexpected message %+v", m)
	}
	st, err := e.svc.Status(ctx, "J1", StatusOptions{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Job.Status != jobs.StatusQueued || st.Job.JobType != "audit" || len(st.Events) != 1 || st.Events[0].Type != events.TypeQueued {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSubmitRejectsDuplicatesAndUnknownStages(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Submit(ctx, SubmitRequest{Pipeline: "seo", JobID: "J1"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.svc.Submit(ctx, SubmitRequest{Pipeline: "seo", JobID: "J1"}); !errors.Is(err, jobs.ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
	if _, err := e.svc.Submit(ctx, SubmitRequest{Pipeline: "seo", Stage: "translate"}); !errors.Is(err, dispatch.ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
	if _, err := e.svc.Submit(ctx, SubmitRequest{Pipeline: "ads"}); !errors.Is(err, dispatch.ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestSubmitGeneratesJobID(t *testing.T) {
	e := newTestEnv(t)
	res, err := e.svc.Submit(context.Background(), SubmitRequest{Pipeline: "seo", Stage: "wait_crawl", Delay: time.Hour})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.JobID == "" || res.Queue != "seo.wait_crawl" {
		t.Fatalf("unexpected result %+v", res)
	}
	st, _ := e.deps.Queue.Stats(context.Background(), "seo.wait_crawl")
	if st.Delayed != 1 {
		t.Fatalf("expected a delayed message, got %+v", st)
	}
}

func TestEnqueueCreatesJobLazily(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	msgID, err := e.svc.Enqueue(ctx, "seo.wait_crawl", queue.EnqueueRequest{
		JobID:   "J2",
		Stage:   "wait_crawl",
		Payload: json.RawMessage(`{"crawl_id":"c-1"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.expectNotify(t, "seo/wait_crawl")

	j, err := e.deps.Jobs.Get(ctx, "J2")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if j.Pipeline != "seo" || j.CurrentStage != "wait_crawl" {
		t.Fatalf("unexpected job %+v", j)
	}
	again, err := e.svc.Enqueue(ctx, "seo.wait_crawl", queue.EnqueueRequest{JobID: "J2", Stage: "wait_crawl"})
	if !errors.Is(err, queue.ErrAlreadyQueued) || again != msgID {
		t.Fatalf("expected ErrAlreadyQueued with %s, got %s %v", msgID, again, err)
	}
}

func TestEnqueueToUnknownQueue(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Enqueue(ctx, "adhoc", queue.EnqueueRequest{JobID: "J3", Stage: "x"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.deps.Jobs.Get(ctx, "J3"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("no job expected without a pipeline, got %v", err)
	}
	if _, err := e.svc.Enqueue(ctx, "adhoc", queue.EnqueueRequest{Stage: "x"}); !queue.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnqueueValidatesBeforeCreatingJob(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	for name, req := range map[string]queue.EnqueueRequest{
		"missing stage":  {JobID: "J9"},
		"blank job_id":   {JobID: "  ", Stage: "submit_crawl"},
		"negative delay": {JobID: "J9", Stage: "submit_crawl", Delay: -time.Second},
	} {
		if _, err := e.svc.Enqueue(ctx, "seo.submit_crawl", req); !queue.IsValidation(err) {
			t.Fatalf("%s: want validation error, got %v", name, err)
		}
	}
	if _, err := e.deps.Jobs.Get(ctx, "J9"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("rejected enqueue must not create the job, got %v", err)
	}
	st, _ := e.deps.Queue.Stats(ctx, "seo.submit_crawl")
	if st != (queue.Stats{}) {
		t.Fatalf("rejected enqueue left messages: %+v", st)
	}
}

func TestStatusFilterAndLedger(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Submit(ctx, SubmitRequest{Pipeline: "seo", JobID: "J4"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.deps.Ledger.FailAttempt(ctx, "seo", "J4", "submit_crawl", errors.New("boom")); err != nil {
		t.Fatalf("fail attempt: %v", err)
	}
	for _, msg := range []string{"first", "second"} {
		if _, err := e.deps.Events.Append(ctx, events.Event{JobID: "J4", Stage: "submit_crawl", Type: events.TypeError, Message: msg}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	st, err := e.svc.Status(ctx, "J4", StatusOptions{Filter: `event_type == "error"`})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Events) != 2 || st.Events[0].Message != "first" {
		t.Fatalf("unexpected events %+v", st.Events)
	}
	if len(st.Stages) != 1 || st.Stages[0].AttemptCount != 1 || st.Stages[0].LastError != "boom" {
		t.Fatalf("unexpected ledger %+v", st.Stages)
	}
	st, _ = e.svc.Status(ctx, "J4", StatusOptions{Events: 1})
	if len(st.Events) != 1 || st.Events[0].Message != "second" {
		t.Fatalf("expected newest event, got %+v", st.Events)
	}
	st, _ = e.svc.Status(ctx, "J4", StatusOptions{Events: -1})
	if len(st.Events) != 0 {
		t.Fatalf("expected no events, got %d", len(st.Events))
	}
	if _, err := e.svc.Status(ctx, "J4", StatusOptions{Filter: "event_type +"}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
	if _, err := e.svc.Status(ctx, "missing", StatusOptions{}); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBacklogAndArtifact(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Submit(ctx, SubmitRequest{Pipeline: "seo", JobID: "J5"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	bl, err := e.svc.Backlog(ctx)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if len(bl) != 2 || bl[0].Queue != "seo.submit_crawl" || bl[0].Ready != 1 || bl[1].Ready != 0 {
		t.Fatalf("unexpected backlog %+v", bl)
	}

	if _, err := e.svc.Artifact(ctx, "J5", "submit_crawl"); !errors.Is(err, artifacts.ErrNotFound) {
		t.Fatalf("expected no artifact, got %v", err)
	}
	if err := e.deps.Artifacts.Put(ctx, artifacts.Artifact{Pipeline: "seo", JobID: "J5", Stage: "submit_crawl", Data: []byte("ok")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	a, err := e.svc.Artifact(ctx, "J5", "submit_crawl")
	if err != nil || string(a.Data) != "ok" {
		t.Fatalf("artifact: %v %+v", err, a)
	}
}
