package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/stageflow/internal/artifacts"
	"github.com/rzbill/stageflow/internal/deadletter"
	"github.com/rzbill/stageflow/internal/dispatch"
	"github.com/rzbill/stageflow/internal/events"
	"github.com/rzbill/stageflow/internal/jobs"
	"github.com/rzbill/stageflow/internal/ledger"
	"github.com/rzbill/stageflow/internal/queue"
	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
	"github.com/rzbill/stageflow/pkg/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// NoMessages is the summary message of a cycle that found nothing to do.
const NoMessages = "no messages"

// Deps are the stores a Runner coordinates. All stores must share one
// database.
type Deps struct {
	Queue       *queue.Store
	Ledger      *ledger.Ledger
	Jobs        *jobs.Store
	Events      *events.Log
	DeadLetters *deadletter.Router
	Dispatcher  *dispatch.Dispatcher
	Artifacts   artifacts.Store
}

// Runner drives one (pipeline, stage): it leases a batch, invokes the
// handler for each message and advances, retries or dead-letters the job.
type Runner struct {
	route      dispatch.Route
	handler    Handler
	deps       Deps
	db         *pebblestore.DB
	holder     string
	autoExtend bool
	logger     log.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithHolder sets the lease holder id. The default is a random UUID.
func WithHolder(holder string) Option { return func(r *Runner) { r.holder = holder } }

// WithAutoExtend heartbeats leases at half the visibility timeout while the
// handler runs.
func WithAutoExtend(on bool) Option { return func(r *Runner) { r.autoExtend = on } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(r *Runner) { r.logger = l } }

// New creates a runner for route.
func New(route dispatch.Route, h Handler, deps Deps, opts ...Option) *Runner {
	r := &Runner{
		route:   route,
		handler: h,
		deps:    deps,
		db:      deps.Queue.DB(),
		holder:  "worker-" + uuid.NewString(),
		logger:  log.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.WithComponent("runner").With(
		log.Str("pipeline", route.Pipeline),
		log.Str("stage", route.Stage),
	)
	return r
}

// Route returns the route the runner serves.
func (r *Runner) Route() dispatch.Route { return r.route }

// Summary is the structured result of one cycle.
type Summary struct {
	Scheduled    bool     `json:"scheduled"`
	Count        int      `json:"count"`
	Succeeded    int      `json:"succeeded"`
	Retried      int      `json:"retried"`
	DeadLettered int      `json:"dead_lettered"`
	Forwarded    int      `json:"forwarded"`
	Message      string   `json:"message,omitempty"`
	Errors       []string `json:"errors,omitempty"`

	err error
}

// Err returns the per-message infrastructure errors combined, or nil.
func (s Summary) Err() error { return s.err }

type outcomeKind int

const (
	outcomeFailed outcomeKind = iota
	outcomeSucceeded
	outcomeRetried
	outcomeDeadLettered
	outcomeForwarded
)

type outcome struct {
	kind outcomeKind
	err  error
}

func (r *Runner) visibility() time.Duration {
	v := time.Duration(r.route.Policy.VisibilitySeconds) * time.Second
	if v <= 0 {
		v = 5 * time.Minute
	}
	return v
}

// RunOnce processes one batch. Handler failures never surface as an
// error; only a failed dequeue does.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	msgs, err := r.deps.Queue.DequeueBatch(ctx, r.route.Queue, r.holder, r.visibility(), r.route.Policy.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("runner %s/%s: %w", r.route.Pipeline, r.route.Stage, err)
	}
	if len(msgs) == 0 {
		return Summary{Message: NoMessages}, nil
	}

	outcomes := make([]outcome, len(msgs))
	var g errgroup.Group
	limit := r.route.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, m := range msgs {
		i, m := i, m
		g.Go(func() error {
			outcomes[i] = r.process(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Scheduled: true, Count: len(msgs)}
	for i, o := range outcomes {
		switch o.kind {
		case outcomeSucceeded:
			sum.Succeeded++
		case outcomeRetried:
			sum.Retried++
		case outcomeDeadLettered:
			sum.DeadLettered++
		case outcomeForwarded:
			sum.Forwarded++
		}
		if o.err != nil {
			err := fmt.Errorf("msg %s (job %s): %w", msgs[i].ID, msgs[i].JobID, o.err)
			sum.err = multierr.Append(sum.err, err)
			sum.Errors = append(sum.Errors, err.Error())
		}
	}
	r.logger.Info("cycle finished",
		log.Int("count", sum.Count),
		log.Int("succeeded", sum.Succeeded),
		log.Int("retried", sum.Retried),
		log.Int("dead_lettered", sum.DeadLettered),
		log.Int("forwarded", sum.Forwarded),
		log.Int("errors", len(sum.Errors)),
	)
	return sum, nil
}

func (r *Runner) process(ctx context.Context, m queue.Message) outcome {
	if m.Stage != r.route.Stage {
		return r.forward(ctx, m)
	}
	return r.handle(ctx, m)
}

// forward moves a message that landed in the wrong queue to the queue of
// its own stage.
func (r *Runner) forward(ctx context.Context, m queue.Message) outcome {
	pipeline := m.Pipeline
	if pipeline == "" {
		pipeline = r.route.Pipeline
	}
	target, err := r.deps.Dispatcher.Route(pipeline, m.Stage)
	if err != nil {
		return r.deadLetter(ctx, m, deadletter.ReasonUnroutable, err, 0, map[string]string{
			"received_by": r.route.Pipeline + "/" + r.route.Stage,
		})
	}
	if target.Queue == r.route.Queue {
		return outcome{kind: outcomeFailed, err: fmt.Errorf("route %s/%s points back at %s", pipeline, m.Stage, target.Queue)}
	}
	err = r.db.Update(ctx, func(tx *pebblestore.Tx) error {
		if _, err := r.deps.Queue.CheckLeaseTx(tx, r.route.Queue, m.ID, r.holder, m.Deliveries); err != nil {
			return err
		}
		if err := r.deps.Queue.AckTx(tx, r.route.Queue, m.ID); err != nil {
			return err
		}
		req := m.Request()
		req.Pipeline = pipeline
		newID, err := r.deps.Queue.EnqueueTx(tx, target.Queue, req)
		if err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
			return err
		}
		_, err = r.deps.Events.AppendTx(tx, events.Event{
			JobID:   m.JobID,
			Stage:   m.Stage,
			Type:    events.TypeForwarded,
			Message: fmt.Sprintf("forwarded from %s to %s", r.route.Queue, target.Queue),
			Metadata: map[string]any{
				"from_queue": r.route.Queue,
				"to_queue":   target.Queue,
				"msg_id":     newID.String(),
			},
		})
		return err
	})
	if err != nil {
		return outcome{kind: outcomeFailed, err: fmt.Errorf("forward: %w", err)}
	}
	r.logger.Info("forwarded mis-routed message",
		log.Str("job_id", m.JobID),
		log.Str("target_stage", m.Stage),
		log.Str("target_queue", target.Queue),
	)
	r.deps.Dispatcher.Notify(target.Pipeline, target.Stage)
	return outcome{kind: outcomeForwarded}
}

func (r *Runner) handle(ctx context.Context, m queue.Message) outcome {
	pipeline := r.route.Pipeline
	var (
		rec     ledger.Record
		missing bool
	)
	err := r.db.Update(ctx, func(tx *pebblestore.Tx) error {
		if _, err := r.deps.Queue.CheckLeaseTx(tx, r.route.Queue, m.ID, r.holder, m.Deliveries); err != nil {
			return err
		}
		if _, err := r.deps.Jobs.MarkProcessingTx(tx, m.JobID, m.Stage); err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				missing = true
				return nil
			}
			return err
		}
		var err error
		rec, err = r.deps.Ledger.StartAttemptTx(tx, pipeline, m.JobID, m.Stage, m.Priority)
		if err != nil {
			return err
		}
		if rec.AttemptCount == 1 {
			_, err = r.deps.Events.AppendTx(tx, events.Event{
				JobID:    m.JobID,
				Stage:    m.Stage,
				Type:     events.TypeProcessing,
				Metadata: map[string]any{"max_attempts": rec.MaxAttempts},
			})
		}
		return err
	})
	if err != nil {
		return outcome{kind: outcomeFailed, err: fmt.Errorf("start attempt: %w", err)}
	}
	if missing {
		return r.deadLetter(ctx, m, deadletter.ReasonFatal, fmt.Errorf("job %s not found", m.JobID), 0,
			map[string]string{"job_not_found": m.JobID})
	}

	info := StageInfo{
		Pipeline:    pipeline,
		Stage:       m.Stage,
		Queue:       r.route.Queue,
		MsgID:       m.ID,
		Attempt:     rec.AttemptCount,
		MaxAttempts: rec.MaxAttempts,
		Deliveries:  m.Deliveries,
		extend: func(ctx context.Context, additional time.Duration) error {
			_, err := r.deps.Queue.ExtendLease(ctx, r.route.Queue, m.ID, r.holder, m.Deliveries, additional)
			return err
		},
	}
	res, herr := r.invoke(ctx, m, info)
	if herr == nil && len(res.Artifact) > 0 && r.deps.Artifacts != nil {
		herr = r.deps.Artifacts.Put(ctx, artifacts.Artifact{
			Pipeline:    pipeline,
			JobID:       m.JobID,
			Stage:       m.Stage,
			ContentType: res.ArtifactContentType,
			Data:        res.Artifact,
		})
		if herr != nil {
			herr = fmt.Errorf("store artifact: %w", herr)
		}
	}
	if herr != nil {
		return r.fail(ctx, m, herr)
	}
	return r.succeed(ctx, m, res)
}

// invoke runs the handler with panic recovery and, if enabled, a lease
// heartbeat.
func (r *Runner) invoke(ctx context.Context, m queue.Message, info StageInfo) (res Result, err error) {
	if r.autoExtend {
		stop := r.heartbeat(ctx, m)
		defer stop()
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic", log.Str("job_id", m.JobID), log.Any("panic", p))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handler.Handle(ctx, m.JobID, m.Payload, info)
}

func (r *Runner) heartbeat(ctx context.Context, m queue.Message) func() {
	vis := r.visibility()
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(vis / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.deps.Queue.ExtendLease(ctx, r.route.Queue, m.ID, r.holder, m.Deliveries, vis); err != nil {
					if ctx.Err() != nil {
						return
					}
					r.logger.Warn("lease extension failed", log.Str("job_id", m.JobID), log.Err(err))
					if errors.Is(err, queue.ErrLeaseLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (r *Runner) succeed(ctx context.Context, m queue.Message, res Result) outcome {
	pipeline := r.route.Pipeline
	next := r.route.Next
	var nextRoute dispatch.Route
	if !res.Complete && next != "" {
		var err error
		nextRoute, err = r.deps.Dispatcher.Route(pipeline, next)
		if err != nil {
			return outcome{kind: outcomeFailed, err: err}
		}
	}
	err := r.db.Update(ctx, func(tx *pebblestore.Tx) error {
		if _, err := r.deps.Queue.CheckLeaseTx(tx, r.route.Queue, m.ID, r.holder, m.Deliveries); err != nil {
			return err
		}
		rec, err := r.deps.Ledger.CompleteAttemptTx(tx, pipeline, m.JobID, m.Stage)
		if err != nil {
			return err
		}
		if _, err := r.deps.Events.AppendTx(tx, events.Event{
			JobID:    m.JobID,
			Stage:    m.Stage,
			Type:     events.TypeCompleted,
			Metadata: map[string]any{"attempt_count": rec.AttemptCount},
		}); err != nil {
			return err
		}
		if err := r.deps.Queue.AckTx(tx, r.route.Queue, m.ID); err != nil {
			return err
		}
		if res.Complete || next == "" {
			_, err := r.deps.Jobs.CompleteTx(tx, m.JobID, res.Payload)
			return err
		}
		j, err := r.deps.Jobs.AdvanceTx(tx, m.JobID, next, res.Payload)
		if err != nil {
			return err
		}
		priority := j.Priority
		if nextRoute.Priority != 0 {
			priority = nextRoute.Priority
		}
		_, err = r.deps.Queue.EnqueueTx(tx, nextRoute.Queue, queue.EnqueueRequest{
			JobID:    m.JobID,
			Stage:    next,
			Pipeline: pipeline,
			Payload:  j.Payload,
			Priority: priority,
		})
		if err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
			return err
		}
		_, err = r.deps.Events.AppendTx(tx, events.Event{
			JobID:    m.JobID,
			Stage:    next,
			Type:     events.TypeQueued,
			Metadata: map[string]any{"queue": nextRoute.Queue},
		})
		return err
	})
	if err != nil {
		return outcome{kind: outcomeFailed, err: fmt.Errorf("complete: %w", err)}
	}
	if nextRoute.Queue != "" {
		r.deps.Dispatcher.Notify(pipeline, next)
	}
	return outcome{kind: outcomeSucceeded}
}

func (r *Runner) fail(ctx context.Context, m queue.Message, cause error) outcome {
	pipeline := r.route.Pipeline
	var partial *PartialError
	isPartial := errors.As(cause, &partial)
	fatal := IsFatal(cause)
	kind := outcomeRetried

	err := r.db.Update(ctx, func(tx *pebblestore.Tx) error {
		if _, err := r.deps.Queue.CheckLeaseTx(tx, r.route.Queue, m.ID, r.holder, m.Deliveries); err != nil {
			return err
		}
		rec, err := r.deps.Ledger.FailAttemptTx(tx, pipeline, m.JobID, m.Stage, cause)
		if err != nil {
			return err
		}
		if _, err := r.deps.Events.AppendTx(tx, events.Event{
			JobID:   m.JobID,
			Stage:   m.Stage,
			Type:    events.TypeError,
			Message: cause.Error(),
			Metadata: map[string]any{
				"attempt":             rec.AttemptCount,
				"max_attempts":        rec.MaxAttempts,
				"retry_delay_seconds": float64(rec.RetryDelayMs) / 1000,
				"fatal":               fatal,
			},
		}); err != nil {
			return err
		}

		payload := m.Payload
		if isPartial {
			if _, err := r.deps.Jobs.MarkErroredTx(tx, m.JobID, m.Stage, partial.Payload); err != nil {
				return err
			}
			if payload, err = jobs.MergePayload(m.Payload, partial.Payload); err != nil {
				return err
			}
		}

		if fatal || rec.Exhausted() {
			reason := deadletter.ReasonMaxAttempts
			if fatal {
				reason = deadletter.ReasonFatal
			}
			kind = outcomeDeadLettered
			_, err := r.deps.DeadLetters.MoveTx(tx, deadletter.Request{
				Queue:        r.route.Queue,
				Message:      m,
				Reason:       reason,
				LastError:    cause.Error(),
				AttemptCount: rec.AttemptCount,
				ErrorContext: map[string]string{
					"holder":     r.holder,
					"deliveries": fmt.Sprint(m.Deliveries),
				},
			})
			return err
		}

		kind = outcomeRetried
		_, err = r.deps.Queue.RequeueTx(tx, r.route.Queue, m.ID, queue.EnqueueRequest{
			JobID:    m.JobID,
			Stage:    m.Stage,
			Pipeline: pipeline,
			Payload:  payload,
			Priority: rec.Priority,
			Delay:    rec.RetryDelay(),
		})
		return err
	})
	if err != nil {
		return outcome{kind: outcomeFailed, err: fmt.Errorf("record failure: %w", err)}
	}
	if kind == outcomeDeadLettered {
		r.logger.Warn("stage dead-lettered", log.Str("job_id", m.JobID), log.Bool("fatal", fatal), log.Err(cause))
	} else {
		r.logger.Info("stage failed, retry scheduled", log.Str("job_id", m.JobID), log.Err(cause))
	}
	return outcome{kind: kind}
}

// deadLetter moves m out of the queue outside of any attempt bookkeeping.
func (r *Runner) deadLetter(ctx context.Context, m queue.Message, reason deadletter.Reason, cause error, attempts int, errCtx map[string]string) outcome {
	err := r.db.Update(ctx, func(tx *pebblestore.Tx) error {
		if _, err := r.deps.Queue.CheckLeaseTx(tx, r.route.Queue, m.ID, r.holder, m.Deliveries); err != nil {
			return err
		}
		_, err := r.deps.DeadLetters.MoveTx(tx, deadletter.Request{
			Queue:        r.route.Queue,
			Message:      m,
			Reason:       reason,
			LastError:    cause.Error(),
			ErrorContext: errCtx,
			AttemptCount: attempts,
		})
		return err
	})
	if err != nil {
		return outcome{kind: outcomeFailed, err: fmt.Errorf("dead-letter: %w", err)}
	}
	r.logger.Warn("message dead-lettered",
		log.Str("job_id", m.JobID),
		log.Str("reason", string(reason)),
		log.Err(cause),
	)
	return outcome{kind: outcomeDeadLettered}
}
