package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/stageflow/internal/artifacts"
	"github.com/rzbill/stageflow/internal/deadletter"
	"github.com/rzbill/stageflow/internal/dispatch"
	"github.com/rzbill/stageflow/internal/events"
	"github.com/rzbill/stageflow/internal/jobs"
	"github.com/rzbill/stageflow/internal/ledger"
	"github.com/rzbill/stageflow/internal/queue"
	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
	"github.com/rzbill/stageflow/pkg/id"
	"github.com/rzbill/stageflow/pkg/log"
)

// DefaultStatusEvents is how many events Status returns when unspecified.
const DefaultStatusEvents = 50

// ErrInvalidFilter is returned by Status for an expression that does not
// compile.
var ErrInvalidFilter = errors.New("orchestrator: invalid event filter")

// Deps are the stores the service reads and writes.
type Deps struct {
	Queue       *queue.Store
	Ledger      *ledger.Ledger
	Jobs        *jobs.Store
	Events      *events.Log
	DeadLetters *deadletter.Router
	Dispatcher  *dispatch.Dispatcher
	Artifacts   artifacts.Store
}

// Service is the producer-facing API: job submission, raw enqueue and
// status queries.
type Service struct {
	deps   Deps
	db     *pebblestore.DB
	logger log.Logger
}

// New creates a service.
func New(deps Deps, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Service{deps: deps, db: deps.Queue.DB(), logger: logger.WithComponent("orchestrator")}
}

// SubmitRequest creates a job and enqueues its first message.
type SubmitRequest struct {
	Pipeline string          `json:"pipeline"`
	JobID    string          `json:"job_id,omitempty"`
	JobType  string          `json:"job_type,omitempty"`
	Stage    string          `json:"stage,omitempty"` // defaults to the first stage
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int32           `json:"priority,omitempty"`
	Delay    time.Duration   `json:"-"`
}

// SubmitResult identifies the created job and message.
type SubmitResult struct {
	JobID string `json:"job_id"`
	MsgID id.ID  `json:"msg_id"`
	Stage string `json:"stage"`
	Queue string `json:"queue"`
}

// Submit creates the job, enqueues it and records a queued event in one
// transaction, then notifies the stage.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	stage := req.Stage
	if stage == "" {
		first, err := s.deps.Dispatcher.FirstStage(req.Pipeline)
		if err != nil {
			return SubmitResult{}, err
		}
		stage = first
	}
	route, err := s.deps.Dispatcher.Route(req.Pipeline, stage)
	if err != nil {
		return SubmitResult{}, err
	}

	var res SubmitResult
	err = s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		j, err := s.deps.Jobs.CreateTx(tx, jobs.Job{
			ID:           req.JobID,
			Pipeline:     req.Pipeline,
			CurrentStage: stage,
			Payload:      req.Payload,
			Priority:     req.Priority,
			JobType:      req.JobType,
		})
		if err != nil {
			return err
		}
		msgID, err := s.enqueueTx(tx, route, queue.EnqueueRequest{
			JobID:    j.ID,
			Stage:    stage,
			Pipeline: req.Pipeline,
			Payload:  req.Payload,
			Priority: messagePriority(route, req.Priority),
			Delay:    req.Delay,
		})
		if err != nil {
			return err
		}
		res = SubmitResult{JobID: j.ID, MsgID: msgID, Stage: stage, Queue: route.Queue}
		return nil
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit: %w", err)
	}
	s.logger.Info("job submitted",
		log.Str("job_id", res.JobID),
		log.Str("pipeline", req.Pipeline),
		log.Str("stage", stage),
	)
	if req.Delay <= 0 {
		s.deps.Dispatcher.Notify(route.Pipeline, route.Stage)
	}
	return res, nil
}

// Enqueue is the raw producer API. The job is created on first use when its
// pipeline is known, from the request or from the queue's route. A message
// for another stage than the queue serves is accepted and forwarded by the
// runner.
func (s *Service) Enqueue(ctx context.Context, queueName string, req queue.EnqueueRequest) (id.ID, error) {
	if err := req.Validate(queueName); err != nil {
		return id.ID{}, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	route, routed := s.deps.Dispatcher.RouteForQueue(queueName)
	if req.Pipeline == "" && routed {
		req.Pipeline = route.Pipeline
	}
	if target, err := s.deps.Dispatcher.Route(req.Pipeline, req.Stage); err == nil {
		route, routed = target, true
	}

	var msgID id.ID
	err := s.db.Update(ctx, func(tx *pebblestore.Tx) error {
		if req.Pipeline != "" && req.JobID != "" {
			_, err := s.deps.Jobs.GetTx(tx, req.JobID)
			if errors.Is(err, jobs.ErrNotFound) {
				_, err = s.deps.Jobs.CreateTx(tx, jobs.Job{
					ID:           req.JobID,
					Pipeline:     req.Pipeline,
					CurrentStage: req.Stage,
					Payload:      req.Payload,
					Priority:     req.Priority,
				})
			}
			if err != nil {
				return err
			}
		}
		var err error
		msgID, err = s.deps.Queue.EnqueueTx(tx, queueName, req)
		if err != nil {
			return err
		}
		_, err = s.deps.Events.AppendTx(tx, queuedEvent(req, queueName, msgID))
		return err
	})
	if err != nil {
		if errors.Is(err, queue.ErrAlreadyQueued) {
			return msgID, err
		}
		return id.ID{}, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	if routed && req.Delay <= 0 {
		s.deps.Dispatcher.Notify(route.Pipeline, route.Stage)
	}
	return msgID, nil
}

func (s *Service) enqueueTx(tx *pebblestore.Tx, route dispatch.Route, req queue.EnqueueRequest) (id.ID, error) {
	msgID, err := s.deps.Queue.EnqueueTx(tx, route.Queue, req)
	if err != nil {
		return id.ID{}, err
	}
	if _, err := s.deps.Events.AppendTx(tx, queuedEvent(req, route.Queue, msgID)); err != nil {
		return id.ID{}, err
	}
	return msgID, nil
}

func queuedEvent(req queue.EnqueueRequest, queueName string, msgID id.ID) events.Event {
	md := map[string]any{"queue": queueName, "msg_id": msgID.String()}
	if req.Delay > 0 {
		md["delay_seconds"] = req.Delay.Seconds()
	}
	return events.Event{JobID: req.JobID, Stage: req.Stage, Type: events.TypeQueued, Metadata: md}
}

func messagePriority(route dispatch.Route, jobPriority int32) int32 {
	if route.Priority != 0 {
		return route.Priority
	}
	return jobPriority
}

// StatusOptions controls Status.
type StatusOptions struct {
	// Events is the number of newest events returned. 0 means
	// DefaultStatusEvents, a negative value returns none.
	Events int
	// Filter is a CEL expression over event_type, stage, message, metadata,
	// seq, created_at_ms and now_ms.
	Filter string
}

// JobStatus is the answer to a status query.
type JobStatus struct {
	Job    jobs.Job        `json:"job"`
	Stages []ledger.Record `json:"stages"`
	Events []events.Event  `json:"events"`
}

// Status returns the job, its stage attempt records and its recent events.
func (s *Service) Status(ctx context.Context, jobID string, opts StatusOptions) (JobStatus, error) {
	filter, err := events.CompileFilter(opts.Filter)
	if err != nil {
		return JobStatus{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	j, err := s.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	recs, err := s.deps.Ledger.List(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	out := JobStatus{Job: j, Stages: recs}
	if opts.Events < 0 {
		return out, nil
	}
	limit := opts.Events
	if limit == 0 {
		limit = DefaultStatusEvents
	}
	out.Events, err = s.deps.Events.Tail(ctx, jobID, events.TailOptions{Limit: limit, Filter: filter})
	if err != nil {
		return JobStatus{}, err
	}
	return out, nil
}

// Backlog is the depth of one stage queue.
type Backlog struct {
	Pipeline string `json:"pipeline"`
	Stage    string `json:"stage"`
	Queue    string `json:"queue"`
	Ready    int    `json:"ready"`
	Delayed  int    `json:"delayed"`
	Inflight int    `json:"inflight"`
}

// Backlog reports queue depth for every route.
func (s *Service) Backlog(ctx context.Context) ([]Backlog, error) {
	routes := s.deps.Dispatcher.Routes()
	out := make([]Backlog, 0, len(routes))
	for _, r := range routes {
		st, err := s.deps.Queue.Stats(ctx, r.Queue)
		if err != nil {
			return nil, err
		}
		out = append(out, Backlog{
			Pipeline: r.Pipeline,
			Stage:    r.Stage,
			Queue:    r.Queue,
			Ready:    st.Ready,
			Delayed:  st.Delayed,
			Inflight: st.Inflight,
		})
	}
	return out, nil
}

// DeadLetters lists dead-letter entries.
func (s *Service) DeadLetters(ctx context.Context, opts deadletter.ListOptions) ([]deadletter.Entry, error) {
	return s.deps.DeadLetters.List(ctx, opts)
}

// Artifact returns the artifact a stage stored for a job.
func (s *Service) Artifact(ctx context.Context, jobID, stage string) (artifacts.Artifact, error) {
	if s.deps.Artifacts == nil {
		return artifacts.Artifact{}, artifacts.ErrNotFound
	}
	j, err := s.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	return s.deps.Artifacts.Get(ctx, j.Pipeline, jobID, stage)
}
