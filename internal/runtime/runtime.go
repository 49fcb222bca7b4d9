package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rzbill/stageflow/internal/artifacts"
	cfgpkg "github.com/rzbill/stageflow/internal/config"
	"github.com/rzbill/stageflow/internal/deadletter"
	"github.com/rzbill/stageflow/internal/dispatch"
	"github.com/rzbill/stageflow/internal/events"
	"github.com/rzbill/stageflow/internal/jobs"
	"github.com/rzbill/stageflow/internal/ledger"
	"github.com/rzbill/stageflow/internal/orchestrator"
	"github.com/rzbill/stageflow/internal/queue"
	"github.com/rzbill/stageflow/internal/runner"
	"github.com/rzbill/stageflow/internal/stages"
	pebblestore "github.com/rzbill/stageflow/internal/storage/pebble"
	"github.com/rzbill/stageflow/pkg/log"
	"go.uber.org/multierr"
)

// Options for building the Runtime.
type Options struct {
	Config        cfgpkg.Config
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	// Handlers are in-process stage handlers keyed by HandlerKey. Stages
	// without one fall back to the remote handler when handler.url is set,
	// and otherwise get no local runner.
	Handlers map[string]runner.Handler
	// Artifacts overrides the configured artifact backend.
	Artifacts artifacts.Store
	Logger    log.Logger
	// Now overrides the clock of every store. Tests only.
	Now func() time.Time
	// Rand overrides the backoff jitter source.
	Rand func() float64
	// DispatchOptions are appended to the dispatcher's options.
	DispatchOptions []dispatch.Option
}

// slowCommit is the commit latency above which storage logs a warning.
const slowCommit = 250 * time.Millisecond

// HandlerKey is the Options.Handlers key of a stage.
func HandlerKey(pipeline, stage string) string { return pipeline + "/" + stage }

// Runtime wires storage, config and components for a single-node instance.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	logger log.Logger

	queue      *queue.Store
	ledger     *ledger.Ledger
	jobs       *jobs.Store
	events     *events.Log
	deadLetter *deadletter.Router
	artifacts  artifacts.Store
	dispatcher *dispatch.Dispatcher
	supervisor *runner.Supervisor
	registry   *runner.Registry
	service    *orchestrator.Service
}

// Open initializes storage and every component.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       pebblestore.NewSlowCommitLog(logger, slowCommit),
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{db: db, config: cfg, logger: logger}

	rt.supervisor = runner.NewSupervisor(0, logger)
	rt.registry = runner.NewRegistry(rt.supervisor)
	dopts := append([]dispatch.Option{
		dispatch.WithLocal(rt.registry),
		dispatch.WithLogger(logger),
	}, opts.DispatchOptions...)
	rt.dispatcher, err = dispatch.New(cfg, dopts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	rt.queue = queue.New(db, queue.WithClock(now), queue.WithLogger(logger))
	rt.ledger = ledger.New(db, rt.dispatcher.Policies(),
		ledger.WithClock(now), ledger.WithRand(rnd), ledger.WithLogger(logger))
	rt.jobs = jobs.New(db, jobs.WithClock(now))
	rt.events = events.New(db, events.WithClock(now))
	rt.deadLetter = deadletter.NewRouter(db, rt.queue, rt.jobs, rt.ledger, rt.events,
		deadletter.WithClock(now), deadletter.WithLogger(logger))

	rt.artifacts = opts.Artifacts
	if rt.artifacts == nil {
		if rt.artifacts, err = openArtifacts(cfg, db); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	deps := runner.Deps{
		Queue:       rt.queue,
		Ledger:      rt.ledger,
		Jobs:        rt.jobs,
		Events:      rt.events,
		DeadLetters: rt.deadLetter,
		Dispatcher:  rt.dispatcher,
		Artifacts:   rt.artifacts,
	}
	for _, route := range rt.dispatcher.Routes() {
		h, err := rt.handlerFor(route, opts.Handlers)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		if h == nil {
			continue
		}
		ropts := []runner.Option{
			runner.WithAutoExtend(cfg.Worker.AutoExtendLease),
			runner.WithLogger(logger),
		}
		if cfg.Worker.Holder != "" {
			ropts = append(ropts, runner.WithHolder(cfg.Worker.Holder))
		}
		rt.registry.Register(runner.New(route, h, deps, ropts...))
	}

	rt.service = orchestrator.New(orchestrator.Deps{
		Queue:       rt.queue,
		Ledger:      rt.ledger,
		Jobs:        rt.jobs,
		Events:      rt.events,
		DeadLetters: rt.deadLetter,
		Dispatcher:  rt.dispatcher,
		Artifacts:   rt.artifacts,
	}, logger)
	return rt, nil
}

func (r *Runtime) handlerFor(route dispatch.Route, handlers map[string]runner.Handler) (runner.Handler, error) {
	if h, ok := handlers[HandlerKey(route.Pipeline, route.Stage)]; ok {
		return h, nil
	}
	if route.Policy.Handler.URL == "" {
		return nil, nil
	}
	h, err := stages.NewRemote(route.Policy.Handler, stages.WithLogger(r.logger))
	if err != nil {
		return nil, fmt.Errorf("stage %s/%s: %w", route.Pipeline, route.Stage, err)
	}
	return h, nil
}

func openArtifacts(cfg cfgpkg.Config, db *pebblestore.DB) (artifacts.Store, error) {
	switch cfg.Artifacts.Backend {
	case "", "pebble":
		return artifacts.NewPebbleStore(db), nil
	case "minio":
		m := cfg.Artifacts.MinIO
		st, err := artifacts.NewMinIOStore(artifacts.MinIOConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Region:    m.Region,
			UseSSL:    m.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Artifacts.Backend)
	}
}

// Close releases the dispatcher's clients and the database. Callers stop
// background loops and wait for the supervisor first. A cycle still running
// afterwards fails with pebblestore.ErrClosed and its lease is left to
// expire, so the message is redelivered on the next start.
func (r *Runtime) Close() error {
	var err error
	if r.dispatcher != nil {
		err = multierr.Append(err, r.dispatcher.Close())
	}
	if r.db != nil {
		err = multierr.Append(err, r.db.Close())
		r.db = nil
	}
	return err
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// NewSweeper returns a lease sweeper over every routed queue, or nil when
// sweeping is disabled.
func (r *Runtime) NewSweeper() *queue.Sweeper {
	if r.config.Worker.SweepIntervalMs <= 0 {
		return nil
	}
	return queue.NewSweeper(r.queue, r.dispatcher.Queues, queue.SweeperConfig{
		Interval: time.Duration(r.config.Worker.SweepIntervalMs) * time.Millisecond,
	}, r.logger)
}

// NewRedisListener returns a trigger listener for the stages with a local
// runner, or nil when redis listening is disabled.
func (r *Runtime) NewRedisListener() (*dispatch.RedisListener, error) {
	if !r.config.Redis.Listen {
		return nil, nil
	}
	client, err := r.dispatcher.RedisClient("redis://")
	if err != nil {
		return nil, err
	}
	var routes []dispatch.Route
	for _, rn := range r.registry.All() {
		routes = append(routes, rn.Route())
	}
	return dispatch.NewRedisListener(client, routes, r.registry, r.logger), nil
}

// ScheduleOnce spawns a detached cycle for every local runner and returns
// how many were started.
func (r *Runtime) ScheduleOnce() int {
	n := 0
	for _, rn := range r.registry.All() {
		if r.supervisor.Spawn(rn) {
			n++
		}
	}
	return n
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// Queue returns the queue store.
func (r *Runtime) Queue() *queue.Store { return r.queue }

// Ledger returns the stage ledger.
func (r *Runtime) Ledger() *ledger.Ledger { return r.ledger }

// Jobs returns the job store.
func (r *Runtime) Jobs() *jobs.Store { return r.jobs }

// Events returns the event log.
func (r *Runtime) Events() *events.Log { return r.events }

// DeadLetters returns the dead-letter router.
func (r *Runtime) DeadLetters() *deadletter.Router { return r.deadLetter }

// Artifacts returns the artifact store.
func (r *Runtime) Artifacts() artifacts.Store { return r.artifacts }

// Dispatcher returns the dispatcher.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }

// Supervisor returns the supervisor of detached cycles.
func (r *Runtime) Supervisor() *runner.Supervisor { return r.supervisor }

// Registry returns the local runners.
func (r *Runtime) Registry() *runner.Registry { return r.registry }

// Service returns the producer-facing service.
func (r *Runtime) Service() *orchestrator.Service { return r.service }
