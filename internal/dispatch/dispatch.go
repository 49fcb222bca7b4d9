package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rzbill/stageflow/internal/config"
	"github.com/rzbill/stageflow/pkg/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownStage is returned for a (pipeline, stage) with no route. It is a
// configuration error, not a transient one.
var ErrUnknownStage = errors.New("dispatch: unknown stage")

// Route is where work for one pipeline stage lives and who runs it.
type Route struct {
	Pipeline    string `json:"pipeline"`
	Stage       string `json:"stage"`
	Queue       string `json:"queue"`
	Next        string `json:"next,omitempty"` // empty for the last stage
	Endpoint    string `json:"endpoint"`
	Concurrency int    `json:"concurrency"`
	Priority    int32  `json:"priority"`

	// Policy is the resolved stage configuration.
	Policy config.StageConfig `json:"-"`
}

// Terminal reports whether the stage is the last of its pipeline.
func (r Route) Terminal() bool { return r.Next == "" }

// IsLocal reports whether the stage runs in this process.
func (r Route) IsLocal() bool { return r.Endpoint == "" || r.Endpoint == "local" }

// LocalInvoker starts a processing cycle for a stage in this process.
type LocalInvoker interface {
	Invoke(ctx context.Context, pipeline, stage string) error
}

// LocalFunc adapts a function to LocalInvoker.
type LocalFunc func(ctx context.Context, pipeline, stage string) error

// Invoke implements LocalInvoker.
func (f LocalFunc) Invoke(ctx context.Context, pipeline, stage string) error {
	return f(ctx, pipeline, stage)
}

type routeKey struct{ pipeline, stage string }

// Dispatcher maps (pipeline, stage) to a Route and fans trigger calls out
// to the stage's endpoint. It holds no job state.
type Dispatcher struct {
	routes   map[routeKey]Route
	order    []Route
	first    map[string]string
	defaults config.StageConfig

	mu         sync.Mutex
	local      LocalInvoker
	httpClient *http.Client
	redisURL   string
	redis      map[string]*redis.Client
	logger     log.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLocal sets the in-process invoker used for local endpoints.
func WithLocal(l LocalInvoker) Option { return func(d *Dispatcher) { d.local = l } }

// WithHTTPClient overrides the client used for http(s) endpoints.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.httpClient = c } }

// WithRedisClient registers a client for a redis endpoint URL.
func WithRedisClient(url string, c *redis.Client) Option {
	return func(d *Dispatcher) { d.redis[url] = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New builds the routing table from cfg. It fails on an empty pipeline, a
// duplicate stage or a next stage that does not exist.
func New(cfg config.Config, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	d := &Dispatcher{
		routes:     map[routeKey]Route{},
		first:      map[string]string{},
		defaults:   cfg.Defaults.Resolve(cfg.Defaults),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		redisURL:   cfg.Redis.URL,
		redis:      map[string]*redis.Client{},
		logger:     log.NewNop(),
	}
	queues := map[string]routeKey{}
	for _, p := range cfg.Pipelines {
		d.first[p.Name] = p.Stages[0].Name
		for _, s := range p.Stages {
			rs := s.Resolve(cfg.Defaults)
			r := Route{
				Pipeline:    p.Name,
				Stage:       s.Name,
				Queue:       config.QueueName(p.Name, s),
				Next:        p.NextStage(s.Name),
				Endpoint:    rs.Endpoint,
				Concurrency: rs.Concurrency,
				Priority:    rs.Priority,
				Policy:      rs,
			}
			if strings.ContainsAny(r.Queue, "/\x00") {
				return nil, fmt.Errorf("dispatch: %s/%s: invalid queue name %q", p.Name, s.Name, r.Queue)
			}
			if owner, ok := queues[r.Queue]; ok {
				return nil, fmt.Errorf("dispatch: queue %q shared by %s/%s and %s/%s", r.Queue, owner.pipeline, owner.stage, p.Name, s.Name)
			}
			k := routeKey{p.Name, s.Name}
			queues[r.Queue] = k
			d.routes[k] = r
			d.order = append(d.order, r)
		}
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.WithComponent("dispatch")
	return d, nil
}

// Route returns the route for (pipeline, stage) or ErrUnknownStage.
func (d *Dispatcher) Route(pipeline, stage string) (Route, error) {
	r, ok := d.routes[routeKey{pipeline, stage}]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s/%s", ErrUnknownStage, pipeline, stage)
	}
	return r, nil
}

// FirstStage returns the entry stage of pipeline.
func (d *Dispatcher) FirstStage(pipeline string) (string, error) {
	s, ok := d.first[pipeline]
	if !ok {
		return "", fmt.Errorf("%w: pipeline %s", ErrUnknownStage, pipeline)
	}
	return s, nil
}

// Routes returns every route in configuration order.
func (d *Dispatcher) Routes() []Route {
	return append([]Route(nil), d.order...)
}

// Queues returns the distinct queue names, sorted.
func (d *Dispatcher) Queues() []string {
	out := make([]string, 0, len(d.order))
	for _, r := range d.order {
		out = append(out, r.Queue)
	}
	sort.Strings(out)
	return out
}

// RouteForQueue finds the route that reads from queue.
func (d *Dispatcher) RouteForQueue(queue string) (Route, bool) {
	for _, r := range d.order {
		if r.Queue == queue {
			return r, true
		}
	}
	return Route{}, false
}

// Report summarizes one Trigger fan-out.
type Report struct {
	Pipeline string   `json:"pipeline"`
	Stage    string   `json:"stage"`
	Endpoint string   `json:"endpoint"`
	Sent     int      `json:"sent"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Trigger sends Concurrency trigger calls to the stage's endpoint in
// parallel. Individual call failures are reported, not returned; only an
// unknown stage or an unsupported endpoint is an error.
func (d *Dispatcher) Trigger(ctx context.Context, pipeline, stage string) (Report, error) {
	r, err := d.Route(pipeline, stage)
	if err != nil {
		return Report{}, err
	}
	send, err := d.transport(r)
	if err != nil {
		return Report{}, err
	}
	n := r.Concurrency
	if n < 1 {
		n = 1
	}
	rep := Report{Pipeline: pipeline, Stage: stage, Endpoint: r.Endpoint}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			err := send(gctx, r)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed++
				rep.Errors = append(rep.Errors, err.Error())
				return nil
			}
			rep.Sent++
			return nil
		})
	}
	_ = g.Wait()
	if rep.Failed > 0 {
		d.logger.Warn("trigger calls failed",
			log.Str("pipeline", pipeline),
			log.Str("stage", stage),
			log.Int("failed", rep.Failed),
			log.Int("sent", rep.Sent),
		)
	}
	return rep, nil
}

// Notify triggers a stage in the background after new work was enqueued.
// It is best effort; failures are logged.
func (d *Dispatcher) Notify(pipeline, stage string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := d.Trigger(ctx, pipeline, stage); err != nil {
			d.logger.Warn("notify failed", log.Str("pipeline", pipeline), log.Str("stage", stage), log.Err(err))
		}
	}()
}

// Close releases redis clients.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs error
	for url, c := range d.redis {
		if err := c.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close redis %s: %w", url, err))
		}
		delete(d.redis, url)
	}
	return errs
}

type sendFunc func(ctx context.Context, r Route) error

func (d *Dispatcher) transport(r Route) (sendFunc, error) {
	switch {
	case r.IsLocal():
		if d.local == nil {
			return nil, fmt.Errorf("dispatch: %s/%s is local but no local runner is registered", r.Pipeline, r.Stage)
		}
		return func(ctx context.Context, r Route) error {
			return d.local.Invoke(ctx, r.Pipeline, r.Stage)
		}, nil
	case strings.HasPrefix(r.Endpoint, "http://"), strings.HasPrefix(r.Endpoint, "https://"):
		return d.sendHTTP, nil
	case strings.HasPrefix(r.Endpoint, "redis://"), strings.HasPrefix(r.Endpoint, "rediss://"):
		c, err := d.redisClient(r.Endpoint)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, r Route) error {
			return pushTrigger(ctx, c, r.Pipeline, r.Stage)
		}, nil
	default:
		return nil, fmt.Errorf("dispatch: %s/%s: unsupported endpoint %q", r.Pipeline, r.Stage, r.Endpoint)
	}
}
