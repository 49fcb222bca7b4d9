package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/stageflow/pkg/log"
)

// Completion reports the end of a detached cycle.
type Completion struct {
	Pipeline string
	Stage    string
	Summary  Summary
	Err      error
	Duration time.Duration
}

// Supervisor runs detached cycles on their own background context, logs
// every completion and lets shutdown wait for the ones still running.
type Supervisor struct {
	timeout time.Duration
	logger  log.Logger

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	results chan Completion
	done    chan struct{}
	onDone  func(Completion)
}

// NewSupervisor starts a supervisor. timeout bounds each cycle; 0 means no
// bound.
func NewSupervisor(timeout time.Duration, logger log.Logger) *Supervisor {
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Supervisor{
		timeout: timeout,
		logger:  logger.WithComponent("supervisor"),
		results: make(chan Completion, 64),
		done:    make(chan struct{}),
	}
	go s.drain()
	return s
}

// OnCompletion registers a callback invoked for every completion, after it
// is logged. It must be set before the first Spawn.
func (s *Supervisor) OnCompletion(fn func(Completion)) { s.onDone = fn }

// Spawn runs r.RunOnce in a detached goroutine. It returns false once the
// supervisor is shutting down.
func (s *Supervisor) Spawn(r *Runner) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		start := time.Now()
		sum, err := r.RunOnce(ctx)
		s.results <- Completion{
			Pipeline: r.route.Pipeline,
			Stage:    r.route.Stage,
			Summary:  sum,
			Err:      err,
			Duration: time.Since(start),
		}
	}()
	return true
}

func (s *Supervisor) drain() {
	defer close(s.done)
	for c := range s.results {
		fields := []log.Field{
			log.Str("pipeline", c.Pipeline),
			log.Str("stage", c.Stage),
			log.Int("count", c.Summary.Count),
			log.Dur("duration", c.Duration),
		}
		switch {
		case c.Err != nil:
			s.logger.Error("detached cycle failed", append(fields, log.Err(c.Err))...)
		case len(c.Summary.Errors) > 0:
			s.logger.Warn("detached cycle finished with errors", append(fields, log.Int("errors", len(c.Summary.Errors)))...)
		default:
			s.logger.Debug("detached cycle finished", fields...)
		}
		if s.onDone != nil {
			s.onDone(c)
		}
	}
}

// Wait stops accepting new cycles and waits for running ones, or for ctx.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		if !already {
			close(s.results)
		}
		<-s.done
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
