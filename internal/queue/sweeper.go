package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/stageflow/pkg/log"
)

// SweeperConfig configures the lease sweeper.
type SweeperConfig struct {
	Interval  time.Duration // default 1s
	MaxPerRun int           // default 1000
}

// Sweeper periodically returns messages with expired leases to their ready
// index so that backlog counts stay accurate between triggers.
type Sweeper struct {
	store    *Store
	queues   func() []string
	interval time.Duration
	max      int
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper over the queues returned by queues.
func NewSweeper(store *Store, queues func() []string, cfg SweeperConfig, logger log.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxPerRun <= 0 {
		cfg.MaxPerRun = maxReclaimPerDequeue
	}
	if logger == nil {
		logger = log.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		store:    store,
		queues:   queues,
		interval: cfg.Interval,
		max:      cfg.MaxPerRun,
		logger:   logger.WithComponent("sweeper"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins sweeping in the background.
func (sw *Sweeper) Start() {
	sw.wg.Add(1)
	go sw.run()
}

// Stop halts the sweeper and waits for the current pass.
func (sw *Sweeper) Stop() {
	sw.cancel()
	sw.wg.Wait()
}

func (sw *Sweeper) run() {
	defer sw.wg.Done()
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("lease sweeper started", log.Dur("interval", sw.interval))
	for {
		select {
		case <-sw.ctx.Done():
			sw.logger.Info("lease sweeper stopped")
			return
		case <-ticker.C:
			sw.SweepOnce(sw.ctx)
		}
	}
}

// SweepOnce reclaims expired leases on every queue and returns the total.
func (sw *Sweeper) SweepOnce(ctx context.Context) int {
	total := 0
	for _, q := range sw.queues() {
		n, err := sw.store.Reclaim(ctx, q, sw.max)
		if err != nil {
			sw.logger.Error("sweep failed", log.Str("queue", q), log.Err(err))
			continue
		}
		total += n
	}
	return total
}
