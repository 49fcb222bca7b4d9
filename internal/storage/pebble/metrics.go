package pebblestore

import (
	"time"

	"github.com/rzbill/stageflow/pkg/log"
)

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int)            {}
func (NoopMetrics) ObserveRead(time.Duration, int)             {}
func (NoopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// SlowCommitLog warns about transaction commits slower than Threshold,
// which usually means fsync latency on the data volume.
type SlowCommitLog struct {
	NoopMetrics
	Threshold time.Duration
	Logger    log.Logger
}

// NewSlowCommitLog returns a hook logging commits slower than threshold.
func NewSlowCommitLog(logger log.Logger, threshold time.Duration) *SlowCommitLog {
	return &SlowCommitLog{Threshold: threshold, Logger: logger.WithComponent("pebble")}
}

func (s *SlowCommitLog) ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int) {
	if s.Threshold <= 0 || elapsed < s.Threshold {
		return
	}
	s.Logger.Warn("slow commit",
		log.Dur("elapsed", elapsed),
		log.Int("ops", numOps),
		log.Int("bytes", bytes),
	)
}
