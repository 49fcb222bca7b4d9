package dispatch

import (
	"time"

	"github.com/rzbill/stageflow/internal/config"
	"github.com/rzbill/stageflow/internal/ledger"
)

// PolicyFromStage converts a resolved stage configuration to a retry policy.
func PolicyFromStage(s config.StageConfig) ledger.Policy {
	return ledger.Policy{
		MaxAttempts:        s.MaxAttempts,
		BackoffBase:        seconds(s.BackoffBaseSeconds),
		BackoffCap:         seconds(s.BackoffCapSeconds),
		Jitter:             s.BackoffJitter,
		RetryPriorityDelta: s.RetryPriorityDelta,
	}
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

// Policies resolves retry policies from the routing table. Unknown stages
// get the configured defaults.
func (d *Dispatcher) Policies() ledger.PolicyResolver {
	return ledger.PolicyFunc(func(pipeline, stage string) ledger.Policy {
		if r, err := d.Route(pipeline, stage); err == nil {
			return PolicyFromStage(r.Policy)
		}
		return PolicyFromStage(d.defaults)
	})
}
