package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rzbill/stageflow/internal/dispatch"
)

// Registry holds the runners of this process keyed by (pipeline, stage).
// It is the dispatcher's local transport.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	sup     *Supervisor
}

// NewRegistry creates a registry whose Invoke spawns cycles on sup.
func NewRegistry(sup *Supervisor) *Registry {
	return &Registry{runners: map[string]*Runner{}, sup: sup}
}

func registryKey(pipeline, stage string) string { return pipeline + "\x00" + stage }

// Register adds r, replacing any runner for the same stage.
func (reg *Registry) Register(r *Runner) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.runners[registryKey(r.route.Pipeline, r.route.Stage)] = r
}

// Get returns the runner for (pipeline, stage).
func (reg *Registry) Get(pipeline, stage string) (*Runner, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.runners[registryKey(pipeline, stage)]
	return r, ok
}

// All returns the registered runners ordered by pipeline and stage.
func (reg *Registry) All() []*Runner {
	reg.mu.RLock()
	out := make([]*Runner, 0, len(reg.runners))
	for _, r := range reg.runners {
		out = append(out, r)
	}
	reg.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].route, out[j].route
		if a.Pipeline != b.Pipeline {
			return a.Pipeline < b.Pipeline
		}
		return a.Stage < b.Stage
	})
	return out
}

// Invoke implements dispatch.LocalInvoker by spawning a detached cycle.
func (reg *Registry) Invoke(_ context.Context, pipeline, stage string) error {
	r, ok := reg.Get(pipeline, stage)
	if !ok {
		return fmt.Errorf("%w: no local runner for %s/%s", dispatch.ErrUnknownStage, pipeline, stage)
	}
	if reg.sup == nil {
		return fmt.Errorf("runner: registry has no supervisor")
	}
	if !reg.sup.Spawn(r) {
		return fmt.Errorf("runner: shutting down")
	}
	return nil
}

var _ dispatch.LocalInvoker = (*Registry)(nil)
