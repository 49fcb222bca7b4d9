package controllers

import (
	"github.com/go-chi/chi/v5"
	"github.com/rzbill/stageflow/internal/runtime"
	"github.com/rzbill/stageflow/pkg/log"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	jobs    *JobsController
	queues  *QueuesController
	workers *WorkersController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(rt *runtime.Runtime, logger log.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general: NewGeneralController(rt),
		jobs:    NewJobsController(rt.Service()),
		queues:  NewQueuesController(rt.Service()),
		workers: NewWorkersController(rt, logger),
	}
}

// RegisterAllRoutes registers all controller routes with the given router.
func (r *ControllerRegistry) RegisterAllRoutes(rtr chi.Router) {
	r.general.RegisterRoutes(rtr)
	r.jobs.RegisterRoutes(rtr)
	r.queues.RegisterRoutes(rtr)
	r.workers.RegisterRoutes(rtr)
}
