package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rzbill/stageflow/internal/runner"
	"github.com/rzbill/stageflow/internal/runtime"
	"github.com/rzbill/stageflow/pkg/log"
)

// WorkersController exposes the trigger endpoint of local stage runners.
type WorkersController struct {
	rt     *runtime.Runtime
	logger log.Logger
}

// NewWorkersController creates a new workers controller.
func NewWorkersController(rt *runtime.Runtime, logger log.Logger) *WorkersController {
	return &WorkersController{rt: rt, logger: logger}
}

// RegisterRoutes registers worker routes with the given router.
func (c *WorkersController) RegisterRoutes(r chi.Router) {
	r.Post("/v1/workers/{pipeline}/{stage}/trigger", c.handleTrigger)
}

// handleTrigger runs one cycle of the stage runner.
//
// The cycle runs to completion even if the caller goes away, since it holds
// leases. With ?async=true it is detached and 202 is returned immediately.
func (c *WorkersController) handleTrigger(w http.ResponseWriter, r *http.Request) {
	pipeline, stage := chi.URLParam(r, "pipeline"), chi.URLParam(r, "stage")
	if _, err := c.rt.Dispatcher().Route(pipeline, stage); err != nil {
		writeServiceError(w, err)
		return
	}
	rn, ok := c.rt.Registry().Get(pipeline, stage)
	if !ok {
		writeError(w, http.StatusNotFound, "no local runner for "+pipeline+"/"+stage)
		return
	}

	if parseBool(r.URL.Query().Get("async")) {
		if !c.rt.Supervisor().Spawn(rn) {
			writeError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]bool{"scheduled": true})
		return
	}

	sum, err := rn.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		c.logger.Error("trigger failed", log.Str("pipeline", pipeline), log.Str("stage", stage), log.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !sum.Scheduled {
		writeJSON(w, map[string]string{"message": runner.NoMessages})
		return
	}
	writeJSON(w, sum)
}
