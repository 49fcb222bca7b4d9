package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rzbill/stageflow/internal/orchestrator"
)

// JobsController handles job submission and status endpoints.
type JobsController struct {
	svc *orchestrator.Service
}

// NewJobsController creates a new jobs controller.
func NewJobsController(svc *orchestrator.Service) *JobsController {
	return &JobsController{svc: svc}
}

// RegisterRoutes registers job routes with the given router.
func (c *JobsController) RegisterRoutes(r chi.Router) {
	r.Post("/v1/jobs", c.handleSubmit)
	r.Get("/v1/jobs/{id}", c.handleStatus)
	r.Get("/v1/jobs/{id}/artifacts/{stage}", c.handleArtifact)
}

// handleSubmit creates a job and enqueues it on its first stage.
//
// Returns 201 with {job_id, msg_id, stage, queue}.
func (c *JobsController) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "delay_seconds must not be negative")
		return
	}
	res, err := c.svc.Submit(r.Context(), orchestrator.SubmitRequest{
		Pipeline: req.Pipeline,
		JobID:    req.JobID,
		JobType:  req.JobType,
		Stage:    req.Stage,
		Payload:  req.Payload,
		Priority: req.Priority,
		Delay:    time.Duration(req.DelaySeconds * float64(time.Second)),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, res)
}

// handleStatus returns the job, its stage records and recent events.
//
// Query parameters: events (count, -1 for none) and filter (CEL).
func (c *JobsController) handleStatus(w http.ResponseWriter, r *http.Request) {
	opts := orchestrator.StatusOptions{Filter: r.URL.Query().Get("filter")}
	if v := r.URL.Query().Get("events"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "events must be an integer")
			return
		}
		opts.Events = n
	}
	st, err := c.svc.Status(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, st)
}

// handleArtifact streams the artifact a stage stored for a job.
func (c *JobsController) handleArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := c.svc.Artifact(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stage"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	_, _ = w.Write(a.Data)
}
