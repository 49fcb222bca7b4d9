package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rzbill/stageflow/internal/deadletter"
	"github.com/rzbill/stageflow/internal/orchestrator"
	"github.com/rzbill/stageflow/internal/queue"
)

// QueuesController handles raw enqueue, backlog and dead-letter endpoints.
type QueuesController struct {
	svc *orchestrator.Service
}

// NewQueuesController creates a new queues controller.
func NewQueuesController(svc *orchestrator.Service) *QueuesController {
	return &QueuesController{svc: svc}
}

// RegisterRoutes registers queue routes with the given router.
func (c *QueuesController) RegisterRoutes(r chi.Router) {
	r.Post("/v1/queues/{queue}/messages", c.handleEnqueue)
	r.Get("/v1/backlog", c.handleBacklog)
	r.Get("/v1/deadletters", c.handleDeadLetters)
}

// handleEnqueue adds a message to a queue.
//
// Returns 201 with {msg_id}, or 409 with the live message id when the job
// stage is already queued.
func (c *QueuesController) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	msgID, err := c.svc.Enqueue(r.Context(), chi.URLParam(r, "queue"), queue.EnqueueRequest{
		JobID:    req.JobID,
		Stage:    req.Stage,
		Pipeline: req.Pipeline,
		Payload:  req.Payload,
		Priority: req.Priority,
		Delay:    time.Duration(req.DelaySeconds * float64(time.Second)),
	})
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		writeJSONStatus(w, http.StatusConflict, enqueueResp{MsgID: msgID.String(), Error: err.Error()})
	case err != nil:
		writeServiceError(w, err)
	default:
		writeJSONStatus(w, http.StatusCreated, enqueueResp{MsgID: msgID.String()})
	}
}

// handleBacklog reports ready, delayed and inflight counts per stage queue.
func (c *QueuesController) handleBacklog(w http.ResponseWriter, r *http.Request) {
	bl, err := c.svc.Backlog(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"queues": bl})
}

// handleDeadLetters lists dead-letter entries.
//
// Query parameters: queue, job_id, limit.
func (c *QueuesController) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := c.svc.DeadLetters(r.Context(), deadletter.ListOptions{
		Queue: q.Get("queue"),
		JobID: q.Get("job_id"),
		Limit: parseLimit(q.Get("limit")),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	writeJSON(w, map[string]any{"entries": entries})
}
