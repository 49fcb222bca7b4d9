// Package orchestrator is the producer side of stageflow: it submits jobs,
// accepts raw enqueues and answers status and backlog queries.
package orchestrator
