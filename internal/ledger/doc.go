// Package ledger tracks per-stage attempt counts for each job and decides
// when a failing stage should be retried and when it should be dead-lettered.
//
// Records are keyed by (pipeline, job, stage). Retry delays grow
// exponentially from the stage's base, with jitter, and never exceed its cap.
package ledger
