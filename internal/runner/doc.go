// Package runner executes pipeline stages.
//
// A Runner owns one (pipeline, stage). Each cycle leases a batch from the
// stage queue, runs the handler for every message under bounded
// concurrency and records the result atomically: success advances the job
// and enqueues the next stage, failure retries with backoff or moves the
// message to the dead-letter store. Messages that belong to another stage
// are forwarded to their own queue. One message failing never affects the
// others in its batch.
//
// The Supervisor runs detached cycles for triggers that must return before
// the work finishes, and the Registry exposes local runners to the
// dispatcher.
package runner
