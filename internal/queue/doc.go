// Package queue is the durable, lease-based message queue that carries jobs
// between pipeline stages.
//
// Messages are ordered by priority (descending) and then by id, which is
// time-sortable, so a queue is FIFO within a priority. A dequeue leases each
// returned message to a holder for a visibility window; the message stays
// invisible until it is acked, requeued, or the lease expires. Expired leases
// are reclaimed lazily by the next dequeue and periodically by Sweeper.
//
// At most one live message exists per (job, stage). Enqueueing a second one
// returns the existing id together with ErrAlreadyQueued.
//
// Every mutating method has a Tx variant so callers can commit queue changes
// atomically with their own records.
package queue
