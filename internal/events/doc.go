// Package events is the append-only audit trail of each job.
//
// Every job has its own log with dense sequence numbers starting at 1.
// Events are appended inside the same transaction as the state change they
// describe, so the log never disagrees with the job. Tail supports an
// optional CEL filter, see CompileFilter.
package events
