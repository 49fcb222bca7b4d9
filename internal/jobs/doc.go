// Package jobs stores pipeline jobs and their status transitions.
package jobs
