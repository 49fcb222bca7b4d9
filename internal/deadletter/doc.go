// Package deadletter parks messages that exhausted their retries, failed
// fatally or could not be routed. Entries are immutable and kept for
// inspection; nothing replays them automatically.
package deadletter
