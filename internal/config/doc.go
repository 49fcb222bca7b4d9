// Package config loads stageflow's configuration: server addresses, storage
// options, and the static pipeline definitions (stages, queues, retry
// policy, dispatch endpoints) that drive the orchestrator.
//
// Example:
//
//	cfg, err := config.Load("/etc/stageflow.yaml") // JSON or YAML by extension
//	if err != nil { /* handle */ }
//	if err := config.FromEnv(&cfg); err != nil { /* handle */ }
//	if err := cfg.Validate(); err != nil { /* handle */ }
//	policy := cfg.Stage("content", "submit_crawl")
package config
