// Package runtime wires storage, config and the pipeline components into a
// single-node stageflow instance. Every store is built once over one
// Pebble database and injected where it is needed.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{Config: cfg, Fsync: pebblestore.FsyncModeAlways,
//		Handlers: map[string]runner.Handler{runtime.HandlerKey("seo", "submit_crawl"): h}})
//	defer rt.Close()
//	_, _ = rt.Service().Submit(ctx, orchestrator.SubmitRequest{Pipeline: "seo"})
//	_, _ = rt.Dispatcher().Trigger(ctx, "seo", "submit_crawl")
package runtime
