// Package httpserver is the REST gateway of stageflow: job submission,
// raw enqueue, stage triggers and status, backlog and dead-letter queries.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: cfg, Fsync: pebblestore.FsyncModeAlways})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
