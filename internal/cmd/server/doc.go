// Package serverrun exposes the Run entrypoint used by the CLI to start a
// stageflow node: runtime, gRPC and HTTP servers, lease sweeper, redis
// trigger listener and the optional scheduler, with graceful shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.DataDir = "./data"
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
