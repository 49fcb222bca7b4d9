// Package grpcserver hosts the gRPC endpoint of a stageflow node. It serves
// grpc.health.v1, refreshed from runtime health checks under both the empty
// service name and ServiceName, plus server reflection for grpcurl.
//
//	s := grpcserver.New(rt, logger)
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
