package grpcserver

import (
	"context"
	"time"

	"github.com/rzbill/stageflow/internal/runtime"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the stageflow API.
const ServiceName = "stageflow.v1.Stageflow"

// healthSvc mirrors runtime health into the standard gRPC health service.
type healthSvc struct {
	*health.Server
	rt *runtime.Runtime
}

func newHealthSvc(rt *runtime.Runtime) *healthSvc {
	h := &healthSvc{Server: health.NewServer(), rt: rt}
	h.refresh(context.Background())
	return h
}

func (h *healthSvc) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.rt.CheckHealth(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.SetServingStatus("", status)
	h.SetServingStatus(ServiceName, status)
}

func (h *healthSvc) watch(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-t.C:
			h.refresh(ctx)
		}
	}
}
