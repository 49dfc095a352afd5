package health

import (
	"context"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// grpcHealth answers grpc.health.v1 Check with the readiness result. Every
// service name gets the same answer.
type grpcHealth struct {
	healthpb.UnimplementedHealthServer
	h *Handler
}

func (g grpcHealth) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	status := healthpb.HealthCheckResponse_SERVING
	if !g.h.Ready(ctx) {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	return &healthpb.HealthCheckResponse{Status: status}, nil
}

// RegisterGRPC serves the readiness probe over the gRPC health protocol.
func (h *Handler) RegisterGRPC(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, grpcHealth{h: h})
}
