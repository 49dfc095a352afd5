package bluegreen

import (
	"context"
	"fmt"
	"time"

	"github.com/mir00r/bluegreen/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCProber checks readiness with the standard grpc.health.v1 protocol on the
// instance host:port. Only SERVING is ready.
type GRPCProber struct {
	service string
	timeout time.Duration
	logger  *logger.Logger
}

// NewGRPCProber creates a prober asking for service. An empty service asks
// for the overall server status.
func NewGRPCProber(service string, timeout time.Duration, log *logger.Logger) *GRPCProber {
	return &GRPCProber{
		service: service,
		timeout: timeout,
		logger:  log.HealthCheckLogger(),
	}
}

func (p *GRPCProber) Probe(ctx context.Context, inst Instance) error {
	target, err := inst.Upstream().HostPort()
	if err != nil {
		return err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	log := p.logger.BackendLogger(string(inst.Color), target).WithField("service", p.service)

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	defer conn.Close()

	start := time.Now()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	duration := time.Since(start)
	if err != nil {
		log.WithError(err).WithField("duration_ms", duration.Milliseconds()).Warn("gRPC health check failed")
		return fmt.Errorf("grpc health check failed: %w", err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.WithField("status", resp.GetStatus().String()).Warn("gRPC health check reported not serving")
		return fmt.Errorf("grpc health check reported %s", resp.GetStatus())
	}

	log.WithField("duration_ms", duration.Milliseconds()).Debug("gRPC health check passed")
	return nil
}
