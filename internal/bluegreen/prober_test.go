package bluegreen

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mir00r/bluegreen/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHTTPProber(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ready" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	prober := NewHTTPProber(time.Second, logger.NewNop())
	inst := Instance{Color: "green", Address: srv.URL, HealthPath: "/ready"}

	require.NoError(t, prober.Probe(context.Background(), inst))

	status = http.StatusServiceUnavailable
	err := prober.Probe(context.Background(), inst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	inst.HealthPath = "/missing"
	assert.Error(t, prober.Probe(context.Background(), inst))
}

func TestHTTPProberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	prober := NewHTTPProber(time.Second, logger.NewNop())
	err := prober.Probe(context.Background(), Instance{Color: "green", Address: addr, HealthPath: "/readiness"})
	assert.Error(t, err)
}

func TestGRPCProber(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	defer srv.Stop()

	inst := Instance{Color: "green", Address: "http://" + lis.Addr().String()}
	ctx := context.Background()

	hs.SetServingStatus("catalog", healthpb.HealthCheckResponse_SERVING)
	require.NoError(t, NewGRPCProber("", time.Second, logger.NewNop()).Probe(ctx, inst))
	require.NoError(t, NewGRPCProber("catalog", time.Second, logger.NewNop()).Probe(ctx, inst))

	hs.SetServingStatus("catalog", healthpb.HealthCheckResponse_NOT_SERVING)
	err = NewGRPCProber("catalog", time.Second, logger.NewNop()).Probe(ctx, inst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_SERVING")

	assert.Error(t, NewGRPCProber("unknown", time.Second, logger.NewNop()).Probe(ctx, inst))
}

func TestNewProber(t *testing.T) {
	p, err := NewProber("", "", time.Second, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &HTTPProber{}, p)

	p, err = NewProber("grpc", "catalog", time.Second, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &GRPCProber{}, p)

	_, err = NewProber("tcp", "", time.Second, logger.NewNop())
	assert.Error(t, err)
}
