package bluegreen

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mir00r/bluegreen/pkg/logger"
)

// Prober checks that an instance is ready to receive traffic.
type Prober interface {
	Probe(ctx context.Context, inst Instance) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, inst Instance) error

func (f ProberFunc) Probe(ctx context.Context, inst Instance) error {
	return f(ctx, inst)
}

// NewProber builds the prober for protocol, either "http" or "grpc".
func NewProber(protocol, grpcService string, timeout time.Duration, log *logger.Logger) (Prober, error) {
	switch protocol {
	case "", "http":
		return NewHTTPProber(timeout, log), nil
	case "grpc":
		return NewGRPCProber(grpcService, timeout, log), nil
	default:
		return nil, fmt.Errorf("unsupported probe protocol: %s", protocol)
	}
}

// HTTPProber issues a GET against the instance readiness path. Any 2xx is ready.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
	logger  *logger.Logger
}

// NewHTTPProber creates a new readiness prober
func NewHTTPProber(timeout time.Duration, log *logger.Logger) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
		},
		timeout: timeout,
		logger:  log.HealthCheckLogger(),
	}
}

func (p *HTTPProber) Probe(ctx context.Context, inst Instance) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	log := p.logger.BackendLogger(string(inst.Color), inst.Address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.HealthURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create readiness request: %w", err)
	}
	req.Header.Set("User-Agent", "bluegreen-switch/1.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	start := time.Now()
	resp, err := p.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		log.WithError(err).WithField("duration_ms", duration.Milliseconds()).Warn("Readiness probe request failed")
		return fmt.Errorf("readiness probe request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	log = log.WithField("status_code", resp.StatusCode).WithField("duration_ms", duration.Milliseconds())
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Debug("Readiness probe passed")
		return nil
	}

	log.Warn("Readiness probe failed with non-2xx status")
	return fmt.Errorf("readiness probe failed with status %d", resp.StatusCode)
}
