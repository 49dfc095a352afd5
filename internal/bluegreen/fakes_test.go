package bluegreen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu      sync.Mutex
	healthy map[Color]bool
	calls   []Color
	gate    chan struct{}
	entered chan struct{}
}

func newFakeProber(healthy ...Color) *fakeProber {
	p := &fakeProber{healthy: make(map[Color]bool)}
	for _, c := range healthy {
		p.healthy[c] = true
	}
	return p
}

func (p *fakeProber) set(color Color, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy[color] = healthy
}

// block makes every probe wait until release is called.
func (p *fakeProber) block() {
	p.gate = make(chan struct{})
	p.entered = make(chan struct{}, 8)
}

func (p *fakeProber) release() {
	close(p.gate)
}

func (p *fakeProber) Probe(ctx context.Context, inst Instance) error {
	p.mu.Lock()
	p.calls = append(p.calls, inst.Color)
	gate, entered := p.gate, p.entered
	p.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.healthy[inst.Color] {
		return errors.New("readiness probe failed with status 503")
	}
	return nil
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[Color]int64
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[Color]int64)}
}

func (c *fakeCounter) set(color Color, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[color] = n
}

func (c *fakeCounter) OpenConnections(up Upstream) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[up.Color]
}

type recordingReloader struct {
	name    string
	mu      sync.Mutex
	applied []Color
	failFor Color
}

func (r *recordingReloader) Name() string { return r.name }

func (r *recordingReloader) Reload(_ context.Context, target Upstream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target.Color == r.failFor {
		return errors.New("nginx: [emerg] unexpected end of file")
	}
	r.applied = append(r.applied, target.Color)
	return nil
}

func (r *recordingReloader) history() []Color {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Color(nil), r.applied...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		Instances: []Instance{
			{Color: "blue", Address: "http://10.0.0.1:8000", HealthPath: "/readiness"},
			{Color: "green", Address: "http://10.0.0.2:8000", HealthPath: "/readiness"},
		},
		InitialActive:     "blue",
		Policy:            PolicyReject,
		DrainPollInterval: time.Hour,
	}
}

func newTestSwitch(t *testing.T, cfg Config, prober Prober, opts ...Option) *Switch {
	t.Helper()
	sw, err := New(cfg, prober, opts...)
	require.NoError(t, err)
	require.NoError(t, sw.Start(context.Background()))
	t.Cleanup(sw.Close)
	return sw
}
