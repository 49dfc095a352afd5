package bluegreen

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/mir00r/bluegreen/internal/errors"
	"github.com/mir00r/bluegreen/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func colorBackend(color string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(color))
	}))
}

func startProxy(t *testing.T, p *Proxy) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	p.ConfigureServer(srv.Config)
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, client *http.Client, url string) (string, *http.Response) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body), resp
}

func TestProxyWithoutUpstream(t *testing.T) {
	p := NewProxy(logger.NewNop(), nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxyReloadRejectsInvalidAddress(t *testing.T) {
	p := NewProxy(logger.NewNop(), nil)
	assert.Error(t, p.Reload(context.Background(), Upstream{Color: "blue", Address: "::bad"}))
	_, ok := p.Upstream()
	assert.False(t, ok)
}

func TestProxyKeepsExistingConnectionsOnOldUpstream(t *testing.T) {
	blue, green := colorBackend("blue"), colorBackend("green")
	defer blue.Close()
	defer green.Close()

	p := NewProxy(logger.NewNop(), nil)
	require.NoError(t, p.Reload(context.Background(), Upstream{Color: "blue", Address: blue.URL}))
	srv := startProxy(t, p)

	keepAlive := &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 1}}
	defer keepAlive.CloseIdleConnections()

	body, _ := get(t, keepAlive, srv.URL)
	assert.Equal(t, "blue", body)
	assert.Equal(t, int64(1), p.OpenConnections(Upstream{Color: "blue", Address: blue.URL}))

	require.NoError(t, p.Reload(context.Background(), Upstream{Color: "green", Address: green.URL}))

	// The idle keep-alive connection was accepted while blue was active.
	body, resp := get(t, keepAlive, srv.URL)
	assert.Equal(t, "blue", body)
	assert.True(t, resp.Close, "draining connection is told to close")

	fresh := &http.Client{Transport: &http.Transport{}}
	defer fresh.CloseIdleConnections()
	body, _ = get(t, fresh, srv.URL)
	assert.Equal(t, "green", body)

	body, _ = get(t, keepAlive, srv.URL)
	assert.Equal(t, "green", body, "client reconnects to the new upstream")

	assert.Eventually(t, func() bool {
		return p.OpenConnections(Upstream{Color: "blue", Address: blue.URL}) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestProxyInFlightRequestFinishesOnOldUpstream(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	blue := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-finish
		w.Write([]byte("blue"))
	}))
	defer blue.Close()
	green := colorBackend("green")
	defer green.Close()

	p := NewProxy(logger.NewNop(), nil)
	require.NoError(t, p.Reload(context.Background(), Upstream{Color: "blue", Address: blue.URL}))
	srv := startProxy(t, p)

	result := make(chan string, 1)
	go func() {
		resp, err := http.Get(srv.URL)
		if err != nil {
			result <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		result <- string(body)
	}()

	<-started
	require.NoError(t, p.Reload(context.Background(), Upstream{Color: "green", Address: green.URL}))
	close(finish)

	assert.Equal(t, "blue", <-result)
}

func TestProxyUpstreamFailure(t *testing.T) {
	dead := colorBackend("dead")
	deadURL := dead.URL
	dead.Close()

	p := NewProxy(logger.NewNop(), nil)
	require.NoError(t, p.Reload(context.Background(), Upstream{Color: "blue", Address: deadURL}))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSwitchDrivesProxy(t *testing.T) {
	blue, green := colorBackend("blue"), colorBackend("green")
	defer blue.Close()
	defer green.Close()

	p := NewProxy(logger.NewNop(), nil)
	cfg := Config{
		Instances: []Instance{
			{Color: "blue", Address: blue.URL},
			{Color: "green", Address: green.URL},
		},
		InitialActive:     "blue",
		DrainPollInterval: 5 * time.Millisecond,
	}
	sw := newTestSwitch(t, cfg, newFakeProber("green"), WithReloaders(p), WithConnectionCounter(p))
	srv := startProxy(t, p)

	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()
	body, _ := get(t, client, srv.URL)
	assert.Equal(t, "blue", body)

	_, err := sw.BeginCutover(context.Background(), "green")
	require.NoError(t, err)
	assert.Equal(t, StateCuttingOver, sw.Snapshot().State)

	// The keep-alive connection still reaches blue once, then closes.
	body, _ = get(t, client, srv.URL)
	assert.Equal(t, "blue", body)

	assert.Eventually(t, func() bool {
		return sw.Snapshot().State == StateRoutedToB
	}, 2*time.Second, 5*time.Millisecond)

	body, _ = get(t, client, srv.URL)
	assert.Equal(t, "green", body)
}

type hookReloader struct {
	onReload func(Upstream) error
}

func (r *hookReloader) Name() string { return "upstream_file" }

func (r *hookReloader) Reload(_ context.Context, target Upstream) error {
	return r.onReload(target)
}

func TestFailedReloadKeepsNewConnectionsOnPreviousUpstream(t *testing.T) {
	blue, green := colorBackend("blue"), colorBackend("green")
	defer blue.Close()
	defer green.Close()

	p := NewProxy(logger.NewNop(), nil)
	srv := startProxy(t, p)

	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()

	var servedDuringReload string
	external := &hookReloader{onReload: func(target Upstream) error {
		if target.Color != "green" {
			return nil
		}
		// A client connecting while the reload command runs.
		servedDuringReload, _ = get(t, client, srv.URL)
		return errors.New("nginx: [emerg] host not found in upstream")
	}}

	cfg := Config{
		Instances: []Instance{
			{Color: "blue", Address: blue.URL},
			{Color: "green", Address: green.URL},
		},
		InitialActive:     "blue",
		DrainPollInterval: time.Hour,
	}
	sw := newTestSwitch(t, cfg, newFakeProber("green"), WithReloaders(external, p), WithConnectionCounter(p))

	_, err := sw.BeginCutover(context.Background(), "green")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeReloadFailed))

	assert.Equal(t, "blue", servedDuringReload)
	assert.Equal(t, StateRoutedToA, sw.Snapshot().State)
	assert.Zero(t, p.OpenConnections(Upstream{Color: "green", Address: green.URL}))

	body, _ := get(t, client, srv.URL)
	assert.Equal(t, "blue", body)
}

func TestProxyCountsConnectionsPerDeployment(t *testing.T) {
	oldBlue, newBlue := colorBackend("blue-v1"), colorBackend("blue-v2")
	defer oldBlue.Close()
	defer newBlue.Close()

	p := NewProxy(logger.NewNop(), nil)
	srv := startProxy(t, p)

	v1 := Upstream{Color: "blue", Address: oldBlue.URL}
	v2 := Upstream{Color: "blue", Address: newBlue.URL}

	require.NoError(t, p.Reload(context.Background(), v1))
	stale := &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 1}}
	defer stale.CloseIdleConnections()
	body, _ := get(t, stale, srv.URL)
	assert.Equal(t, "blue-v1", body)

	require.NoError(t, p.Reload(context.Background(), v2))
	assert.Equal(t, int64(1), p.OpenConnections(v1))
	assert.Zero(t, p.OpenConnections(v2))
}

func TestRedeployedColorDrainsWithoutStaleConnections(t *testing.T) {
	oldBlue, newBlue, green := colorBackend("blue-v1"), colorBackend("blue-v2"), colorBackend("green")
	defer oldBlue.Close()
	defer newBlue.Close()
	defer green.Close()

	p := NewProxy(logger.NewNop(), nil)
	srv := startProxy(t, p)

	cfg := Config{
		Instances: []Instance{
			{Color: "blue", Address: oldBlue.URL},
			{Color: "green", Address: green.URL},
		},
		InitialActive:     "blue",
		DrainTimeout:      time.Minute,
		DrainPollInterval: time.Hour,
	}
	clock := newFakeClock()
	sw := newTestSwitch(t, cfg, newFakeProber("blue", "green"),
		WithReloaders(p), WithConnectionCounter(p), WithClock(clock.Now))
	ctx := context.Background()

	// An idle keep-alive connection stays bound to the first blue deployment.
	stale := &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 1}}
	defer stale.CloseIdleConnections()
	body, _ := get(t, stale, srv.URL)
	require.Equal(t, "blue-v1", body)

	_, err := sw.BeginCutover(ctx, "green")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = sw.CompleteCutover(ctx)
	require.NoError(t, err, "deadline forces completion past the stale connection")

	_, err = sw.Deploy(ctx, "blue", newBlue.URL, "")
	require.NoError(t, err)
	_, err = sw.BeginCutover(ctx, "blue")
	require.NoError(t, err)
	_, err = sw.CompleteCutover(ctx)
	require.NoError(t, err)

	_, err = sw.Deploy(ctx, "green", green.URL, "")
	require.NoError(t, err)
	_, err = sw.BeginCutover(ctx, "green")
	require.NoError(t, err)

	status := sw.Status()
	assert.Zero(t, status.OpenConnections["blue"])
	snap, err := sw.CompleteCutover(ctx)
	require.NoError(t, err, "the new blue deployment has no connections to drain")
	assert.Equal(t, StateRoutedToB, snap.State)
}
