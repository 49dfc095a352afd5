package bluegreen

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/mir00r/bluegreen/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	prober := newFakeProber()

	cfg := testConfig()
	cfg.Instances = cfg.Instances[:1]
	_, err := New(cfg, prober)
	assert.ErrorContains(t, err, "exactly two instances")

	cfg = testConfig()
	cfg.InitialActive = "red"
	_, err = New(cfg, prober)
	assert.ErrorContains(t, err, "not configured")

	cfg = testConfig()
	cfg.Instances[1].Address = "10.0.0.2:8000"
	_, err = New(cfg, prober)
	assert.ErrorContains(t, err, "scheme")

	cfg = testConfig()
	cfg.Policy = "interleave"
	_, err = New(cfg, prober)
	assert.ErrorContains(t, err, "policy")
}

func TestStartPointsReloadersAtActive(t *testing.T) {
	reloader := &recordingReloader{name: "proxy"}
	sw := newTestSwitch(t, testConfig(), newFakeProber(), WithReloaders(reloader))

	assert.Equal(t, []Color{"blue"}, reloader.history())
	snap := sw.Snapshot()
	assert.Equal(t, StateRoutedToA, snap.State)
	assert.Equal(t, Color("blue"), snap.Active)
}

func TestCutoverToHealthyInstanceThenDrain(t *testing.T) {
	reloader := &recordingReloader{name: "proxy"}
	counter := newFakeCounter()
	sw := newTestSwitch(t, testConfig(), newFakeProber("green"),
		WithReloaders(reloader), WithConnectionCounter(counter))

	counter.set("blue", 2)

	snap, err := sw.BeginCutover(context.Background(), "green")
	require.NoError(t, err)
	assert.Equal(t, StateCuttingOver, snap.State)
	assert.Equal(t, Color("green"), snap.Active)
	assert.Equal(t, Color("blue"), snap.Draining)
	assert.Equal(t, []Color{"blue", "green"}, reloader.history())

	_, err = sw.CompleteCutover(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDrainIncomplete))
	assert.Equal(t, StateCuttingOver, sw.Snapshot().State)

	counter.set("blue", 0)
	snap, err = sw.CompleteCutover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRoutedToB, snap.State)
	assert.Empty(t, snap.Draining)

	blue, err := sw.Instance("blue")
	require.NoError(t, err)
	assert.Equal(t, PhaseRetired, blue.Phase)
	green, err := sw.Instance("green")
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, green.Phase)
}

func TestCutoverToUnhealthyInstanceLeavesStateUnchanged(t *testing.T) {
	reloader := &recordingReloader{name: "proxy"}
	sw := newTestSwitch(t, testConfig(), newFakeProber(), WithReloaders(reloader))
	before := sw.Snapshot()

	_, err := sw.BeginCutover(context.Background(), "green")

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeHealthCheckFailed))
	assert.Equal(t, before, sw.Snapshot())
	assert.Equal(t, StateRoutedToA, sw.Snapshot().State)
	assert.Equal(t, []Color{"blue"}, reloader.history(), "no reload after a failed probe")

	green, _ := sw.Instance("green")
	assert.Contains(t, green.LastProbe, "503")
}

func TestReloadFailureRollsBackEarlierReloaders(t *testing.T) {
	proxy := &recordingReloader{name: "proxy"}
	file := &recordingReloader{name: "upstream_file", failFor: "green"}
	sw := newTestSwitch(t, testConfig(), newFakeProber("green"), WithReloaders(proxy, file))

	_, err := sw.BeginCutover(context.Background(), "green")

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeReloadFailed))
	assert.Contains(t, err.Error(), "unexpected end of file")
	assert.Equal(t, []Color{"blue", "green", "blue"}, proxy.history())
	assert.Equal(t, StateRoutedToA, sw.Snapshot().State)
	assert.Equal(t, Color("blue"), sw.Snapshot().Active)
}

func TestInvalidTransitions(t *testing.T) {
	sw := newTestSwitch(t, testConfig(), newFakeProber("blue", "green"))
	ctx := context.Background()

	_, err := sw.BeginCutover(ctx, "blue")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition), "already active")

	_, err = sw.BeginCutover(ctx, "red")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownInstance))

	_, err = sw.CompleteCutover(ctx)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition), "nothing to complete")

	_, err = sw.Deploy(ctx, "blue", "http://10.0.0.9:8000", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition), "active cannot be redeployed")
}

func TestRollbackWhilePreviousIsDraining(t *testing.T) {
	counter := newFakeCounter()
	sw := newTestSwitch(t, testConfig(), newFakeProber("blue", "green"), WithConnectionCounter(counter))
	ctx := context.Background()
	counter.set("blue", 1)

	_, err := sw.BeginCutover(ctx, "green")
	require.NoError(t, err)

	snap, err := sw.BeginCutover(ctx, "blue")
	require.NoError(t, err)
	assert.Equal(t, StateCuttingOver, snap.State)
	assert.Equal(t, Color("blue"), snap.Active)
	assert.Equal(t, Color("green"), snap.Draining)

	snap, err = sw.CompleteCutover(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRoutedToA, snap.State)
}

func TestRetiredInstanceMustBeRedeployed(t *testing.T) {
	sw := newTestSwitch(t, testConfig(), newFakeProber("blue", "green"))
	ctx := context.Background()

	_, err := sw.BeginCutover(ctx, "green")
	require.NoError(t, err)
	_, err = sw.CompleteCutover(ctx)
	require.NoError(t, err)

	_, err = sw.BeginCutover(ctx, "blue")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))

	inst, err := sw.Deploy(ctx, "blue", "http://10.0.0.3:8000", "/ready")
	require.NoError(t, err)
	assert.Equal(t, PhaseCreated, inst.Phase)
	assert.Equal(t, "/ready", inst.HealthPath)

	inst, err = sw.Warm(ctx, "blue")
	require.NoError(t, err)
	assert.Equal(t, PhaseWarmed, inst.Phase)

	snap, err := sw.BeginCutover(ctx, "blue")
	require.NoError(t, err)
	assert.Equal(t, Color("blue"), snap.Active)
}

func TestDeployRejectsInvalidAddress(t *testing.T) {
	sw := newTestSwitch(t, testConfig(), newFakeProber())

	_, err := sw.Deploy(context.Background(), "green", "not a url", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestWarmFailureKeepsPhase(t *testing.T) {
	sw := newTestSwitch(t, testConfig(), newFakeProber())

	_, err := sw.Warm(context.Background(), "green")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeHealthCheckFailed))

	green, _ := sw.Instance("green")
	assert.Equal(t, PhaseCreated, green.Phase)
}

func TestDrainWatcherCompletesCutover(t *testing.T) {
	cfg := testConfig()
	cfg.DrainPollInterval = 5 * time.Millisecond
	counter := newFakeCounter()
	sw := newTestSwitch(t, cfg, newFakeProber("green"), WithConnectionCounter(counter))
	counter.set("blue", 1)

	_, err := sw.BeginCutover(context.Background(), "green")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateCuttingOver, sw.Snapshot().State, "open connection keeps the drain going")

	counter.set("blue", 0)
	assert.Eventually(t, func() bool {
		return sw.Snapshot().State == StateRoutedToB
	}, time.Second, 5*time.Millisecond)
}

func TestDrainDeadlineForcesCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = time.Minute
	clock := newFakeClock()
	counter := newFakeCounter()
	sw := newTestSwitch(t, cfg, newFakeProber("green"), WithConnectionCounter(counter), WithClock(clock.Now))
	counter.set("blue", 3)

	snap, err := sw.BeginCutover(context.Background(), "green")
	require.NoError(t, err)
	require.NotNil(t, snap.DrainDeadline)
	assert.Equal(t, clock.Now().Add(time.Minute), *snap.DrainDeadline)

	_, err = sw.CompleteCutover(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDrainIncomplete))

	clock.Advance(time.Minute)
	snap, err = sw.CompleteCutover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRoutedToB, snap.State)
}

func TestConcurrentCutoverRejected(t *testing.T) {
	prober := newFakeProber("green")
	sw := newTestSwitch(t, testConfig(), prober)
	prober.block()

	done := make(chan error, 1)
	go func() {
		_, err := sw.BeginCutover(context.Background(), "green")
		done <- err
	}()
	<-prober.entered

	_, err := sw.BeginCutover(context.Background(), "green")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCutoverInProgress))

	prober.release()
	require.NoError(t, <-done)
	assert.Equal(t, Color("green"), sw.Snapshot().Active)
}

func TestConcurrentCutoverQueued(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = PolicyQueue
	prober := newFakeProber("blue", "green")
	sw := newTestSwitch(t, cfg, prober)
	prober.block()

	first := make(chan error, 1)
	go func() {
		_, err := sw.BeginCutover(context.Background(), "green")
		first <- err
	}()
	<-prober.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sw.BeginCutover(ctx, "blue")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "queued caller gives up with its context")

	second := make(chan error, 1)
	go func() {
		_, err := sw.BeginCutover(context.Background(), "blue")
		second <- err
	}()

	prober.release()
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	snap := sw.Snapshot()
	assert.Equal(t, Color("blue"), snap.Active)
	assert.Equal(t, Color("green"), snap.Draining)
}

func TestStateSurvivesRestart(t *testing.T) {
	store, err := OpenBoltStateStore(filepath.Join(t.TempDir(), "switch.db"))
	require.NoError(t, err)
	defer store.Close()

	sw, err := New(testConfig(), newFakeProber("green"), WithStateStore(store))
	require.NoError(t, err)
	require.NoError(t, sw.Start(context.Background()))
	_, err = sw.BeginCutover(context.Background(), "green")
	require.NoError(t, err)
	_, err = sw.CompleteCutover(context.Background())
	require.NoError(t, err)
	sw.Close()

	reloader := &recordingReloader{name: "proxy"}
	restarted := newTestSwitch(t, testConfig(), newFakeProber(), WithStateStore(store), WithReloaders(reloader))

	snap := restarted.Snapshot()
	assert.Equal(t, StateRoutedToB, snap.State)
	assert.Equal(t, Color("green"), snap.Active)
	assert.Equal(t, []Color{"green"}, reloader.history())

	blue, _ := restarted.Instance("blue")
	assert.Equal(t, PhaseRetired, blue.Phase)
}

func TestStatusReportsConnections(t *testing.T) {
	counter := newFakeCounter()
	counter.set("blue", 4)
	sw := newTestSwitch(t, testConfig(), newFakeProber(), WithConnectionCounter(counter))

	status := sw.Status()
	require.Len(t, status.Instances, 2)
	assert.Equal(t, Color("blue"), status.Instances[0].Color)
	assert.Equal(t, int64(4), status.OpenConnections["blue"])
	assert.Equal(t, int64(0), status.OpenConnections["green"])
}
