package bluegreen

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/mir00r/bluegreen/internal/errors"
	"github.com/mir00r/bluegreen/internal/metrics"
	"github.com/mir00r/bluegreen/internal/telemetry"
	"github.com/mir00r/bluegreen/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultHealthPath is probed when an instance does not name its own readiness path.
const DefaultHealthPath = "/readiness"

// Policy decides what a cutover does while another one is in flight.
type Policy string

const (
	// PolicyReject fails the second caller with CUTOVER_IN_PROGRESS.
	PolicyReject Policy = "reject"
	// PolicyQueue makes the second caller wait for its turn until its context is done.
	PolicyQueue Policy = "queue"
)

// ConnectionCounter reports the client connections still bound to an upstream.
type ConnectionCounter interface {
	OpenConnections(up Upstream) int64
}

// Config describes the two instances and the cutover policy.
type Config struct {
	Instances         []Instance
	InitialActive     Color
	Policy            Policy
	DrainTimeout      time.Duration // zero waits until the old instance has no connections
	DrainPollInterval time.Duration
}

// Option configures the collaborators of a Switch.
type Option func(*Switch)

// WithReloaders sets the configuration surfaces repointed on cutover, in order.
// Put reloaders that can fail before the in-process Proxy, whose swap takes
// effect for new connections immediately.
func WithReloaders(reloaders ...Reloader) Option {
	return func(s *Switch) {
		s.reloaders = reloaders
	}
}

// WithConnectionCounter sets the source of drain observations.
func WithConnectionCounter(c ConnectionCounter) Option {
	return func(s *Switch) {
		s.conns = c
	}
}

// WithStateStore persists routing decisions.
func WithStateStore(store StateStore) Option {
	return func(s *Switch) {
		s.store = store
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(s *Switch) {
		s.logger = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Switch) {
		s.metrics = m
	}
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Switch) {
		s.now = now
	}
}

// Switch is the blue-green cutover state machine. Exactly one instance is
// active at any time. Cutovers, completions and deployments are serialized.
type Switch struct {
	cfg   Config
	slots [2]Color

	// turn is held by whoever is changing routing or the instance table.
	turn chan struct{}

	mu        sync.RWMutex
	instances map[Color]*Instance
	snapshot  Snapshot

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup

	prober    Prober
	reloaders []Reloader
	conns     ConnectionCounter
	store     StateStore
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New validates cfg and builds a switch routed to cfg.InitialActive. Call
// Start before serving traffic.
func New(cfg Config, prober Prober, opts ...Option) (*Switch, error) {
	if len(cfg.Instances) != 2 {
		return nil, fmt.Errorf("switch needs exactly two instances, got %d", len(cfg.Instances))
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyReject
	}
	if cfg.Policy != PolicyReject && cfg.Policy != PolicyQueue {
		return nil, fmt.Errorf("unsupported cutover policy: %s", cfg.Policy)
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = 500 * time.Millisecond
	}
	if prober == nil {
		return nil, fmt.Errorf("switch needs a readiness prober")
	}

	s := &Switch{
		cfg:       cfg,
		turn:      make(chan struct{}, 1),
		instances: make(map[Color]*Instance, 2),
		prober:    prober,
		store:     NewMemoryStateStore(),
		logger:    logger.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.SwitchLogger()

	for i, inst := range cfg.Instances {
		if _, err := parseAddress(inst.Address); err != nil {
			return nil, fmt.Errorf("instance %s: %w", inst.Color, err)
		}
		if _, dup := s.instances[inst.Color]; dup {
			return nil, fmt.Errorf("duplicate instance color %s", inst.Color)
		}
		inst := inst
		if inst.HealthPath == "" {
			inst.HealthPath = DefaultHealthPath
		}
		inst.Phase = PhaseCreated
		inst.UpdatedAt = s.now()
		s.instances[inst.Color] = &inst
		s.slots[i] = inst.Color
	}

	active, ok := s.instances[cfg.InitialActive]
	if !ok {
		return nil, fmt.Errorf("initial active instance %s is not configured", cfg.InitialActive)
	}
	active.Phase = PhaseActive
	s.snapshot = Snapshot{Active: active.Color, ChangedAt: s.now()}
	s.snapshot.State = s.routedState(active.Color)

	return s, nil
}

// Start restores the persisted routing record, points every reloader at the
// active instance and resumes an interrupted drain.
func (s *Switch) Start(ctx context.Context) error {
	rec, found, err := s.store.Load(ctx)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeStateStore, "traffic_switch", "Failed to load switch state")
	}
	if found {
		s.restore(rec)
	}

	s.mu.RLock()
	active := s.instances[s.snapshot.Active].Upstream()
	snap := s.snapshot
	s.mu.RUnlock()

	for _, r := range s.reloaders {
		if err := r.Reload(ctx, active); err != nil {
			return apperrors.NewReloadFailedError(string(active.Color), err).WithMetadata("reloader", r.Name())
		}
	}

	s.metrics.SetActive(string(snap.Active), s.colorNames())
	s.persist(ctx)

	if snap.CuttingOver() {
		s.startDrainWatcher(snap.Generation)
	}

	s.logger.WithFields(map[string]interface{}{
		"state":    snap.State,
		"active":   snap.Active,
		"restored": found,
	}).Info("Traffic switch started")
	return nil
}

// restore applies a persisted record whose colors match the configuration.
func (s *Switch) restore(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[rec.Snapshot.Active]; !ok {
		s.logger.WithField("active", rec.Snapshot.Active).Warn("Ignoring persisted state for an unknown instance")
		return
	}
	for _, stored := range rec.Instances {
		if inst, ok := s.instances[stored.Color]; ok {
			if _, err := parseAddress(stored.Address); err == nil {
				*inst = stored
			}
		}
	}

	s.snapshot = rec.Snapshot
	s.instances[s.snapshot.Active].Phase = PhaseActive
	if s.snapshot.Draining != "" {
		if _, ok := s.instances[s.snapshot.Draining]; !ok {
			s.snapshot.Draining = ""
		}
	}
	if s.snapshot.Draining == "" {
		s.snapshot.State = s.routedState(s.snapshot.Active)
		s.snapshot.DrainDeadline = nil
	} else {
		s.snapshot.State = StateCuttingOver
		s.instances[s.snapshot.Draining].Phase = PhaseDraining
	}
}

// Close stops the drain watcher.
func (s *Switch) Close() {
	s.stopDrainWatcher()
	s.watchWG.Wait()
}

// acquire takes the single cutover turn according to the policy.
func (s *Switch) acquire(ctx context.Context) error {
	if s.cfg.Policy == PolicyQueue {
		select {
		case s.turn <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case s.turn <- struct{}{}:
		return nil
	default:
		return apperrors.NewCutoverInProgressError()
	}
}

func (s *Switch) release() {
	<-s.turn
}

// BeginCutover routes new connections to target once it passes its readiness
// probe and every reloader applied it. On any failure routing is unchanged.
// Calling it with the draining instance while CUTTING_OVER rolls back.
func (s *Switch) BeginCutover(ctx context.Context, target Color) (snap Snapshot, err error) {
	ctx, span := telemetry.StartSpan(ctx, "switch.begin_cutover", attribute.String("target", string(target)))
	defer func() { telemetry.EndSpan(span, err) }()

	if err := s.acquire(ctx); err != nil {
		s.metrics.CutoverAttempt(string(target), resultOf(err))
		return Snapshot{}, err
	}
	defer s.release()

	snap, err = s.beginCutover(ctx, target)
	s.metrics.CutoverAttempt(string(target), resultOf(err))
	return snap, err
}

func (s *Switch) beginCutover(ctx context.Context, target Color) (Snapshot, error) {
	s.mu.RLock()
	candidate, known := s.instances[target]
	var (
		inst     Instance
		previous Upstream
		current  = s.snapshot
	)
	if known {
		inst = *candidate
		previous = s.instances[current.Active].Upstream()
	}
	s.mu.RUnlock()

	switch {
	case !known:
		return Snapshot{}, apperrors.NewUnknownInstanceError(string(target))
	case target == current.Active:
		return Snapshot{}, apperrors.NewInvalidTransitionError(string(current.State), fmt.Sprintf("%s is already active", target))
	case inst.Phase == PhaseRetired:
		return Snapshot{}, apperrors.NewInvalidTransitionError(string(current.State), fmt.Sprintf("%s is retired, deploy it first", target))
	}

	log := s.logger.BackendLogger(string(target), inst.Address).WithField("component", "traffic_switch")
	log.WithField("from", current.Active).Info("Cutover requested")

	if err := s.prober.Probe(ctx, inst); err != nil {
		s.recordProbe(target, inst.Address, err)
		log.WithError(err).Warn("Cutover refused, candidate failed readiness probe")
		return Snapshot{}, apperrors.NewHealthCheckFailedError(string(target), err)
	}
	s.recordProbe(target, inst.Address, nil)

	if err := s.reload(ctx, previous, inst.Upstream()); err != nil {
		log.WithError(err).Error("Cutover aborted, reload failed")
		return Snapshot{}, err
	}

	s.mu.Lock()
	now := s.now()
	from := s.snapshot.Active
	s.instances[from].Phase = PhaseDraining
	s.instances[from].UpdatedAt = now
	s.instances[target].Phase = PhaseActive
	s.instances[target].UpdatedAt = now

	s.snapshot = Snapshot{
		State:      StateCuttingOver,
		Active:     target,
		Draining:   from,
		Generation: s.snapshot.Generation + 1,
		ChangedAt:  now,
	}
	if s.cfg.DrainTimeout > 0 {
		deadline := now.Add(s.cfg.DrainTimeout)
		s.snapshot.DrainDeadline = &deadline
	}
	snap := s.snapshot
	s.mu.Unlock()

	s.metrics.SetActive(string(target), s.colorNames())
	s.persist(ctx)
	s.startDrainWatcher(snap.Generation)

	log.WithFields(map[string]interface{}{
		"draining":   from,
		"generation": snap.Generation,
	}).Info("Cutover started, previous instance draining")
	return snap, nil
}

// reload applies target to every reloader in order. When one fails, those that
// already applied target are pointed back at previous.
func (s *Switch) reload(ctx context.Context, previous, target Upstream) error {
	for i, r := range s.reloaders {
		if err := r.Reload(ctx, target); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rbErr := s.reloaders[j].Reload(context.WithoutCancel(ctx), previous); rbErr != nil {
					s.logger.WithError(rbErr).WithField("reloader", s.reloaders[j].Name()).
						Error("Failed to roll back reloader, manual intervention required")
				}
			}
			return apperrors.NewReloadFailedError(string(target.Color), err).WithMetadata("reloader", r.Name())
		}
	}
	return nil
}

// CompleteCutover retires the draining instance. It succeeds once that
// instance has no open connections or the drain deadline has passed.
func (s *Switch) CompleteCutover(ctx context.Context) (snap Snapshot, err error) {
	ctx, span := telemetry.StartSpan(ctx, "switch.complete_cutover")
	defer func() { telemetry.EndSpan(span, err) }()

	if err := s.acquire(ctx); err != nil {
		return Snapshot{}, err
	}
	defer s.release()

	return s.completeCutover(ctx)
}

func (s *Switch) completeCutover(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if !s.snapshot.CuttingOver() {
		state := s.snapshot.State
		s.mu.Unlock()
		return Snapshot{}, apperrors.NewInvalidTransitionError(string(state), "no cutover in progress")
	}

	draining := s.snapshot.Draining
	open := s.openConnections(draining)
	deadlinePassed := s.snapshot.DrainDeadline != nil && !s.now().Before(*s.snapshot.DrainDeadline)
	if open > 0 && !deadlinePassed {
		s.mu.Unlock()
		return Snapshot{}, apperrors.NewError(
			apperrors.ErrCodeDrainIncomplete,
			"traffic_switch",
			fmt.Sprintf("Instance %s still has %d open connections", draining, open),
		).WithMetadata("open_connections", open).WithMetadata("color", string(draining))
	}

	now := s.now()
	s.instances[draining].Phase = PhaseRetired
	s.instances[draining].UpdatedAt = now
	s.snapshot = Snapshot{
		State:      s.routedState(s.snapshot.Active),
		Active:     s.snapshot.Active,
		Generation: s.snapshot.Generation + 1,
		ChangedAt:  now,
	}
	snap := s.snapshot
	s.mu.Unlock()

	s.persist(ctx)

	s.logger.WithFields(map[string]interface{}{
		"retired":          draining,
		"active":           snap.Active,
		"open_connections": open,
		"forced":           open > 0,
	}).Info("Cutover complete")
	return snap, nil
}

// Deploy registers a new address for a standby instance. The active instance
// and an instance still draining cannot be replaced.
func (s *Switch) Deploy(ctx context.Context, color Color, address, healthPath string) (Instance, error) {
	if _, err := parseAddress(address); err != nil {
		return Instance{}, apperrors.NewValidationError(err.Error())
	}

	if err := s.acquire(ctx); err != nil {
		return Instance{}, err
	}
	defer s.release()

	s.mu.Lock()
	inst, ok := s.instances[color]
	if !ok {
		s.mu.Unlock()
		return Instance{}, apperrors.NewUnknownInstanceError(string(color))
	}
	switch color {
	case s.snapshot.Active:
		state := s.snapshot.State
		s.mu.Unlock()
		return Instance{}, apperrors.NewInvalidTransitionError(string(state), fmt.Sprintf("%s is active and cannot be redeployed", color))
	case s.snapshot.Draining:
		state := s.snapshot.State
		s.mu.Unlock()
		return Instance{}, apperrors.NewInvalidTransitionError(string(state), fmt.Sprintf("%s is still draining", color))
	}

	inst.Address = address
	if healthPath != "" {
		inst.HealthPath = healthPath
	}
	inst.Phase = PhaseCreated
	inst.UpdatedAt = s.now()
	inst.LastProbe = ""
	inst.LastProbeAt = time.Time{}
	out := *inst
	s.mu.Unlock()

	s.persist(ctx)
	s.logger.BackendLogger(string(color), address).Info("Instance deployed")
	return out, nil
}

// Warm probes an instance and marks a freshly deployed one as warmed.
func (s *Switch) Warm(ctx context.Context, color Color) (Instance, error) {
	s.mu.RLock()
	inst, ok := s.instances[color]
	var snapshot Instance
	if ok {
		snapshot = *inst
	}
	s.mu.RUnlock()
	if !ok {
		return Instance{}, apperrors.NewUnknownInstanceError(string(color))
	}

	probeErr := s.prober.Probe(ctx, snapshot)
	s.recordProbe(color, snapshot.Address, probeErr)
	if probeErr != nil {
		return Instance{}, apperrors.NewHealthCheckFailedError(string(color), probeErr)
	}

	s.mu.Lock()
	if inst.Phase == PhaseCreated && inst.Address == snapshot.Address {
		inst.Phase = PhaseWarmed
		inst.UpdatedAt = s.now()
	}
	out := *inst
	s.mu.Unlock()

	s.persist(ctx)
	return out, nil
}

// recordProbe stores the probe outcome unless the instance was redeployed meanwhile.
func (s *Switch) recordProbe(color Color, address string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[color]
	if !ok || inst.Address != address {
		return
	}
	inst.LastProbeAt = s.now()
	inst.LastProbe = "ok"
	if err != nil {
		inst.LastProbe = err.Error()
	}
}

// Snapshot returns the current routing state.
func (s *Switch) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Status returns the routing state, the instance table and connection counts.
func (s *Switch) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		Snapshot:        s.snapshot,
		Instances:       make([]Instance, 0, len(s.instances)),
		OpenConnections: make(map[Color]int64, len(s.instances)),
	}
	for _, color := range s.slots {
		status.Instances = append(status.Instances, *s.instances[color])
		status.OpenConnections[color] = s.openConnections(color)
	}
	return status
}

// Instance returns one instance.
func (s *Switch) Instance(color Color) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[color]
	if !ok {
		return Instance{}, apperrors.NewUnknownInstanceError(string(color))
	}
	return *inst, nil
}

// openConnections counts connections bound to the deployment currently in the
// color slot. Callers hold s.mu.
func (s *Switch) openConnections(color Color) int64 {
	inst, ok := s.instances[color]
	if s.conns == nil || !ok {
		return 0
	}
	return s.conns.OpenConnections(inst.Upstream())
}

func (s *Switch) routedState(active Color) State {
	if active == s.slots[1] {
		return StateRoutedToB
	}
	return StateRoutedToA
}

func (s *Switch) colorNames() []string {
	names := make([]string, 0, len(s.slots))
	for _, c := range s.slots {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}

// persist saves the routing record. Routing already changed in memory, so a
// store failure is logged rather than undoing the cutover.
func (s *Switch) persist(ctx context.Context) {
	s.mu.RLock()
	rec := Record{Snapshot: s.snapshot}
	for _, color := range s.slots {
		rec.Instances = append(rec.Instances, *s.instances[color])
	}
	s.mu.RUnlock()

	if err := s.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.WithError(err).Error("Failed to persist switch state")
	}
}

// startDrainWatcher polls the draining instance and completes the cutover of
// generation gen once it is drained. A newer cutover replaces the watcher.
func (s *Switch) startDrainWatcher(gen uint64) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watchCancel != nil {
		s.watchCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		ticker := time.NewTicker(s.cfg.DrainPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.Snapshot().Generation != gen {
					return
				}
				if done := s.tryComplete(ctx); done {
					return
				}
			}
		}
	}()
}

func (s *Switch) stopDrainWatcher() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
}

// tryComplete attempts completion without waiting for the cutover turn. It
// reports whether the watcher can stop.
func (s *Switch) tryComplete(ctx context.Context) bool {
	select {
	case s.turn <- struct{}{}:
	default:
		return false
	}
	defer s.release()

	_, err := s.completeCutover(ctx)
	switch {
	case err == nil:
		return true
	case apperrors.HasCode(err, apperrors.ErrCodeDrainIncomplete):
		return false
	default:
		return true
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case apperrors.IsAppError(err):
		return string(apperrors.GetErrorCode(err))
	default:
		return "error"
	}
}
