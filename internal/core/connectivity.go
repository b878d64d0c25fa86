// Package core provides the Connectivity Monitor.
//
// INVARIANTS:
// - CanUseRemote is derived on every read, never stored
// - Offline override is written durably BEFORE memory changes
// - Listeners see transitions only, in commit order, outside the state lock
// - A panicking listener never prevents delivery to the others
// - Online + offline totals + the open segment equal wall time since reset
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cropdoc/cropdoc/internal/logger"
	"github.com/cropdoc/cropdoc/internal/metrics"
	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

// ConnectivityOptions configures a ConnectivityMonitor.
type ConnectivityOptions struct {
	Source        provider.ReachabilitySource
	Backend       provider.Backend // used for quality probes; nil disables probing
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Now           func() time.Time
	Log           *logger.Logger
}

// ConnectivityMonitor tracks whether remote services are usable.
type ConnectivityMonitor struct {
	store         *StateDB
	source        provider.ReachabilitySource
	backend       provider.Backend
	probeInterval time.Duration
	probeTimeout  time.Duration
	now           func() time.Time
	log           *logger.Logger

	mu           sync.Mutex
	state        model.ConnectivityState
	snap         provider.NetworkSnapshot
	haveSnap     bool
	probeQuality *model.ConnectionQuality
	linkGen      uint64
	stats        model.NetworkStats
	seq          uint64
	initialized  bool

	overrideMu sync.Mutex

	deliverMu sync.Mutex
	delivered uint64

	lmu          sync.RWMutex
	listeners    map[uint64]func(model.ConnectivityState)
	nextListener uint64

	probeMu     sync.Mutex
	probeCancel context.CancelFunc
	probeToken  *struct{}

	stopSub func()
}

// NewConnectivityMonitor creates a monitor. Call Init (or Start) before use.
func NewConnectivityMonitor(store *StateDB, opts ConnectivityOptions) *ConnectivityMonitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.ProbeTimeout <= 0 || opts.ProbeTimeout > MaxProbeTimeout {
		opts.ProbeTimeout = MaxProbeTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Minute
	}
	now := opts.Now()
	return &ConnectivityMonitor{
		store:         store,
		source:        opts.Source,
		backend:       opts.Backend,
		probeInterval: opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
		now:           opts.Now,
		log:           opts.Log.With("component", "connectivity"),
		state: model.ConnectivityState{
			ConnectionType:    model.ConnectionUnknown,
			ConnectionQuality: model.QualityPoor,
		},
		stats:     model.NetworkStats{ResetAt: now, SegmentStart: now},
		listeners: make(map[uint64]func(model.ConnectivityState)),
	}
}

// Init loads the persisted override and stats and reads the initial
// network state. It does not start any background work.
func (m *ConnectivityMonitor) Init(ctx context.Context) error {
	m.mu.Lock()
	done := m.initialized
	m.mu.Unlock()
	if done {
		return nil
	}

	var override bool
	if _, err := m.store.GetJSON(ctx, KeyOfflineMode, &override); err != nil {
		m.log.Warn("failed to load offline mode, assuming off", "error", err)
		override = false
	}

	snap := provider.NetworkSnapshot{ObservedAt: m.now()}
	if m.source != nil {
		s, err := m.source.Current(ctx)
		if err != nil {
			m.log.Warn("failed to read network state, assuming offline", "error", err)
		} else {
			snap = s
		}
	}

	var stats model.NetworkStats
	found, err := m.store.GetJSON(ctx, KeyNetworkStats, &stats)
	if err != nil {
		m.log.Warn("failed to load network stats, starting fresh", "error", err)
		found = false
	}
	if !found {
		now := m.now()
		stats = model.NetworkStats{ResetAt: now, SegmentStart: now, SegmentOnline: snap.Online()}
	}

	m.mu.Lock()
	m.stats = stats
	m.state.OfflineModeOverride = override
	m.initialized = true
	m.mu.Unlock()

	m.HandleNetworkChange(ctx, snap)
	if !found {
		m.persistStats(ctx)
	}
	return nil
}

// Start initialises the monitor, subscribes to the reachability source and
// registers the quality probe on sched. sched may be nil.
func (m *ConnectivityMonitor) Start(ctx context.Context, sched *Scheduler) error {
	if err := m.Init(ctx); err != nil {
		return err
	}
	if m.source != nil {
		stop, err := m.source.Subscribe(ctx, func(s provider.NetworkSnapshot) {
			m.HandleNetworkChange(ctx, s)
		})
		if err != nil {
			m.log.Warn("failed to subscribe to network changes", "error", err)
		} else {
			m.mu.Lock()
			m.stopSub = stop
			m.mu.Unlock()
		}
	}
	if sched != nil && m.backend != nil {
		if err := sched.Every("connectivity-probe", m.probeInterval, func(ctx context.Context) {
			m.ProbeNow(ctx)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the subscription and cancels any in-flight probe.
func (m *ConnectivityMonitor) Close() {
	m.mu.Lock()
	stop := m.stopSub
	m.stopSub = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	m.cancelProbe()
	m.persistStats(context.Background())
}

// State returns a snapshot copy of the current state. Never blocks on I/O.
func (m *ConnectivityMonitor) State() model.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanUseRemote is shorthand for State().CanUseRemote().
func (m *ConnectivityMonitor) CanUseRemote() bool {
	return m.State().CanUseRemote()
}

// SetOfflineModeOverride durably records the override and then applies it.
// On a persistence failure the in-memory state is left unchanged.
func (m *ConnectivityMonitor) SetOfflineModeOverride(ctx context.Context, enabled bool) error {
	m.overrideMu.Lock()
	if err := m.store.PutJSON(ctx, KeyOfflineMode, enabled); err != nil {
		m.overrideMu.Unlock()
		return fmt.Errorf("failed to persist offline mode: %w", err)
	}
	m.mu.Lock()
	next := m.state
	next.OfflineModeOverride = enabled
	seq, changed := m.commitLocked(next)
	state := m.state
	m.mu.Unlock()
	m.overrideMu.Unlock()

	if enabled {
		m.cancelProbe()
	}
	m.log.Info("offline mode changed", "enabled", enabled)
	if changed {
		m.notify(seq, state)
	}
	return nil
}

// AddListener registers fn for state transitions. The returned func unsubscribes.
func (m *ConnectivityMonitor) AddListener(fn func(model.ConnectivityState)) func() {
	m.lmu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			delete(m.listeners, id)
			m.lmu.Unlock()
		})
	}
}

// HandleNetworkChange applies an OS-reported network snapshot.
func (m *ConnectivityMonitor) HandleNetworkChange(ctx context.Context, snap provider.NetworkSnapshot) {
	m.mu.Lock()
	now := m.now()
	online := snap.Online()

	statsChanged := false
	if online != m.stats.SegmentOnline {
		m.closeSegmentLocked(now)
		m.stats.ConnectionSwitches++
		t := now
		if online {
			m.stats.LastConnected = &t
		} else {
			m.stats.LastDisconnected = &t
		}
		m.stats.SegmentOnline = online
		statsChanged = true
		to := "offline"
		if online {
			to = "online"
		}
		metrics.ConnectivityTransitions.WithLabelValues(to).Inc()
	}

	if !m.haveSnap || snap.Connected != m.snap.Connected || snap.Type() != m.snap.Type() {
		m.probeQuality = nil
		m.linkGen++
	}
	m.snap = snap
	m.haveSnap = true

	next := m.state
	next.IsOnline = online
	next.ConnectionType = snap.Type()
	next.InternetReachable = snap.InternetReachable
	next.Details = snap.Details
	if online && (!m.state.IsOnline || m.state.LastOnline == nil) {
		t := now
		next.LastOnline = &t
	}
	next.ConnectionQuality = QualityFromSnapshot(snap)
	if online && m.probeQuality != nil {
		next.ConnectionQuality = *m.probeQuality
	}
	seq, changed := m.commitLocked(next)
	state := m.state
	m.mu.Unlock()

	if statsChanged {
		m.log.Info("connectivity changed", "online", online, "type", snap.Type())
		m.persistStats(ctx)
	}
	if changed {
		m.notify(seq, state)
	}
}

// Refresh re-reads the reachability source and applies the result.
func (m *ConnectivityMonitor) Refresh(ctx context.Context) error {
	if m.source == nil {
		return fmt.Errorf("no reachability source configured")
	}
	snap, err := m.source.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to read network state: %w", err)
	}
	m.HandleNetworkChange(ctx, snap)
	return nil
}

// ProbeNow measures backend latency and updates ConnectionQuality.
// A newer probe cancels an older one still in flight; the older result is dropped.
// Returns false if no probe result was applied.
func (m *ConnectivityMonitor) ProbeNow(ctx context.Context) (model.ConnectionQuality, bool) {
	if m.backend == nil {
		return "", false
	}
	m.mu.Lock()
	canUse := m.state.CanUseRemote()
	gen := m.linkGen
	m.mu.Unlock()
	if !canUse {
		return "", false
	}

	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	token := &struct{}{}
	m.probeMu.Lock()
	if m.probeCancel != nil {
		m.probeCancel()
	}
	m.probeCancel, m.probeToken = cancel, token
	m.probeMu.Unlock()
	defer func() {
		m.probeMu.Lock()
		if m.probeToken == token {
			m.probeCancel, m.probeToken = nil, nil
		}
		m.probeMu.Unlock()
		cancel()
	}()

	latency, err := m.backend.Probe(pctx)
	if errors.Is(pctx.Err(), context.Canceled) {
		return "", false
	}
	q := QualityFromLatency(latency, err)
	if err == nil {
		metrics.ProbeLatency.Observe(latency.Seconds())
	} else {
		m.log.Debug("probe failed", "error", err)
	}

	m.mu.Lock()
	if gen != m.linkGen || !m.state.IsOnline {
		m.mu.Unlock()
		return "", false
	}
	m.probeQuality = &q
	next := m.state
	next.ConnectionQuality = q
	seq, changed := m.commitLocked(next)
	state := m.state
	m.mu.Unlock()

	if changed {
		m.notify(seq, state)
	}
	return q, true
}

func (m *ConnectivityMonitor) cancelProbe() {
	m.probeMu.Lock()
	if m.probeCancel != nil {
		m.probeCancel()
	}
	m.probeCancel, m.probeToken = nil, nil
	m.probeMu.Unlock()
}

// NetworkStats returns the accumulated stats including the open segment.
func (m *ConnectivityMonitor) NetworkStats() model.NetworkStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	elapsed := m.now().Sub(st.SegmentStart)
	if elapsed > 0 {
		if st.SegmentOnline {
			st.TotalOnline += elapsed
		} else {
			st.TotalOffline += elapsed
		}
	}
	return st
}

// ResetNetworkStats zeroes the totals, durably first.
func (m *ConnectivityMonitor) ResetNetworkStats(ctx context.Context) error {
	m.mu.Lock()
	now := m.now()
	fresh := model.NetworkStats{ResetAt: now, SegmentStart: now, SegmentOnline: m.state.IsOnline}
	m.mu.Unlock()

	if err := m.store.PutJSON(ctx, KeyNetworkStats, fresh); err != nil {
		return fmt.Errorf("failed to reset network stats: %w", err)
	}
	m.mu.Lock()
	m.stats = fresh
	m.mu.Unlock()
	return nil
}

// WaitForRemote blocks until remote services are usable or ctx is done.
func (m *ConnectivityMonitor) WaitForRemote(ctx context.Context) bool {
	ready := make(chan struct{}, 1)
	unsubscribe := m.AddListener(func(s model.ConnectivityState) {
		if s.CanUseRemote() {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if m.CanUseRemote() {
		return true
	}
	select {
	case <-ready:
		return true
	case <-ctx.Done():
		return m.CanUseRemote()
	}
}

// StatusMessage summarises the state for display.
func (m *ConnectivityMonitor) StatusMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.state.OfflineModeOverride:
		return "Offline Mode Active"
	case !m.snap.Connected:
		return "No Internet Connection"
	case m.snap.InternetReachable != nil && !*m.snap.InternetReachable:
		return "Limited Connectivity"
	default:
		return fmt.Sprintf("Connected via %s (%s quality)", m.state.ConnectionType, m.state.ConnectionQuality)
	}
}

// RecommendedTimeout suggests a request timeout for the current link.
func (m *ConnectivityMonitor) RecommendedTimeout() time.Duration {
	return RecommendedTimeout(m.State().ConnectionQuality)
}

// ShouldRetryRequest reports whether a failed remote request is worth retrying.
func (m *ConnectivityMonitor) ShouldRetryRequest() bool {
	s := m.State()
	return s.CanUseRemote() && s.ConnectionQuality != model.QualityPoor
}

// closeSegmentLocked books the open segment and starts a new one at now.
func (m *ConnectivityMonitor) closeSegmentLocked(now time.Time) {
	elapsed := now.Sub(m.stats.SegmentStart)
	if elapsed < 0 {
		elapsed = 0
	}
	if m.stats.SegmentOnline {
		m.stats.TotalOnline += elapsed
	} else {
		m.stats.TotalOffline += elapsed
	}
	m.stats.SegmentStart = now
}

// commitLocked installs next if it differs from the current state.
func (m *ConnectivityMonitor) commitLocked(next model.ConnectivityState) (uint64, bool) {
	if m.state.Equal(next) {
		m.state.Details = next.Details
		return 0, false
	}
	m.state = next
	m.seq++
	return m.seq, true
}

// notify delivers state to every listener unless a newer commit already has.
func (m *ConnectivityMonitor) notify(seq uint64, state model.ConnectivityState) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if seq <= m.delivered {
		return
	}
	m.delivered = seq

	m.lmu.RLock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(model.ConnectivityState), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.lmu.RUnlock()

	for _, fn := range fns {
		m.safeCall(fn, state)
	}
}

func (m *ConnectivityMonitor) safeCall(fn func(model.ConnectivityState), state model.ConnectivityState) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("connectivity listener panicked", "panic", r)
		}
	}()
	fn(state)
}

func (m *ConnectivityMonitor) persistStats(ctx context.Context) {
	m.mu.Lock()
	st := m.stats
	m.mu.Unlock()
	if err := m.store.PutJSON(ctx, KeyNetworkStats, st); err != nil {
		m.log.Warn("failed to persist network stats", "error", err)
	}
}
