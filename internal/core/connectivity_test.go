package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

func newTestMonitor(t *testing.T, store *StateDB, src *fakeSource, backend provider.Backend, clock *fakeClock) *ConnectivityMonitor {
	t.Helper()
	opts := ConnectivityOptions{Source: src, Backend: backend}
	if clock != nil {
		opts.Now = clock.Now
	}
	m := NewConnectivityMonitor(store, opts)
	require.NoError(t, m.Start(context.Background(), nil))
	t.Cleanup(m.Close)
	return m
}

func TestConnectivity_InitialState(t *testing.T) {
	m := newTestMonitor(t, newTestStore(t), newFakeSource(true), nil, nil)

	s := m.State()
	assert.True(t, s.IsOnline)
	assert.False(t, s.OfflineModeOverride)
	assert.True(t, s.CanUseRemote())
	assert.Equal(t, model.ConnectionWifi, s.ConnectionType)
	assert.Equal(t, model.QualityExcellent, s.ConnectionQuality)
	assert.NotNil(t, s.LastOnline)
}

func TestConnectivity_OverrideIsDurable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := newTestMonitor(t, store, newFakeSource(true), nil, nil)
	require.NoError(t, m.SetOfflineModeOverride(ctx, true))
	assert.False(t, m.CanUseRemote())
	assert.True(t, m.State().IsOnline)
	m.Close()

	again := newTestMonitor(t, store, newFakeSource(true), nil, nil)
	assert.True(t, again.State().OfflineModeOverride)
	assert.False(t, again.CanUseRemote())
}

func TestConnectivity_OverrideWriteFailureLeavesStateUnchanged(t *testing.T) {
	store := newTestStore(t)
	m := newTestMonitor(t, store, newFakeSource(true), nil, nil)

	notified := 0
	m.AddListener(func(model.ConnectivityState) { notified++ })
	require.NoError(t, store.Close())

	err := m.SetOfflineModeOverride(context.Background(), true)
	require.Error(t, err)
	assert.False(t, m.State().OfflineModeOverride)
	assert.Equal(t, 0, notified)
}

func TestConnectivity_ListenersSeeConsistentTransitionsOnly(t *testing.T) {
	src := newFakeSource(true)
	m := newTestMonitor(t, newTestStore(t), src, nil, nil)
	ctx := context.Background()

	var seen []model.ConnectivityState
	m.AddListener(func(s model.ConnectivityState) {
		assert.Equal(t, s.IsOnline && !s.OfflineModeOverride, s.CanUseRemote())
		seen = append(seen, s)
	})

	src.Emit(snapshot(false))
	src.Emit(snapshot(false)) // identical, suppressed
	require.NoError(t, m.SetOfflineModeOverride(ctx, true))
	require.NoError(t, m.SetOfflineModeOverride(ctx, true)) // no change
	src.Emit(snapshot(true))
	require.NoError(t, m.SetOfflineModeOverride(ctx, false))

	require.Len(t, seen, 4)
	assert.False(t, seen[0].IsOnline)
	assert.True(t, seen[1].OfflineModeOverride)
	assert.True(t, seen[2].IsOnline)
	assert.False(t, seen[2].CanUseRemote())
	assert.True(t, seen[3].CanUseRemote())
}

func TestConnectivity_PanickingListenerIsIsolated(t *testing.T) {
	src := newFakeSource(true)
	m := newTestMonitor(t, newTestStore(t), src, nil, nil)

	var first, last int
	m.AddListener(func(model.ConnectivityState) { first++ })
	m.AddListener(func(model.ConnectivityState) { panic("listener bug") })
	m.AddListener(func(model.ConnectivityState) { last++ })

	src.Emit(snapshot(false))
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, last)
	assert.False(t, m.State().IsOnline)
}

func TestConnectivity_Unsubscribe(t *testing.T) {
	src := newFakeSource(true)
	m := newTestMonitor(t, newTestStore(t), src, nil, nil)

	calls := 0
	unsubscribe := m.AddListener(func(model.ConnectivityState) { calls++ })
	src.Emit(snapshot(false))
	unsubscribe()
	unsubscribe()
	src.Emit(snapshot(true))
	assert.Equal(t, 1, calls)
}

func TestConnectivity_NetworkStatsAccounting(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock()
	src := newFakeSource(true)
	m := newTestMonitor(t, store, src, nil, clock)

	clock.Advance(10 * time.Minute)
	src.Emit(snapshot(false))
	before := m.NetworkStats()
	clock.Advance(5 * time.Minute)
	src.Emit(snapshot(true))
	clock.Advance(2 * time.Minute)

	st := m.NetworkStats()
	assert.Equal(t, 12*time.Minute, st.TotalOnline)
	assert.Equal(t, 5*time.Minute, st.TotalOffline)
	assert.Equal(t, 2, st.ConnectionSwitches)
	assert.GreaterOrEqual(t, st.TotalOnline+st.TotalOffline, before.TotalOnline+before.TotalOffline)
	assert.Equal(t, clock.Now().Sub(st.ResetAt), st.TotalOnline+st.TotalOffline)
	require.NotNil(t, st.LastDisconnected)
	require.NotNil(t, st.LastConnected)
	m.Close()

	// The open segment survives a restart.
	clock.Advance(3 * time.Minute)
	again := newTestMonitor(t, store, newFakeSource(true), nil, clock)
	st2 := again.NetworkStats()
	assert.Equal(t, 15*time.Minute, st2.TotalOnline)
	assert.Equal(t, 5*time.Minute, st2.TotalOffline)
}

func TestConnectivity_ResetNetworkStats(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(t, newTestStore(t), newFakeSource(true), nil, clock)

	clock.Advance(time.Hour)
	require.NoError(t, m.ResetNetworkStats(context.Background()))
	st := m.NetworkStats()
	assert.Zero(t, st.TotalOnline)
	assert.Zero(t, st.TotalOffline)
	assert.Equal(t, clock.Now(), st.ResetAt)
}

func TestConnectivity_ProbeFailureDegradesQualityOnly(t *testing.T) {
	backend := &fakeBackend{probe: func(ctx context.Context) (time.Duration, error) {
		return 0, errors.New("connection reset")
	}}
	m := newTestMonitor(t, newTestStore(t), newFakeSource(true), backend, nil)

	q, applied := m.ProbeNow(context.Background())
	require.True(t, applied)
	assert.Equal(t, model.QualityPoor, q)
	s := m.State()
	assert.True(t, s.IsOnline)
	assert.True(t, s.CanUseRemote())
	assert.Equal(t, model.QualityPoor, s.ConnectionQuality)
}

func TestConnectivity_ProbeLatencyRating(t *testing.T) {
	backend := &fakeBackend{probe: func(ctx context.Context) (time.Duration, error) {
		return 300 * time.Millisecond, nil
	}}
	m := newTestMonitor(t, newTestStore(t), newFakeSource(true), backend, nil)

	q, applied := m.ProbeNow(context.Background())
	require.True(t, applied)
	assert.Equal(t, model.QualityGood, q)
	assert.Equal(t, 20*time.Second, m.RecommendedTimeout())
}

func TestConnectivity_ProbeTimeoutIsBounded(t *testing.T) {
	var remaining time.Duration
	backend := &fakeBackend{probe: func(ctx context.Context) (time.Duration, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		remaining = time.Until(deadline)
		return 10 * time.Millisecond, nil
	}}
	m := NewConnectivityMonitor(newTestStore(t), ConnectivityOptions{
		Source:       newFakeSource(true),
		Backend:      backend,
		ProbeTimeout: 30 * time.Second,
	})
	require.NoError(t, m.Init(context.Background()))
	defer m.Close()

	_, applied := m.ProbeNow(context.Background())
	require.True(t, applied)
	assert.LessOrEqual(t, remaining, MaxProbeTimeout)
}

func TestConnectivity_NewProbeSupersedesPending(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	backend := &fakeBackend{probe: func(ctx context.Context) (time.Duration, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 100 * time.Millisecond, nil
	}}
	m := newTestMonitor(t, newTestStore(t), newFakeSource(true), backend, nil)

	firstApplied := make(chan bool, 1)
	go func() {
		_, ok := m.ProbeNow(context.Background())
		firstApplied <- ok
	}()
	<-started

	q, ok := m.ProbeNow(context.Background())
	require.True(t, ok)
	assert.Equal(t, model.QualityExcellent, q)

	select {
	case ok := <-firstApplied:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded probe did not return")
	}
	assert.Equal(t, model.QualityExcellent, m.State().ConnectionQuality)
}

func TestConnectivity_NoProbeWhenRemoteUnusable(t *testing.T) {
	var calls atomic.Int32
	backend := &fakeBackend{probe: func(ctx context.Context) (time.Duration, error) {
		calls.Add(1)
		return 0, nil
	}}
	m := newTestMonitor(t, newTestStore(t), newFakeSource(true), backend, nil)
	require.NoError(t, m.SetOfflineModeOverride(context.Background(), true))

	_, applied := m.ProbeNow(context.Background())
	assert.False(t, applied)
	assert.Equal(t, int32(0), calls.Load())
}

func TestConnectivity_StatusMessage(t *testing.T) {
	src := newFakeSource(true)
	m := newTestMonitor(t, newTestStore(t), src, nil, nil)
	assert.Equal(t, "Connected via wifi (excellent quality)", m.StatusMessage())

	unreachable := false
	src.Emit(provider.NetworkSnapshot{Connected: true, InternetReachable: &unreachable,
		Details: model.CellularDetails{Generation: "4g"}})
	assert.Equal(t, "Limited Connectivity", m.StatusMessage())
	assert.False(t, m.State().IsOnline)

	src.Emit(snapshot(false))
	assert.Equal(t, "No Internet Connection", m.StatusMessage())

	require.NoError(t, m.SetOfflineModeOverride(context.Background(), true))
	assert.Equal(t, "Offline Mode Active", m.StatusMessage())
}

func TestConnectivity_WaitForRemote(t *testing.T) {
	src := newFakeSource(false)
	m := newTestMonitor(t, newTestStore(t), src, nil, nil)
	require.False(t, m.CanUseRemote())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		src.Emit(snapshot(true))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, m.WaitForRemote(ctx))
	wg.Wait()

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	src.Emit(snapshot(false))
	assert.False(t, m.WaitForRemote(short))
}

func TestQualityFromSnapshot(t *testing.T) {
	strong, weak := 85, 40
	cases := []struct {
		snap provider.NetworkSnapshot
		want model.ConnectionQuality
	}{
		{provider.NetworkSnapshot{Connected: true, Details: model.WifiDetails{Strength: &strong}}, model.QualityExcellent},
		{provider.NetworkSnapshot{Connected: true, Details: model.WifiDetails{Strength: &weak}}, model.QualityGood},
		{provider.NetworkSnapshot{Connected: true, Details: model.WifiDetails{}}, model.QualityGood},
		{provider.NetworkSnapshot{Connected: true, Details: model.CellularDetails{Generation: "5g"}}, model.QualityExcellent},
		{provider.NetworkSnapshot{Connected: true, Details: model.CellularDetails{Generation: "3g"}}, model.QualityGood},
		{provider.NetworkSnapshot{Connected: true, Details: model.OtherDetails{Type: model.ConnectionEthernet}}, model.QualityExcellent},
		{provider.NetworkSnapshot{Connected: true, Details: model.OtherDetails{}}, model.QualityPoor},
		{provider.NetworkSnapshot{Connected: false}, model.QualityPoor},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, QualityFromSnapshot(tc.snap), "%+v", tc.snap)
	}
}
