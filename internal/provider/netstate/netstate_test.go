package netstate

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

func fixed(ifaces ...Interface) func() ([]Interface, error) {
	return func() ([]Interface, error) { return ifaces, nil }
}

func TestCurrentPicksBestLink(t *testing.T) {
	s := New(time.Second, "")
	s.list = fixed(
		Interface{Name: "lo", Up: true, Loop: true, Addrs: []net.IP{net.ParseIP("127.0.0.1")}},
		Interface{Name: "wlan0", Up: true, Addrs: []net.IP{net.ParseIP("192.168.1.20")}},
		Interface{Name: "eth0", Up: true, Addrs: []net.IP{net.ParseIP("fe80::1")}},
	)
	snap, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Connected)
	assert.Equal(t, model.ConnectionWifi, snap.Type())
	assert.Nil(t, snap.InternetReachable)
	assert.True(t, snap.Online())
}

func TestCurrentDisconnected(t *testing.T) {
	s := New(time.Second, "")
	s.list = fixed(Interface{Name: "eth0", Up: false, Addrs: []net.IP{net.ParseIP("10.0.0.2")}})
	snap, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Connected)
	assert.False(t, snap.Online())
	assert.Equal(t, model.ConnectionUnknown, snap.Type())
}

func TestCurrentDialsTarget(t *testing.T) {
	s := New(time.Second, "backend:443")
	s.list = fixed(Interface{Name: "rmnet0", Up: true, Addrs: []net.IP{net.ParseIP("100.64.0.2")}})
	s.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("no route")
	}
	snap, err := s.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionCellular, snap.Type())
	require.NotNil(t, snap.InternetReachable)
	assert.False(t, *snap.InternetReachable)
	assert.False(t, snap.Online())
}

func TestSubscribeEmitsOnlyChanges(t *testing.T) {
	var mu sync.Mutex
	up := true
	s := New(5*time.Millisecond, "")
	s.list = func() ([]Interface, error) {
		mu.Lock()
		defer mu.Unlock()
		return []Interface{{Name: "eth0", Up: up, Addrs: []net.IP{net.ParseIP("10.0.0.2")}}}, nil
	}

	got := make(chan provider.NetworkSnapshot, 10)
	stop, err := s.Subscribe(context.Background(), func(n provider.NetworkSnapshot) { got <- n })
	require.NoError(t, err)
	defer stop()

	select {
	case <-got:
		t.Fatal("unexpected notification without a change")
	case <-time.After(30 * time.Millisecond):
	}

	mu.Lock()
	up = false
	mu.Unlock()

	select {
	case snap := <-got:
		assert.False(t, snap.Connected)
	case <-time.After(time.Second):
		t.Fatal("expected a notification after the link went down")
	}
}
