// Package netstate derives a reachability signal from the host's network
// interfaces, polled at a fixed interval.
package netstate

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cropdoc/cropdoc/internal/model"
	"github.com/cropdoc/cropdoc/internal/provider"
)

// Interface is the subset of net.Interface the source inspects.
type Interface struct {
	Name  string
	Up    bool
	Loop  bool
	Addrs []net.IP
}

// Source implements provider.ReachabilitySource over the OS interface table.
type Source struct {
	interval time.Duration
	// target is dialled to decide internet reachability; empty leaves it unknown.
	target      string
	dialTimeout time.Duration

	list func() ([]Interface, error)
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New creates a source polling every interval. target is a host:port used
// for the reachability dial, or empty.
func New(interval time.Duration, target string) *Source {
	d := &net.Dialer{}
	return &Source{
		interval:    interval,
		target:      target,
		dialTimeout: 2 * time.Second,
		list:        systemInterfaces,
		dial:        d.DialContext,
	}
}

// Current implements provider.ReachabilitySource.
func (s *Source) Current(ctx context.Context) (provider.NetworkSnapshot, error) {
	ifaces, err := s.list()
	if err != nil {
		return provider.NetworkSnapshot{}, err
	}
	snap := provider.NetworkSnapshot{ObservedAt: time.Now(), Details: model.OtherDetails{Type: model.ConnectionUnknown}}

	best := ""
	bestType := model.ConnectionUnknown
	for _, iface := range ifaces {
		if !iface.Up || iface.Loop || !hasRoutableAddr(iface.Addrs) {
			continue
		}
		t := classify(iface.Name)
		if best == "" || rank(t) > rank(bestType) {
			best, bestType = iface.Name, t
		}
	}
	if best == "" {
		return snap, nil
	}

	snap.Connected = true
	switch bestType {
	case model.ConnectionWifi:
		snap.Details = model.WifiDetails{}
	case model.ConnectionCellular:
		snap.Details = model.CellularDetails{}
	default:
		snap.Details = model.OtherDetails{Type: bestType}
	}

	if s.target != "" {
		dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
		conn, err := s.dial(dctx, "tcp", s.target)
		cancel()
		reachable := err == nil
		if conn != nil {
			conn.Close()
		}
		snap.InternetReachable = &reachable
	}
	return snap, nil
}

// Subscribe implements provider.ReachabilitySource. fn runs on the polling
// goroutine and only when the snapshot differs from the previous one.
func (s *Source) Subscribe(ctx context.Context, fn func(provider.NetworkSnapshot)) (func(), error) {
	first, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		prev := first
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := s.Current(ctx)
				if err != nil || ctx.Err() != nil {
					continue
				}
				if sameSnapshot(prev, snap) {
					continue
				}
				prev = snap
				fn(snap)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func sameSnapshot(a, b provider.NetworkSnapshot) bool {
	if a.Connected != b.Connected || a.Type() != b.Type() {
		return false
	}
	if (a.InternetReachable == nil) != (b.InternetReachable == nil) {
		return false
	}
	return a.InternetReachable == nil || *a.InternetReachable == *b.InternetReachable
}

// classify guesses the link type from common interface naming schemes.
func classify(name string) model.ConnectionType {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return model.ConnectionWifi
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "ccmni"),
		strings.HasPrefix(n, "pdp"), strings.HasPrefix(n, "ppp"):
		return model.ConnectionCellular
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"), strings.HasPrefix(n, "eno"),
		strings.HasPrefix(n, "enp"):
		return model.ConnectionEthernet
	default:
		return model.ConnectionUnknown
	}
}

// rank prefers the link an OS would normally route through.
func rank(t model.ConnectionType) int {
	switch t {
	case model.ConnectionEthernet:
		return 3
	case model.ConnectionWifi:
		return 2
	case model.ConnectionCellular:
		return 1
	default:
		return 0
	}
}

func hasRoutableAddr(addrs []net.IP) bool {
	for _, ip := range addrs {
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			continue
		}
		return true
	}
	return false
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Index < ifaces[j].Index })
	out := make([]Interface, 0, len(ifaces))
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		item := Interface{
			Name: ifc.Name,
			Up:   ifc.Flags&net.FlagUp != 0,
			Loop: ifc.Flags&net.FlagLoopback != 0,
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				item.Addrs = append(item.Addrs, ipn.IP)
			}
		}
		out = append(out, item)
	}
	return out, nil
}
