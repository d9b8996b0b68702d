// Package stacktest provides an in-memory stack.Adapter so integration
// tests can exercise the full protocol graph without a real interface or
// network namespace.
package stacktest

import (
	"context"
	"net/netip"
	"sync"

	"github.com/ofir1023/udpstack/stack"
)

// FakeAdapter is a stack.Adapter backed by a peer channel instead of a
// real interface: Send on one adapter delivers directly to whichever
// peers are wired to it via Connect.
type FakeAdapter struct {
	mac     stack.MAC
	ip      netip.Addr
	network netip.Prefix
	gateway netip.Addr

	mu    sync.Mutex
	peers []*peer
}

type peer struct {
	st      *stack.Stack
	adapter stack.Adapter
}

// NewFakeAdapter constructs an adapter with the given identity. Wire it
// to others with Connect before use.
func NewFakeAdapter(mac stack.MAC, ip netip.Addr, network netip.Prefix, gateway netip.Addr) *FakeAdapter {
	return &FakeAdapter{mac: mac, ip: ip, network: network, gateway: gateway}
}

// Connect makes frames sent on a visible to st/adapter (typically
// adapter's own stack and itself) as received frames, simulating a
// shared Ethernet segment between two or more adapters.
func (a *FakeAdapter) Connect(st *stack.Stack, adapter stack.Adapter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers = append(a.peers, &peer{st: st, adapter: adapter})
}

func (a *FakeAdapter) MAC() stack.MAC              { return a.mac }
func (a *FakeAdapter) IP() netip.Addr              { return a.ip }
func (a *FakeAdapter) Network() netip.Prefix       { return a.network }
func (a *FakeAdapter) Gateway() (netip.Addr, bool) { return a.gateway, a.gateway.IsValid() }
func (a *FakeAdapter) MTU() int                    { return 1500 }

// Send fans frame out to every connected peer's stack, each on its own
// goroutine via AddPacket — the same task-per-frame shape a real
// adapter's receive loop produces.
func (a *FakeAdapter) Send(ctx context.Context, frame []byte) error {
	a.mu.Lock()
	peers := append([]*peer{}, a.peers...)
	a.mu.Unlock()

	cp := append([]byte(nil), frame...)
	for _, p := range peers {
		p.st.AddPacket(ctx, cp, p.adapter)
	}
	return nil
}
