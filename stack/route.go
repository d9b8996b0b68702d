package stack

import (
	"fmt"
	"net/netip"
)

// RouteEntry is one entry in a RouteTable: a destination network reachable
// through Adapter, optionally via Gateway (absent for directly-connected
// networks).
type RouteEntry struct {
	Adapter Adapter
	Network netip.Prefix // destination network, host bits may be set
	Gateway netip.Addr   // zero value (IsValid()==false) means "no gateway"
}

// grade returns how preferable this entry is for routing to ip: the
// matched prefix length, or -1 if ip isn't in this entry's network. A
// higher grade is always preferred; ties go to whichever entry was
// registered first (see RouteTable.Route) so routing stays deterministic
// across repeated adapter additions rather than picking arbitrarily.
func (e RouteEntry) grade(ip netip.Addr) int {
	if e.Network.Masked().Contains(ip) {
		return e.Network.Bits()
	}
	return -1
}

// RouteTable performs longest-prefix-match routing over the adapters
// registered with a Stack. Mutated only on adapter add/remove (and static
// route insertion); reads are safe under the Stack's own locking
// discipline since routing never happens concurrently with a mutation.
type RouteTable struct {
	entries []RouteEntry
}

// AddAdapter installs the routes a newly-registered adapter implies: if
// the adapter has a gateway, a default route (0.0.0.0/0 via that gateway)
// plus a direct route to the adapter's own LAN; otherwise just the direct
// route. It fails if the adapter declares a gateway outside its own LAN.
func (t *RouteTable) AddAdapter(a Adapter) error {
	net := a.Network()
	if gw, ok := a.Gateway(); ok {
		if !net.Masked().Contains(gw) {
			return fmt.Errorf("stack: gateway %v is not inside adapter network %v", gw, net)
		}
		t.entries = append(t.entries, RouteEntry{
			Adapter: a,
			Network: netip.PrefixFrom(netip.IPv4Unspecified(), 0),
			Gateway: gw,
		})
	}
	t.entries = append(t.entries, RouteEntry{Adapter: a, Network: net})
	return nil
}

// AddStaticRoute installs an arbitrary route not implied by an adapter's
// own address configuration.
func (t *RouteTable) AddStaticRoute(e RouteEntry) {
	t.entries = append(t.entries, e)
}

// RemoveAdapter removes every route entry associated with a.
func (t *RouteTable) RemoveAdapter(a Adapter) {
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Adapter != a {
			kept = append(kept, e)
		}
	}
	t.entries = kept
}

// ErrNoRoute is returned by RouteTable.Route (and surfaced through
// Stack.Send) when no entry can reach the destination.
var ErrNoRoute = fmt.Errorf("stack: no route for destination address")

// Route finds the best adapter (and, if needed, gateway) for reaching ip.
// Entries are scanned in registration order; the first entry with the
// strictly highest grade wins, so ties prefer whichever route was added
// earlier.
func (t *RouteTable) Route(ip netip.Addr) (Adapter, netip.Addr, error) {
	bestGrade := -1
	var best *RouteEntry
	for i := range t.entries {
		if g := t.entries[i].grade(ip); g > bestGrade {
			bestGrade = g
			best = &t.entries[i]
		}
	}
	if best == nil {
		return nil, netip.Addr{}, ErrNoRoute
	}
	return best.Adapter, best.Gateway, nil
}
