package arp

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"tailscale.com/syncs"

	"github.com/ofir1023/udpstack/stack"
)

// UpToDateTimeout is the default freshness window: how long a resolved
// entry is trusted before a fresh resolution is required on next use.
const UpToDateTimeout = 10 * time.Second

// entry is one (adapter, ip) resolution slot. Each Update closes the
// current ready channel and installs a new one, so a waiter blocked in
// wait always observes the specific resolution it asked for rather than
// a stale, already-fired signal from a previous cycle.
type entry struct {
	mu        sync.Mutex
	mac       stack.MAC
	hasMAC    bool
	updatedAt time.Time
	ready     chan struct{}
}

func newEntry() *entry {
	return &entry{ready: make(chan struct{})}
}

func (e *entry) freshMAC(timeout time.Duration) (stack.MAC, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasMAC && time.Since(e.updatedAt) < timeout {
		return e.mac, true
	}
	return stack.MAC{}, false
}

func (e *entry) update(mac stack.MAC) {
	e.mu.Lock()
	e.mac = mac
	e.hasMAC = true
	e.updatedAt = time.Now()
	old := e.ready
	e.ready = make(chan struct{})
	e.mu.Unlock()
	close(old)
}

// wait blocks until the entry holds a fresh MAC, returning it (or false
// if ctx is done first). The freshness re-check under the lock matters:
// an update that lands between the caller's cache miss and this call
// must be observed here rather than waiting on the already-replaced
// ready channel.
func (e *entry) wait(ctx context.Context, timeout time.Duration) (stack.MAC, bool) {
	e.mu.Lock()
	if e.hasMAC && time.Since(e.updatedAt) < timeout {
		mac := e.mac
		e.mu.Unlock()
		return mac, true
	}
	ch := e.ready
	e.mu.Unlock()
	select {
	case <-ch:
		return e.freshMAC(timeout)
	case <-ctx.Done():
		return stack.MAC{}, false
	}
}

type ipTable struct {
	entries syncs.Map[netip.Addr, *entry]
}

func (it *ipTable) entryFor(ip netip.Addr) *entry {
	e, _ := it.entries.LoadOrStore(ip, newEntry())
	return e
}

// Table is the per-adapter IP-to-MAC cache, mutated by ARP reception and
// by explicit seeding; entries are never evicted.
type Table struct {
	// Timeout is the freshness window for resolved entries. Set it
	// before first use; NewTable defaults it to UpToDateTimeout.
	Timeout time.Duration

	adapters syncs.Map[stack.Adapter, *ipTable]
}

// NewTable constructs an empty table with the default freshness window.
func NewTable() *Table { return &Table{Timeout: UpToDateTimeout} }

func (t *Table) forAdapter(adapter stack.Adapter) *ipTable {
	it, _ := t.adapters.LoadOrStore(adapter, &ipTable{})
	return it
}

// Lookup returns the cached MAC for (adapter, ip) if it is still within
// the freshness window.
func (t *Table) Lookup(adapter stack.Adapter, ip netip.Addr) (stack.MAC, bool) {
	return t.forAdapter(adapter).entryFor(ip).freshMAC(t.Timeout)
}

// Update records a learned or seeded mapping, waking any waiters blocked
// on a resolution for (adapter, ip).
func (t *Table) Update(adapter stack.Adapter, ip netip.Addr, mac stack.MAC) {
	t.forAdapter(adapter).entryFor(ip).update(mac)
}

// Wait returns the MAC for (adapter, ip): immediately if the entry is
// already fresh, otherwise once it is next updated. It reports false if
// ctx is done first.
func (t *Table) Wait(ctx context.Context, adapter stack.Adapter, ip netip.Addr) (stack.MAC, bool) {
	return t.forAdapter(adapter).entryFor(ip).wait(ctx, t.Timeout)
}
