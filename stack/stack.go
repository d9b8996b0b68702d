// Package stack implements the core dispatch engine: the Adapter
// abstraction, the protocol-graph registry, and the Stack engine that
// walks the graph on both receive and transmit.
package stack

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"sync"

	"tailscale.com/util/set"

	"github.com/ofir1023/udpstack/packet"
)

// Protocol is one node's handler in the protocol graph. A Protocol is
// registered once, at startup, under a parent protocol (nil for the root,
// Ethernet).
type Protocol interface {
	// ID is the wire identifier this protocol's parent uses to select
	// it: a 16-bit Ethertype for children of Ethernet, an 8-bit IP
	// protocol number (widened to uint16) for children of IPv4.
	ID() uint16

	// Build constructs this protocol's framing around payload and
	// returns the result, consuming/annotating opts as needed. adapter
	// is the adapter the packet will be sent on.
	Build(ctx context.Context, adapter Adapter, payload []byte, opts *Options) ([]byte, error)

	// Handle processes an inbound packet whose current window starts at
	// this protocol's header. It returns the next protocol's wire id and
	// handled=true to continue walking the graph, or handled=false to
	// drop the packet silently: a handler rejecting a frame (bad
	// checksum, wrong destination, malformed header) is an ordinary,
	// frequent outcome, not a fatal error.
	Handle(ctx context.Context, pkt *packet.Packet, adapter Adapter) (nextID uint16, handled bool, err error)
}

type node struct {
	id       uint16
	proto    Protocol
	parent   *node
	childIDs set.Set[uint16]
	children map[uint16]*node
}

// Stack is the process-wide protocol-graph-and-routing engine. The zero
// value is not usable; construct with New.
type Stack struct {
	logf func(string, ...any)

	mu          sync.RWMutex
	root        *node
	nodeByProto map[Protocol]*node
	routes      RouteTable
	adapters    []Adapter
}

// New constructs an empty Stack. logf receives diagnostics for dropped
// packets and similar non-fatal conditions; pass nil to use log.Printf.
func New(logf func(string, ...any)) *Stack {
	if logf == nil {
		logf = log.Printf
	}
	return &Stack{
		logf:        logf,
		nodeByProto: make(map[Protocol]*node),
	}
}

// RegisterRoot installs proto as the root of the protocol graph
// (Ethernet). It must be called exactly once, before any other
// Register call.
func (s *Stack) RegisterRoot(proto Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root != nil {
		return fmt.Errorf("stack: root protocol already registered")
	}
	n := &node{proto: proto, childIDs: set.Set[uint16]{}, children: make(map[uint16]*node)}
	s.root = n
	s.nodeByProto[proto] = n
	return nil
}

// Register installs child under parent, keyed by child.ID(). It fails if
// parent was never registered, or if another protocol is already
// registered under parent with the same id; this is a fatal
// registration-time error, not a runtime drop.
func (s *Stack) Register(parent Protocol, child Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentNode, ok := s.nodeByProto[parent]
	if !ok {
		return fmt.Errorf("stack: parent protocol not registered")
	}
	id := child.ID()
	if parentNode.childIDs.Contains(id) {
		return fmt.Errorf("stack: protocol id %#x already registered under this parent", id)
	}
	n := &node{id: id, proto: child, parent: parentNode, childIDs: set.Set[uint16]{}, children: make(map[uint16]*node)}
	parentNode.childIDs.Add(id)
	parentNode.children[id] = n
	s.nodeByProto[child] = n
	return nil
}

// AddAdapter registers a with the route table and the stack's adapter
// enumerator.
func (s *Stack) AddAdapter(a Adapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.routes.AddAdapter(a); err != nil {
		return err
	}
	s.adapters = append(s.adapters, a)
	return nil
}

// RemoveAdapter deregisters a.
func (s *Stack) RemoveAdapter(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes.RemoveAdapter(a)
	for i, existing := range s.adapters {
		if existing == a {
			s.adapters = append(s.adapters[:i], s.adapters[i+1:]...)
			break
		}
	}
}

// AddStaticRoute installs a route not implied by any adapter's own
// address configuration.
func (s *Stack) AddStaticRoute(e RouteEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes.AddStaticRoute(e)
}

// Route exposes the route table's lookup directly, for callers (such as
// udpsocket.Bind) that need to resolve an adapter without sending.
func (s *Stack) Route(ip netip.Addr) (Adapter, netip.Addr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routes.Route(ip)
}

// GetAdapter returns the adapter whose source IP equals ip.
func (s *Stack) GetAdapter(ip netip.Addr) (Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.adapters {
		if a.IP() == ip {
			return a, nil
		}
	}
	return nil, fmt.Errorf("stack: %v is not the source address of any adapter", ip)
}

// AddPacket is called by an Adapter's receive loop for each frame it
// reads. Processing happens on its own goroutine so a handler that
// suspends (e.g. ARP resolution) never head-of-line-blocks subsequent
// frames.
func (s *Stack) AddPacket(ctx context.Context, frame []byte, adapter Adapter) {
	go s.dispatch(ctx, frame, adapter)
}

func (s *Stack) dispatch(ctx context.Context, frame []byte, adapter Adapter) {
	s.mu.RLock()
	root := s.root
	s.mu.RUnlock()
	if root == nil {
		s.logf("stack: dropping packet, no root protocol registered")
		return
	}

	pkt := packet.New(frame)
	n := root
	for {
		nextID, handled, err := n.proto.Handle(ctx, pkt, adapter)
		if err != nil {
			s.logf("stack: dropping packet: %v", err)
			return
		}
		if !handled {
			return
		}
		child, ok := n.children[nextID]
		if !ok {
			return
		}
		n = child
	}
}

// ErrUnexpectedAdapter is returned by Send when the caller's
// expectedAdapter doesn't match the one the route table selected.
var ErrUnexpectedAdapter = fmt.Errorf("stack: routed adapter does not match expected adapter")

// Send builds a packet starting at topProtocol and walking up toward the
// root (Ethernet), then transmits it via the routed adapter. If
// expectedAdapter is non-nil, the routed adapter must equal it or Send
// fails without transmitting anything.
func (s *Stack) Send(ctx context.Context, topProtocol Protocol, dstIP netip.Addr, expectedAdapter Adapter, opts *Options) error {
	s.mu.RLock()
	n, ok := s.nodeByProto[topProtocol]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stack: protocol not registered")
	}

	adapter, gateway, err := s.Route(dstIP)
	if err != nil {
		return err
	}
	if expectedAdapter != nil && expectedAdapter != adapter {
		return ErrUnexpectedAdapter
	}

	opts.DstIP = dstIP
	if gateway.IsValid() {
		opts.Gateway = gateway
	}

	var payload []byte
	for n != nil {
		payload, err = n.proto.Build(ctx, adapter, payload, opts)
		if err != nil {
			return fmt.Errorf("stack: build failed: %w", err)
		}
		opts.PreviousProtocolID = n.id
		n = n.parent
	}

	return adapter.Send(ctx, payload)
}
