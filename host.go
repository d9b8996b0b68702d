// Package udpstack wires the individual protocol packages into a single
// running host: Ethernet at the root, ARP and IPv4 beneath it, ICMP and
// UDP beneath IPv4, ARP installed as Ethernet's MAC resolver, and ICMP
// installed as IPv4's TTL-exceeded handler. All registration happens in
// one explicit call, NewHost, rather than in package init functions, so
// a process can run several independent hosts (as the tests do).
package udpstack

import (
	"context"
	"net/netip"

	"github.com/ofir1023/udpstack/arp"
	"github.com/ofir1023/udpstack/ethernet"
	"github.com/ofir1023/udpstack/icmp"
	"github.com/ofir1023/udpstack/ipv4"
	"github.com/ofir1023/udpstack/stack"
	"github.com/ofir1023/udpstack/udp"
	"github.com/ofir1023/udpstack/udpsocket"
)

// Host bundles a Stack with the full Ethernet/ARP/IPv4/ICMP/UDP graph
// already registered, ready for adapters to be added.
type Host struct {
	Stack    *stack.Stack
	Ethernet *ethernet.Protocol
	ARP      *arp.Protocol
	IPv4     *ipv4.Protocol
	ICMP     *icmp.Protocol
	UDP      *udp.Protocol
}

// NewHost constructs a Host with the complete protocol graph registered.
// logf receives diagnostics for dropped packets and similar non-fatal
// conditions; pass nil to use the default (log.Printf).
func NewHost(logf func(string, ...any)) (*Host, error) {
	s := stack.New(logf)
	eth := ethernet.New()
	ip := ipv4.New()
	icmpProto := icmp.New(s, ip)
	udpProto := udp.New(s, icmpProto)
	arpProto := arp.New(s, eth)

	if err := s.RegisterRoot(eth); err != nil {
		return nil, err
	}
	if err := s.Register(eth, arpProto); err != nil {
		return nil, err
	}
	if err := s.Register(eth, ip); err != nil {
		return nil, err
	}
	if err := s.Register(ip, icmpProto); err != nil {
		return nil, err
	}
	if err := s.Register(ip, udpProto); err != nil {
		return nil, err
	}

	return &Host{Stack: s, Ethernet: eth, ARP: arpProto, IPv4: ip, ICMP: icmpProto, UDP: udpProto}, nil
}

// AddAdapter registers adapter with the host's stack, making it eligible
// for routing and eligible to receive frames via AddPacket.
func (h *Host) AddAdapter(adapter stack.Adapter) error {
	return h.Stack.AddAdapter(adapter)
}

// AddStaticRoute installs a route not implied by any adapter's own
// address configuration, e.g. a second hop beyond the default gateway.
func (h *Host) AddStaticRoute(network netip.Prefix, gateway netip.Addr, via stack.Adapter) {
	h.Stack.AddStaticRoute(stack.RouteEntry{Adapter: via, Network: network, Gateway: gateway})
}

// NewSocket returns a fresh, unbound UDP socket over this host.
func (h *Host) NewSocket() *udpsocket.Socket {
	return udpsocket.New(h.Stack, h.UDP)
}

// AddPacket feeds an inbound frame to the host's stack, as a receiving
// adapter's perpetual receive loop would.
func (h *Host) AddPacket(ctx context.Context, frame []byte, adapter stack.Adapter) {
	h.Stack.AddPacket(ctx, frame, adapter)
}
