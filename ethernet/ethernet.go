// Package ethernet implements Ethernet II framing: MAC addressing, and
// the resolver plug-in point ARP uses to supply next-hop MAC addresses.
package ethernet

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/ofir1023/udpstack/packet"
	"github.com/ofir1023/udpstack/stack"
)

// headerLen is dst MAC + src MAC + 2-byte Ethertype.
const headerLen = 6 + 6 + 2

// MacResolver maps a next-hop IP to a MAC address, synchronously if
// already known or by suspending (honoring ctx) until a reply arrives.
// ARP implements this for IPv4.
type MacResolver interface {
	GetMAC(ctx context.Context, adapter stack.Adapter, dstIP netip.Addr) (stack.MAC, error)
}

// Protocol is the root node of the protocol graph. Its ID is unused
// for lookup (nothing registers a child of Ethernet by its own id; ARP
// and IPv4 register themselves keyed by their own Ethertype).
type Protocol struct {
	resolver MacResolver
}

// New constructs the Ethernet root protocol. Call SetMacResolver before
// any Build that lacks an explicit destination MAC.
func New() *Protocol { return &Protocol{} }

// SetMacResolver installs the capability used to resolve a destination IP
// to a MAC address when Build isn't given one explicitly.
func (p *Protocol) SetMacResolver(r MacResolver) { p.resolver = r }

// ID implements stack.Protocol. The root's id is unused.
func (p *Protocol) ID() uint16 { return 0 }

// Build prepends the Ethernet header. opts.DstMAC, if set, is used
// directly; otherwise the installed resolver is consulted using
// opts.Gateway (if present) or opts.DstIP.
func (p *Protocol) Build(ctx context.Context, adapter stack.Adapter, payload []byte, opts *stack.Options) ([]byte, error) {
	if opts.PreviousProtocolID == 0 {
		return nil, fmt.Errorf("ethernet: can't be the top protocol of a send")
	}

	dstMAC := opts.DstMAC
	if dstMAC == nil {
		if p.resolver == nil {
			return nil, fmt.Errorf("ethernet: no destination MAC and no resolver installed")
		}
		target := opts.DstIP
		if opts.Gateway.IsValid() {
			target = opts.Gateway
		}
		mac, err := p.resolver.GetMAC(ctx, adapter, target)
		if err != nil {
			return nil, fmt.Errorf("ethernet: resolve MAC for %v: %w", target, err)
		}
		dstMAC = &mac
	}

	header := make([]byte, 0, headerLen+len(payload))
	header = append(header, dstMAC[:]...)
	srcMAC := adapter.MAC()
	header = append(header, srcMAC[:]...)
	header = binary.BigEndian.AppendUint16(header, opts.PreviousProtocolID)
	return append(header, payload...), nil
}

// Handle parses the Ethernet header, drops frames not addressed to this
// adapter (unicast or broadcast), and records the "ethernet" layer with
// src/dst MAC attributes.
func (p *Protocol) Handle(ctx context.Context, pkt *packet.Packet, adapter stack.Adapter) (uint16, bool, error) {
	buf := pkt.CurrentBytes()
	if len(buf) < headerLen {
		return 0, false, nil
	}

	var dstMAC, srcMAC stack.MAC
	copy(dstMAC[:], buf[0:6])
	copy(srcMAC[:], buf[6:12])

	if !Relevant(adapter, dstMAC) {
		return 0, false, nil
	}

	ethertype := binary.BigEndian.Uint16(buf[12:14])
	if err := pkt.AddLayer("ethernet", map[string]any{
		"src": srcMAC,
		"dst": dstMAC,
	}, headerLen, 0); err != nil {
		return 0, false, err
	}

	return ethertype, true, nil
}

// Relevant reports whether mac is a destination this adapter should
// accept: its own MAC, or the Ethernet broadcast address.
func Relevant(adapter stack.Adapter, mac stack.MAC) bool {
	return mac == adapter.MAC() || mac.IsBroadcast()
}
