// Package arp implements ARP for IPv4 over Ethernet: request/reply build
// and parse, and the resolver ethernet.Protocol uses to turn a
// destination IP into a MAC address.
package arp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/ofir1023/udpstack/ethernet"
	"github.com/ofir1023/udpstack/ipv4"
	"github.com/ofir1023/udpstack/packet"
	"github.com/ofir1023/udpstack/stack"
)

// ProtocolID is the Ethertype ARP registers under Ethernet with.
const ProtocolID = 0x0806

const (
	ethernetHwType = 1
	macLen         = 6
	ipLen          = 4
	headerLen      = 8 + 2*macLen + 2*ipLen // fixed fields + 2x(sender,target)

	// RequestOpcode asks "who has dst_ip". ReplyOpcode answers it.
	RequestOpcode = 1
	ReplyOpcode   = 2
)

// sender is a *stack.Stack's Send method, narrowed to what ARP needs to
// issue requests and replies without importing the concrete type twice.
type sender interface {
	Send(ctx context.Context, topProtocol stack.Protocol, dstIP netip.Addr, expectedAdapter stack.Adapter, opts *stack.Options) error
}

// Protocol is the ARP node, registered as a child of Ethernet under
// ProtocolID, and installed as Ethernet's MacResolver.
type Protocol struct {
	st    sender
	table *Table
}

// New constructs ARP and installs it as eth's MAC resolver. st is used to
// issue ARP requests/replies (both are themselves sends through the
// graph, same as any other protocol's traffic).
func New(st sender, eth *ethernet.Protocol) *Protocol {
	p := &Protocol{st: st, table: NewTable()}
	eth.SetMacResolver(p)
	return p
}

// ID implements stack.Protocol.
func (p *Protocol) ID() uint16 { return ProtocolID }

// Table returns the protocol's resolution table, e.g. to adjust its
// freshness window before the stack starts.
func (p *Protocol) Table() *Table { return p.table }

// AddEntry seeds (adapter, ip) -> mac directly, without a wire exchange.
// After this call, GetMAC for the same pair returns mac immediately.
func (p *Protocol) AddEntry(adapter stack.Adapter, ip netip.Addr, mac stack.MAC) {
	p.table.Update(adapter, ip, mac)
}

func encodeIP(ip netip.Addr) [4]byte { return ip.As4() }

func decodeIP(b []byte) netip.Addr {
	var a [4]byte
	copy(a[:], b)
	return netip.AddrFrom4(a)
}

// Build packs an ARP request or reply. payload must be empty: ARP is
// always the top protocol of a send, never carries an inner payload.
func (p *Protocol) Build(ctx context.Context, adapter stack.Adapter, payload []byte, opts *stack.Options) ([]byte, error) {
	if len(payload) != 0 {
		return nil, fmt.Errorf("arp: payload given to arp layer must be empty")
	}

	var dstMAC stack.MAC
	switch opts.ARPOpcode {
	case ReplyOpcode:
		if opts.DstMAC != nil {
			dstMAC = *opts.DstMAC
		} else {
			mac, err := p.GetMAC(ctx, adapter, opts.DstIP)
			if err != nil {
				return nil, err
			}
			dstMAC = mac
		}
	case RequestOpcode:
		dstMAC = stack.BroadcastMAC
	default:
		return nil, fmt.Errorf("arp: unknown opcode %d", opts.ARPOpcode)
	}
	opts.DstMAC = &dstMAC // hint so ethernet doesn't re-resolve

	buf := make([]byte, 0, headerLen)
	buf = binary.BigEndian.AppendUint16(buf, ethernetHwType)
	buf = binary.BigEndian.AppendUint16(buf, ipv4.ProtocolID)
	buf = append(buf, macLen, ipLen)
	buf = binary.BigEndian.AppendUint16(buf, opts.ARPOpcode)

	srcMAC := adapter.MAC()
	buf = append(buf, srcMAC[:]...)
	srcIP := encodeIP(adapter.IP())
	buf = append(buf, srcIP[:]...)
	buf = append(buf, dstMAC[:]...)
	dstIP := encodeIP(opts.DstIP)
	buf = append(buf, dstIP[:]...)

	return buf, nil
}

// Handle validates the fixed Ethernet/IPv4 identifiers, drops frames not
// addressed to this adapter, learns the sender's (IP, MAC) into the
// table, and, for a request, sends a reply back on the same adapter.
// ARP is a leaf: it never hands off to a further protocol.
func (p *Protocol) Handle(ctx context.Context, pkt *packet.Packet, adapter stack.Adapter) (uint16, bool, error) {
	buf := pkt.CurrentBytes()
	if len(buf) < headerLen {
		return 0, false, nil
	}

	hwType := binary.BigEndian.Uint16(buf[0:2])
	pType := binary.BigEndian.Uint16(buf[2:4])
	hwLen, pLen := buf[4], buf[5]
	opcode := binary.BigEndian.Uint16(buf[6:8])
	if hwType != ethernetHwType || pType != ipv4.ProtocolID || hwLen != macLen || pLen != ipLen {
		return 0, false, nil
	}

	off := 8
	var srcMAC stack.MAC
	copy(srcMAC[:], buf[off:off+macLen])
	off += macLen
	srcIP := decodeIP(buf[off : off+ipLen])
	off += ipLen
	off += macLen // target MAC: zeros in a request, ignored either way
	dstIP := decodeIP(buf[off : off+ipLen])

	// The frame's destination, not the ARP body's target field: a
	// request carries a zeroed target MAC but still arrives addressed to
	// us or to the broadcast address.
	ethLayer, err := pkt.GetLayer("ethernet")
	if err != nil {
		return 0, false, nil
	}
	ethDst, ok := ethLayer.Attributes["dst"].(stack.MAC)
	if !ok {
		return 0, false, nil
	}
	if dstIP != adapter.IP() || !ethernet.Relevant(adapter, ethDst) {
		return 0, false, nil
	}

	if err := pkt.AddLayer("arp", map[string]any{
		"src_ip":  srcIP,
		"src_mac": srcMAC,
		"opcode":  opcode,
	}, headerLen, 0); err != nil {
		return 0, false, err
	}

	p.table.Update(adapter, srcIP, srcMAC)

	if opcode == RequestOpcode {
		if err := p.st.Send(ctx, p, srcIP, adapter, &stack.Options{ARPOpcode: ReplyOpcode}); err != nil {
			return 0, false, fmt.Errorf("arp: sending reply: %w", err)
		}
	}

	return 0, false, nil
}

// GetMAC implements ethernet.MacResolver: it returns the cached MAC for
// ip if still fresh, otherwise broadcasts an ARP request on adapter and
// suspends until a reply is learned or ctx is done.
func (p *Protocol) GetMAC(ctx context.Context, adapter stack.Adapter, ip netip.Addr) (stack.MAC, error) {
	if mac, ok := p.table.Lookup(adapter, ip); ok {
		return mac, nil
	}

	if err := p.st.Send(ctx, p, ip, adapter, &stack.Options{ARPOpcode: RequestOpcode}); err != nil {
		return stack.MAC{}, fmt.Errorf("arp: sending request: %w", err)
	}

	mac, ok := p.table.Wait(ctx, adapter, ip)
	if !ok {
		if err := ctx.Err(); err != nil {
			return stack.MAC{}, err
		}
		return stack.MAC{}, fmt.Errorf("arp: resolution for %v did not complete", ip)
	}
	return mac, nil
}
