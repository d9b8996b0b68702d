// Package udp implements UDP: pseudo-header checksum, per-(ip, port)
// delivery queues with wildcard fallback, and the Destination
// Unreachable path when no listener claims a datagram.
package udp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"tailscale.com/syncs"

	"github.com/ofir1023/udpstack/checksum"
	"github.com/ofir1023/udpstack/icmp"
	"github.com/ofir1023/udpstack/packet"
	"github.com/ofir1023/udpstack/stack"
)

// ProtocolID is the IPv4 protocol number for UDP.
const ProtocolID = 0x11

const headerLen = 8

// PortUnreachable is the ICMP Destination Unreachable code sent when a
// datagram arrives for a port with no open queue.
const PortUnreachable uint8 = 3

// ErrPortAlreadyOpen is returned by OpenPort when the exact (ip, port) or
// the wildcard binding for port is already open.
var ErrPortAlreadyOpen = fmt.Errorf("udp: port already open")

type bindKey struct {
	ip   netip.Addr
	port uint16
}

// Protocol is the UDP node, registered as a child of IPv4 under
// ProtocolID.
type Protocol struct {
	st     *stack.Stack
	icmp   *icmp.Protocol
	queues syncs.Map[bindKey, *queue]
}

// New constructs UDP. st is used to send ICMP Destination Unreachable
// through icmpProto when a datagram has no listener.
func New(st *stack.Stack, icmpProto *icmp.Protocol) *Protocol {
	return &Protocol{st: st, icmp: icmpProto}
}

// ID implements stack.Protocol.
func (p *Protocol) ID() uint16 { return ProtocolID }

func pseudoHeader(srcIP, dstIP netip.Addr, length, srcPort, dstPort uint16) []byte {
	buf := make([]byte, 0, 20)
	s := srcIP.As4()
	buf = append(buf, s[:]...)
	d := dstIP.As4()
	buf = append(buf, d[:]...)
	buf = append(buf, 0, ProtocolID)
	buf = binary.BigEndian.AppendUint16(buf, length)
	buf = binary.BigEndian.AppendUint16(buf, srcPort)
	buf = binary.BigEndian.AppendUint16(buf, dstPort)
	buf = binary.BigEndian.AppendUint16(buf, length)
	buf = binary.BigEndian.AppendUint16(buf, 0)
	return buf
}

// Build ignores payload (UDP never wraps a nested protocol) and emits
// header||opts.Data, using opts.SrcPort/DstPort/DstIP and the adapter's
// own address for the pseudo-header.
func (p *Protocol) Build(ctx context.Context, adapter stack.Adapter, payload []byte, opts *stack.Options) ([]byte, error) {
	data := opts.Data
	length := uint16(headerLen + len(data))
	pseudo := pseudoHeader(adapter.IP(), opts.DstIP, length, opts.SrcPort, opts.DstPort)
	sum := checksum.Compute(append(pseudo, data...))

	header := make([]byte, headerLen)
	binary.BigEndian.PutUint16(header[0:2], opts.SrcPort)
	binary.BigEndian.PutUint16(header[2:4], opts.DstPort)
	binary.BigEndian.PutUint16(header[4:6], length)
	binary.BigEndian.PutUint16(header[6:8], sum)
	return append(header, data...), nil
}

// Handle parses the header, verifies the checksum if non-zero (zero
// means "no checksum", accepted unconditionally), then delivers to the
// matching queue: exact (dst_ip, dst_port) first, then wildcard
// (*, dst_port), else emits an ICMP port-unreachable.
func (p *Protocol) Handle(ctx context.Context, pkt *packet.Packet, adapter stack.Adapter) (uint16, bool, error) {
	buf := pkt.CurrentBytes()
	if len(buf) < headerLen {
		return 0, false, nil
	}
	srcPort := binary.BigEndian.Uint16(buf[0:2])
	dstPort := binary.BigEndian.Uint16(buf[2:4])
	length := binary.BigEndian.Uint16(buf[4:6])
	csum := binary.BigEndian.Uint16(buf[6:8])
	if int(length) < headerLen || int(length) > len(buf) {
		return 0, false, nil
	}
	data := buf[headerLen:length]

	ipLayer, err := pkt.GetLayer("ip")
	if err != nil {
		return 0, false, nil
	}
	srcIP, ok := ipLayer.Attributes["src"].(netip.Addr)
	if !ok {
		return 0, false, nil
	}
	dstIP, ok := ipLayer.Attributes["dst"].(netip.Addr)
	if !ok {
		return 0, false, nil
	}

	if csum != 0 {
		pseudo := pseudoHeader(srcIP, dstIP, length, srcPort, dstPort)
		if computed := checksum.Compute(append(pseudo, data...)); computed != csum {
			return 0, false, nil
		}
	}

	segment := append([]byte{}, buf[:length]...)
	if err := pkt.AddLayer("udp", map[string]any{
		"src_port": srcPort,
		"dst_port": dstPort,
	}, int(length), 0); err != nil {
		return 0, false, err
	}

	datagram := Datagram{SrcIP: srcIP, SrcPort: srcPort, Data: data}

	if q, ok := p.queues.Load(bindKey{ip: dstIP, port: dstPort}); ok {
		q.append(datagram)
		return 0, false, nil
	}
	if q, ok := p.queues.Load(bindKey{port: dstPort}); ok {
		q.append(datagram)
		return 0, false, nil
	}

	errorPacket := append(append([]byte{}, ipLayer.Data...), segment...)
	if err := p.st.Send(ctx, p.icmp, srcIP, adapter, &stack.Options{
		ICMPType:        icmp.TypeDestinationUnreachable,
		UnreachableCode: PortUnreachable,
		ErrorPacket:     errorPacket,
	}); err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

// OpenPort inserts an empty queue for (ip, port). ip must be the zero
// netip.Addr to bind the wildcard (any destination address). It fails if
// the wildcard binding for port, or the exact (ip, port) pair, is
// already open. The check is deliberately one-directional: an existing
// wildcard blocks a later specific bind on the same port, but a specific
// bind does not block a later wildcard.
func (p *Protocol) OpenPort(ip netip.Addr, port uint16) error {
	if _, exists := p.queues.Load(bindKey{port: port}); exists {
		return ErrPortAlreadyOpen
	}
	key := bindKey{ip: ip, port: port}
	if _, exists := p.queues.Load(key); exists {
		return ErrPortAlreadyOpen
	}
	p.queues.Store(key, newQueue())
	return nil
}

// ClosePort removes the queue for (ip, port). Idempotent.
func (p *Protocol) ClosePort(ip netip.Addr, port uint16) {
	p.queues.Delete(bindKey{ip: ip, port: port})
}

// GetPacket returns the next datagram queued for (ip, port), suspending
// until one arrives or ctx is done. It fails if the port is not open.
func (p *Protocol) GetPacket(ctx context.Context, ip netip.Addr, port uint16) (Datagram, error) {
	q, ok := p.queues.Load(bindKey{ip: ip, port: port})
	if !ok {
		return Datagram{}, fmt.Errorf("udp: port %d is not open", port)
	}
	return q.wait(ctx)
}
