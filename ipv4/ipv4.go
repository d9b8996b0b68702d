// Package ipv4 implements IPv4 header build/parse: a fixed 20-byte
// header with no options or fragmentation, one's-complement checksum,
// and the TTL-exceeded hook ICMP consumes.
package ipv4

import (
	"context"
	"encoding/binary"
	"net/netip"

	"github.com/ofir1023/udpstack/checksum"
	"github.com/ofir1023/udpstack/packet"
	"github.com/ofir1023/udpstack/stack"
)

// ProtocolID is the Ethertype IPv4 registers under Ethernet with.
const ProtocolID = 0x0800

const (
	headerLen     = 20
	versionAndIHL = (4 << 4) | 5 // version 4, 20-byte header (5 32-bit words)
	// DefaultTTL is the TTL a built IPv4 packet starts with unless the
	// protocol instance is configured otherwise.
	DefaultTTL = 128
)

// TTLExceededHandler is notified when an inbound packet arrives with
// TTL == 0, instead of being forwarded to the next protocol. ICMP
// registers itself as one to emit a Time Exceeded message.
type TTLExceededHandler interface {
	HandleTTLExceeded(ctx context.Context, pkt *packet.Packet, adapter stack.Adapter)
}

// Protocol is the IPv4 node in the protocol graph, registered as a child
// of Ethernet under ProtocolID.
type Protocol struct {
	// TTL is the time-to-live stamped on every built packet. Set it
	// before the stack starts; New defaults it to DefaultTTL.
	TTL uint8

	ttlHandlers []TTLExceededHandler
}

// New constructs the IPv4 protocol.
func New() *Protocol { return &Protocol{TTL: DefaultTTL} }

// ID implements stack.Protocol.
func (p *Protocol) ID() uint16 { return ProtocolID }

// RegisterTTLExceededHandler adds h to the set notified when a packet's
// TTL has expired. ICMP calls this from its own constructor.
func (p *Protocol) RegisterTTLExceededHandler(h TTLExceededHandler) {
	p.ttlHandlers = append(p.ttlHandlers, h)
}

func encodeIP(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

func decodeIP(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// Build packs a 20-byte header around payload: src = adapter's address,
// dst = opts.DstIP, protocol = opts.PreviousProtocolID (the contained
// protocol's wire id), TTL = p.TTL.
func (p *Protocol) Build(ctx context.Context, adapter stack.Adapter, payload []byte, opts *stack.Options) ([]byte, error) {
	header := make([]byte, headerLen)
	header[0] = versionAndIHL
	header[1] = 0 // no DSCP/ECN
	binary.BigEndian.PutUint16(header[2:4], uint16(headerLen+len(payload)))
	binary.BigEndian.PutUint16(header[4:6], 0) // identification
	binary.BigEndian.PutUint16(header[6:8], 0) // flags + fragment offset
	header[8] = p.TTL
	header[9] = byte(opts.PreviousProtocolID)
	binary.BigEndian.PutUint16(header[10:12], 0) // checksum placeholder
	binary.BigEndian.PutUint32(header[12:16], encodeIP(adapter.IP()))
	binary.BigEndian.PutUint32(header[16:20], encodeIP(opts.DstIP))

	sum := checksum.Compute(header)
	binary.BigEndian.PutUint16(header[10:12], sum)

	return append(header, payload...), nil
}

// Handle parses and validates the IPv4 header, then either dispatches to
// the next protocol (returning the IP protocol number) or, if the TTL has
// expired, invokes every registered TTLExceededHandler and stops.
func (p *Protocol) Handle(ctx context.Context, pkt *packet.Packet, adapter stack.Adapter) (uint16, bool, error) {
	buf := pkt.CurrentBytes()
	if len(buf) < headerLen {
		return 0, false, nil
	}
	header := buf[:headerLen]

	if !checksum.Verify(header) {
		return 0, false, nil
	}

	if header[0] != versionAndIHL {
		return 0, false, nil // options present, or not version 4
	}
	flagsAndFrag := binary.BigEndian.Uint16(header[6:8])
	if flagsAndFrag != 0 && flagsAndFrag != 0x4000 { // DF bit alone is permitted
		return 0, false, nil
	}

	totalLength := binary.BigEndian.Uint16(header[2:4])
	ttl := header[8]
	protocol := uint16(header[9])
	srcIP := decodeIP(binary.BigEndian.Uint32(header[12:16]))
	dstIP := decodeIP(binary.BigEndian.Uint32(header[16:20]))

	if dstIP != adapter.IP() {
		return 0, false, nil
	}
	if int(totalLength) < headerLen || int(totalLength) > len(buf) {
		return 0, false, nil
	}

	if err := pkt.AddLayer("ip", map[string]any{
		"src": srcIP,
		"dst": dstIP,
	}, headerLen, 0); err != nil {
		return 0, false, err
	}

	if ttl == 0 {
		for _, h := range p.ttlHandlers {
			h.HandleTTLExceeded(ctx, pkt, adapter)
		}
		return 0, false, nil
	}

	return protocol, true, nil
}
