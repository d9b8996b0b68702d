// Package icmp implements the two ICMP messages this stack emits: Time
// Exceeded, sent automatically when IPv4 observes a zero TTL, and
// Destination Unreachable, sent by UDP when a datagram arrives for a
// port with no listener.
package icmp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/ofir1023/udpstack/checksum"
	"github.com/ofir1023/udpstack/ipv4"
	"github.com/ofir1023/udpstack/packet"
	"github.com/ofir1023/udpstack/stack"
)

// ProtocolID is the IPv4 protocol number for ICMP.
const ProtocolID = 1

const headerLen = 4 // type, code, 2-byte checksum

// Message types this stack builds.
const (
	TypeDestinationUnreachable uint8 = 3
	TypeTTLExceeded            uint8 = 11
)

// Protocol is the ICMP node, registered as a child of IPv4 under
// ProtocolID, and installed as IPv4's TTL-exceeded handler.
type Protocol struct {
	st *stack.Stack
}

// New constructs ICMP and registers it with ip as the handler invoked
// when a received packet's TTL has expired.
func New(st *stack.Stack, ip *ipv4.Protocol) *Protocol {
	p := &Protocol{st: st}
	ip.RegisterTTLExceededHandler(p)
	return p
}

// ID implements stack.Protocol.
func (p *Protocol) ID() uint16 { return ProtocolID }

func pack(msgType, code uint8, body []byte) []byte {
	header := make([]byte, headerLen+len(body))
	header[0] = msgType
	header[1] = code
	copy(header[headerLen:], body)
	sum := checksum.Compute(header)
	binary.BigEndian.PutUint16(header[2:4], sum)
	return header
}

// errorBody is 4 zero bytes (unused) followed by the offending packet's
// IP header and whatever of its payload remained when the error fired.
func errorBody(errorPacket []byte) []byte {
	body := make([]byte, 4+len(errorPacket))
	copy(body[4:], errorPacket)
	return body
}

// Build packs the requested message. opts.ICMPType selects
// TypeTTLExceeded or TypeDestinationUnreachable; for the latter,
// opts.UnreachableCode supplies the code. opts.ErrorPacket is the
// original IP header plus whatever of the original datagram remains.
func (p *Protocol) Build(ctx context.Context, adapter stack.Adapter, payload []byte, opts *stack.Options) ([]byte, error) {
	body := errorBody(opts.ErrorPacket)
	switch opts.ICMPType {
	case TypeTTLExceeded:
		return pack(TypeTTLExceeded, 0, body), nil
	case TypeDestinationUnreachable:
		return pack(TypeDestinationUnreachable, opts.UnreachableCode, body), nil
	default:
		return nil, fmt.Errorf("icmp: unknown message type %d", opts.ICMPType)
	}
}

// Handle accepts any well-formed ICMP message but takes no action; this
// stack never consumes ICMP itself.
func (p *Protocol) Handle(ctx context.Context, pkt *packet.Packet, adapter stack.Adapter) (uint16, bool, error) {
	buf := pkt.CurrentBytes()
	if len(buf) < headerLen {
		return 0, false, nil
	}
	_ = pkt.AddLayer("icmp", map[string]any{
		"type": buf[0],
		"code": buf[1],
	}, headerLen, 0)
	return 0, false, nil
}

// HandleTTLExceeded implements ipv4.TTLExceededHandler: it sends a Time
// Exceeded message back to the offending packet's source, enclosing the
// IP header and whatever of the datagram remains.
func (p *Protocol) HandleTTLExceeded(ctx context.Context, pkt *packet.Packet, adapter stack.Adapter) {
	ipLayer, err := pkt.GetLayer("ip")
	if err != nil {
		return
	}
	srcIP, ok := ipLayer.Attributes["src"].(netip.Addr)
	if !ok {
		return
	}
	errorPacket := append(append([]byte{}, ipLayer.Data...), pkt.CurrentBytes()...)

	_ = p.st.Send(ctx, p, srcIP, adapter, &stack.Options{
		ICMPType:    TypeTTLExceeded,
		ErrorPacket: errorPacket,
	})
}
