package stack

import "net/netip"

// Options is a typed build-time parameter bag threaded through a single
// Stack.Send call: each protocol's Build reads the fields it needs and
// may set hint fields (DstMAC) for the layer below it. Nothing else
// mutates an Options value for the duration of one Send call.
type Options struct {
	// DstIP is the final destination address of the packet being built.
	// Set by Stack.Send before the walk begins.
	DstIP netip.Addr

	// Gateway is the next-hop IP, if routing to DstIP requires one. Set
	// by Stack.Send from the route table.
	Gateway netip.Addr

	// DstMAC is an explicit destination hardware address hint. If nil,
	// Ethernet resolves one via the installed MacResolver. ARP sets this
	// after resolving so Ethernet doesn't re-resolve.
	DstMAC *MAC

	// PreviousProtocolID is the wire id of the protocol layer that was
	// just built (the one "inside" the layer about to run). Set
	// automatically by Stack.Send after each Build call.
	PreviousProtocolID uint16

	// ARPOpcode selects request (1) or reply (2) for the arp package.
	ARPOpcode uint16

	// ICMPType and UnreachableCode select the ICMP message being built.
	ICMPType        uint8
	UnreachableCode uint8
	// ErrorPacket is the offending packet's bytes, enclosed in an ICMP
	// error message.
	ErrorPacket []byte

	// SrcPort, DstPort, Data are UDP's build inputs.
	SrcPort uint16
	DstPort uint16
	Data    []byte
}
