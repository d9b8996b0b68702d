package stack

import (
	"context"
	"fmt"
	"net/netip"
)

// MAC is an Ethernet hardware address.
type MAC [6]byte

// BroadcastMAC is the Ethernet broadcast address ff:ff:ff:ff:ff:ff.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IsBroadcast reports whether m is the Ethernet broadcast address.
func (m MAC) IsBroadcast() bool { return m == BroadcastMAC }

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses a colon-separated hex MAC address such as
// "01:23:45:67:89:ab".
func ParseMAC(s string) (MAC, error) {
	var m MAC
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != 6 {
		return MAC{}, fmt.Errorf("stack: bad MAC address %q", s)
	}
	return m, nil
}

// Adapter is the abstract link-layer device the stack sends and receives
// Ethernet frames through. Implementations own the underlying device
// handle (a raw socket, a virtual link, an in-memory pipe for tests) and
// the receive loop that feeds frames into Stack.AddPacket.
type Adapter interface {
	// MAC is this adapter's hardware address.
	MAC() MAC
	// IP is this adapter's IPv4 address.
	IP() netip.Addr
	// Network is this adapter's LAN, as an address+prefix-length pair
	// (the address component equals IP(); Bits() is the netmask length).
	Network() netip.Prefix
	// Gateway is this adapter's default-route next hop, if any.
	Gateway() (netip.Addr, bool)
	// MTU is the maximum Ethernet frame size this adapter can send/recv.
	MTU() int
	// Send transmits a full Ethernet frame. It may block or be cancelled
	// via ctx.
	Send(ctx context.Context, frame []byte) error
}
