// Package link provides the real link-layer I/O the rest of this module
// treats as an external collaborator: a stack.Adapter backed by an
// AF_PACKET socket bound to a live interface.
package link

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket/afpacket"

	"github.com/ofir1023/udpstack/stack"
)

// RawDevice is a stack.Adapter that reads and writes real Ethernet
// frames on a named interface via an AF_PACKET sniffer-style socket.
type RawDevice struct {
	iface   string
	mac     stack.MAC
	ip      netip.Addr
	network netip.Prefix
	gateway netip.Addr
	mtu     int
	handle  *afpacket.TPacket
}

// NewRawDevice opens ifaceName for raw frame I/O and pairs it with the
// given logical IPv4 configuration.
func NewRawDevice(ifaceName string, ip netip.Addr, network netip.Prefix, gateway netip.Addr) (*RawDevice, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("link: interface %q: %w", ifaceName, err)
	}
	if len(iface.HardwareAddr) != 6 {
		return nil, fmt.Errorf("link: interface %q has no Ethernet MAC", ifaceName)
	}
	var mac stack.MAC
	copy(mac[:], iface.HardwareAddr)

	handle, err := afpacket.NewTPacket(afpacket.OptInterface(ifaceName))
	if err != nil {
		return nil, fmt.Errorf("link: opening AF_PACKET socket on %q: %w", ifaceName, err)
	}

	return &RawDevice{
		iface:   ifaceName,
		mac:     mac,
		ip:      ip,
		network: network,
		gateway: gateway,
		mtu:     iface.MTU,
		handle:  handle,
	}, nil
}

// MAC implements stack.Adapter.
func (d *RawDevice) MAC() stack.MAC { return d.mac }

// IP implements stack.Adapter.
func (d *RawDevice) IP() netip.Addr { return d.ip }

// Network implements stack.Adapter.
func (d *RawDevice) Network() netip.Prefix { return d.network }

// Gateway implements stack.Adapter.
func (d *RawDevice) Gateway() (netip.Addr, bool) { return d.gateway, d.gateway.IsValid() }

// MTU implements stack.Adapter.
func (d *RawDevice) MTU() int { return d.mtu }

// Send implements stack.Adapter by writing frame straight to the wire.
func (d *RawDevice) Send(ctx context.Context, frame []byte) error {
	return d.handle.WritePacketData(frame)
}

// Run is the perpetual receive loop: it reads one frame at a time and
// hands it to st.AddPacket, which itself spawns a
// fresh goroutine per frame so a slow handler never blocks the next
// read. Run blocks until ctx is done or the socket errors.
func (d *RawDevice) Run(ctx context.Context, st *stack.Stack) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		data, _, err := d.handle.ZeroCopyReadPacketData()
		if err != nil {
			return fmt.Errorf("link: reading from %q: %w", d.iface, err)
		}
		frame := append([]byte(nil), data...)
		st.AddPacket(ctx, frame, d)
	}
}

// Close releases the underlying AF_PACKET socket.
func (d *RawDevice) Close() error {
	d.handle.Close()
	return nil
}
