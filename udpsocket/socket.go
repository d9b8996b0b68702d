// Package udpsocket implements the datagram socket façade applications
// use to open UDP endpoints: bind, connect, send/sendto, recv/recvfrom,
// and close, all layered over the udp package's port queues.
package udpsocket

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"

	"github.com/ofir1023/udpstack/stack"
	"github.com/ofir1023/udpstack/udp"
)

// DefaultBindTries is how many random ports Bind probes before giving up
// when asked for an auto-assigned port.
const DefaultBindTries = 1000

// Socket is a single UDP endpoint. The zero value is not usable;
// construct with New.
type Socket struct {
	st  *stack.Stack
	udp *udp.Protocol

	// BindTries caps how many random ports Bind probes when asked for
	// an auto-assigned port. Set it before Bind; New defaults it to
	// DefaultBindTries.
	BindTries int

	mu         sync.Mutex
	srcIP      netip.Addr // zero value binds the wildcard (all adapters)
	srcAdapter stack.Adapter
	srcPort    uint16
	bound      bool
	dstIP      netip.Addr
	dstPort    uint16
	connected  bool
	closed     bool
}

// New constructs an unbound socket over the given stack and UDP
// protocol instance.
func New(st *stack.Stack, udpProto *udp.Protocol) *Socket {
	return &Socket{st: st, udp: udpProto, BindTries: DefaultBindTries}
}

// WithSocket constructs a socket, passes it to fn, and closes it
// afterward on every exit path, including a panic in fn.
func WithSocket(st *stack.Stack, udpProto *udp.Protocol, fn func(*Socket) error) error {
	s := New(st, udpProto)
	defer s.Close()
	return fn(s)
}

// Bind assigns the socket's source address. If srcIP is valid and not
// the unspecified address, the adapter owning it is resolved via the
// stack and Send is pinned to it (SendTo is not). If srcPort is 0, up to
// BindTries random ports are probed until one opens successfully.
func (s *Socket) Bind(srcIP netip.Addr, srcPort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("udpsocket: socket is closed")
	}

	if srcIP.IsValid() && srcIP != netip.IPv4Unspecified() {
		adapter, err := s.st.GetAdapter(srcIP)
		if err != nil {
			return err
		}
		s.srcAdapter = adapter
		s.srcIP = srcIP
	}

	if srcPort != 0 {
		if err := s.udp.OpenPort(s.srcIP, srcPort); err != nil {
			return err
		}
		s.srcPort = srcPort
		s.bound = true
		return nil
	}

	for i := 0; i < s.BindTries; i++ {
		candidate := uint16(1 + rand.Intn(65535))
		if err := s.udp.OpenPort(s.srcIP, candidate); err == nil {
			s.srcPort = candidate
			s.bound = true
			return nil
		}
	}
	return fmt.Errorf("udpsocket: no free port found after %d tries", s.BindTries)
}

// bindLocked auto-binds to a random port on the wildcard address. Caller
// must hold s.mu.
func (s *Socket) bindLocked() error {
	s.mu.Unlock()
	err := s.Bind(netip.Addr{}, 0)
	s.mu.Lock()
	return err
}

// Connect records the destination send will target.
func (s *Socket) Connect(dstIP netip.Addr, dstPort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("udpsocket: socket is closed")
	}
	s.dstIP = dstIP
	s.dstPort = dstPort
	s.connected = true
	return nil
}

// Send transmits data to the connected destination, auto-binding to a
// random port first if the socket is unbound. The bound adapter (if
// any) is passed as the expected adapter, so Send fails rather than
// silently routing out a different interface.
func (s *Socket) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("udpsocket: socket is closed")
	}
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("udpsocket: cannot send on an unconnected socket")
	}
	if !s.bound {
		if err := s.bindLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	srcPort, dstIP, dstPort, adapter := s.srcPort, s.dstIP, s.dstPort, s.srcAdapter
	s.mu.Unlock()

	return s.st.Send(ctx, s.udp, dstIP, adapter, &stack.Options{
		SrcPort: srcPort,
		DstPort: dstPort,
		Data:    data,
	})
}

// SendTo transmits data to (dstIP, dstPort) without requiring a prior
// Connect, auto-binding first if unbound. Unlike Send, it does not pin
// the outgoing adapter.
func (s *Socket) SendTo(ctx context.Context, data []byte, dstIP netip.Addr, dstPort uint16) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("udpsocket: socket is closed")
	}
	if !s.bound {
		if err := s.bindLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	srcPort := s.srcPort
	s.mu.Unlock()

	return s.st.Send(ctx, s.udp, dstIP, nil, &stack.Options{
		SrcPort: srcPort,
		DstPort: dstPort,
		Data:    data,
	})
}

// Recv returns the next datagram's payload, suspending until one
// arrives or ctx is done.
func (s *Socket) Recv(ctx context.Context) ([]byte, error) {
	_, _, data, err := s.RecvFrom(ctx)
	return data, err
}

// RecvFrom returns the next datagram's source address, source port, and
// payload, suspending until one arrives or ctx is done.
func (s *Socket) RecvFrom(ctx context.Context) (netip.Addr, uint16, []byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return netip.Addr{}, 0, nil, fmt.Errorf("udpsocket: socket is closed")
	}
	if !s.bound {
		s.mu.Unlock()
		return netip.Addr{}, 0, nil, fmt.Errorf("udpsocket: cannot receive on an unbound socket")
	}
	srcIP, srcPort := s.srcIP, s.srcPort
	s.mu.Unlock()

	d, err := s.udp.GetPacket(ctx, srcIP, srcPort)
	if err != nil {
		return netip.Addr{}, 0, nil, err
	}
	return d.SrcIP, d.SrcPort, d.Data, nil
}

// Close releases the bound port, if any, and marks the socket unusable.
// Idempotent.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.bound {
		s.udp.ClosePort(s.srcIP, s.srcPort)
		s.bound = false
	}
}
