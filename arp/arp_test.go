package arp

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/ofir1023/udpstack/ethernet"
	"github.com/ofir1023/udpstack/ipv4"
	"github.com/ofir1023/udpstack/stack"
)

type fakeAdapter struct {
	mac     stack.MAC
	ip      netip.Addr
	network netip.Prefix
	sent    chan []byte
}

func newFakeAdapter(mac stack.MAC, ipStr string, bits int) *fakeAdapter {
	ip := netip.MustParseAddr(ipStr)
	return &fakeAdapter{mac: mac, ip: ip, network: netip.PrefixFrom(ip, bits), sent: make(chan []byte, 10)}
}

func (a *fakeAdapter) MAC() stack.MAC             { return a.mac }
func (a *fakeAdapter) IP() netip.Addr             { return a.ip }
func (a *fakeAdapter) Network() netip.Prefix      { return a.network }
func (a *fakeAdapter) Gateway() (netip.Addr, bool) { return netip.Addr{}, false }
func (a *fakeAdapter) MTU() int                   { return 1500 }
func (a *fakeAdapter) Send(ctx context.Context, frame []byte) error {
	a.sent <- append([]byte{}, frame...)
	return nil
}

func buildARPFrame(dstMACForEthernet, srcMAC, arpTargetMAC stack.MAC, srcIP, arpTargetIP netip.Addr, opcode uint16) []byte {
	frame := make([]byte, 0, 14+headerLen)
	frame = append(frame, dstMACForEthernet[:]...)
	frame = append(frame, srcMAC[:]...)
	frame = binary.BigEndian.AppendUint16(frame, ProtocolID)

	frame = binary.BigEndian.AppendUint16(frame, ethernetHwType)
	frame = binary.BigEndian.AppendUint16(frame, ipv4.ProtocolID)
	frame = append(frame, macLen, ipLen)
	frame = binary.BigEndian.AppendUint16(frame, opcode)
	frame = append(frame, srcMAC[:]...)
	sip := srcIP.As4()
	frame = append(frame, sip[:]...)
	frame = append(frame, arpTargetMAC[:]...)
	tip := arpTargetIP.As4()
	frame = append(frame, tip[:]...)
	return frame
}

func mustRecv(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sent frame")
		return nil
	}
}

func newWiredStack(t *testing.T, adapter *fakeAdapter) (*stack.Stack, *ethernet.Protocol, *Protocol) {
	t.Helper()
	s := stack.New(nil)
	eth := ethernet.New()
	if err := s.RegisterRoot(eth); err != nil {
		t.Fatalf("RegisterRoot: %v", err)
	}
	arpProto := New(s, eth)
	if err := s.Register(eth, arpProto); err != nil {
		t.Fatalf("Register arp: %v", err)
	}
	if err := s.AddAdapter(adapter); err != nil {
		t.Fatalf("AddAdapter: %v", err)
	}
	return s, eth, arpProto
}

func TestARPRequestReply(t *testing.T) {
	ourMAC := stack.MAC{0x01, 0x23, 0x45, 0x67, 0x89, 0xab}
	ourIP := netip.MustParseAddr("1.2.3.4")
	a := newFakeAdapter(ourMAC, ourIP.String(), 8) // 1.0.0.0/8 covers 1.1.1.1 too
	s, _, _ := newWiredStack(t, a)

	requesterMAC := stack.MAC{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
	requesterIP := netip.MustParseAddr("1.1.1.1")
	frame := buildARPFrame(ourMAC, requesterMAC, stack.BroadcastMAC, requesterIP, ourIP, RequestOpcode)

	s.AddPacket(context.Background(), frame, a)

	reply := mustRecv(t, a.sent)
	if !bytes.Equal(reply[0:6], requesterMAC[:]) {
		t.Errorf("reply dst mac = % x, want % x", reply[0:6], requesterMAC[:])
	}
	if !bytes.Equal(reply[6:12], ourMAC[:]) {
		t.Errorf("reply src mac = % x, want % x", reply[6:12], ourMAC[:])
	}
	opcode := binary.BigEndian.Uint16(reply[14+6 : 14+8])
	if opcode != ReplyOpcode {
		t.Errorf("opcode = %d, want %d", opcode, ReplyOpcode)
	}
	senderMAC := reply[14+8 : 14+14]
	if !bytes.Equal(senderMAC, ourMAC[:]) {
		t.Errorf("arp sender mac = % x, want % x", senderMAC, ourMAC[:])
	}
	senderIP := reply[14+14 : 14+18]
	if !bytes.Equal(senderIP, []byte{1, 2, 3, 4}) {
		t.Errorf("arp sender ip = % v, want 1.2.3.4", senderIP)
	}
	targetMAC := reply[14+18 : 14+24]
	if !bytes.Equal(targetMAC, requesterMAC[:]) {
		t.Errorf("arp target mac = % x, want % x", targetMAC, requesterMAC[:])
	}
	targetIP := reply[14+24 : 14+28]
	if !bytes.Equal(targetIP, []byte{1, 1, 1, 1}) {
		t.Errorf("arp target ip = %v, want 1.1.1.1", targetIP)
	}
}

func TestNaturalMACResolution(t *testing.T) {
	ourMAC := stack.MAC{0x01, 0x23, 0x45, 0x67, 0x89, 0xab}
	ourIP := netip.MustParseAddr("1.2.3.4")
	a := newFakeAdapter(ourMAC, ourIP.String(), 8)
	s, eth, _ := newWiredStack(t, a)

	targetIP := netip.MustParseAddr("1.1.1.1")
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- s.Send(context.Background(), eth, targetIP, a, &stack.Options{PreviousProtocolID: 0x2000})
	}()

	request := mustRecv(t, a.sent)
	if !bytes.Equal(request[0:6], stack.BroadcastMAC[:]) {
		t.Fatalf("request dst mac = % x, want broadcast", request[0:6])
	}
	opcode := binary.BigEndian.Uint16(request[14+6 : 14+8])
	if opcode != RequestOpcode {
		t.Fatalf("opcode = %d, want request", opcode)
	}

	replyMAC := stack.MAC{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
	reply := buildARPFrame(ourMAC, replyMAC, stack.BroadcastMAC, targetIP, ourIP, ReplyOpcode)
	s.AddPacket(context.Background(), reply, a)

	final := mustRecv(t, a.sent)
	if !bytes.Equal(final[0:6], replyMAC[:]) {
		t.Errorf("final frame dst mac = % x, want % x", final[0:6], replyMAC[:])
	}
	ethertype := binary.BigEndian.Uint16(final[12:14])
	if ethertype != 0x2000 {
		t.Errorf("final frame ethertype = %#x, want 0x2000", ethertype)
	}

	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestConcurrentResolversShareOneAnswer(t *testing.T) {
	ourMAC := stack.MAC{0x01, 0x23, 0x45, 0x67, 0x89, 0xab}
	ourIP := netip.MustParseAddr("1.2.3.4")
	a := newFakeAdapter(ourMAC, ourIP.String(), 8)
	s, _, arpProto := newWiredStack(t, a)

	targetIP := netip.MustParseAddr("1.1.1.1")
	const waiters = 4
	results := make(chan stack.MAC, waiters)
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			mac, err := arpProto.GetMAC(context.Background(), a, targetIP)
			if err != nil {
				errs <- err
				return
			}
			results <- mac
		}()
	}

	// Every waiter broadcasts a request before suspending; drain at
	// least one, then answer.
	mustRecv(t, a.sent)

	resolvedMAC := stack.MAC{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
	reply := buildARPFrame(ourMAC, resolvedMAC, stack.BroadcastMAC, targetIP, ourIP, ReplyOpcode)
	s.AddPacket(context.Background(), reply, a)

	for i := 0; i < waiters; i++ {
		select {
		case mac := <-results:
			if mac != resolvedMAC {
				t.Errorf("waiter %d got %v, want %v", i, mac, resolvedMAC)
			}
		case err := <-errs:
			t.Fatalf("waiter %d: %v", i, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never woke up", i)
		}
	}
}

func TestTableEntryGoesStale(t *testing.T) {
	a := newFakeAdapter(stack.MAC{1}, "10.0.0.1", 24)
	table := NewTable()
	table.Timeout = 10 * time.Millisecond

	ip := netip.MustParseAddr("10.0.0.99")
	mac := stack.MAC{2, 2, 2, 2, 2, 2}
	table.Update(a, ip, mac)

	if got, ok := table.Lookup(a, ip); !ok || got != mac {
		t.Fatalf("Lookup right after Update = (%v, %v), want (%v, true)", got, ok, mac)
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := table.Lookup(a, ip); ok {
		t.Error("Lookup after the freshness window: want a miss, got a hit")
	}
}

func TestAddEntryIsImmediatelyVisible(t *testing.T) {
	ourMAC := stack.MAC{1}
	a := newFakeAdapter(ourMAC, "10.0.0.1", 24)
	_, _, arpProto := newWiredStack(t, a)

	ip := netip.MustParseAddr("10.0.0.99")
	mac := stack.MAC{2, 2, 2, 2, 2, 2}
	arpProto.AddEntry(a, ip, mac)

	got, err := arpProto.GetMAC(context.Background(), a, ip)
	if err != nil {
		t.Fatalf("GetMAC: %v", err)
	}
	if got != mac {
		t.Errorf("GetMAC = %v, want %v", got, mac)
	}
}
