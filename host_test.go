package udpstack_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	udpstack "github.com/ofir1023/udpstack"
	"github.com/ofir1023/udpstack/internal/stacktest"
	"github.com/ofir1023/udpstack/stack"
)

func wireLAN(t *testing.T, a, b *stacktest.FakeAdapter, stA, stB *stack.Stack) {
	t.Helper()
	a.Connect(stB, b)
	b.Connect(stA, a)
}

func TestEndToEndUDPRoundTripAcrossHosts(t *testing.T) {
	hostA, err := udpstack.NewHost(nil)
	if err != nil {
		t.Fatalf("NewHost A: %v", err)
	}
	hostB, err := udpstack.NewHost(nil)
	if err != nil {
		t.Fatalf("NewHost B: %v", err)
	}

	network := netip.MustParsePrefix("10.1.1.0/24")
	ipA := netip.MustParseAddr("10.1.1.1")
	ipB := netip.MustParseAddr("10.1.1.2")
	adapterA := stacktest.NewFakeAdapter(stack.MAC{0x02, 0, 0, 0, 0, 1}, ipA, netip.PrefixFrom(ipA, network.Bits()), netip.Addr{})
	adapterB := stacktest.NewFakeAdapter(stack.MAC{0x02, 0, 0, 0, 0, 2}, ipB, netip.PrefixFrom(ipB, network.Bits()), netip.Addr{})

	if err := hostA.AddAdapter(adapterA); err != nil {
		t.Fatalf("AddAdapter A: %v", err)
	}
	if err := hostB.AddAdapter(adapterB); err != nil {
		t.Fatalf("AddAdapter B: %v", err)
	}
	wireLAN(t, adapterA, adapterB, hostA.Stack, hostB.Stack)

	serverSock := hostB.NewSocket()
	defer serverSock.Close()
	if err := serverSock.Bind(ipB, 9000); err != nil {
		t.Fatalf("server Bind: %v", err)
	}

	clientSock := hostA.NewSocket()
	defer clientSock.Close()
	if err := clientSock.Connect(ipB, 9000); err != nil {
		t.Fatalf("client Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	payload := []byte("hello across hosts")
	if err := clientSock.Send(ctx, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	srcIP, srcPort, data, err := serverSock.RecvFrom(ctx)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if srcIP != ipA {
		t.Errorf("srcIP = %v, want %v", srcIP, ipA)
	}
	if srcPort == 0 {
		t.Error("srcPort = 0, want nonzero auto-assigned client port")
	}
	if string(data) != string(payload) {
		t.Errorf("data = %q, want %q", data, payload)
	}
}

func TestEndToEndPortUnreachable(t *testing.T) {
	hostA, err := udpstack.NewHost(nil)
	if err != nil {
		t.Fatalf("NewHost A: %v", err)
	}
	hostB, err := udpstack.NewHost(nil)
	if err != nil {
		t.Fatalf("NewHost B: %v", err)
	}

	ipA := netip.MustParseAddr("10.1.2.1")
	ipB := netip.MustParseAddr("10.1.2.2")
	adapterA := stacktest.NewFakeAdapter(stack.MAC{0x02, 0, 0, 0, 0, 3}, ipA, netip.PrefixFrom(ipA, 24), netip.Addr{})
	adapterB := stacktest.NewFakeAdapter(stack.MAC{0x02, 0, 0, 0, 0, 4}, ipB, netip.PrefixFrom(ipB, 24), netip.Addr{})
	if err := hostA.AddAdapter(adapterA); err != nil {
		t.Fatal(err)
	}
	if err := hostB.AddAdapter(adapterB); err != nil {
		t.Fatal(err)
	}
	wireLAN(t, adapterA, adapterB, hostA.Stack, hostB.Stack)

	clientSock := hostA.NewSocket()
	defer clientSock.Close()
	if err := clientSock.Connect(ipB, 12345); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clientSock.Send(ctx, []byte("nobody listening")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// No listener on hostB:12345; hostB should emit a port-unreachable
	// ICMP back toward hostA. We don't have a socket for raw ICMP, so we
	// just confirm the send path itself didn't error and give the
	// delivery goroutine a moment to run without panicking.
	time.Sleep(100 * time.Millisecond)
}
