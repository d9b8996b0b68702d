package ethernet

import (
	"bytes"
	"context"
	"net/netip"
	"testing"

	"github.com/ofir1023/udpstack/packet"
	"github.com/ofir1023/udpstack/stack"
)

type fakeAdapter struct {
	mac stack.MAC
	ip  netip.Addr
}

func (a fakeAdapter) MAC() stack.MAC               { return a.mac }
func (a fakeAdapter) IP() netip.Addr                { return a.ip }
func (a fakeAdapter) Network() netip.Prefix         { return netip.PrefixFrom(a.ip, 24) }
func (a fakeAdapter) Gateway() (netip.Addr, bool)   { return netip.Addr{}, false }
func (a fakeAdapter) MTU() int                      { return 1500 }
func (a fakeAdapter) Send(context.Context, []byte) error { return nil }

type fakeResolver struct {
	mac stack.MAC
	err error
}

func (r fakeResolver) GetMAC(ctx context.Context, adapter stack.Adapter, dstIP netip.Addr) (stack.MAC, error) {
	return r.mac, r.err
}

func TestBuildWithExplicitDstMAC(t *testing.T) {
	p := New()
	a := fakeAdapter{mac: stack.MAC{1, 2, 3, 4, 5, 6}, ip: netip.MustParseAddr("10.0.0.1")}
	dst := stack.MAC{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa}
	opts := &stack.Options{DstMAC: &dst, PreviousProtocolID: 0x0800}

	frame, err := p.Build(context.Background(), a, []byte{0xDE, 0xAD}, opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := append(append(append([]byte{}, dst[:]...), a.mac[:]...), 0x08, 0x00, 0xDE, 0xAD)
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = % x, want % x", frame, want)
	}
}

func TestBuildResolvesViaResolver(t *testing.T) {
	p := New()
	resolved := stack.MAC{9, 9, 9, 9, 9, 9}
	p.SetMacResolver(fakeResolver{mac: resolved})
	a := fakeAdapter{mac: stack.MAC{1}, ip: netip.MustParseAddr("10.0.0.1")}
	opts := &stack.Options{DstIP: netip.MustParseAddr("10.0.0.2"), PreviousProtocolID: 0x0806}

	frame, err := p.Build(context.Background(), a, nil, opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Equal(frame[0:6], resolved[:]) {
		t.Errorf("dst mac = % x, want % x", frame[0:6], resolved[:])
	}
}

func TestBuildFailsWithoutResolverOrDstMAC(t *testing.T) {
	p := New()
	a := fakeAdapter{mac: stack.MAC{1}, ip: netip.MustParseAddr("10.0.0.1")}
	_, err := p.Build(context.Background(), a, nil, &stack.Options{DstIP: netip.MustParseAddr("10.0.0.2"), PreviousProtocolID: 0x0800})
	if err == nil {
		t.Fatal("Build: want error, got nil")
	}
}

func TestBuildFailsAsTopProtocol(t *testing.T) {
	p := New()
	a := fakeAdapter{mac: stack.MAC{1}, ip: netip.MustParseAddr("10.0.0.1")}
	_, err := p.Build(context.Background(), a, nil, &stack.Options{})
	if err == nil {
		t.Fatal("Build: want error when previous_protocol_id is unset, got nil")
	}
}

func TestHandleDropsFramesNotForUs(t *testing.T) {
	p := New()
	a := fakeAdapter{mac: stack.MAC{1, 2, 3, 4, 5, 6}, ip: netip.MustParseAddr("10.0.0.1")}
	other := stack.MAC{9, 9, 9, 9, 9, 9}
	frame := append(append(append([]byte{}, other[:]...), a.mac[:]...), 0x08, 0x00)
	pkt := packet.New(frame)

	_, handled, err := p.Handle(context.Background(), pkt, a)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if handled {
		t.Error("Handle: want dropped, got handled")
	}
}

func TestHandleAcceptsBroadcastAndUnicast(t *testing.T) {
	p := New()
	a := fakeAdapter{mac: stack.MAC{1, 2, 3, 4, 5, 6}, ip: netip.MustParseAddr("10.0.0.1")}

	for _, dst := range []stack.MAC{a.mac, stack.BroadcastMAC} {
		src := stack.MAC{9, 9, 9, 9, 9, 9}
		frame := append(append(append([]byte{}, dst[:]...), src[:]...), 0x08, 0x00)
		pkt := packet.New(frame)
		ethertype, handled, err := p.Handle(context.Background(), pkt, a)
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if !handled {
			t.Errorf("Handle(dst=%v): want handled, got dropped", dst)
		}
		if ethertype != 0x0800 {
			t.Errorf("Handle(dst=%v) ethertype = %#x, want 0x0800", dst, ethertype)
		}
		layer, err := pkt.GetLayer("ethernet")
		if err != nil {
			t.Fatalf("GetLayer: %v", err)
		}
		if layer.Attributes["src"] != src {
			t.Errorf("layer src = %v, want %v", layer.Attributes["src"], src)
		}
	}
}
