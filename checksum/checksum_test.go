package checksum

import (
	"encoding/binary"
	"testing"
)

func TestComputeOddLengthPadding(t *testing.T) {
	a := Compute([]byte{0x12, 0x34, 0x56})
	b := Compute([]byte{0x12, 0x34, 0x56, 0x00})
	if a != b {
		t.Errorf("Compute with implicit vs explicit padding differ: %#04x != %#04x", a, b)
	}
}

func TestComputeThenVerifyRoundTrip(t *testing.T) {
	header := make([]byte, 20)
	for i := range header {
		header[i] = byte(i * 7)
	}
	// zero the checksum field (bytes 10:12, as in an IPv4 header)
	header[10], header[11] = 0, 0

	sum := Compute(header)
	binary.BigEndian.PutUint16(header[10:12], sum)

	if !Verify(header) {
		t.Errorf("Verify() = false after embedding computed checksum, want true")
	}

	header[0] ^= 0xff // corrupt
	if Verify(header) {
		t.Errorf("Verify() = true for corrupted header, want false")
	}
}

func TestComputeKnownVector(t *testing.T) {
	// Simple vector: two 16-bit words 0x0001 and 0x0002 sum to 0x0003;
	// one's complement is 0xfffc.
	got := Compute([]byte{0x00, 0x01, 0x00, 0x02})
	if want := uint16(0xfffc); got != want {
		t.Errorf("Compute() = %#04x, want %#04x", got, want)
	}
}
