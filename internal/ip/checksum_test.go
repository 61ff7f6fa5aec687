package ip

import (
	"encoding/binary"
	"net/netip"
	"testing"
)

func TestChecksumKnownVector(t *testing.T) {
	// Worked example from RFC 1071 discussions: header with the checksum
	// field zeroed, then verified to fold to zero once filled in.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00,
		0x40, 0x06, 0x00, 0x00, 0xac, 0x10, 0x0a, 0x63,
		0xac, 0x10, 0x0a, 0x0c,
	}
	sum := Checksum(hdr)
	binary.BigEndian.PutUint16(hdr[10:12], sum)
	if Checksum(hdr) != 0 {
		t.Fatalf("checksum over filled header = %#04x, want 0", Checksum(hdr))
	}
}

func TestChecksumOddLength(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	sum := Checksum(data)
	// The trailing byte is padded as the high octet of a final word.
	want := ^uint16(0x0102 + 0x0300)
	if sum != want {
		t.Fatalf("odd-length checksum = %#04x, want %#04x", sum, want)
	}
}

func TestVerifyTransportChecksum(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	// Hand-build a UDP datagram and fill its checksum from the same
	// primitives the verifier uses.
	seg := make([]byte, 8+4)
	binary.BigEndian.PutUint16(seg[0:2], 1234)
	binary.BigEndian.PutUint16(seg[2:4], 5678)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[8:], "ping")

	sum := pseudoSum(src, dst, 17, len(seg))
	binary.BigEndian.PutUint16(seg[6:8], ^foldSum(onesSum(seg, sum)))

	if !VerifyTransportChecksum(src, dst, 17, seg) {
		t.Fatal("valid checksum rejected")
	}
	seg[9] ^= 0xFF
	if VerifyTransportChecksum(src, dst, 17, seg) {
		t.Fatal("corrupted datagram accepted")
	}
}
