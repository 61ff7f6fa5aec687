package ip

import "net/netip"

// onesSum accumulates 16-bit big-endian words into a ones-complement sum.
func onesSum(data []byte, sum uint32) uint32 {
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)&1 != 0 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

func foldSum(sum uint32) uint16 {
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return uint16(sum)
}

// Checksum computes the RFC 1071 internet checksum of data. Over a buffer
// that already contains a correct checksum field the result is zero, which
// is how receive-side validation uses it.
func Checksum(data []byte) uint16 {
	return ^foldSum(onesSum(data, 0))
}

// pseudoSum is the IPv4 pseudo-header contribution for transport checksums.
func pseudoSum(src, dst netip.Addr, proto uint8, length int) uint32 {
	s := src.As4()
	d := dst.As4()
	var sum uint32
	sum = onesSum(s[:], sum)
	sum = onesSum(d[:], sum)
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// VerifyTransportChecksum validates a TCP or UDP checksum over the
// pseudo-header plus the full segment bytes.
func VerifyTransportChecksum(src, dst netip.Addr, proto uint8, segment []byte) bool {
	sum := pseudoSum(src, dst, proto, len(segment))
	return ^foldSum(onesSum(segment, sum)) == 0
}
