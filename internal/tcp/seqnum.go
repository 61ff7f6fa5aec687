// Package tcp implements the TCP connection engine: the RFC 793 state
// machine, reliable delivery with RTO and fast retransmit, flow control with
// window scaling and zero-window probing, and pluggable congestion control.
package tcp

// seqVal is a TCP sequence number. All comparisons are modular (RFC 793
// §3.3): a < b means b is at most 2^31 ahead of a.
type seqVal uint32

func (v seqVal) add(n uint32) seqVal { return v + seqVal(n) }

func (v seqVal) lessThan(w seqVal) bool { return int32(w-v) > 0 }

func (v seqVal) lessThanEq(w seqVal) bool { return v == w || v.lessThan(w) }

// sizeTo returns the number of bytes from v up to w.
func (v seqVal) sizeTo(w seqVal) uint32 { return uint32(w - v) }

// inWindow reports whether v lies in [first, first+size).
func (v seqVal) inWindow(first seqVal, size uint32) bool {
	return first.lessThanEq(v) && v.lessThan(first.add(size))
}

// segAcceptable implements the RFC 793 segment acceptance test for a
// segment spanning [seq, seq+segLen) against the receive window
// [rcvNxt, rcvNxt+rcvWnd).
func segAcceptable(seq seqVal, segLen uint32, rcvNxt seqVal, rcvWnd uint32) bool {
	if segLen == 0 {
		if rcvWnd == 0 {
			return seq == rcvNxt
		}
		return seq.inWindow(rcvNxt, rcvWnd)
	}
	if rcvWnd == 0 {
		return false
	}
	// Either the first or the last payload byte must be in window.
	return seq.inWindow(rcvNxt, rcvWnd) ||
		seq.add(segLen-1).inWindow(rcvNxt, rcvWnd)
}
