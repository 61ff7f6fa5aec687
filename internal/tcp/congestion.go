package tcp

import "firestige.xyz/hostnet/internal/core"

// Congestion algorithm names accepted in configuration and per-connection
// options.
const (
	AlgReno  = "reno"
	AlgCubic = "cubic"
	AlgBBR   = "bbr"
)

// congestionControl is the per-connection strategy. The effective send
// window is always min(Window(), advertised receive window); the connection
// enforces that cap, the strategy only models cwnd.
type congestionControl interface {
	// Window is the current congestion window in bytes.
	Window() int
	// OnAck is called for every ACK that advances SND.UNA. rtt carries a
	// Karn-clean round-trip sample when rttOK is set.
	OnAck(now core.Ticks, acked int, rtt core.Ticks, rttOK bool)
	// OnLoss is called when loss is detected by duplicate ACKs or SACK
	// (fast retransmit). inflight is the outstanding byte count.
	OnLoss(now core.Ticks, inflight int)
	// OnRTO is called when the retransmission timer expires.
	OnRTO(now core.Ticks, inflight int)
	Name() string
}

// newCongestion selects the strategy for a connection. Unknown names fall
// back to Reno.
func newCongestion(name string, mss int, tickSeconds float64) congestionControl {
	switch name {
	case AlgCubic:
		return newCubic(mss, tickSeconds)
	case AlgBBR:
		return newBBR(mss)
	default:
		return newReno(mss)
	}
}

const (
	// initialCwndSegments is the RFC 6928 initial window.
	initialCwndSegments = 10
	// minCwndSegments is the post-loss floor (RFC 5681).
	minCwndSegments = 2
)
