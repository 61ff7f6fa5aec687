package tcp

import (
	"math"

	"firestige.xyz/hostnet/internal/core"
)

// renoState implements classic Reno congestion control (RFC 5681): slow
// start up to ssthresh, additive increase past it, multiplicative decrease
// on loss, window collapse on RTO.
type renoState struct {
	mss      int
	cwnd     int // bytes
	ssthresh int // bytes
}

func newReno(mss int) *renoState {
	return &renoState{
		mss:      mss,
		cwnd:     initialCwndSegments * mss,
		ssthresh: math.MaxInt32,
	}
}

func (r *renoState) Name() string { return AlgReno }

func (r *renoState) Window() int { return r.cwnd }

func (r *renoState) OnAck(_ core.Ticks, acked int, _ core.Ticks, _ bool) {
	if r.cwnd < r.ssthresh {
		// Slow start: grow by the acked bytes, at most one MSS per ACK.
		grow := acked
		if grow > r.mss {
			grow = r.mss
		}
		r.cwnd += grow
		if r.cwnd > r.ssthresh {
			r.cwnd = r.ssthresh
		}
		return
	}
	// Congestion avoidance: ~one MSS per RTT.
	inc := r.mss * r.mss / r.cwnd
	if inc == 0 {
		inc = 1
	}
	r.cwnd += inc
}

func (r *renoState) OnLoss(_ core.Ticks, inflight int) {
	r.ssthresh = r.halve(inflight)
	r.cwnd = r.ssthresh
}

func (r *renoState) OnRTO(_ core.Ticks, inflight int) {
	r.ssthresh = r.halve(inflight)
	// RFC 5681 page 7: back to one segment regardless of the initial
	// window.
	r.cwnd = r.mss
}

func (r *renoState) halve(inflight int) int {
	half := inflight / 2
	if floor := minCwndSegments * r.mss; half < floor {
		half = floor
	}
	return half
}
