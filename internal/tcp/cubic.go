package tcp

import (
	"math"

	"firestige.xyz/hostnet/internal/core"
)

// cubicState implements CUBIC congestion control (RFC 8312): window growth
// is a cubic function of the time since the last congestion event, with the
// TCP-friendly region ensuring it never does worse than Reno. Windows are
// tracked in MSS units as floats, converted to bytes at the boundary.
type cubicState struct {
	mss         int
	tickSeconds float64

	cwnd     float64 // segments
	ssthresh float64 // segments

	wMax     float64 // window before the last reduction
	wLastMax float64 // wMax before that (fast convergence)
	k        float64 // seconds until the plateau is reached again
	epoch    core.Ticks
	hasEpoch bool

	beta float64
	c    float64
}

func newCubic(mss int, tickSeconds float64) *cubicState {
	return &cubicState{
		mss:         mss,
		tickSeconds: tickSeconds,
		cwnd:        initialCwndSegments,
		ssthresh:    math.MaxInt32,
		beta:        0.7,
		c:           0.4,
	}
}

func (s *cubicState) Name() string { return AlgCubic }

func (s *cubicState) Window() int { return int(s.cwnd) * s.mss }

func (s *cubicState) OnAck(now core.Ticks, acked int, rtt core.Ticks, rttOK bool) {
	segs := float64(acked) / float64(s.mss)
	if segs < 1 {
		segs = 1
	}
	if s.cwnd < s.ssthresh {
		// Slow start, without crossing into congestion avoidance.
		s.cwnd += segs
		if s.cwnd >= s.ssthresh {
			s.cwnd = s.ssthresh
			s.enterAvoidance(now)
		}
		return
	}
	if !s.hasEpoch {
		s.enterAvoidance(now)
	}
	s.cwnd = s.avoidanceWindow(now, segs, rtt, rttOK)
}

// enterAvoidance starts a growth epoch when ssthresh is crossed without a
// congestion event (RFC 8312 §4.8).
func (s *cubicState) enterAvoidance(now core.Ticks) {
	s.epoch = now
	s.hasEpoch = true
	s.k = 0
	s.wLastMax = s.wMax
	s.wMax = s.cwnd
}

// cubicWindow evaluates W(t) = C*(t-K)^3 + Wmax.
func (s *cubicState) cubicWindow(t float64) float64 {
	d := t - s.k
	return s.c*d*d*d + s.wMax
}

func (s *cubicState) avoidanceWindow(now core.Ticks, segs float64, rtt core.Ticks, rttOK bool) float64 {
	elapsed := float64(now-s.epoch) * s.tickSeconds
	wC := s.cubicWindow(elapsed)

	srtt := float64(rtt) * s.tickSeconds
	if !rttOK || srtt <= 0 {
		// No usable RTT yet; grow toward the cubic target directly.
		if wC > s.cwnd {
			return s.cwnd + (wC-s.cwnd)/s.cwnd*segs
		}
		return s.cwnd
	}

	// TCP-friendly window estimate (RFC 8312 §4.2).
	wEst := s.wMax*s.beta + (3.0*(1.0-s.beta)/(1.0+s.beta))*(elapsed/srtt)
	if wC < wEst && s.cwnd < wEst {
		return wEst
	}

	// Concave/convex region: approach the window CUBIC predicts one RTT
	// ahead, a (wTarget - cwnd)/cwnd increment per acked segment.
	wTarget := s.cubicWindow(elapsed + srtt)
	cwnd := s.cwnd
	for i := 0.0; i < segs; i++ {
		cwnd += (wTarget - cwnd) / cwnd
	}
	return cwnd
}

func (s *cubicState) OnLoss(now core.Ticks, _ int) {
	s.reduce(now)
	s.cwnd = s.ssthresh
}

func (s *cubicState) OnRTO(now core.Ticks, _ int) {
	s.reduce(now)
	s.cwnd = 1
	s.hasEpoch = false
}

// reduce records the congestion event: fast convergence (RFC 8312 §4.6)
// followed by the multiplicative ssthresh cut (§4.7).
func (s *cubicState) reduce(now core.Ticks) {
	s.epoch = now
	s.hasEpoch = true
	if s.cwnd < s.wLastMax {
		s.wLastMax = s.cwnd
		s.wMax = s.cwnd * (1.0 + s.beta) / 2.0
	} else {
		s.wLastMax = s.wMax
		s.wMax = s.cwnd
	}
	s.k = math.Cbrt(s.wMax * (1 - s.beta) / s.c)
	s.ssthresh = math.Max(s.cwnd*s.beta, minCwndSegments)
}
