package tcp

import "firestige.xyz/hostnet/internal/core"

// rttEstimator keeps the Jacobson smoothed RTT state (RFC 6298) in ticks.
// Samples from retransmitted segments are never fed in (Karn's algorithm);
// the caller enforces that.
type rttEstimator struct {
	srtt   float64
	rttvar float64
	valid  bool

	min, max core.Ticks // RTO clamp bounds
}

const (
	rttAlpha = 1.0 / 8.0
	rttBeta  = 1.0 / 4.0
)

// sample feeds one round-trip measurement.
func (r *rttEstimator) sample(m core.Ticks) {
	v := float64(m)
	if !r.valid {
		r.srtt = v
		r.rttvar = v / 2
		r.valid = true
		return
	}
	diff := r.srtt - v
	if diff < 0 {
		diff = -diff
	}
	r.rttvar = (1-rttBeta)*r.rttvar + rttBeta*diff
	r.srtt = (1-rttAlpha)*r.srtt + rttAlpha*v
}

// rto derives the base retransmission timeout: SRTT + 4*RTTVAR, clamped.
// Exponential backoff on expiry is applied by the connection, not here.
func (r *rttEstimator) rto() core.Ticks {
	if !r.valid {
		return r.max / 4 // conservative initial RTO until the first sample
	}
	v := core.Ticks(r.srtt + 4*r.rttvar)
	if v < r.min {
		v = r.min
	}
	if v > r.max {
		v = r.max
	}
	return v
}

// srttTicks exposes the smoothed RTT for congestion control (CUBIC's
// TCP-friendly estimate needs it).
func (r *rttEstimator) srttTicks() core.Ticks {
	if !r.valid {
		return 0
	}
	return core.Ticks(r.srtt)
}
