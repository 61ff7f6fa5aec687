package tcp

import "firestige.xyz/hostnet/internal/core"

// bbrState implements a model-based congestion window in the BBR style:
// the window is a gain applied to the estimated bandwidth-delay product,
// where bottleneck bandwidth is a windowed maximum of delivery-rate samples
// and rtProp a windowed minimum of RTT samples. The stack has no sub-tick
// pacing timer, so pacing is expressed purely through the window; loss only
// refreshes the model, it does not collapse the window the way loss-based
// algorithms do.
type bbrState struct {
	mss int

	btlBw    float64    // bytes per tick, windowed max
	btlBwAt  core.Ticks // when the max was observed
	rtProp   core.Ticks // windowed min RTT
	rtPropAt core.Ticks

	// probe gain cycle: one high-gain tick window probing for bandwidth,
	// then drain, then cruise.
	gainIdx     int
	gainCycleAt core.Ticks

	delivered   int        // bytes acked since the last sample cut
	deliveredAt core.Ticks // start of the current sample interval
}

const (
	bbrBwWindow     = core.Ticks(1000) // ticks the bandwidth max is trusted for
	bbrRtPropWindow = core.Ticks(1000)
	bbrCycleLen     = core.Ticks(8)
)

var bbrGainCycle = []float64{1.25, 0.75, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0}

func newBBR(mss int) *bbrState {
	return &bbrState{mss: mss}
}

func (b *bbrState) Name() string { return AlgBBR }

func (b *bbrState) Window() int {
	if b.btlBw == 0 || b.rtProp == 0 {
		// Startup: no model yet, behave like a slow-start window.
		return initialCwndSegments * b.mss
	}
	bdp := b.btlBw * float64(b.rtProp)
	w := int(bdp * bbrGainCycle[b.gainIdx] * 2) // cwnd_gain of 2 over the BDP
	if floor := 4 * b.mss; w < floor {
		w = floor
	}
	return w
}

func (b *bbrState) OnAck(now core.Ticks, acked int, rtt core.Ticks, rttOK bool) {
	if rttOK && rtt > 0 {
		if b.rtProp == 0 || rtt <= b.rtProp || now-b.rtPropAt > bbrRtPropWindow {
			b.rtProp = rtt
			b.rtPropAt = now
		}
	}

	// Delivery-rate sample: bytes acked over the elapsed interval.
	b.delivered += acked
	if elapsed := now - b.deliveredAt; elapsed > 0 {
		bw := float64(b.delivered) / float64(elapsed)
		if bw >= b.btlBw || now-b.btlBwAt > bbrBwWindow {
			b.btlBw = bw
			b.btlBwAt = now
		}
		b.delivered = 0
		b.deliveredAt = now
	}

	if now-b.gainCycleAt >= bbrCycleLen {
		b.gainIdx = (b.gainIdx + 1) % len(bbrGainCycle)
		b.gainCycleAt = now
	}
}

func (b *bbrState) OnLoss(core.Ticks, int) {
	// Loss is not a primary congestion signal for the model.
}

func (b *bbrState) OnRTO(now core.Ticks, _ int) {
	// A full timeout invalidates the model; rebuild from scratch.
	b.btlBw = 0
	b.rtProp = 0
	b.delivered = 0
	b.deliveredAt = now
	b.gainIdx = 0
	b.gainCycleAt = now
}
