package tcp

import (
	"testing"

	"firestige.xyz/hostnet/internal/core"
)

const testMSS = 1460

func TestRenoSlowStartAndAvoidance(t *testing.T) {
	r := newReno(testMSS)
	if r.Window() != initialCwndSegments*testMSS {
		t.Fatalf("expected initial window %d, got %d", initialCwndSegments*testMSS, r.Window())
	}

	// Slow start: one MSS per full-MSS ACK.
	r.OnAck(0, testMSS, 1, true)
	if r.Window() != (initialCwndSegments+1)*testMSS {
		t.Fatalf("slow start must grow by one MSS, got %d", r.Window())
	}

	// Loss halves to the inflight-based threshold.
	r.OnLoss(0, 20*testMSS)
	if r.Window() != 10*testMSS {
		t.Fatalf("expected cwnd 10*MSS after loss, got %d", r.Window())
	}

	// Now in congestion avoidance: sub-MSS growth per ACK.
	before := r.Window()
	r.OnAck(0, testMSS, 1, true)
	growth := r.Window() - before
	if growth <= 0 || growth >= testMSS {
		t.Fatalf("avoidance growth must be sub-MSS, got %d", growth)
	}
}

func TestRenoFloorAndRTOCollapse(t *testing.T) {
	r := newReno(testMSS)

	// Tiny inflight still floors at two segments.
	r.OnLoss(0, 100)
	if r.Window() != minCwndSegments*testMSS {
		t.Fatalf("expected floor %d, got %d", minCwndSegments*testMSS, r.Window())
	}

	r.OnRTO(0, 100)
	if r.Window() != testMSS {
		t.Fatalf("RTO must collapse to one MSS, got %d", r.Window())
	}
}

func TestCubicReductionAndRegrowth(t *testing.T) {
	c := newCubic(testMSS, 0.01)
	initial := c.Window()

	c.OnLoss(100, 0)
	reduced := c.Window()
	if reduced >= initial {
		t.Fatalf("loss must reduce the window: %d -> %d", initial, reduced)
	}

	// ACKs after the reduction grow the window back along the cubic curve.
	w := reduced
	grew := false
	for now := core.Ticks(101); now < core.Ticks(2000); now += 10 {
		c.OnAck(now, testMSS, 2, true)
		if c.Window() > w {
			grew = true
			w = c.Window()
		}
	}
	if !grew {
		t.Fatal("window must regrow after the loss epoch")
	}
	if w <= reduced {
		t.Fatalf("expected regrowth beyond %d, got %d", reduced, w)
	}
}

func TestCubicRTOCollapsesToOneSegment(t *testing.T) {
	c := newCubic(testMSS, 0.01)
	c.OnRTO(50, 0)
	if c.Window() != testMSS {
		t.Fatalf("RTO must collapse to one MSS, got %d", c.Window())
	}
}

func TestBBRModelWindow(t *testing.T) {
	b := newBBR(testMSS)
	if b.Window() != initialCwndSegments*testMSS {
		t.Fatalf("startup window must match the initial window, got %d", b.Window())
	}

	// Feed a steady delivery rate: 2 MSS per tick, RTT of 5 ticks.
	for now := core.Ticks(1); now <= core.Ticks(50); now++ {
		b.OnAck(now, 2*testMSS, 5, true)
	}
	if b.btlBw == 0 || b.rtProp != 5 {
		t.Fatalf("model must be populated: bw=%f rtprop=%d", b.btlBw, b.rtProp)
	}
	// BDP = 2*MSS/tick * 5 ticks = 10 MSS; the window is gain-scaled above
	// that.
	if b.Window() < 10*testMSS {
		t.Fatalf("window must cover the BDP, got %d", b.Window())
	}

	// Loss does not touch the model.
	w := b.Window()
	b.OnLoss(51, 0)
	if b.Window() != w {
		t.Fatal("loss must not collapse the model window")
	}

	// RTO rebuilds from scratch.
	b.OnRTO(52, 0)
	if b.btlBw != 0 || b.rtProp != 0 {
		t.Fatal("RTO must reset the model")
	}
}

func TestCongestionFactoryFallsBackToReno(t *testing.T) {
	if cc := newCongestion("vegas", testMSS, 0.01); cc.Name() != AlgReno {
		t.Fatalf("unknown algorithm must fall back to reno, got %s", cc.Name())
	}
	if cc := newCongestion(AlgCubic, testMSS, 0.01); cc.Name() != AlgCubic {
		t.Fatalf("expected cubic, got %s", cc.Name())
	}
	if cc := newCongestion(AlgBBR, testMSS, 0.01); cc.Name() != AlgBBR {
		t.Fatalf("expected bbr, got %s", cc.Name())
	}
}
