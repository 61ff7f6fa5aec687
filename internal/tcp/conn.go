package tcp

import (
	"encoding/binary"

	"github.com/google/btree"

	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/metrics"
)

// State is the RFC 793 connection state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	"CLOSED", "LISTEN", "SYN_SENT", "SYN_RECEIVED", "ESTABLISHED",
	"FIN_WAIT_1", "FIN_WAIT_2", "CLOSE_WAIT", "CLOSING", "LAST_ACK",
	"TIME_WAIT",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Conn is one TCP connection. All methods run on the stack's tick
// goroutine; nothing here is safe for concurrent use.
type Conn struct {
	eng   *Engine
	tuple core.FourTuple
	state State

	iss, irs       seqVal
	sndUna, sndNxt seqVal
	sndWnd         uint32
	sndWL1, sndWL2 seqVal
	rcvNxt         seqVal

	mss            int
	wsOurs, wsPeer uint8
	wsOK           bool
	sackOK         bool
	tsOK           bool
	tsRecent       uint32
	nagle          bool

	sndBuf     []byte
	rtxQ       []*sentSeg
	finPending bool
	finSent    bool
	finSeq     seqVal

	rcvBuf      []byte
	ooo         *btree.BTreeG[oooSeg]
	peerFinSeen bool

	sb  *scoreboard
	cc  congestionControl
	rtt rttEstimator

	rtoDeadline     core.Ticks
	rtoBackoff      uint
	persistDeadline core.Ticks
	persistIval     core.Ticks
	keepDeadline    core.Ticks
	keepProbes      int
	twDeadline      core.Ticks
	synRetries      int

	dupAcks      int
	fastRecovery bool
	recoverEnd   seqVal

	lastAdvWnd uint32
	err        error
	listener   *Listener
}

// Tuple returns the connection's four-tuple.
func (c *Conn) Tuple() core.FourTuple { return c.tuple }

// State returns the current FSM state.
func (c *Conn) State() State { return c.state }

// Err returns the terminal error once the connection has failed, nil
// otherwise.
func (c *Conn) Err() error { return c.err }

func (c *Conn) setState(s State) {
	if s == c.state {
		return
	}
	metrics.TcpConnections.WithLabelValues(c.state.String()).Dec()
	metrics.TcpConnections.WithLabelValues(s.String()).Inc()
	old := c.state
	c.state = s
	c.eng.logger.Debug("state transition",
		"conn", c.tuple.String(), "from", old.String(), "to", s.String())
	if s == StateEstablished && c.listener != nil {
		c.listener.deliver(c)
		c.listener = nil
	}
}

func (c *Conn) inflight() int { return int(c.sndUna.sizeTo(c.sndNxt)) }

// rcvWnd is the receive window in bytes: free space in the receive buffer,
// capped at what the negotiated shift can express.
func (c *Conn) rcvWnd() uint32 {
	free := c.eng.cfg.RecvBufferSize - len(c.rcvBuf)
	if free < 0 {
		free = 0
	}
	limit := uint32(0xFFFF) << c.wsOurs
	if uint32(free) > limit {
		return limit
	}
	return uint32(free)
}

// advertisedWindow is the on-wire window field: rcvWnd shifted down by our
// scale. SYN segments carry the unscaled value.
func (c *Conn) advertisedWindow(syn bool) uint16 {
	w := c.rcvWnd()
	if !syn {
		w >>= c.wsOurs
	}
	if w > 0xFFFF {
		w = 0xFFFF
	}
	return uint16(w)
}

// peerWindow applies the peer's scale to a raw window field. Scaling never
// applies to SYN segments.
func (c *Conn) peerWindow(s *segment) uint32 {
	if s.flags.has(flagSYN) {
		return uint32(s.wnd)
	}
	return uint32(s.wnd) << c.wsPeer
}

// --- application surface -------------------------------------------------

// Send appends data to the send buffer and pushes out what the windows
// allow. Never blocks; a full buffer returns ErrSendBufferFull with the
// number of bytes that did fit.
func (c *Conn) Send(data []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	switch c.state {
	case StateEstablished, StateCloseWait:
	case StateSynSent, StateSynReceived:
		// Buffered until the handshake completes.
	default:
		return 0, core.ErrConnClosed
	}
	room := c.eng.cfg.SendBufferSize - len(c.sndBuf)
	if room <= 0 {
		return 0, core.ErrSendBufferFull
	}
	n := len(data)
	if n > room {
		n = room
	}
	c.sndBuf = append(c.sndBuf, data[:n]...)
	c.output(c.eng.now)
	if n < len(data) {
		return n, core.ErrSendBufferFull
	}
	return n, nil
}

// Recv copies received in-order data into buf. Returns 0, nil when nothing
// is pending, and 0, ErrConnClosed once the peer's FIN has been consumed.
func (c *Conn) Recv(buf []byte) (int, error) {
	if len(c.rcvBuf) == 0 {
		if c.peerFinSeen {
			return 0, core.ErrConnClosed
		}
		if c.err != nil {
			return 0, c.err
		}
		return 0, nil
	}
	n := copy(buf, c.rcvBuf)
	c.rcvBuf = c.rcvBuf[n:]
	// Reading may reopen a window we advertised as zero; announce it so the
	// peer can stop probing and resume.
	if c.lastAdvWnd == 0 && c.rcvWnd() > 0 {
		c.sendACK()
	}
	return n, nil
}

// Close starts an orderly shutdown: pending data is still delivered, then a
// FIN goes out. Receiving stays possible until the peer's FIN.
func (c *Conn) Close() error {
	switch c.state {
	case StateClosed:
		c.eng.remove(c)
		return nil
	case StateSynSent:
		c.fail(core.ErrConnClosed)
		c.eng.remove(c)
		return nil
	case StateEstablished, StateSynReceived:
		c.finPending = true
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.finPending = true
		c.setState(StateLastAck)
	case StateFinWait1, StateFinWait2, StateClosing, StateLastAck, StateTimeWait:
		return nil
	}
	c.output(c.eng.now)
	return nil
}

// Abort resets the connection immediately, discarding queued data.
func (c *Conn) Abort() {
	switch c.state {
	case StateSynReceived, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.sendRST(c.sndNxt)
	}
	c.fail(core.ErrConnReset)
	c.eng.remove(c)
}

// fail records the terminal error and parks the connection in CLOSED. The
// socket layer observes the error via Err and releases the conn with Close.
func (c *Conn) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.sndBuf = nil
	c.rtxQ = nil
	c.rtoDeadline, c.persistDeadline, c.keepDeadline, c.twDeadline = 0, 0, 0, 0
	c.setState(StateClosed)
}

// --- segment input -------------------------------------------------------

func (c *Conn) handleSegment(now core.Ticks, seg *segment) {
	c.keepProbes = 0
	c.armKeepalive(now)

	switch c.state {
	case StateClosed:
		if !seg.flags.has(flagRST) {
			c.eng.sendRSTFor(c.tuple, seg)
		}
		return
	case StateSynSent:
		c.handleSynSent(now, seg)
		return
	}

	// RFC 793 first check: segment acceptance against the receive window.
	if !segAcceptable(seg.seq, seg.seqLen(), c.rcvNxt, c.rcvWnd()) {
		if c.state == StateTimeWait && seg.flags.has(flagFIN) {
			// A retransmitted FIN is re-acknowledged, but the 2*MSL clock
			// keeps running from the original entry.
			c.sendACK()
			return
		}
		if !seg.flags.has(flagRST) {
			c.sendACK()
		}
		metrics.DropsTotal.WithLabelValues("tcp", "out_of_window").Inc()
		return
	}

	// Second check: RST terminates everything.
	if seg.flags.has(flagRST) {
		metrics.TcpResetsTotal.WithLabelValues("rx").Inc()
		if c.state == StateSynReceived && c.listener != nil {
			// Passive open aborted before accept: vanish quietly.
			c.eng.remove(c)
			return
		}
		c.fail(core.ErrConnReset)
		return
	}

	// Fourth check: a SYN inside the window is fatal.
	if seg.flags.has(flagSYN) {
		c.sendRST(c.sndNxt)
		c.fail(core.ErrConnReset)
		return
	}

	// Fifth check: everything past the handshake requires ACK.
	if !seg.flags.has(flagACK) {
		return
	}

	if c.state == StateSynReceived {
		if c.sndUna.lessThanEq(seg.ack) && seg.ack.lessThanEq(c.sndNxt) {
			c.sndWnd = c.peerWindow(seg)
			c.sndWL1 = seg.seq
			c.sndWL2 = seg.ack
			c.setState(StateEstablished)
		} else {
			c.eng.sendRSTFor(c.tuple, seg)
			return
		}
	}

	c.processAck(now, seg)
	if c.state == StateClosed {
		return
	}

	if len(seg.payload) > 0 {
		switch c.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			c.processPayload(seg)
		}
	}

	if seg.flags.has(flagFIN) {
		c.processFIN(now, seg)
	}

	c.output(now)
}

func (c *Conn) handleSynSent(now core.Ticks, seg *segment) {
	ackOK := false
	if seg.flags.has(flagACK) {
		if seg.ack.lessThanEq(c.iss) || c.sndNxt.lessThan(seg.ack) {
			if !seg.flags.has(flagRST) {
				c.eng.sendRSTFor(c.tuple, seg)
			}
			return
		}
		ackOK = true
	}
	if seg.flags.has(flagRST) {
		if ackOK {
			metrics.TcpResetsTotal.WithLabelValues("rx").Inc()
			c.fail(core.ErrConnReset)
		}
		return
	}
	if !seg.flags.has(flagSYN) {
		return
	}

	c.irs = seg.seq
	c.rcvNxt = seg.seq.add(1)
	c.negotiateOptions(seg)

	if ackOK {
		if rtt, ok := c.retireAcked(now, seg.ack); ok {
			c.rtt.sample(rtt)
		}
		c.sndUna = seg.ack
		c.sndWnd = c.peerWindow(seg)
		c.sndWL1 = seg.seq
		c.sndWL2 = seg.ack
		c.rtoDeadline = 0
		c.rtoBackoff = 0
		c.setState(StateEstablished)
		c.sendACK()
		c.armKeepalive(now)
		c.output(now)
		return
	}

	// Simultaneous open: answer SYN with SYN-ACK and wait for their ACK.
	c.setState(StateSynReceived)
	c.rtxQ = nil
	c.sndNxt = c.iss
	c.sendSYN(now, true)
}

// negotiateOptions applies the peer's SYN options. Options on any later
// segment are ignored except timestamps.
func (c *Conn) negotiateOptions(seg *segment) {
	if seg.hasMSS {
		m := int(seg.mss)
		if m < c.mss {
			c.mss = m
		}
	}
	if seg.hasWS && c.eng.cfg.WindowScale > 0 {
		c.wsOK = true
		c.wsPeer = seg.wscale
		c.wsOurs = c.eng.cfg.WindowScale
	} else {
		c.wsOurs = 0
	}
	c.sackOK = c.sackOK && seg.sackPermitted
	c.tsOK = c.tsOK && seg.hasTS
	if c.tsOK {
		c.tsRecent = seg.tsVal
	}
}

func (c *Conn) processAck(now core.Ticks, seg *segment) {
	ack := seg.ack

	if c.tsOK && seg.hasTS {
		c.tsRecent = seg.tsVal
	}
	if c.sackOK {
		for _, b := range seg.sacks {
			c.sb.insert(b)
		}
	}

	switch {
	case c.sndUna.lessThan(ack) && ack.lessThanEq(c.sndNxt):
		acked := int(c.sndUna.sizeTo(ack))
		rtt, rttOK := c.retireAcked(now, ack)
		c.sndUna = ack
		c.sb.removeBelow(ack)
		c.dupAcks = 0
		c.rtoBackoff = 0
		if len(c.rtxQ) == 0 {
			c.rtoDeadline = 0
		} else {
			c.rtoDeadline = now + c.rtt.rto()
		}
		if rttOK {
			c.rtt.sample(rtt)
		}
		c.cc.OnAck(now, acked, rtt, rttOK)
		if c.fastRecovery && c.recoverEnd.lessThanEq(c.sndUna) {
			c.fastRecovery = false
		}

	case ack == c.sndUna:
		if c.isDupAck(seg) {
			c.dupAcks++
			if c.dupAcks >= 3 {
				c.dupAcks = 0
				c.fastRetransmit(now)
			}
		}

	case c.sndNxt.lessThan(ack):
		// ACK for data never sent: re-synchronize the peer.
		c.sendACK()
		return
	}

	// Window update (RFC 793 SND.WL1/WL2 rule).
	if c.sndWL1.lessThan(seg.seq) ||
		(c.sndWL1 == seg.seq && c.sndWL2.lessThanEq(ack)) {
		c.sndWnd = c.peerWindow(seg)
		c.sndWL1 = seg.seq
		c.sndWL2 = ack
		if c.sndWnd > 0 && c.persistDeadline != 0 {
			c.persistDeadline = 0
			c.persistIval = 0
			if len(c.rtxQ) > 0 && c.rtoDeadline == 0 {
				c.rtoDeadline = c.eng.now + c.rtt.rto()
			}
		}
	}
}

// isDupAck applies the RFC 5681 duplicate ACK test: no payload, no window
// change, outstanding data, and an ACK that does not advance.
func (c *Conn) isDupAck(seg *segment) bool {
	return len(seg.payload) == 0 &&
		!seg.flags.has(flagSYN) && !seg.flags.has(flagFIN) &&
		len(c.rtxQ) > 0 &&
		c.peerWindow(seg) == c.sndWnd
}

// retireAcked removes fully acknowledged segments from the retransmission
// queue and returns a Karn-clean RTT sample if one is available.
func (c *Conn) retireAcked(now core.Ticks, ack seqVal) (core.Ticks, bool) {
	var rtt core.Ticks
	rttOK := false
	for len(c.rtxQ) > 0 && c.rtxQ[0].end().lessThanEq(ack) {
		sg := c.rtxQ[0]
		if !sg.rexmit && !rttOK {
			rtt = now - sg.sentAt
			rttOK = true
		}
		if sg.fin {
			c.finAcked(now)
		}
		c.rtxQ = c.rtxQ[1:]
	}
	return rtt, rttOK
}

func (c *Conn) finAcked(now core.Ticks) {
	switch c.state {
	case StateFinWait1:
		c.setState(StateFinWait2)
	case StateClosing:
		c.enterTimeWait(now)
	case StateLastAck:
		c.setState(StateClosed)
		c.eng.remove(c)
	}
}

func (c *Conn) fastRetransmit(now core.Ticks) {
	sg := c.firstUnsacked()
	if sg == nil {
		return
	}
	trigger := "fast"
	if c.sackOK && !c.sb.empty() {
		trigger = "sack"
	}
	metrics.TcpRetransmitsTotal.WithLabelValues(trigger).Inc()
	// The window is cut once per recovery episode (RFC 6582): further
	// duplicate-ACK volleys before recoverEnd is acked only retransmit.
	if !c.fastRecovery {
		c.cc.OnLoss(now, c.inflight())
		c.fastRecovery = true
		c.recoverEnd = c.sndNxt
	}
	sg.rexmit = true
	sg.sentAt = now
	c.transmitSeg(sg)
	if c.rtoDeadline != 0 {
		c.rtoDeadline = now + c.rtt.rto()
	}
}

// firstUnsacked returns the earliest retransmittable segment the peer has
// not selectively acknowledged.
func (c *Conn) firstUnsacked() *sentSeg {
	for _, sg := range c.rtxQ {
		if c.sackOK && c.sb.covered(sg.seq, sg.end()) {
			continue
		}
		return sg
	}
	return nil
}

func (c *Conn) processPayload(seg *segment) {
	data := seg.payload
	seq := seg.seq

	// Trim the part already delivered; retransmitted overlap must not be
	// handed to the application twice.
	if seq.lessThan(c.rcvNxt) {
		skip := seq.sizeTo(c.rcvNxt)
		if skip >= uint32(len(data)) {
			c.sendACK()
			return
		}
		data = data[skip:]
		seq = c.rcvNxt
	}

	// Trim the tail to the window.
	if avail := c.rcvNxt.add(c.rcvWnd()); avail.lessThan(seq.add(uint32(len(data)))) {
		data = data[:seq.sizeTo(avail)]
	}
	if len(data) == 0 {
		c.sendACK()
		return
	}

	if seq != c.rcvNxt {
		// Out of order: duplicate-ACK immediately so the sender's loss
		// detection gets its signal. The bytes are held for the gap fill
		// only under SACK; without it the sender retransmits from the hole
		// and redelivers them in order.
		if c.sackOK {
			buf := make([]byte, len(data))
			copy(buf, data)
			c.ooo.ReplaceOrInsert(oooSeg{start: seq, data: buf})
		}
		c.sendACK()
		return
	}

	c.rcvBuf = append(c.rcvBuf, data...)
	c.rcvNxt = c.rcvNxt.add(uint32(len(data)))
	c.drainOOO()
	c.sendACK()
}

// drainOOO appends any buffered out-of-order segments now contiguous with
// rcvNxt.
func (c *Conn) drainOOO() {
	for {
		var next oooSeg
		found := false
		c.ooo.Ascend(func(x oooSeg) bool {
			next = x
			found = true
			return false
		})
		if !found {
			return
		}
		end := next.start.add(uint32(len(next.data)))
		if c.rcvNxt.lessThan(next.start) {
			return
		}
		c.ooo.Delete(next)
		if end.lessThanEq(c.rcvNxt) {
			continue // entirely stale
		}
		data := next.data[next.start.sizeTo(c.rcvNxt):]
		c.rcvBuf = append(c.rcvBuf, data...)
		c.rcvNxt = end
	}
}

func (c *Conn) processFIN(now core.Ticks, seg *segment) {
	finSeq := seg.seq.add(uint32(len(seg.payload)))
	if finSeq != c.rcvNxt {
		// FIN beyond a hole; it will be redelivered after the gap fills.
		return
	}
	c.rcvNxt = c.rcvNxt.add(1)
	c.peerFinSeen = true
	c.sendACK()

	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		if c.finSent && len(c.rtxQ) == 0 {
			c.enterTimeWait(now)
		} else {
			c.setState(StateClosing)
		}
	case StateFinWait2:
		c.enterTimeWait(now)
	}
}

func (c *Conn) enterTimeWait(now core.Ticks) {
	c.setState(StateTimeWait)
	c.twDeadline = now + 2*c.eng.cfg.MSL
	c.rtoDeadline = 0
	c.persistDeadline = 0
	c.keepDeadline = 0
}

// --- segment output ------------------------------------------------------

// output transmits as much pending data as the congestion and flow windows
// allow, then the FIN once the buffer drains.
func (c *Conn) output(now core.Ticks) {
	switch c.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
	default:
		return
	}

	for len(c.sndBuf) > 0 {
		wnd := c.sndWnd
		if cw := uint32(c.cc.Window()); cw < wnd {
			wnd = cw
		}
		inflight := uint32(c.inflight())
		if inflight >= wnd {
			break
		}
		usable := wnd - inflight
		n := len(c.sndBuf)
		if n > c.mss {
			n = c.mss
		}
		if uint32(n) > usable {
			n = int(usable)
		}
		if n == 0 {
			break
		}
		// Nagle: hold sub-MSS segments while data is outstanding.
		if c.nagle && n < c.mss && len(c.rtxQ) > 0 {
			break
		}
		payload := make([]byte, n)
		copy(payload, c.sndBuf[:n])
		c.sndBuf = c.sndBuf[n:]
		sg := &sentSeg{seq: c.sndNxt, payload: payload, sentAt: now}
		c.rtxQ = append(c.rtxQ, sg)
		c.sndNxt = c.sndNxt.add(uint32(n))
		c.transmitSeg(sg)
	}

	if c.finPending && !c.finSent && len(c.sndBuf) == 0 {
		sg := &sentSeg{seq: c.sndNxt, fin: true, sentAt: now}
		c.rtxQ = append(c.rtxQ, sg)
		c.finSeq = c.sndNxt
		c.sndNxt = c.sndNxt.add(1)
		c.finSent = true
		c.transmitSeg(sg)
	}

	if len(c.rtxQ) > 0 {
		if c.rtoDeadline == 0 && c.persistDeadline == 0 {
			c.rtoDeadline = now + c.rtt.rto()
		}
	} else if c.sndWnd == 0 && (len(c.sndBuf) > 0 || c.finPending) {
		// Zero window with nothing in flight: the persist timer takes over
		// from the retransmission timer.
		c.armPersist(now)
	}
}

func (c *Conn) armPersist(now core.Ticks) {
	if c.persistDeadline != 0 {
		return
	}
	c.persistIval = c.rtt.rto()
	c.persistDeadline = now + c.persistIval
	c.rtoDeadline = 0
}

func (c *Conn) armKeepalive(now core.Ticks) {
	if c.eng.cfg.KeepaliveIdle == 0 || c.state != StateEstablished {
		return
	}
	c.keepDeadline = now + c.eng.cfg.KeepaliveIdle
}

// --- timers --------------------------------------------------------------

func (c *Conn) tick(now core.Ticks) {
	if c.twDeadline != 0 && now >= c.twDeadline {
		c.setState(StateClosed)
		c.eng.remove(c)
		return
	}
	if c.rtoDeadline != 0 && now >= c.rtoDeadline {
		c.onRTO(now)
	}
	if c.persistDeadline != 0 && now >= c.persistDeadline {
		c.onPersist(now)
	}
	if c.keepDeadline != 0 && now >= c.keepDeadline {
		c.onKeepalive(now)
	}
}

func (c *Conn) onRTO(now core.Ticks) {
	if c.state == StateSynSent || c.state == StateSynReceived {
		c.synRetries++
		if c.synRetries > c.eng.cfg.SynRetries {
			c.fail(core.ErrConnTimeout)
			return
		}
		c.sendSYN(now, c.state == StateSynReceived)
		c.backoffRTO(now)
		return
	}
	if len(c.rtxQ) == 0 {
		c.rtoDeadline = 0
		return
	}
	sg := c.rtxQ[0]
	sg.rexmit = true
	sg.sentAt = now
	metrics.TcpRetransmitsTotal.WithLabelValues("rto").Inc()
	c.cc.OnRTO(now, c.inflight())
	c.fastRecovery = false
	c.dupAcks = 0
	c.transmitSeg(sg)
	c.backoffRTO(now)
}

// backoffRTO doubles the timeout on each consecutive expiry, capped at the
// configured maximum.
func (c *Conn) backoffRTO(now core.Ticks) {
	c.rtoBackoff++
	rto := c.rtt.rto() << c.rtoBackoff
	if rto > c.eng.cfg.RTOMax || rto < c.rtt.rto() {
		rto = c.eng.cfg.RTOMax
	}
	c.rtoDeadline = now + rto
}

func (c *Conn) onPersist(now core.Ticks) {
	if c.sndWnd > 0 {
		c.persistDeadline = 0
		c.persistIval = 0
		c.output(now)
		return
	}
	metrics.TcpPersistProbesTotal.Inc()
	switch {
	case len(c.rtxQ) > 0:
		// The previous probe byte is still unacknowledged; probe with it
		// again.
		sg := c.rtxQ[0]
		sg.rexmit = true
		sg.sentAt = now
		c.transmitSeg(sg)
	case len(c.sndBuf) > 0:
		// Force one byte past the closed window. The peer answers with an
		// ACK carrying its current window either way.
		payload := []byte{c.sndBuf[0]}
		c.sndBuf = c.sndBuf[1:]
		sg := &sentSeg{seq: c.sndNxt, payload: payload, sentAt: now}
		c.rtxQ = append(c.rtxQ, sg)
		c.sndNxt = c.sndNxt.add(1)
		c.transmitSeg(sg)
	case c.finPending && !c.finSent:
		sg := &sentSeg{seq: c.sndNxt, fin: true, sentAt: now}
		c.rtxQ = append(c.rtxQ, sg)
		c.finSeq = c.sndNxt
		c.sndNxt = c.sndNxt.add(1)
		c.finSent = true
		c.transmitSeg(sg)
	default:
		c.persistDeadline = 0
		return
	}
	c.persistIval *= 2
	if lim := c.eng.cfg.RTOMax; c.persistIval > lim {
		c.persistIval = lim
	}
	c.persistDeadline = now + c.persistIval
}

func (c *Conn) onKeepalive(now core.Ticks) {
	if c.state != StateEstablished || c.eng.cfg.KeepaliveIdle == 0 {
		c.keepDeadline = 0
		return
	}
	c.keepProbes++
	if c.keepProbes > c.eng.cfg.KeepaliveProbes {
		c.sendRST(c.sndNxt)
		c.fail(core.ErrConnTimeout)
		return
	}
	// A probe one byte before SND.UNA is outside the peer's window and
	// provokes an immediate ACK without carrying data.
	c.sendControl(c.sndUna.add(^uint32(0)), c.rcvNxt, flagACK, nil)
	c.keepDeadline = now + c.eng.cfg.KeepaliveInterval
}

// --- wire helpers --------------------------------------------------------

func (c *Conn) sendSYN(now core.Ticks, withACK bool) {
	flags := flagSYN
	ack := seqVal(0)
	if withACK {
		flags |= flagACK
		ack = c.rcvNxt
	}
	if len(c.rtxQ) == 0 {
		c.rtxQ = append(c.rtxQ, &sentSeg{seq: c.iss, syn: true, sentAt: now})
		c.sndNxt = c.iss.add(1)
	} else {
		c.rtxQ[0].sentAt = now
		c.rtxQ[0].rexmit = true
	}
	c.eng.transmitSegment(c, c.iss, ack, flags, c.synOptions(), nil, true)
	if c.rtoDeadline == 0 {
		c.rtoDeadline = now + c.rtt.rto()
	}
}

// synOptions builds the option list announced on SYN and SYN-ACK.
func (c *Conn) synOptions() []wireOption {
	opts := []wireOption{{kind: optMSS, data: be16(uint16(c.mss))}}
	if c.eng.cfg.WindowScale > 0 {
		opts = append(opts, wireOption{kind: optWindowScale, data: []byte{c.eng.cfg.WindowScale}})
	}
	if c.eng.cfg.EnableSACK {
		opts = append(opts, wireOption{kind: optSACKPermitted})
	}
	if c.eng.cfg.EnableTimestamps {
		opts = append(opts, wireOption{kind: optTimestamps, data: c.tsData()})
	}
	return opts
}

func (c *Conn) tsData() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, uint32(c.eng.now))
	binary.BigEndian.PutUint32(b[4:], c.tsRecent)
	return b
}

// segOptions builds the options carried on post-handshake segments.
func (c *Conn) segOptions() []wireOption {
	var opts []wireOption
	if c.tsOK {
		opts = append(opts, wireOption{kind: optTimestamps, data: c.tsData()})
	}
	if c.sackOK {
		if blocks := c.pendingSACKBlocks(); len(blocks) > 0 {
			data := make([]byte, 0, len(blocks)*8)
			for _, b := range blocks {
				data = binary.BigEndian.AppendUint32(data, uint32(b.start))
				data = binary.BigEndian.AppendUint32(data, uint32(b.end))
			}
			opts = append(opts, wireOption{kind: optSACK, data: data})
		}
	}
	return opts
}

// pendingSACKBlocks reports up to three out-of-order ranges held by the
// receiver, newest coverage first is not tracked; ascending order is fine
// for a single-interface stack.
func (c *Conn) pendingSACKBlocks() []sackBlock {
	if c.ooo == nil || c.ooo.Len() == 0 {
		return nil
	}
	var blocks []sackBlock
	c.ooo.Ascend(func(x oooSeg) bool {
		end := x.start.add(uint32(len(x.data)))
		if n := len(blocks); n > 0 && x.start.lessThanEq(blocks[n-1].end) {
			if blocks[n-1].end.lessThan(end) {
				blocks[n-1].end = end
			}
		} else {
			blocks = append(blocks, sackBlock{start: x.start, end: end})
		}
		return len(blocks) < 3
	})
	return blocks
}

func (c *Conn) transmitSeg(sg *sentSeg) {
	flags := flagACK
	seq := sg.seq
	if sg.syn {
		c.eng.transmitSegment(c, seq, c.rcvNxt, flagSYN|flagACK, c.synOptions(), nil, true)
		return
	}
	if sg.fin {
		flags |= flagFIN
	}
	if len(sg.payload) > 0 {
		flags |= flagPSH
	}
	c.eng.transmitSegment(c, seq, c.rcvNxt, flags, c.segOptions(), sg.payload, false)
}

func (c *Conn) sendACK() {
	c.sendControl(c.sndNxt, c.rcvNxt, flagACK, c.segOptions())
}

func (c *Conn) sendControl(seq, ack seqVal, flags segFlags, opts []wireOption) {
	c.eng.transmitSegment(c, seq, ack, flags, opts, nil, false)
}

func (c *Conn) sendRST(seq seqVal) {
	metrics.TcpResetsTotal.WithLabelValues("tx").Inc()
	c.eng.transmitSegment(c, seq, c.rcvNxt, flagRST|flagACK, nil, nil, false)
}
