package tcp

import (
	"hash/fnv"
	"log/slog"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/ip"
	"firestige.xyz/hostnet/internal/metrics"
)

// sender is the network egress, satisfied by the IP engine.
type sender interface {
	Send(dst netip.Addr, proto uint8, payload []byte) error
}

// Config holds engine tunables. Durations are ticks, converted from wall
// time by the configuration layer.
type Config struct {
	MSL               core.Ticks
	RTOMin, RTOMax    core.Ticks
	SynRetries        int
	KeepaliveIdle     core.Ticks // 0 disables keepalive
	KeepaliveInterval core.Ticks
	KeepaliveProbes   int
	SendBufferSize    int
	RecvBufferSize    int
	MaxConns          int
	CongestionAlg     string
	EnableSACK        bool
	EnableTimestamps  bool
	WindowScale       uint8 // 0 disables the option
	TickSeconds       float64
}

func (c *Config) applyDefaults() {
	if c.MSL == 0 {
		c.MSL = 600
	}
	if c.RTOMin == 0 {
		c.RTOMin = 2
	}
	if c.RTOMax == 0 {
		c.RTOMax = 600
	}
	if c.SynRetries == 0 {
		c.SynRetries = 5
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 75
	}
	if c.KeepaliveProbes == 0 {
		c.KeepaliveProbes = 9
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 64 * 1024
	}
	if c.RecvBufferSize == 0 {
		c.RecvBufferSize = 64 * 1024
	}
	if c.MaxConns == 0 {
		c.MaxConns = 1024
	}
	if c.CongestionAlg == "" {
		c.CongestionAlg = AlgReno
	}
	if c.WindowScale > 14 {
		c.WindowScale = 14
	}
	if c.TickSeconds == 0 {
		c.TickSeconds = 0.01
	}
}

// OpenOptions tunes one active open. The zero value uses the engine
// defaults.
type OpenOptions struct {
	LocalPort  uint16 // 0 picks an ephemeral port
	Congestion string // "", "reno", "cubic" or "bbr"
	NoDelay    bool   // disable Nagle
}

// Engine owns the connection table and listeners for one interface. It is
// registered with the IP engine as the protocol 6 handler.
type Engine struct {
	iface     *core.Interface
	net       sender
	cfg       Config
	conns     map[core.FourTuple]*Conn
	listeners map[uint16]*Listener
	logger    *slog.Logger
	now       core.Ticks
	nextEph   uint16

	// isn computes the initial send sequence for a new connection.
	// Overridable so handshake tests can pin exact sequence numbers.
	isn func(t core.FourTuple, now core.Ticks) seqVal
}

// NewEngine creates the TCP engine for one interface.
func NewEngine(iface *core.Interface, net sender, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		iface:     iface,
		net:       net,
		cfg:       cfg,
		conns:     make(map[core.FourTuple]*Conn),
		listeners: make(map[uint16]*Listener),
		logger:    slog.Default().With("component", "tcp"),
		nextEph:   49152,
		isn:       defaultISN,
	}
}

func defaultISN(t core.FourTuple, now core.Ticks) seqVal {
	h := fnv.New32a()
	la, ra := t.LocalAddr.As4(), t.RemoteAddr.As4()
	h.Write(la[:])
	h.Write(ra[:])
	h.Write([]byte{byte(t.LocalPort >> 8), byte(t.LocalPort), byte(t.RemotePort >> 8), byte(t.RemotePort)})
	return seqVal(h.Sum32() + uint32(now)*64000)
}

// Tick advances every connection's timers.
func (e *Engine) Tick(now core.Ticks) {
	e.now = now
	// Collect first: timer handlers may remove connections from the table.
	live := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		live = append(live, c)
	}
	for _, c := range live {
		c.tick(now)
	}
}

// newConn initializes the per-connection state shared by active and passive
// opens.
func (e *Engine) newConn(tuple core.FourTuple, alg string, noDelay bool) *Conn {
	if alg == "" {
		alg = e.cfg.CongestionAlg
	}
	mss := e.iface.MTU - 40 // IP + TCP fixed headers
	if mss < 64 {
		mss = 64
	}
	c := &Conn{
		eng:    e,
		tuple:  tuple,
		state:  StateClosed,
		mss:    mss,
		nagle:  !noDelay,
		sackOK: e.cfg.EnableSACK,
		tsOK:   e.cfg.EnableTimestamps,
		ooo:    newOOOStore(),
		sb:     newScoreboard(),
		cc:     newCongestion(alg, mss, e.cfg.TickSeconds),
		rtt:    rttEstimator{min: e.cfg.RTOMin, max: e.cfg.RTOMax},
	}
	metrics.TcpConnections.WithLabelValues(c.state.String()).Inc()
	e.conns[tuple] = c
	return c
}

func (e *Engine) remove(c *Conn) {
	if _, ok := e.conns[c.tuple]; !ok {
		return
	}
	metrics.TcpConnections.WithLabelValues(c.state.String()).Dec()
	delete(e.conns, c.tuple)
	if c.listener != nil {
		c.listener.pending--
		c.listener = nil
	}
}

// Open starts an active connection to remote:port. The returned Conn is in
// SYN_SENT; completion is observed by polling State or through the socket
// layer.
func (e *Engine) Open(remote netip.Addr, port uint16, opt OpenOptions) (*Conn, error) {
	if len(e.conns) >= e.cfg.MaxConns {
		return nil, core.ErrConnTableFull
	}
	local := opt.LocalPort
	if local == 0 {
		p, err := e.ephemeralPort(remote, port)
		if err != nil {
			return nil, err
		}
		local = p
	}
	tuple := core.FourTuple{
		LocalAddr: e.iface.Addr, LocalPort: local,
		RemoteAddr: remote, RemotePort: port,
	}
	if _, ok := e.conns[tuple]; ok {
		return nil, core.ErrConnExists
	}
	c := e.newConn(tuple, opt.Congestion, opt.NoDelay)
	c.iss = e.isn(tuple, e.now)
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.setState(StateSynSent)
	c.sendSYN(e.now, false)
	return c, nil
}

func (e *Engine) ephemeralPort(remote netip.Addr, rport uint16) (uint16, error) {
	for i := 0; i < 16384; i++ {
		p := e.nextEph
		e.nextEph++
		if e.nextEph == 0 {
			e.nextEph = 49152
		}
		tuple := core.FourTuple{
			LocalAddr: e.iface.Addr, LocalPort: p,
			RemoteAddr: remote, RemotePort: rport,
		}
		if _, ok := e.conns[tuple]; !ok {
			if _, ok := e.listeners[p]; !ok {
				return p, nil
			}
		}
	}
	return 0, core.ErrNoEphemeralPort
}

// Listener accepts inbound connections on one local port.
type Listener struct {
	eng     *Engine
	port    uint16
	backlog int
	pending int // SYN_RECEIVED conns not yet delivered
	acceptQ []*Conn
}

// Listen binds a listener to port with a bounded backlog.
func (e *Engine) Listen(port uint16, backlog int) (*Listener, error) {
	if _, ok := e.listeners[port]; ok {
		return nil, core.ErrListenerExists
	}
	if backlog <= 0 {
		backlog = 8
	}
	l := &Listener{eng: e, port: port, backlog: backlog}
	e.listeners[port] = l
	return l, nil
}

// Accept returns the next established connection, or nil when none is
// ready.
func (l *Listener) Accept() *Conn {
	if len(l.acceptQ) == 0 {
		return nil
	}
	c := l.acceptQ[0]
	l.acceptQ = l.acceptQ[1:]
	return c
}

// Close unbinds the listener. Connections already established survive;
// half-open ones are reset.
func (l *Listener) Close() {
	delete(l.eng.listeners, l.port)
	for _, c := range l.eng.conns {
		if c.listener == l {
			c.sendRST(c.sndNxt)
			c.fail(core.ErrConnReset)
			l.eng.remove(c)
		}
	}
	for _, c := range l.acceptQ {
		c.Abort()
	}
	l.acceptQ = nil
}

func (l *Listener) deliver(c *Conn) {
	l.pending--
	l.acceptQ = append(l.acceptQ, c)
}

// load reports half-open plus accepted-but-unclaimed connections against
// the backlog.
func (l *Listener) load() int { return l.pending + len(l.acceptQ) }

// HandleDatagram implements the IP engine handler for protocol 6.
func (e *Engine) HandleDatagram(src, dst netip.Addr, payload []byte) error {
	if !ip.VerifyTransportChecksum(src, dst, core.ProtoTCP, payload) {
		metrics.DropsTotal.WithLabelValues("tcp", "bad_checksum").Inc()
		return nil
	}
	var t layers.TCP
	if err := t.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		metrics.DropsTotal.WithLabelValues("tcp", "bad_header").Inc()
		return nil
	}
	metrics.TcpSegmentsTotal.WithLabelValues("rx").Inc()
	seg := parseSegment(&t)
	tuple := core.FourTuple{
		LocalAddr: dst, LocalPort: seg.dstPort,
		RemoteAddr: src, RemotePort: seg.srcPort,
	}

	if c, ok := e.conns[tuple]; ok {
		c.handleSegment(e.now, &seg)
		return nil
	}

	if seg.flags.has(flagSYN) && !seg.flags.has(flagACK) && !seg.flags.has(flagRST) {
		if l, ok := e.listeners[seg.dstPort]; ok {
			e.acceptSYN(l, tuple, &seg)
			return nil
		}
	}

	if !seg.flags.has(flagRST) {
		e.sendRSTFor(tuple, &seg)
	}
	return nil
}

// acceptSYN creates the passive-open connection and answers SYN-ACK. A full
// backlog or connection table refuses with RST so the client fails fast
// instead of retrying into a black hole.
func (e *Engine) acceptSYN(l *Listener, tuple core.FourTuple, seg *segment) {
	if l.load() >= l.backlog || len(e.conns) >= e.cfg.MaxConns {
		metrics.DropsTotal.WithLabelValues("tcp", "backlog_full").Inc()
		e.sendRSTFor(tuple, seg)
		return
	}
	c := e.newConn(tuple, "", false)
	c.listener = l
	l.pending++
	c.irs = seg.seq
	c.rcvNxt = seg.seq.add(1)
	c.negotiateOptions(seg)
	c.sndWnd = c.peerWindow(seg)
	c.sndWL1 = seg.seq
	c.iss = e.isn(tuple, e.now)
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.setState(StateSynReceived)
	c.sendSYN(e.now, true)
}

// HandleICMPError maps an ICMP error back onto its connection. A failure
// during the handshake aborts the connect; errors against an established
// connection are soft and only logged.
func (e *Engine) HandleICMPError(tuple core.FourTuple, cause error) {
	c, ok := e.conns[tuple]
	if !ok {
		return
	}
	switch c.state {
	case StateSynSent, StateSynReceived:
		c.fail(cause)
	default:
		e.logger.Debug("soft icmp error", "conn", tuple.String(), "cause", cause)
	}
}
