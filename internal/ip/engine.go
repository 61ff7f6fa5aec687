// Package ip implements the IPv4 engine: routing, fragmentation on send,
// reassembly on receive, TTL handling and ICMP error generation. The engine
// owns the ARP cache, the routing table and the fragment buffers.
package ip

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/hostnet/internal/arp"
	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/metrics"
)

const headerLen = 20 // base IPv4 header, options not emitted

// Handler receives reassembled datagrams for one IP protocol. Returning
// core.ErrPortUnreachable makes the engine answer with ICMP destination
// unreachable; every other error is counted and dropped.
type Handler interface {
	HandleDatagram(src, dst netip.Addr, payload []byte) error
}

// ErrorHandler is implemented by transports that want ICMP errors mapped
// onto their connections.
type ErrorHandler interface {
	HandleICMPError(tuple core.FourTuple, cause error)
}

// Config holds engine tunables, durations already converted to ticks.
type Config struct {
	TTL        uint8
	ARP        arp.Config
	Reassembly ReassemblyConfig
}

// Engine is the IPv4 engine for a single interface.
type Engine struct {
	iface    *core.Interface
	out      arp.Output
	resolver *arp.Resolver
	routes   *RouteTable
	frags    *Reassembler
	handlers map[uint8]Handler
	errh     map[uint8]ErrorHandler
	cfg      Config
	logger   *slog.Logger
	now      core.Ticks
	nextID   uint16
}

// New creates the engine. out is the frame egress shared with ARP.
func New(iface *core.Interface, out arp.Output, cfg Config) *Engine {
	if cfg.TTL == 0 {
		cfg.TTL = 64
	}
	return &Engine{
		iface:    iface,
		out:      out,
		resolver: arp.New(iface, out, cfg.ARP),
		routes:   NewRouteTable(),
		frags:    NewReassembler(cfg.Reassembly),
		handlers: make(map[uint8]Handler),
		errh:     make(map[uint8]ErrorHandler),
		cfg:      cfg,
		logger:   slog.Default().With("component", "ip"),
	}
}

// Routes exposes the routing table for the configuration API.
func (e *Engine) Routes() *RouteTable { return e.routes }

// Resolver exposes the ARP resolver for frame demux and interface-up
// announcements.
func (e *Engine) Resolver() *arp.Resolver { return e.resolver }

// Register binds a transport handler to an IP protocol number.
func (e *Engine) Register(proto uint8, h Handler) {
	e.handlers[proto] = h
	if eh, ok := h.(ErrorHandler); ok {
		e.errh[proto] = eh
	}
}

// Tick advances ARP and reassembly deadlines. Expired reassemblies answer
// with ICMP time-exceeded (reassembly) when the first fragment was seen.
func (e *Engine) Tick(now core.Ticks) {
	e.now = now
	e.resolver.Tick(now)
	for _, ex := range e.frags.Tick(now) {
		if ex.quote != nil {
			e.sendICMPError(ex.src, icmpTypeTimeExceeded, icmpCodeReassemblyExceeded, ex.quote)
		}
	}
}

// LinkDown flushes ARP and reassembly state when the device loses carrier.
func (e *Engine) LinkDown() {
	e.resolver.Flush()
	e.frags.Flush()
}

// Send routes, fragments and transmits one datagram. Transport checksums
// must already be in payload; the IP header checksum is computed here.
func (e *Engine) Send(dst netip.Addr, proto uint8, payload []byte) error {
	if !e.iface.Up {
		metrics.DropsTotal.WithLabelValues("ip", "link_down").Inc()
		return core.ErrLinkDown
	}
	nextHop := dst
	broadcast := dst == e.iface.Broadcast() || dst == netip.AddrFrom4([4]byte{255, 255, 255, 255})
	if !broadcast {
		nh, err := e.routes.NextHop(dst)
		if err != nil {
			metrics.DropsTotal.WithLabelValues("ip", "no_route").Inc()
			return err
		}
		nextHop = nh
	}

	e.nextID++
	id := e.nextID

	maxPayload := e.iface.MTU - headerLen
	if maxPayload < 8 {
		return core.ErrFrameTooLarge
	}
	if len(payload) <= maxPayload {
		return e.transmit(nextHop, dst, proto, id, 0, false, payload, broadcast)
	}

	// Fragment: every piece but the last carries MF and a payload that is a
	// multiple of 8 bytes, all sharing one identification value.
	chunk := maxPayload &^ 7
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		err := e.transmit(nextHop, dst, proto, id, uint16(off/8), more, payload[off:end], broadcast)
		if err != nil {
			return err
		}
	}
	return nil
}

// transmit serializes one IP packet and hands it to ARP-resolved egress.
func (e *Engine) transmit(nextHop, dst netip.Addr, proto uint8, id, fragOffset uint16,
	more bool, payload []byte, broadcast bool) error {

	var flags layers.IPv4Flag
	if more {
		flags = layers.IPv4MoreFragments
	}
	ip4 := layers.IPv4{
		Version:    4,
		IHL:        5,
		TTL:        e.cfg.TTL,
		Id:         id,
		Flags:      flags,
		FragOffset: fragOffset,
		Protocol:   layers.IPProtocol(proto),
		SrcIP:      net.IP(e.iface.Addr.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip4, gopacket.Payload(payload)); err != nil {
		return err
	}
	pkt := buf.Bytes()

	if broadcast {
		return e.out.TransmitFrame(core.BroadcastHWAddr, core.EtherTypeIPv4, pkt)
	}
	if mac, ok := e.resolver.Lookup(nextHop); ok {
		return e.out.TransmitFrame(mac, core.EtherTypeIPv4, pkt)
	}
	e.resolver.Enqueue(nextHop, core.EtherTypeIPv4, pkt)
	return nil
}

// HandlePacket processes one received IPv4 packet (frame payload).
func (e *Engine) HandlePacket(pkt []byte, now core.Ticks) {
	e.now = now

	var ip4 layers.IPv4
	if err := ip4.DecodeFromBytes(pkt, gopacket.NilDecodeFeedback); err != nil {
		metrics.DropsTotal.WithLabelValues("ip", "bad_header").Inc()
		return
	}
	ihl := int(ip4.IHL) * 4
	if ihl < headerLen || len(pkt) < ihl || Checksum(pkt[:ihl]) != 0 {
		metrics.DropsTotal.WithLabelValues("ip", "bad_checksum").Inc()
		return
	}

	src, _ := netip.AddrFromSlice(ip4.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip4.DstIP.To4())
	if !src.IsValid() || !dst.IsValid() {
		metrics.DropsTotal.WithLabelValues("ip", "bad_header").Inc()
		return
	}

	// End-host stack: anything not addressed to us is dropped, never
	// forwarded.
	if !e.isLocal(dst) {
		metrics.DropsTotal.WithLabelValues("ip", "not_local").Inc()
		return
	}

	// TTL is decremented before delivery; a probe arriving with TTL 1 hits
	// zero here and is answered with time-exceeded, which is what keeps
	// traceroute working against this host.
	if ip4.TTL <= 1 {
		e.sendICMPError(src, icmpTypeTimeExceeded, icmpCodeTTLExceeded, quoteOf(pkt, ihl))
		metrics.DropsTotal.WithLabelValues("ip", "ttl_exceeded").Inc()
		return
	}

	proto := uint8(ip4.Protocol)
	payload := ip4.Payload

	if ip4.Flags&layers.IPv4MoreFragments != 0 || ip4.FragOffset != 0 {
		key := fragmentKey{src: src, dst: dst, protocol: proto, id: ip4.Id}
		data, done, err := e.frags.Insert(key, ip4.FragOffset,
			ip4.Flags&layers.IPv4MoreFragments != 0, payload, pkt, now)
		if err != nil {
			metrics.DropsTotal.WithLabelValues("ip", "reassembly").Inc()
			return
		}
		if !done {
			return
		}
		payload = data
		pkt = nil // no single wire packet to quote in ICMP errors
	}

	e.deliver(src, dst, proto, payload, pkt, ihl)
}

func (e *Engine) deliver(src, dst netip.Addr, proto uint8, payload, raw []byte, ihl int) {
	if proto == core.ProtoICMP {
		e.handleICMP(src, payload)
		return
	}
	h, ok := e.handlers[proto]
	if !ok {
		if raw != nil {
			e.sendICMPError(src, icmpTypeDestUnreachable, icmpCodeProtoUnreachable, quoteOf(raw, ihl))
		}
		metrics.DropsTotal.WithLabelValues("ip", "no_handler").Inc()
		return
	}
	if err := h.HandleDatagram(src, dst, payload); err != nil {
		if errors.Is(err, core.ErrPortUnreachable) && raw != nil {
			e.sendICMPError(src, icmpTypeDestUnreachable, icmpCodePortUnreachable, quoteOf(raw, ihl))
			return
		}
		e.logger.Debug("datagram dropped", "proto", proto, "src", src.String(), "error", err)
	}
}

func (e *Engine) isLocal(dst netip.Addr) bool {
	if dst == e.iface.Addr {
		return true
	}
	if dst == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	return e.iface.Prefix.IsValid() && dst == e.iface.Broadcast()
}

// quoteOf returns the ICMP error quote: IP header plus first 8 payload
// bytes.
func quoteOf(pkt []byte, ihl int) []byte {
	n := min(len(pkt), ihl+8)
	return pkt[:n]
}
