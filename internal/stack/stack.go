// Package stack assembles one interface's protocol engines into a single
// tick-driven context: frame I/O at the bottom, the socket table on top.
package stack

import (
	"log/slog"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/ip"
	"firestige.xyz/hostnet/internal/link"
	"firestige.xyz/hostnet/internal/metrics"
	"firestige.xyz/hostnet/internal/socket"
	"firestige.xyz/hostnet/internal/tcp"
	"firestige.xyz/hostnet/internal/udp"
)

// Config aggregates the per-layer tunables.
type Config struct {
	IP  ip.Config
	TCP tcp.Config
	UDP udp.Config
}

// Stack is the context object for one interface. All state is owned by the
// tick caller; no method is safe for concurrent use.
type Stack struct {
	iface   core.Interface
	dev     link.Device
	ip      *ip.Engine
	tcp     *tcp.Engine
	udp     *udp.Engine
	sockets *socket.Table
	logger  *slog.Logger
	now     core.Ticks
	inTick  bool
}

// New wires the engines over dev. The interface is down until Configure
// assigns an address.
func New(name string, mac core.HWAddr, dev link.Device, cfg Config) *Stack {
	s := &Stack{
		dev:    dev,
		logger: slog.Default().With("component", "stack", "iface", name),
	}
	s.iface = core.Interface{Name: name, MAC: mac, MTU: dev.MTU()}
	s.ip = ip.New(&s.iface, s, cfg.IP)
	s.tcp = tcp.NewEngine(&s.iface, s.ip, cfg.TCP)
	s.udp = udp.NewEngine(&s.iface, s.ip, cfg.UDP)
	s.ip.Register(core.ProtoTCP, s.tcp)
	s.ip.Register(core.ProtoUDP, s.udp)
	s.sockets = socket.NewTable(s.tcp, s.udp)
	return s
}

// Sockets returns the transport handle table.
func (s *Stack) Sockets() *socket.Table { return s.sockets }

// Routes returns the routing table for route administration.
func (s *Stack) Routes() *ip.RouteTable { return s.ip.Routes() }

// TCP exposes the TCP engine for diagnostics.
func (s *Stack) TCP() *tcp.Engine { return s.tcp }

// Interface returns a snapshot of the interface state.
func (s *Stack) Interface() core.Interface { return s.iface }

// Configure assigns the interface address and installs the connected route,
// plus a default route when a gateway is given. Announces the address with
// gratuitous ARP if the link is already up.
func (s *Stack) Configure(prefix netip.Prefix, gateway netip.Addr) error {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return core.ErrConfigInvalid
	}
	s.iface.Addr = prefix.Addr()
	s.iface.Prefix = prefix
	s.iface.Gateway = gateway
	routes := s.ip.Routes()
	routes.Add(ip.Route{Prefix: prefix.Masked()})
	if gateway.IsValid() {
		routes.Add(ip.Route{
			Prefix:  netip.PrefixFrom(netip.AddrFrom4([4]byte{}), 0),
			Gateway: gateway,
			Metric:  100,
		})
	}
	if s.dev.Up() {
		s.iface.Up = true
		s.ip.Resolver().Announce()
	}
	return nil
}

// TransmitFrame sends one Ethernet frame from the interface MAC. This is
// the shared egress for ARP, IP and the engines above them.
func (s *Stack) TransmitFrame(dst core.HWAddr, etherType uint16, payload []byte) error {
	frame, err := link.BuildFrame(dst, s.iface.MAC, etherType, payload)
	if err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("tx").Inc()
	return s.dev.Transmit(frame)
}

// Tick runs one scheduler iteration: link state, received frames, then
// every layer's timers. Must never be re-entered; a handler calling back
// into Tick indicates a wiring bug and is refused.
func (s *Stack) Tick(now core.Ticks) {
	if s.inTick {
		s.logger.Error("tick re-entered, ignoring")
		return
	}
	s.inTick = true
	defer func() { s.inTick = false }()
	s.now = now

	up := s.dev.Up() && s.iface.Prefix.IsValid()
	if up != s.iface.Up {
		s.iface.Up = up
		if up {
			s.logger.Info("link up")
			s.ip.Resolver().Announce()
		} else {
			s.logger.Info("link down")
			s.ip.LinkDown()
		}
	}

	for {
		data, ok := s.dev.Poll()
		if !ok {
			break
		}
		s.handleFrame(data, now)
	}

	s.ip.Tick(now)
	s.tcp.Tick(now)
}

func (s *Stack) handleFrame(data []byte, now core.Ticks) {
	metrics.FramesTotal.WithLabelValues("rx").Inc()
	f, err := link.ParseFrame(data)
	if err != nil {
		metrics.DropsTotal.WithLabelValues("link", "bad_frame").Inc()
		return
	}
	if f.Dst != s.iface.MAC && !f.Dst.IsBroadcast() {
		metrics.DropsTotal.WithLabelValues("link", "not_for_us").Inc()
		return
	}
	switch f.EtherType {
	case core.EtherTypeARP:
		var pkt layers.ARP
		if err := pkt.DecodeFromBytes(f.Payload, gopacket.NilDecodeFeedback); err != nil {
			metrics.DropsTotal.WithLabelValues("arp", "bad_packet").Inc()
			return
		}
		s.ip.Resolver().HandlePacket(&pkt)
	case core.EtherTypeIPv4:
		s.ip.HandlePacket(f.Payload, now)
	default:
		metrics.DropsTotal.WithLabelValues("link", "unknown_ethertype").Inc()
	}
}
