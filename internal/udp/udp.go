// Package udp implements a minimal UDP endpoint table sharing the IP
// engine: bound ports own bounded datagram queues, unbound ports answer
// with ICMP port unreachable via the engine's error path.
package udp

import (
	"log/slog"
	"net"
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

// Datagram is one received UDP payload with its origin.
type Datagram struct {
	Src     netip.Addr
	SrcPort uint16
	Payload []byte
}

// Endpoint is one bound UDP port with a bounded receive queue.
type Endpoint struct {
	eng  *Engine
	port uint16
	rx   []Datagram
}

// Config holds engine tunables.
type Config struct {
	QueueLimit int // datagrams buffered per endpoint
}

// Engine is the UDP endpoint table for one interface.
type Engine struct {
	iface  *core.Interface
	net    sender
	cfg    Config
	ports  map[uint16]*Endpoint
	logger *slog.Logger
}

// NewEngine creates the UDP engine, registered with the IP engine as the
// protocol 17 handler.
func NewEngine(iface *core.Interface, net sender, cfg Config) *Engine {
	if cfg.QueueLimit == 0 {
		cfg.QueueLimit = 64
	}
	return &Engine{
		iface:  iface,
		net:    net,
		cfg:    cfg,
		ports:  make(map[uint16]*Endpoint),
		logger: slog.Default().With("component", "udp"),
	}
}

// Bind claims a local port.
func (e *Engine) Bind(port uint16) (*Endpoint, error) {
	if _, ok := e.ports[port]; ok {
		return nil, core.ErrListenerExists
	}
	ep := &Endpoint{eng: e, port: port}
	e.ports[port] = ep
	return ep, nil
}

// HandleDatagram implements the IP engine handler for protocol 17.
func (e *Engine) HandleDatagram(src, dst netip.Addr, payload []byte) error {
	if !ip.VerifyTransportChecksum(src, dst, core.ProtoUDP, payload) {
		metrics.DropsTotal.WithLabelValues("udp", "bad_checksum").Inc()
		return nil
	}
	var u layers.UDP
	if err := u.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		metrics.DropsTotal.WithLabelValues("udp", "bad_header").Inc()
		return nil
	}
	ep, ok := e.ports[uint16(u.DstPort)]
	if !ok {
		return core.ErrPortUnreachable
	}
	metrics.UdpDatagramsTotal.WithLabelValues("rx").Inc()
	if len(ep.rx) >= e.cfg.QueueLimit {
		metrics.DropsTotal.WithLabelValues("udp", "queue_full").Inc()
		return nil
	}
	data := make([]byte, len(u.Payload))
	copy(data, u.Payload)
	ep.rx = append(ep.rx, Datagram{Src: src, SrcPort: uint16(u.SrcPort), Payload: data})
	return nil
}

// Send transmits one datagram from the endpoint's port.
func (ep *Endpoint) Send(dst netip.Addr, port uint16, payload []byte) error {
	u := layers.UDP{
		SrcPort: layers.UDPPort(ep.port),
		DstPort: layers.UDPPort(port),
	}
	pseudo := layers.IPv4{
		Version:  4,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(ep.eng.iface.Addr.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	if err := u.SetNetworkLayerForChecksum(&pseudo); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &u, gopacket.Payload(payload)); err != nil {
		return err
	}
	metrics.UdpDatagramsTotal.WithLabelValues("tx").Inc()
	return ep.eng.net.Send(dst, core.ProtoUDP, buf.Bytes())
}

// Recv returns the next queued datagram, or false when the queue is empty.
func (ep *Endpoint) Recv() (Datagram, bool) {
	if len(ep.rx) == 0 {
		return Datagram{}, false
	}
	d := ep.rx[0]
	ep.rx = ep.rx[1:]
	return d, true
}

// Close releases the port.
func (ep *Endpoint) Close() {
	delete(ep.eng.ports, ep.port)
	ep.rx = nil
}
