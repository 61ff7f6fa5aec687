package tcp

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/metrics"
)

// Option kinds emitted on the wire, aliased from gopacket so encode and
// decode agree.
const (
	optMSS           = layers.TCPOptionKindMSS
	optWindowScale   = layers.TCPOptionKindWindowScale
	optSACKPermitted = layers.TCPOptionKindSACKPermitted
	optSACK          = layers.TCPOptionKindSACK
	optTimestamps    = layers.TCPOptionKindTimestamps
)

// wireOption is one TCP option to serialize.
type wireOption struct {
	kind layers.TCPOptionKind
	data []byte
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// buildSegment serializes one TCP segment with a correct checksum over the
// IPv4 pseudo header.
func buildSegment(local, remote netip.Addr, localPort, remotePort uint16,
	seq, ack seqVal, flags segFlags, window uint16, opts []wireOption,
	payload []byte) ([]byte, error) {

	t := layers.TCP{
		SrcPort: layers.TCPPort(localPort),
		DstPort: layers.TCPPort(remotePort),
		Seq:     uint32(seq),
		Ack:     uint32(ack),
		Window:  window,
		FIN:     flags.has(flagFIN),
		SYN:     flags.has(flagSYN),
		RST:     flags.has(flagRST),
		PSH:     flags.has(flagPSH),
		ACK:     flags.has(flagACK),
	}
	for _, o := range opts {
		t.Options = append(t.Options, layers.TCPOption{
			OptionType:   o.kind,
			OptionLength: uint8(2 + len(o.data)),
			OptionData:   o.data,
		})
	}
	pseudo := layers.IPv4{
		Version:  4,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(local.AsSlice()),
		DstIP:    net.IP(remote.AsSlice()),
	}
	if err := t.SetNetworkLayerForChecksum(&pseudo); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	serOpts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, serOpts, &t, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// transmitSegment serializes and sends one segment for a connection,
// stamping the current receive window.
func (e *Engine) transmitSegment(c *Conn, seq, ack seqVal, flags segFlags,
	opts []wireOption, payload []byte, syn bool) {

	window := c.advertisedWindow(syn)
	if !syn {
		c.lastAdvWnd = uint32(window) << c.wsOurs
	} else {
		c.lastAdvWnd = uint32(window)
	}
	pkt, err := buildSegment(c.tuple.LocalAddr, c.tuple.RemoteAddr,
		c.tuple.LocalPort, c.tuple.RemotePort, seq, ack, flags, window,
		opts, payload)
	if err != nil {
		e.logger.Error("segment serialization failed", "conn", c.tuple.String(), "error", err)
		return
	}
	metrics.TcpSegmentsTotal.WithLabelValues("tx").Inc()
	if err := e.net.Send(c.tuple.RemoteAddr, core.ProtoTCP, pkt); err != nil {
		e.logger.Debug("segment send failed", "conn", c.tuple.String(), "error", err)
	}
}

// sendRSTFor answers a segment that has no connection (RFC 793 reset
// generation): mirror the ACK if present, otherwise acknowledge the
// offending segment.
func (e *Engine) sendRSTFor(tuple core.FourTuple, seg *segment) {
	var seq, ack seqVal
	flags := flagRST
	if seg.flags.has(flagACK) {
		seq = seg.ack
	} else {
		flags |= flagACK
		ack = seg.seq.add(seg.seqLen())
	}
	pkt, err := buildSegment(tuple.LocalAddr, tuple.RemoteAddr,
		tuple.LocalPort, tuple.RemotePort, seq, ack, flags, 0, nil, nil)
	if err != nil {
		return
	}
	metrics.TcpSegmentsTotal.WithLabelValues("tx").Inc()
	metrics.TcpResetsTotal.WithLabelValues("tx").Inc()
	if err := e.net.Send(tuple.RemoteAddr, core.ProtoTCP, pkt); err != nil {
		e.logger.Debug("reset send failed", "tuple", tuple.String(), "error", err)
	}
}
