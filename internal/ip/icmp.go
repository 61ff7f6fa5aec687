package ip

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/metrics"
)

// ICMP types and codes used by this stack.
const (
	icmpTypeEchoReply       uint8 = 0
	icmpTypeDestUnreachable uint8 = 3
	icmpTypeEchoRequest     uint8 = 8
	icmpTypeTimeExceeded    uint8 = 11

	icmpCodeNetUnreachable     uint8 = 0
	icmpCodeProtoUnreachable   uint8 = 2
	icmpCodePortUnreachable    uint8 = 3
	icmpCodeTTLExceeded        uint8 = 0
	icmpCodeReassemblyExceeded uint8 = 1
)

// handleICMP processes a received ICMP message: answers echo requests and
// maps error messages onto transport connections.
func (e *Engine) handleICMP(src netip.Addr, payload []byte) {
	var icmp layers.ICMPv4
	if err := icmp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		metrics.DropsTotal.WithLabelValues("icmp", "bad_header").Inc()
		return
	}
	if Checksum(payload) != 0 {
		metrics.DropsTotal.WithLabelValues("icmp", "bad_checksum").Inc()
		return
	}
	typ := icmp.TypeCode.Type()
	metrics.IcmpMessagesTotal.WithLabelValues("in", icmpTypeLabel(typ)).Inc()

	switch typ {
	case icmpTypeEchoRequest:
		e.sendEchoReply(src, &icmp)
	case icmpTypeEchoReply:
		// No ping API in this core; counted above.
	case icmpTypeDestUnreachable:
		e.dispatchICMPError(icmp.Payload, core.ErrPortUnreachable)
	case icmpTypeTimeExceeded:
		e.dispatchICMPError(icmp.Payload, core.ErrConnTimeout)
	}
}

// dispatchICMPError parses the quoted IP header and first transport bytes
// out of an ICMP error body and notifies the owning transport. The quote
// describes a datagram this host sent, so quoted src is our side.
func (e *Engine) dispatchICMPError(quote []byte, cause error) {
	if len(quote) < headerLen {
		return
	}
	ihl := int(quote[0]&0x0F) * 4
	if ihl < headerLen || len(quote) < ihl+4 {
		return
	}
	proto := quote[9]
	local, _ := netip.AddrFromSlice(quote[12:16])
	remote, _ := netip.AddrFromSlice(quote[16:20])
	if local != e.iface.Addr {
		return
	}
	eh, ok := e.errh[proto]
	if !ok {
		return
	}
	tuple := core.FourTuple{
		LocalAddr:  local,
		LocalPort:  binary.BigEndian.Uint16(quote[ihl : ihl+2]),
		RemoteAddr: remote,
		RemotePort: binary.BigEndian.Uint16(quote[ihl+2 : ihl+4]),
	}
	eh.HandleICMPError(tuple, cause)
}

func (e *Engine) sendEchoReply(dst netip.Addr, req *layers.ICMPv4) {
	reply := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmpTypeEchoReply, 0),
		Id:       req.Id,
		Seq:      req.Seq,
	}
	e.sendICMP(dst, &reply, req.Payload, icmpTypeEchoReply)
}

// sendICMPError emits a type/code error carrying the offending packet's
// quote. Never called for reassembled-only datagrams (no wire quote) and
// never in response to ICMP errors.
func (e *Engine) sendICMPError(dst netip.Addr, typ, code uint8, quote []byte) {
	if len(quote) >= headerLen && quote[9] == core.ProtoICMP {
		// Only echo messages may provoke errors.
		ihl := int(quote[0]&0x0F) * 4
		if len(quote) > ihl && quote[ihl] != icmpTypeEchoRequest && quote[ihl] != icmpTypeEchoReply {
			return
		}
	}
	msg := layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, code)}
	e.sendICMP(dst, &msg, quote, typ)
}

func (e *Engine) sendICMP(dst netip.Addr, msg *layers.ICMPv4, body []byte, typ uint8) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, msg, gopacket.Payload(body)); err != nil {
		e.logger.Error("icmp serialize failed", "error", err)
		return
	}
	if err := e.Send(dst, core.ProtoICMP, buf.Bytes()); err != nil {
		e.logger.Debug("icmp send failed", "dst", dst.String(), "error", err)
		return
	}
	metrics.IcmpMessagesTotal.WithLabelValues("out", icmpTypeLabel(typ)).Inc()
}

func icmpTypeLabel(t uint8) string {
	switch t {
	case icmpTypeEchoReply:
		return "echo_reply"
	case icmpTypeEchoRequest:
		return "echo_request"
	case icmpTypeDestUnreachable:
		return "dest_unreachable"
	case icmpTypeTimeExceeded:
		return "time_exceeded"
	default:
		return "other"
	}
}
