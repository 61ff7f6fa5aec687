package link

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/hostnet/internal/core"
)

// EthernetHeaderLen is the Ethernet II header size: two MACs plus EtherType.
const EthernetHeaderLen = 14

// Frame is a parsed Ethernet II frame. Payload aliases the receive buffer.
type Frame struct {
	Dst       core.HWAddr
	Src       core.HWAddr
	EtherType uint16
	Payload   []byte
}

// ParseFrame decodes the Ethernet header. It does not validate EtherType;
// the stack drops unknown types after demux.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < EthernetHeaderLen {
		return Frame{}, core.ErrFrameTooShort
	}
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return Frame{}, err
	}
	return Frame{
		Dst:       core.HWAddrFrom(eth.DstMAC),
		Src:       core.HWAddrFrom(eth.SrcMAC),
		EtherType: uint16(eth.EthernetType),
		Payload:   eth.Payload,
	}, nil
}

// BuildFrame serializes an Ethernet II frame around payload.
func BuildFrame(dst, src core.HWAddr, etherType uint16, payload []byte) ([]byte, error) {
	eth := layers.Ethernet{
		DstMAC:       dst.HardwareAddr(),
		SrcMAC:       src.HardwareAddr(),
		EthernetType: layers.EthernetType(etherType),
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&eth, gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
