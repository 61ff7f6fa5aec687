package tcp

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"

	"firestige.xyz/hostnet/internal/core"
)

type segFlags uint8

const (
	flagFIN segFlags = 1 << iota
	flagSYN
	flagRST
	flagPSH
	flagACK
	flagURG
)

func (f segFlags) has(bits segFlags) bool { return f&bits == bits }

// segment is one inbound TCP segment after checksum validation, with
// options decoded. Payload aliases the datagram buffer.
type segment struct {
	srcPort, dstPort uint16
	seq, ack         seqVal
	flags            segFlags
	wnd              uint16 // raw on-wire window, scaling applied by the conn
	payload          []byte

	hasMSS        bool
	mss           uint16
	hasWS         bool
	wscale        uint8
	sackPermitted bool
	sacks         []sackBlock
	hasTS         bool
	tsVal, tsEcr  uint32
}

// seqLen is the sequence space the segment occupies: payload plus one for
// each of SYN and FIN.
func (s *segment) seqLen() uint32 {
	n := uint32(len(s.payload))
	if s.flags.has(flagSYN) {
		n++
	}
	if s.flags.has(flagFIN) {
		n++
	}
	return n
}

// parseSegment converts a decoded gopacket TCP layer.
func parseSegment(t *layers.TCP) segment {
	s := segment{
		srcPort: uint16(t.SrcPort),
		dstPort: uint16(t.DstPort),
		seq:     seqVal(t.Seq),
		ack:     seqVal(t.Ack),
		wnd:     t.Window,
		payload: t.Payload,
	}
	if t.FIN {
		s.flags |= flagFIN
	}
	if t.SYN {
		s.flags |= flagSYN
	}
	if t.RST {
		s.flags |= flagRST
	}
	if t.PSH {
		s.flags |= flagPSH
	}
	if t.ACK {
		s.flags |= flagACK
	}
	if t.URG {
		s.flags |= flagURG
	}
	for _, opt := range t.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) == 2 {
				s.hasMSS = true
				s.mss = binary.BigEndian.Uint16(opt.OptionData)
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				s.hasWS = true
				s.wscale = opt.OptionData[0]
				if s.wscale > 14 { // RFC 7323 cap
					s.wscale = 14
				}
			}
		case layers.TCPOptionKindSACKPermitted:
			s.sackPermitted = true
		case layers.TCPOptionKindSACK:
			for i := 0; i+8 <= len(opt.OptionData); i += 8 {
				s.sacks = append(s.sacks, sackBlock{
					start: seqVal(binary.BigEndian.Uint32(opt.OptionData[i:])),
					end:   seqVal(binary.BigEndian.Uint32(opt.OptionData[i+4:])),
				})
			}
		case layers.TCPOptionKindTimestamps:
			if len(opt.OptionData) == 8 {
				s.hasTS = true
				s.tsVal = binary.BigEndian.Uint32(opt.OptionData)
				s.tsEcr = binary.BigEndian.Uint32(opt.OptionData[4:])
			}
		}
	}
	return s
}

// sentSeg is one retransmittable unit on the retransmission queue.
type sentSeg struct {
	seq     seqVal
	syn     bool
	fin     bool
	payload []byte
	sentAt  core.Ticks
	rexmit  bool // retransmitted at least once; Karn excludes its RTT
}

func (s *sentSeg) seqLen() uint32 {
	n := uint32(len(s.payload))
	if s.syn {
		n++
	}
	if s.fin {
		n++
	}
	return n
}

func (s *sentSeg) end() seqVal { return s.seq.add(s.seqLen()) }
