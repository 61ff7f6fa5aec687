package ip

import (
	"container/list"
	"net/netip"

	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/metrics"
)

// Reassembly constants ported from BSD-Right algorithm (RFC 791).
const (
	ipv4MinFragSize   = 1     // Minimum valid fragment payload size
	ipv4MaxSize       = 65535 // Maximum IPv4 datagram size
	ipv4MaxFragOffset = 8183  // Maximum valid fragment offset (in 8-byte units)
)

// fragmentKey uniquely identifies a fragmented IPv4 datagram.
type fragmentKey struct {
	src      netip.Addr
	dst      netip.Addr
	protocol uint8
	id       uint16
}

// fragment represents a single IP fragment's payload and position.
type fragment struct {
	offset  uint16 // offset in bytes (wire fragOffset * 8)
	length  uint16
	payload []byte
}

// fragmentBuffer accumulates the out-of-order byte ranges of one datagram.
// Fragments are kept sorted by offset. On overlap the earlier-arrived data
// wins and the new fragment is trimmed (BSD-Right policy).
type fragmentBuffer struct {
	frags         list.List // of *fragment, sorted by offset ascending
	highest       uint16    // max(offset+len) seen
	current       uint16    // unique bytes accumulated
	finalReceived bool      // last fragment (MF=0) arrived
	deadline      core.Ticks
	// first 28 bytes of the offset-zero fragment (IP header + 8 payload
	// bytes), kept for the ICMP time-exceeded quote on timeout.
	quote []byte
}

// ReassemblyConfig bounds the reassembler.
type ReassemblyConfig struct {
	Timeout      core.Ticks // per-datagram reassembly deadline
	MaxFragments int        // fragments per buffer before eviction
	MaxBuffers   int        // concurrent buffers; oldest-deadline evicted past this
}

// expiredBuffer is returned by Tick for each buffer discarded at deadline so
// the engine can emit ICMP time-exceeded (reassembly) when a quote exists.
type expiredBuffer struct {
	src   netip.Addr
	quote []byte
}

// Reassembler reassembles IPv4 fragments using the BSD-Right policy. All
// expiry is tick-driven; there is no background goroutine.
type Reassembler struct {
	buffers map[fragmentKey]*fragmentBuffer
	cfg     ReassemblyConfig
}

// NewReassembler creates a reassembler.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 64
	}
	if cfg.MaxBuffers <= 0 {
		cfg.MaxBuffers = 256
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1
	}
	return &Reassembler{
		buffers: make(map[fragmentKey]*fragmentBuffer),
		cfg:     cfg,
	}
}

// Insert adds one fragment. fragOffset is in 8-byte wire units; raw is the
// full IP packet for the quote. Returns the reassembled payload once all
// offsets are covered with no gaps.
func (r *Reassembler) Insert(key fragmentKey, fragOffset uint16, moreFragments bool,
	payload, raw []byte, now core.Ticks) ([]byte, bool, error) {

	fragLen := uint16(len(payload))
	if fragLen < ipv4MinFragSize {
		return nil, false, core.ErrPacketTooShort
	}
	if fragOffset > ipv4MaxFragOffset {
		return nil, false, core.ErrReassemblyLimit
	}
	byteOffset := fragOffset * 8
	if uint32(byteOffset)+uint32(fragLen) > ipv4MaxSize {
		return nil, false, core.ErrReassemblyLimit
	}

	b, exists := r.buffers[key]
	if !exists {
		if len(r.buffers) >= r.cfg.MaxBuffers {
			r.evictOldest()
		}
		b = &fragmentBuffer{deadline: now + r.cfg.Timeout}
		r.buffers[key] = b
		metrics.ReassemblyActiveBuffers.Set(float64(len(r.buffers)))
	}

	if b.frags.Len() >= r.cfg.MaxFragments {
		r.evict(key)
		return nil, false, core.ErrReassemblyLimit
	}

	if fragOffset == 0 && b.quote == nil {
		n := min(len(raw), 28)
		b.quote = append([]byte(nil), raw[:n]...)
	}

	if !moreFragments {
		b.finalReceived = true
		if end := byteOffset + fragLen; end > b.highest {
			b.highest = end
		}
	}

	// The capture buffer may be reused; keep a copy.
	data := append([]byte(nil), payload...)
	r.insertBSDRight(b, &fragment{offset: byteOffset, length: fragLen, payload: data})

	if b.finalReceived && b.current >= b.highest {
		out := r.build(b)
		r.evict(key)
		return out, true, nil
	}
	return nil, false, nil
}

// Tick discards buffers whose deadline elapsed and returns them so the
// engine can answer with ICMP time-exceeded (reassembly).
func (r *Reassembler) Tick(now core.Ticks) []expiredBuffer {
	var expired []expiredBuffer
	for key, b := range r.buffers {
		if now >= b.deadline {
			expired = append(expired, expiredBuffer{src: key.src, quote: b.quote})
			delete(r.buffers, key)
			metrics.ReassemblyTimeoutsTotal.Inc()
		}
	}
	if expired != nil {
		metrics.ReassemblyActiveBuffers.Set(float64(len(r.buffers)))
	}
	return expired
}

// Flush drops all buffers without ICMP notifications.
func (r *Reassembler) Flush() {
	r.buffers = make(map[fragmentKey]*fragmentBuffer)
	metrics.ReassemblyActiveBuffers.Set(0)
}

// insertBSDRight inserts frag keeping the list sorted; on overlap the
// existing (earlier-arrived) data is preserved and the new fragment trimmed.
func (r *Reassembler) insertBSDRight(b *fragmentBuffer, frag *fragment) {
	fragEnd := frag.offset + frag.length
	if fragEnd > b.highest && !b.finalReceived {
		b.highest = fragEnd
	}

	// First element with offset >= frag.offset.
	var insertBefore *list.Element
	for e := b.frags.Front(); e != nil; e = e.Next() {
		if e.Value.(*fragment).offset >= frag.offset {
			insertBefore = e
			break
		}
	}

	// Trim against the previous fragment.
	startAt := frag.offset
	prevOf := func() *fragment {
		if insertBefore != nil {
			if p := insertBefore.Prev(); p != nil {
				return p.Value.(*fragment)
			}
			return nil
		}
		if b.frags.Len() > 0 {
			return b.frags.Back().Value.(*fragment)
		}
		return nil
	}
	if prev := prevOf(); prev != nil {
		if prevEnd := prev.offset + prev.length; prevEnd > startAt {
			startAt = prevEnd
		}
	}

	// Trim against the next fragment.
	endAt := fragEnd
	if insertBefore != nil {
		if next := insertBefore.Value.(*fragment); next.offset < endAt {
			endAt = next.offset
		}
	}

	if startAt >= endAt {
		return // fully overlapped, discard
	}

	trimmed := &fragment{
		offset:  startAt,
		length:  endAt - startAt,
		payload: frag.payload[startAt-frag.offset : endAt-frag.offset],
	}
	if insertBefore != nil {
		b.frags.InsertBefore(trimmed, insertBefore)
	} else {
		b.frags.PushBack(trimmed)
	}
	b.current += trimmed.length
}

// build concatenates the fragments in offset order.
func (r *Reassembler) build(b *fragmentBuffer) []byte {
	out := make([]byte, b.highest)
	for e := b.frags.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		copy(out[f.offset:f.offset+f.length], f.payload)
	}
	return out
}

func (r *Reassembler) evict(key fragmentKey) {
	if _, ok := r.buffers[key]; ok {
		delete(r.buffers, key)
		metrics.ReassemblyActiveBuffers.Set(float64(len(r.buffers)))
	}
}

// evictOldest removes the buffer with the nearest deadline, the oldest
// incomplete reassembly, to bound table growth.
func (r *Reassembler) evictOldest() {
	var victim fragmentKey
	var best core.Ticks
	found := false
	for key, b := range r.buffers {
		if !found || b.deadline < best {
			victim, best, found = key, b.deadline, true
		}
	}
	if found {
		r.evict(victim)
	}
}
