// Package link defines the frame I/O boundary consumed by the stack.
//
// The NIC driver itself lives outside this module; the stack only sees the
// Device interface: raw Ethernet TX/RX, link state and MTU. PipeDevice is an
// in-memory implementation used by tests and the demo loop.
package link

import "firestige.xyz/hostnet/internal/core"

// Device is the frame I/O adapter. Transmit hands a complete Ethernet frame
// to the driver; Poll drains one received frame without blocking. Neither
// call may re-enter the stack.
type Device interface {
	// Transmit queues one frame for transmission. The buffer is owned by
	// the device after the call returns.
	Transmit(frame []byte) error

	// Poll returns the next received frame, or ok=false when the RX queue
	// is empty.
	Poll() (frame []byte, ok bool)

	// MTU is the link MTU in bytes, excluding the Ethernet header.
	MTU() int

	// Up reports link state.
	Up() bool
}

// PipeDevice is one end of an in-memory Ethernet link. Frames transmitted on
// one end appear on the peer's RX queue in order. Loss and reordering can be
// injected for tests.
type PipeDevice struct {
	peer *PipeDevice
	rx   [][]byte
	mtu  int
	up   bool

	// DropNext discards the next n transmitted frames. Tests use it to
	// simulate loss.
	DropNext int

	// TxCount counts frames accepted for transmission, including dropped
	// ones.
	TxCount int
}

// NewPipe returns two connected devices. Both start up with the given MTU.
func NewPipe(mtu int) (*PipeDevice, *PipeDevice) {
	a := &PipeDevice{mtu: mtu, up: true}
	b := &PipeDevice{mtu: mtu, up: true}
	a.peer = b
	b.peer = a
	return a, b
}

func (d *PipeDevice) Transmit(frame []byte) error {
	if !d.up {
		return core.ErrLinkDown
	}
	if len(frame) > d.mtu+EthernetHeaderLen {
		return core.ErrFrameTooLarge
	}
	d.TxCount++
	if d.DropNext > 0 {
		d.DropNext--
		return nil
	}
	d.peer.rx = append(d.peer.rx, frame)
	return nil
}

func (d *PipeDevice) Poll() ([]byte, bool) {
	if len(d.rx) == 0 {
		return nil, false
	}
	f := d.rx[0]
	d.rx = d.rx[1:]
	return f, true
}

func (d *PipeDevice) MTU() int { return d.mtu }

func (d *PipeDevice) Up() bool { return d.up }

// SetUp changes link state. Taking the link down flushes the RX queue.
func (d *PipeDevice) SetUp(up bool) {
	d.up = up
	if !up {
		d.rx = nil
	}
}
