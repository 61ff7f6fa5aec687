// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net"
	"net/netip"
)

// Ticks is the stack's logical clock. The scheduler driver advances it by
// calling Stack.Tick once per iteration; all timer deadlines are expressed
// in ticks. Zero is "never" for deadline fields.
type Ticks uint64

// HWAddr is a 48-bit Ethernet MAC address.
type HWAddr [6]byte

// BroadcastHWAddr is the Ethernet broadcast address ff:ff:ff:ff:ff:ff.
var BroadcastHWAddr = HWAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// IsZero reports whether the address is all zeros (unset).
func (a HWAddr) IsZero() bool {
	return a == HWAddr{}
}

// IsBroadcast reports whether the address is the broadcast address.
func (a HWAddr) IsBroadcast() bool {
	return a == BroadcastHWAddr
}

func (a HWAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// HardwareAddr converts to the stdlib representation used by gopacket layers.
func (a HWAddr) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr{a[0], a[1], a[2], a[3], a[4], a[5]}
}

// HWAddrFrom converts a stdlib hardware address. Non-Ethernet lengths yield
// the zero address.
func HWAddrFrom(mac net.HardwareAddr) HWAddr {
	var a HWAddr
	if len(mac) == 6 {
		copy(a[:], mac)
	}
	return a
}

// EtherType values this stack demuxes. Everything else is dropped.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// IP protocol numbers.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Interface describes one network interface: addressing supplied by the
// configuration collaborator (static or DHCP-derived), MTU and MAC from the
// device. One per interface, mutated only by configuration calls.
type Interface struct {
	Name    string
	MAC     HWAddr
	Addr    netip.Addr
	Prefix  netip.Prefix // Addr/mask; invalid until configured
	Gateway netip.Addr
	MTU     int
	Up      bool
}

// Broadcast returns the subnet broadcast address for the interface prefix.
func (i *Interface) Broadcast() netip.Addr {
	if !i.Prefix.IsValid() {
		return netip.Addr{}
	}
	a := i.Prefix.Masked().Addr().As4()
	bits := i.Prefix.Bits()
	for b := bits; b < 32; b++ {
		a[b/8] |= 1 << (7 - b%8)
	}
	return netip.AddrFrom4(a)
}

// Contains reports whether ip is on the interface's directly attached subnet.
func (i *Interface) Contains(ip netip.Addr) bool {
	return i.Prefix.IsValid() && i.Prefix.Contains(ip)
}

// RawFrame is one Ethernet frame as handed over by the frame I/O adapter.
type RawFrame struct {
	Data []byte // full frame, starting at the destination MAC
	At   Ticks  // tick at which the frame was drained from the device
}

// FourTuple uniquely identifies a TCP connection.
type FourTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

func (t FourTuple) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", t.LocalAddr, t.LocalPort, t.RemoteAddr, t.RemotePort)
}
