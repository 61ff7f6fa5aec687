package arp

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/hostnet/internal/core"
)

type frameRec struct {
	dst       core.HWAddr
	etherType uint16
	payload   []byte
}

type frameSink struct {
	frames []frameRec
}

func (s *frameSink) TransmitFrame(dst core.HWAddr, etherType uint16, payload []byte) error {
	s.frames = append(s.frames, frameRec{dst, etherType, append([]byte(nil), payload...)})
	return nil
}

func (s *frameSink) reset() { s.frames = nil }

func (s *frameSink) requests() int {
	n := 0
	for _, f := range s.frames {
		if f.etherType != core.EtherTypeARP {
			continue
		}
		var pkt layers.ARP
		if err := pkt.DecodeFromBytes(f.payload, gopacket.NilDecodeFeedback); err == nil &&
			pkt.Operation == layers.ARPRequest {
			n++
		}
	}
	return n
}

var (
	hostMAC  = core.HWAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	hostAddr = netip.MustParseAddr("10.0.0.1")
	peerMAC  = core.HWAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	peerAddr = netip.MustParseAddr("10.0.0.2")
)

func newTestResolver(cfg Config) (*Resolver, *frameSink) {
	iface := &core.Interface{
		Name:   "hn0",
		MAC:    hostMAC,
		Addr:   hostAddr,
		Prefix: netip.PrefixFrom(hostAddr, 24),
		MTU:    1500,
		Up:     true,
	}
	sink := &frameSink{}
	return New(iface, sink, cfg), sink
}

func arpFrom(op uint16, srcMAC core.HWAddr, srcIP netip.Addr, dstMAC core.HWAddr, dstIP netip.Addr) *layers.ARP {
	return &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC.HardwareAddr(),
		SourceProtAddress: srcIP.AsSlice(),
		DstHwAddress:      dstMAC.HardwareAddr(),
		DstProtAddress:    dstIP.AsSlice(),
	}
}

func TestPendingQueueDrainsInOrder(t *testing.T) {
	r, sink := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2})

	r.Enqueue(peerAddr, core.EtherTypeIPv4, []byte("first"))
	r.Enqueue(peerAddr, core.EtherTypeIPv4, []byte("second"))
	r.Enqueue(peerAddr, core.EtherTypeIPv4, []byte("third"))
	if got := sink.requests(); got != 1 {
		t.Fatalf("requests while pending = %d, want 1", got)
	}
	sink.reset()

	r.HandlePacket(arpFrom(layers.ARPReply, peerMAC, peerAddr, hostMAC, hostAddr))
	if len(sink.frames) != 3 {
		t.Fatalf("drained frames = %d, want 3", len(sink.frames))
	}
	for i, want := range []string{"first", "second", "third"} {
		f := sink.frames[i]
		if f.dst != peerMAC || !bytes.Equal(f.payload, []byte(want)) {
			t.Fatalf("frame %d: dst=%v payload=%q, want %q", i, f.dst, f.payload, want)
		}
	}
	if mac, ok := r.Lookup(peerAddr); !ok || mac != peerMAC {
		t.Fatalf("lookup after reply = %v, %v", mac, ok)
	}
}

func TestRetryBackoffAndAbandon(t *testing.T) {
	r, sink := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2, MaxRetries: 3})

	r.Enqueue(peerAddr, core.EtherTypeIPv4, []byte("stuck"))
	if got := sink.requests(); got != 1 {
		t.Fatalf("initial requests = %d, want 1", got)
	}

	// Interval doubles per retry: 2, 4, 8.
	r.Tick(1)
	if got := sink.requests(); got != 1 {
		t.Fatalf("requests at tick 1 = %d, want 1", got)
	}
	r.Tick(2)
	if got := sink.requests(); got != 2 {
		t.Fatalf("requests at tick 2 = %d, want 2", got)
	}
	r.Tick(5)
	if got := sink.requests(); got != 2 {
		t.Fatalf("requests at tick 5 = %d, want 2", got)
	}
	r.Tick(6)
	if got := sink.requests(); got != 3 {
		t.Fatalf("requests at tick 6 = %d, want 3", got)
	}
	r.Tick(14)
	if got := sink.requests(); got != 4 {
		t.Fatalf("requests at tick 14 = %d, want 4", got)
	}

	// Retry budget exhausted: the entry and its queue are dropped.
	r.Tick(30)
	sink.reset()
	r.HandlePacket(arpFrom(layers.ARPReply, peerMAC, peerAddr, hostMAC, hostAddr))
	if len(sink.frames) != 0 {
		t.Fatalf("abandoned queue transmitted %d frames", len(sink.frames))
	}
}

func TestStaleEntryRefreshes(t *testing.T) {
	r, sink := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2})

	r.Tick(10)
	r.HandlePacket(arpFrom(layers.ARPReply, peerMAC, peerAddr, hostMAC, hostAddr))
	sink.reset()

	r.Tick(59)
	if got := sink.requests(); got != 0 {
		t.Fatalf("refresh before stale deadline: %d requests", got)
	}
	r.Tick(60)
	r.Tick(60)
	if got := sink.requests(); got != 1 {
		t.Fatalf("refresh requests = %d, want 1", got)
	}
	// Stale entries still resolve so sends do not stall.
	if mac, ok := r.Lookup(peerAddr); !ok || mac != peerMAC {
		t.Fatalf("stale lookup = %v, %v", mac, ok)
	}

	// A reply restores the resolved state and pushes out both deadlines.
	r.HandlePacket(arpFrom(layers.ARPReply, peerMAC, peerAddr, hostMAC, hostAddr))
	sink.reset()
	r.Tick(105)
	if got := sink.requests(); got != 0 {
		t.Fatalf("refreshed entry re-requested: %d requests", got)
	}
	if _, ok := r.Lookup(peerAddr); !ok {
		t.Fatal("refreshed entry missing")
	}
}

func TestHardExpiry(t *testing.T) {
	r, _ := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2})

	r.Tick(10)
	r.HandlePacket(arpFrom(layers.ARPReply, peerMAC, peerAddr, hostMAC, hostAddr))

	r.Tick(110)
	if _, ok := r.Lookup(peerAddr); ok {
		t.Fatal("entry survived past hard expiry")
	}
}

func TestCacheCapEvictsStaleFirst(t *testing.T) {
	r, _ := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2, MaxEntries: 3})

	mac := func(i byte) core.HWAddr { return core.HWAddr{0x02, 0, 0, 0, 0, i} }
	ip := func(i byte) netip.Addr { return netip.AddrFrom4([4]byte{10, 0, 0, i}) }

	// Three neighbors learned at staggered times fill the cache.
	for i := byte(2); i <= 4; i++ {
		r.Tick(core.Ticks(i-2) * 10)
		r.HandlePacket(arpFrom(layers.ARPReply, mac(i), ip(i), hostMAC, hostAddr))
	}
	if len(r.cache) != 3 {
		t.Fatalf("cache size = %d, want 3", len(r.cache))
	}

	// By tick 55 only the first entry has gone stale; a new neighbor must
	// displace it rather than grow the cache.
	r.Tick(55)
	r.HandlePacket(arpFrom(layers.ARPReply, mac(5), ip(5), hostMAC, hostAddr))
	if len(r.cache) != 3 {
		t.Fatalf("cache size after cap = %d, want 3", len(r.cache))
	}
	if _, ok := r.Lookup(ip(2)); ok {
		t.Fatal("stale entry must be the first eviction victim")
	}

	// With no stale entries left, the resolved entry closest to expiry goes.
	r.HandlePacket(arpFrom(layers.ARPReply, mac(6), ip(6), hostMAC, hostAddr))
	if _, ok := r.Lookup(ip(3)); ok {
		t.Fatal("resolved entry closest to expiry must be evicted next")
	}
	for i := byte(4); i <= 6; i++ {
		if _, ok := r.Lookup(ip(i)); !ok {
			t.Fatalf("neighbor 10.0.0.%d lost from the cache", i)
		}
	}
}

func TestRequestForOurAddressAnswered(t *testing.T) {
	r, sink := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2})

	r.HandlePacket(arpFrom(layers.ARPRequest, peerMAC, peerAddr, core.HWAddr{}, hostAddr))

	if len(sink.frames) != 1 {
		t.Fatalf("frames = %d, want 1 reply", len(sink.frames))
	}
	f := sink.frames[0]
	if f.dst != peerMAC || f.etherType != core.EtherTypeARP {
		t.Fatalf("reply dst=%v etherType=%#04x", f.dst, f.etherType)
	}
	var pkt layers.ARP
	if err := pkt.DecodeFromBytes(f.payload, gopacket.NilDecodeFeedback); err != nil {
		t.Fatal(err)
	}
	if pkt.Operation != layers.ARPReply {
		t.Fatalf("operation = %d, want reply", pkt.Operation)
	}
	if !bytes.Equal(pkt.SourceHwAddress, hostMAC.HardwareAddr()) ||
		!bytes.Equal(pkt.SourceProtAddress, hostAddr.AsSlice()) {
		t.Fatalf("reply source %x / %v", pkt.SourceHwAddress, pkt.SourceProtAddress)
	}
	if !bytes.Equal(pkt.DstProtAddress, peerAddr.AsSlice()) {
		t.Fatalf("reply target %v", pkt.DstProtAddress)
	}

	// The requester's mapping was learned in passing.
	if mac, ok := r.Lookup(peerAddr); !ok || mac != peerMAC {
		t.Fatalf("sender not learned: %v, %v", mac, ok)
	}
}

func TestRequestForOtherAddressIgnored(t *testing.T) {
	r, sink := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2})

	r.HandlePacket(arpFrom(layers.ARPRequest, peerMAC, peerAddr, core.HWAddr{}, netip.MustParseAddr("10.0.0.9")))
	if len(sink.frames) != 0 {
		t.Fatalf("answered a request for another host: %d frames", len(sink.frames))
	}
}

func TestAnnounceBroadcastsGratuitous(t *testing.T) {
	r, sink := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2})

	r.Announce()
	if len(sink.frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(sink.frames))
	}
	f := sink.frames[0]
	if f.dst != core.BroadcastHWAddr {
		t.Fatalf("announce dst = %v, want broadcast", f.dst)
	}
	var pkt layers.ARP
	if err := pkt.DecodeFromBytes(f.payload, gopacket.NilDecodeFeedback); err != nil {
		t.Fatal(err)
	}
	if pkt.Operation != layers.ARPRequest || !bytes.Equal(pkt.DstProtAddress, hostAddr.AsSlice()) {
		t.Fatalf("announce op=%d target=%v", pkt.Operation, pkt.DstProtAddress)
	}
}

func TestQueueLimitDropsOldest(t *testing.T) {
	r, sink := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2, QueueLimit: 2})

	r.Enqueue(peerAddr, core.EtherTypeIPv4, []byte("one"))
	r.Enqueue(peerAddr, core.EtherTypeIPv4, []byte("two"))
	r.Enqueue(peerAddr, core.EtherTypeIPv4, []byte("three"))
	sink.reset()

	r.HandlePacket(arpFrom(layers.ARPReply, peerMAC, peerAddr, hostMAC, hostAddr))
	if len(sink.frames) != 2 {
		t.Fatalf("drained frames = %d, want 2", len(sink.frames))
	}
	if !bytes.Equal(sink.frames[0].payload, []byte("two")) ||
		!bytes.Equal(sink.frames[1].payload, []byte("three")) {
		t.Fatalf("drained %q, %q; oldest should have been dropped",
			sink.frames[0].payload, sink.frames[1].payload)
	}
}

func TestFlushDropsEverything(t *testing.T) {
	r, _ := newTestResolver(Config{CacheTTL: 100, StaleAfter: 50, RetryInterval: 2})

	r.HandlePacket(arpFrom(layers.ARPReply, peerMAC, peerAddr, hostMAC, hostAddr))
	r.Flush()
	if _, ok := r.Lookup(peerAddr); ok {
		t.Fatal("entry survived flush")
	}
}
