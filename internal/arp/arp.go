// Package arp implements IPv4 address resolution over Ethernet.
//
// The resolver owns the IP→MAC cache and the per-IP queues of outbound
// datagrams waiting on resolution. It is driven entirely by the stack tick:
// request retries, stale refresh and hard expiry all advance on Tick. No
// goroutines, no locks: the stack's cooperative model owns all state.
package arp

import (
	"log/slog"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/metrics"
)

// Output is the frame egress the resolver transmits through. Implemented by
// the stack over the link device.
type Output interface {
	TransmitFrame(dst core.HWAddr, etherType uint16, payload []byte) error
}

// Config holds resolver tunables, already converted to ticks.
type Config struct {
	// CacheTTL is the hard lifetime of a resolved entry.
	CacheTTL core.Ticks
	// StaleAfter is when a resolved entry becomes stale and is proactively
	// re-requested. Must be below CacheTTL to avoid resolution stalls.
	StaleAfter core.Ticks
	// RetryInterval is the first request retry interval; it doubles per
	// retry (exponential backoff).
	RetryInterval core.Ticks
	// MaxRetries bounds requests per pending resolution. Past the bound the
	// pending queue is dropped; upper-layer timeouts surface the failure.
	MaxRetries int
	// QueueLimit bounds frames queued per pending entry; excess is dropped
	// oldest-first.
	QueueLimit int
	// MaxEntries bounds the neighbor cache. Past the bound, a stale entry
	// is evicted first, then the resolved entry closest to expiry.
	MaxEntries int
}

type entryState uint8

const (
	statePending entryState = iota
	stateResolved
	stateStale
)

type pendingFrame struct {
	etherType uint16
	payload   []byte
}

type entry struct {
	mac       core.HWAddr
	state     entryState
	expiresAt core.Ticks // hard expiry (resolved/stale)
	staleAt   core.Ticks
	nextTryAt core.Ticks // pending: next request; stale: next refresh
	interval  core.Ticks // current backoff interval
	retries   int
	queue     []pendingFrame
}

// Resolver maps IPv4 addresses to MACs for one interface.
type Resolver struct {
	iface  *core.Interface
	out    Output
	cfg    Config
	cache  map[netip.Addr]*entry
	logger *slog.Logger
	now    core.Ticks
}

// New creates a resolver bound to iface. The interface address may still be
// unset; requests are only sent while the interface is configured and up.
func New(iface *core.Interface, out Output, cfg Config) *Resolver {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 16
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 1
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 512
	}
	return &Resolver{
		iface:  iface,
		out:    out,
		cfg:    cfg,
		cache:  make(map[netip.Addr]*entry),
		logger: slog.Default().With("component", "arp"),
	}
}

// Lookup returns the MAC for ip when known. A stale hit still returns the
// old MAC so sends are not stalled; the refresh is already scheduled.
func (r *Resolver) Lookup(ip netip.Addr) (core.HWAddr, bool) {
	e, ok := r.cache[ip]
	if !ok || e.state == statePending {
		return core.HWAddr{}, false
	}
	return e.mac, true
}

// Enqueue queues an outbound payload for ip and kicks off resolution if none
// is in flight. The caller observes no synchronous failure: an abandoned
// resolution simply never transmits the queue.
func (r *Resolver) Enqueue(ip netip.Addr, etherType uint16, payload []byte) {
	e, ok := r.cache[ip]
	if ok && e.state != statePending {
		// Raced with resolution; transmit directly.
		_ = r.out.TransmitFrame(e.mac, etherType, payload)
		return
	}
	if !ok {
		r.ensureRoom()
		e = &entry{
			state:     statePending,
			interval:  r.cfg.RetryInterval,
			nextTryAt: r.now + r.cfg.RetryInterval,
		}
		r.cache[ip] = e
		metrics.ArpCacheSize.Set(float64(len(r.cache)))
		r.sendRequest(ip)
	}
	if len(e.queue) >= r.cfg.QueueLimit {
		e.queue = e.queue[1:]
		metrics.DropsTotal.WithLabelValues("arp", "queue_full").Inc()
	}
	e.queue = append(e.queue, pendingFrame{etherType: etherType, payload: payload})
}

// HandlePacket processes one received ARP packet: answers requests for the
// interface address and learns sender mappings, draining any pending queue.
func (r *Resolver) HandlePacket(pkt *layers.ARP) {
	if pkt.AddrType != layers.LinkTypeEthernet || pkt.Protocol != layers.EthernetTypeIPv4 ||
		pkt.HwAddressSize != 6 || pkt.ProtAddressSize != 4 {
		metrics.DropsTotal.WithLabelValues("arp", "bad_header").Inc()
		return
	}
	senderIP, ok := netip.AddrFromSlice(pkt.SourceProtAddress)
	if !ok {
		return
	}
	senderMAC := core.HWAddrFrom(net.HardwareAddr(pkt.SourceHwAddress))
	targetIP, _ := netip.AddrFromSlice(pkt.DstProtAddress)

	// Learn the sender mapping regardless of operation. Gratuitous ARP from
	// peers refreshes entries the same way.
	if !senderMAC.IsZero() && senderIP.IsValid() && senderIP != r.iface.Addr {
		r.learn(senderIP, senderMAC)
	}

	if pkt.Operation == layers.ARPRequest && targetIP == r.iface.Addr && r.iface.Up {
		r.sendReply(senderMAC, senderIP)
	}
}

// Announce broadcasts a gratuitous ARP for the interface address. Called on
// interface-up to refresh neighbors' caches.
func (r *Resolver) Announce() {
	if !r.iface.Addr.IsValid() || !r.iface.Up {
		return
	}
	r.transmit(layers.ARPRequest, core.BroadcastHWAddr, core.BroadcastHWAddr, r.iface.Addr)
}

// Flush invalidates the whole cache, dropping pending queues. Called on
// link-down.
func (r *Resolver) Flush() {
	r.cache = make(map[netip.Addr]*entry)
	metrics.ArpCacheSize.Set(0)
}

// Tick advances retries, stale refresh and expiry to now.
func (r *Resolver) Tick(now core.Ticks) {
	r.now = now
	for ip, e := range r.cache {
		switch e.state {
		case statePending:
			if now < e.nextTryAt {
				continue
			}
			if e.retries >= r.cfg.MaxRetries {
				r.logger.Debug("resolution abandoned", "ip", ip.String(), "queued", len(e.queue))
				metrics.ArpTimeoutsTotal.Inc()
				delete(r.cache, ip)
				metrics.ArpCacheSize.Set(float64(len(r.cache)))
				continue
			}
			r.sendRequest(ip)
			e.retries++
			e.interval *= 2
			e.nextTryAt = now + e.interval

		case stateResolved:
			if now >= e.expiresAt {
				delete(r.cache, ip)
				metrics.ArpCacheSize.Set(float64(len(r.cache)))
			} else if now >= e.staleAt {
				e.state = stateStale
				e.nextTryAt = now
			}

		case stateStale:
			if now >= e.expiresAt {
				delete(r.cache, ip)
				metrics.ArpCacheSize.Set(float64(len(r.cache)))
			} else if now >= e.nextTryAt {
				r.sendRequest(ip)
				e.nextTryAt = now + r.cfg.RetryInterval
			}
		}
	}
}

// learn installs or refreshes a mapping and drains any queued frames in FIFO
// order.
func (r *Resolver) learn(ip netip.Addr, mac core.HWAddr) {
	e, ok := r.cache[ip]
	if !ok {
		r.ensureRoom()
		e = &entry{}
		r.cache[ip] = e
		metrics.ArpCacheSize.Set(float64(len(r.cache)))
	}
	queue := e.queue
	e.mac = mac
	e.state = stateResolved
	e.queue = nil
	e.retries = 0
	e.interval = r.cfg.RetryInterval
	e.staleAt = r.now + r.cfg.StaleAfter
	e.expiresAt = r.now + r.cfg.CacheTTL
	for _, f := range queue {
		_ = r.out.TransmitFrame(mac, f.etherType, f.payload)
	}
}

// ensureRoom evicts one entry when the cache is at capacity so a new
// neighbor can be inserted. Stale entries go first, then the resolved entry
// closest to expiry, then the oldest pending resolution.
func (r *Resolver) ensureRoom() {
	if len(r.cache) < r.cfg.MaxEntries {
		return
	}
	var victim netip.Addr
	bestRank := -1
	var bestAt core.Ticks
	for ip, e := range r.cache {
		rank, at := 2, e.nextTryAt
		switch e.state {
		case stateStale:
			rank, at = 0, e.expiresAt
		case stateResolved:
			rank, at = 1, e.expiresAt
		}
		if bestRank == -1 || rank < bestRank || (rank == bestRank && at < bestAt) {
			victim, bestRank, bestAt = ip, rank, at
		}
	}
	if bestRank >= 0 {
		delete(r.cache, victim)
		metrics.DropsTotal.WithLabelValues("arp", "cache_full").Inc()
		metrics.ArpCacheSize.Set(float64(len(r.cache)))
	}
}

func (r *Resolver) sendRequest(target netip.Addr) {
	if !r.iface.Up {
		return
	}
	r.transmit(layers.ARPRequest, core.HWAddr{}, core.BroadcastHWAddr, target)
}

func (r *Resolver) sendReply(dstMAC core.HWAddr, dstIP netip.Addr) {
	r.transmit(layers.ARPReply, dstMAC, dstMAC, dstIP)
}

// transmit builds and sends one ARP packet. targetMAC is the protocol-level
// target hardware address; frameDst the Ethernet destination.
func (r *Resolver) transmit(op uint16, targetMAC, frameDst core.HWAddr, targetIP netip.Addr) {
	src := r.iface.Addr.As4()
	dst := targetIP.As4()
	pkt := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   r.iface.MAC.HardwareAddr(),
		SourceProtAddress: src[:],
		DstHwAddress:      targetMAC.HardwareAddr(),
		DstProtAddress:    dst[:],
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &pkt); err != nil {
		r.logger.Error("serialize failed", "error", err)
		return
	}
	_ = r.out.TransmitFrame(frameDst, core.EtherTypeARP, buf.Bytes())
}
