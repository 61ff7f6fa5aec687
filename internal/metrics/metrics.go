// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts frames crossing the link boundary by direction.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostnet_frames_total",
			Help: "Total Ethernet frames processed",
		},
		[]string{"direction"},
	)

	// DropsTotal counts silently dropped inputs by reason: bad_checksum,
	// bad_header, unknown_ethertype, out_of_window, no_route, link_down.
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostnet_drops_total",
			Help: "Total inputs dropped without surfacing an error",
		},
		[]string{"layer", "reason"},
	)

	// ArpCacheSize tracks resolved plus pending ARP entries.
	ArpCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostnet_arp_cache_size",
			Help: "Current number of ARP cache entries",
		},
	)

	// ArpTimeoutsTotal counts pending ARP entries dropped after the retry
	// bound was exhausted.
	ArpTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostnet_arp_timeouts_total",
			Help: "Total ARP resolutions abandoned after bounded retries",
		},
	)

	// ReassemblyActiveBuffers tracks IP fragment buffers awaiting completion.
	ReassemblyActiveBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostnet_reassembly_active_buffers",
			Help: "Number of active IP fragment reassembly buffers",
		},
	)

	// ReassemblyTimeoutsTotal counts fragment buffers discarded at deadline.
	ReassemblyTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostnet_reassembly_timeouts_total",
			Help: "Total IP reassembly buffers expired before completion",
		},
	)

	// IcmpMessagesTotal counts ICMP messages by type and direction.
	IcmpMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostnet_icmp_messages_total",
			Help: "Total ICMP messages sent and received",
		},
		[]string{"direction", "type"},
	)

	// TcpConnections tracks live TCP connections by FSM state.
	TcpConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostnet_tcp_connections",
			Help: "Current TCP connections by state",
		},
		[]string{"state"},
	)

	// TcpSegmentsTotal counts TCP segments by direction.
	TcpSegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostnet_tcp_segments_total",
			Help: "Total TCP segments processed",
		},
		[]string{"direction"},
	)

	// TcpRetransmitsTotal counts retransmissions by trigger: rto, fast, sack.
	TcpRetransmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostnet_tcp_retransmits_total",
			Help: "Total TCP segment retransmissions",
		},
		[]string{"trigger"},
	)

	// TcpPersistProbesTotal counts zero-window probe transmissions.
	TcpPersistProbesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostnet_tcp_persist_probes_total",
			Help: "Total zero-window persist probes sent",
		},
	)

	// TcpResetsTotal counts RST segments by direction.
	TcpResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostnet_tcp_resets_total",
			Help: "Total TCP RST segments",
		},
		[]string{"direction"},
	)

	// UdpDatagramsTotal counts UDP datagrams by direction.
	UdpDatagramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostnet_udp_datagrams_total",
			Help: "Total UDP datagrams processed",
		},
		[]string{"direction"},
	)
)
