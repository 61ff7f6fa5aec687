package stack

import (
	"net"
	"net/netip"

	"firestige.xyz/hostnet/internal/arp"
	"firestige.xyz/hostnet/internal/config"
	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/ip"
	"firestige.xyz/hostnet/internal/link"
	"firestige.xyz/hostnet/internal/tcp"
	"firestige.xyz/hostnet/internal/udp"
)

// Build assembles a configured stack over dev: tunables converted from wall
// time to ticks, interface addressed, static routes installed.
func Build(cfg *config.GlobalConfig, dev link.Device) (*Stack, error) {
	tick, err := cfg.TickDuration()
	if err != nil {
		return nil, err
	}

	var mac core.HWAddr
	if cfg.Interface.MAC != "" {
		hw, err := net.ParseMAC(cfg.Interface.MAC)
		if err != nil {
			return nil, err
		}
		mac = core.HWAddrFrom(hw)
	}

	sc := Config{
		IP: ip.Config{
			TTL: uint8(cfg.IP.TTL),
			ARP: arp.Config{
				CacheTTL:      cfg.ToTicks(cfg.ARP.CacheTTL),
				StaleAfter:    cfg.ToTicks(cfg.ARP.StaleAfter),
				RetryInterval: cfg.ToTicks(cfg.ARP.RetryInterval),
				MaxRetries:    cfg.ARP.MaxRetries,
				QueueLimit:    cfg.ARP.QueueLimit,
				MaxEntries:    cfg.ARP.MaxEntries,
			},
			Reassembly: ip.ReassemblyConfig{
				Timeout:      cfg.ToTicks(cfg.IP.Reassembly.Timeout),
				MaxFragments: cfg.IP.Reassembly.MaxFragments,
				MaxBuffers:   cfg.IP.Reassembly.MaxBuffers,
			},
		},
		TCP: tcp.Config{
			MSL:               cfg.ToTicks(cfg.TCP.MSL),
			RTOMin:            cfg.ToTicks(cfg.TCP.RTOMin),
			RTOMax:            cfg.ToTicks(cfg.TCP.RTOMax),
			SynRetries:        cfg.TCP.SynRetries,
			KeepaliveInterval: cfg.ToTicks(cfg.TCP.Keepalive.Interval),
			KeepaliveProbes:   cfg.TCP.Keepalive.Probes,
			SendBufferSize:    cfg.TCP.SendBufferSize,
			RecvBufferSize:    cfg.TCP.RecvBufferSize,
			MaxConns:          cfg.TCP.MaxConns,
			CongestionAlg:     cfg.TCP.Congestion,
			EnableSACK:        cfg.TCP.SACK,
			EnableTimestamps:  cfg.TCP.Timestamps,
			WindowScale:       uint8(cfg.TCP.WindowScale),
			TickSeconds:       tick.Seconds(),
		},
		UDP: udp.Config{QueueLimit: cfg.UDP.QueueLimit},
	}
	if cfg.TCP.Keepalive.Enabled {
		sc.TCP.KeepaliveIdle = cfg.ToTicks(cfg.TCP.Keepalive.Idle)
	}

	s := New(cfg.Interface.Name, mac, dev, sc)

	prefix, err := netip.ParsePrefix(cfg.Interface.Address)
	if err != nil {
		return nil, err
	}
	var gw netip.Addr
	if cfg.Interface.Gateway != "" {
		gw, err = netip.ParseAddr(cfg.Interface.Gateway)
		if err != nil {
			return nil, err
		}
	}
	if err := s.Configure(prefix, gw); err != nil {
		return nil, err
	}

	for _, r := range cfg.Routes {
		p, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			return nil, err
		}
		var rgw netip.Addr
		if r.Gateway != "" {
			rgw, err = netip.ParseAddr(r.Gateway)
			if err != nil {
				return nil, err
			}
		}
		s.Routes().Add(ip.Route{Prefix: p, Gateway: rgw, Metric: r.Metric})
	}
	return s, nil
}
