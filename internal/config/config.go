// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/hostnet/internal/core"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `hostnet:` root key in YAML.
type GlobalConfig struct {
	TickInterval string          `mapstructure:"tick_interval"` // wall time per tick, e.g. "10ms"
	Interface    InterfaceConfig `mapstructure:"interface"`
	ARP          ARPConfig       `mapstructure:"arp"`
	IP           IPConfig        `mapstructure:"ip"`
	TCP          TCPConfig       `mapstructure:"tcp"`
	UDP          UDPConfig       `mapstructure:"udp"`
	Routes       []RouteConfig   `mapstructure:"routes"`
	Metrics      MetricsConfig   `mapstructure:"metrics"`
	Log          LogConfig       `mapstructure:"log"`
}

// InterfaceConfig describes the single managed interface.
type InterfaceConfig struct {
	Name    string `mapstructure:"name"`
	MAC     string `mapstructure:"mac"`
	Address string `mapstructure:"address"` // CIDR, e.g. "192.168.1.10/24"
	Gateway string `mapstructure:"gateway"` // empty = no default route
	MTU     int    `mapstructure:"mtu"`
}

// ARPConfig tunes the resolver.
type ARPConfig struct {
	CacheTTL      string `mapstructure:"cache_ttl"`
	StaleAfter    string `mapstructure:"stale_after"`
	RetryInterval string `mapstructure:"retry_interval"`
	MaxRetries    int    `mapstructure:"max_retries"`
	QueueLimit    int    `mapstructure:"queue_limit"`
	MaxEntries    int    `mapstructure:"max_entries"`
}

// IPConfig tunes the IPv4 engine.
type IPConfig struct {
	TTL        int              `mapstructure:"ttl"`
	Reassembly ReassemblyConfig `mapstructure:"reassembly"`
}

// ReassemblyConfig controls IP fragment reassembly.
type ReassemblyConfig struct {
	Timeout      string `mapstructure:"timeout"`
	MaxFragments int    `mapstructure:"max_fragments"`
	MaxBuffers   int    `mapstructure:"max_buffers"`
}

// TCPConfig tunes the TCP engine.
type TCPConfig struct {
	MSL            string          `mapstructure:"msl"`
	RTOMin         string          `mapstructure:"rto_min"`
	RTOMax         string          `mapstructure:"rto_max"`
	SynRetries     int             `mapstructure:"syn_retries"`
	Keepalive      KeepaliveConfig `mapstructure:"keepalive"`
	SendBufferSize int             `mapstructure:"send_buffer_size"`
	RecvBufferSize int             `mapstructure:"recv_buffer_size"`
	MaxConns       int             `mapstructure:"max_conns"`
	Congestion     string          `mapstructure:"congestion"` // reno / cubic / bbr
	SACK           bool            `mapstructure:"sack"`
	Timestamps     bool            `mapstructure:"timestamps"`
	WindowScale    int             `mapstructure:"window_scale"` // 0 disables
}

// KeepaliveConfig tunes TCP keepalive probing.
type KeepaliveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Idle     string `mapstructure:"idle"`
	Interval string `mapstructure:"interval"`
	Probes   int    `mapstructure:"probes"`
}

// UDPConfig tunes the UDP endpoint table.
type UDPConfig struct {
	QueueLimit int `mapstructure:"queue_limit"`
}

// RouteConfig is one static route.
type RouteConfig struct {
	Prefix  string `mapstructure:"prefix"`
	Gateway string `mapstructure:"gateway"`
	Metric  int    `mapstructure:"metric"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// configRoot is the top-level wrapper matching the YAML structure `hostnet: ...`.
type configRoot struct {
	Hostnet GlobalConfig `mapstructure:"hostnet"`
}

// Load loads configuration from file.
// The YAML file uses `hostnet:` as root key; env vars use the HOSTNET_
// prefix via the key replacer (e.g., key "hostnet.log.level" → env
// "HOSTNET_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Hostnet

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "hostnet." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("hostnet.tick_interval", "10ms")

	// Interface defaults
	v.SetDefault("hostnet.interface.name", "hn0")
	v.SetDefault("hostnet.interface.mtu", 1500)

	// Log defaults
	v.SetDefault("hostnet.log.level", "info")
	v.SetDefault("hostnet.log.format", "json")
	v.SetDefault("hostnet.log.outputs.file.enabled", false)
	v.SetDefault("hostnet.log.outputs.file.path", "/var/log/hostnet/hostnet.log")
	v.SetDefault("hostnet.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("hostnet.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("hostnet.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("hostnet.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("hostnet.metrics.enabled", true)
	v.SetDefault("hostnet.metrics.listen", ":9091")
	v.SetDefault("hostnet.metrics.path", "/metrics")

	// ARP defaults
	v.SetDefault("hostnet.arp.cache_ttl", "60s")
	v.SetDefault("hostnet.arp.stale_after", "45s")
	v.SetDefault("hostnet.arp.retry_interval", "1s")
	v.SetDefault("hostnet.arp.max_retries", 3)
	v.SetDefault("hostnet.arp.queue_limit", 16)
	v.SetDefault("hostnet.arp.max_entries", 512)

	// IP defaults
	v.SetDefault("hostnet.ip.ttl", 64)
	v.SetDefault("hostnet.ip.reassembly.timeout", "30s")
	v.SetDefault("hostnet.ip.reassembly.max_fragments", 270)
	v.SetDefault("hostnet.ip.reassembly.max_buffers", 1024)

	// TCP defaults
	v.SetDefault("hostnet.tcp.msl", "30s")
	v.SetDefault("hostnet.tcp.rto_min", "200ms")
	v.SetDefault("hostnet.tcp.rto_max", "60s")
	v.SetDefault("hostnet.tcp.syn_retries", 5)
	v.SetDefault("hostnet.tcp.keepalive.enabled", false)
	v.SetDefault("hostnet.tcp.keepalive.idle", "2h")
	v.SetDefault("hostnet.tcp.keepalive.interval", "75s")
	v.SetDefault("hostnet.tcp.keepalive.probes", 9)
	v.SetDefault("hostnet.tcp.send_buffer_size", 65536)
	v.SetDefault("hostnet.tcp.recv_buffer_size", 65536)
	v.SetDefault("hostnet.tcp.max_conns", 1024)
	v.SetDefault("hostnet.tcp.congestion", "reno")
	v.SetDefault("hostnet.tcp.sack", true)
	v.SetDefault("hostnet.tcp.timestamps", true)
	v.SetDefault("hostnet.tcp.window_scale", 7)

	// UDP defaults
	v.SetDefault("hostnet.udp.queue_limit", 64)
}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults that depend on other fields.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if _, err := cfg.TickDuration(); err != nil {
		return err
	}

	if cfg.Interface.Address == "" {
		return fmt.Errorf("interface.address is required")
	}
	prefix, err := netip.ParsePrefix(cfg.Interface.Address)
	if err != nil {
		return fmt.Errorf("invalid interface.address: %w", err)
	}
	if !prefix.Addr().Is4() {
		return fmt.Errorf("interface.address must be IPv4, got %s", prefix.Addr())
	}
	if cfg.Interface.Gateway != "" {
		gw, err := netip.ParseAddr(cfg.Interface.Gateway)
		if err != nil {
			return fmt.Errorf("invalid interface.gateway: %w", err)
		}
		if !prefix.Contains(gw) {
			return fmt.Errorf("interface.gateway %s not on subnet %s", gw, prefix.Masked())
		}
	}
	if cfg.Interface.MAC != "" {
		if _, err := net.ParseMAC(cfg.Interface.MAC); err != nil {
			return fmt.Errorf("invalid interface.mac: %w", err)
		}
	}
	if cfg.Interface.MTU < 576 || cfg.Interface.MTU > 9000 {
		return fmt.Errorf("interface.mtu %d out of range [576, 9000]", cfg.Interface.MTU)
	}

	switch cfg.TCP.Congestion {
	case "reno", "cubic", "bbr":
	default:
		return fmt.Errorf("invalid tcp.congestion: %s (must be reno/cubic/bbr)", cfg.TCP.Congestion)
	}
	if cfg.TCP.WindowScale < 0 || cfg.TCP.WindowScale > 14 {
		return fmt.Errorf("tcp.window_scale %d out of range [0, 14]", cfg.TCP.WindowScale)
	}

	for i, r := range cfg.Routes {
		if _, err := netip.ParsePrefix(r.Prefix); err != nil {
			return fmt.Errorf("invalid routes[%d].prefix: %w", i, err)
		}
		if r.Gateway != "" {
			if _, err := netip.ParseAddr(r.Gateway); err != nil {
				return fmt.Errorf("invalid routes[%d].gateway: %w", i, err)
			}
		}
	}

	// Every duration must parse so the tick conversion cannot fail later.
	for key, s := range map[string]string{
		"arp.cache_ttl":          cfg.ARP.CacheTTL,
		"arp.stale_after":        cfg.ARP.StaleAfter,
		"arp.retry_interval":     cfg.ARP.RetryInterval,
		"ip.reassembly.timeout":  cfg.IP.Reassembly.Timeout,
		"tcp.msl":                cfg.TCP.MSL,
		"tcp.rto_min":            cfg.TCP.RTOMin,
		"tcp.rto_max":            cfg.TCP.RTOMax,
		"tcp.keepalive.idle":     cfg.TCP.Keepalive.Idle,
		"tcp.keepalive.interval": cfg.TCP.Keepalive.Interval,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}

// TickDuration returns the wall time one tick represents.
func (cfg *GlobalConfig) TickDuration() (time.Duration, error) {
	d, err := time.ParseDuration(cfg.TickInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid tick_interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("tick_interval must be positive, got %s", d)
	}
	return d, nil
}

// ToTicks converts a duration string to ticks, rounding up so short
// timeouts never collapse to zero.
func (cfg *GlobalConfig) ToTicks(s string) core.Ticks {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	tick, err := cfg.TickDuration()
	if err != nil {
		return 0
	}
	t := core.Ticks((d + tick - 1) / tick)
	if t == 0 && d > 0 {
		t = 1
	}
	return t
}
