package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
hostnet:
  interface:
    address: "192.168.1.10/24"
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "10ms", cfg.TickInterval)
	assert.Equal(t, "hn0", cfg.Interface.Name)
	assert.Equal(t, 1500, cfg.Interface.MTU)
	assert.Equal(t, "192.168.1.10/24", cfg.Interface.Address)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Log.Outputs.File.Enabled)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	assert.Equal(t, "60s", cfg.ARP.CacheTTL)
	assert.Equal(t, 3, cfg.ARP.MaxRetries)
	assert.Equal(t, 64, cfg.IP.TTL)
	assert.Equal(t, 270, cfg.IP.Reassembly.MaxFragments)

	assert.Equal(t, "30s", cfg.TCP.MSL)
	assert.Equal(t, "200ms", cfg.TCP.RTOMin)
	assert.Equal(t, "reno", cfg.TCP.Congestion)
	assert.True(t, cfg.TCP.SACK)
	assert.True(t, cfg.TCP.Timestamps)
	assert.Equal(t, 7, cfg.TCP.WindowScale)
	assert.False(t, cfg.TCP.Keepalive.Enabled)
	assert.Equal(t, 64, cfg.UDP.QueueLimit)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
hostnet:
  tick_interval: "5ms"
  interface:
    name: "uplink0"
    mac: "02:00:00:aa:bb:cc"
    address: "10.1.2.3/16"
    gateway: "10.1.0.1"
    mtu: 9000
  tcp:
    congestion: "cubic"
    window_scale: 10
    keepalive:
      enabled: true
      idle: "10m"
  routes:
    - prefix: "172.16.0.0/12"
      gateway: "10.1.0.2"
      metric: 50
  log:
    level: "debug"
    format: "text"
`))
	require.NoError(t, err)

	assert.Equal(t, "uplink0", cfg.Interface.Name)
	assert.Equal(t, "10.1.0.1", cfg.Interface.Gateway)
	assert.Equal(t, 9000, cfg.Interface.MTU)
	assert.Equal(t, "cubic", cfg.TCP.Congestion)
	assert.Equal(t, 10, cfg.TCP.WindowScale)
	assert.True(t, cfg.TCP.Keepalive.Enabled)
	assert.Equal(t, "10m", cfg.TCP.Keepalive.Idle)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "172.16.0.0/12", cfg.Routes[0].Prefix)
	assert.Equal(t, 50, cfg.Routes[0].Metric)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing address",
			yaml:    "hostnet:\n  interface:\n    name: hn0\n",
			wantErr: "interface.address is required",
		},
		{
			name:    "address without prefix",
			yaml:    "hostnet:\n  interface:\n    address: \"192.168.1.10\"\n",
			wantErr: "invalid interface.address",
		},
		{
			name:    "ipv6 address",
			yaml:    "hostnet:\n  interface:\n    address: \"fd00::1/64\"\n",
			wantErr: "must be IPv4",
		},
		{
			name:    "gateway off subnet",
			yaml:    "hostnet:\n  interface:\n    address: \"192.168.1.10/24\"\n    gateway: \"10.0.0.1\"\n",
			wantErr: "not on subnet",
		},
		{
			name:    "bad mac",
			yaml:    "hostnet:\n  interface:\n    address: \"192.168.1.10/24\"\n    mac: \"zz:zz\"\n",
			wantErr: "invalid interface.mac",
		},
		{
			name:    "mtu out of range",
			yaml:    "hostnet:\n  interface:\n    address: \"192.168.1.10/24\"\n    mtu: 100\n",
			wantErr: "out of range",
		},
		{
			name:    "unknown congestion",
			yaml:    "hostnet:\n  interface:\n    address: \"192.168.1.10/24\"\n  tcp:\n    congestion: vegas\n",
			wantErr: "invalid tcp.congestion",
		},
		{
			name:    "window scale too large",
			yaml:    "hostnet:\n  interface:\n    address: \"192.168.1.10/24\"\n  tcp:\n    window_scale: 15\n",
			wantErr: "window_scale",
		},
		{
			name:    "bad route prefix",
			yaml:    "hostnet:\n  interface:\n    address: \"192.168.1.10/24\"\n  routes:\n    - prefix: \"not-a-prefix\"\n",
			wantErr: "routes[0].prefix",
		},
		{
			name:    "bad duration",
			yaml:    "hostnet:\n  interface:\n    address: \"192.168.1.10/24\"\n  tcp:\n    msl: \"fast\"\n",
			wantErr: "invalid tcp.msl",
		},
		{
			name:    "bad log level",
			yaml:    "hostnet:\n  interface:\n    address: \"192.168.1.10/24\"\n  log:\n    level: verbose\n",
			wantErr: "invalid log level",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HOSTNET_LOG_LEVEL", "warn")
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestTickDuration(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	d, err := cfg.TickDuration()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, d)

	cfg.TickInterval = "-5ms"
	_, err = cfg.TickDuration()
	require.Error(t, err)
}

func TestToTicks(t *testing.T) {
	cfg := &GlobalConfig{TickInterval: "10ms"}

	assert.Equal(t, uint64(100), uint64(cfg.ToTicks("1s")))
	assert.Equal(t, uint64(1), uint64(cfg.ToTicks("10ms")))
	// Sub-tick durations round up rather than collapsing to zero.
	assert.Equal(t, uint64(1), uint64(cfg.ToTicks("1ms")))
	assert.Equal(t, uint64(2), uint64(cfg.ToTicks("11ms")))
	assert.Equal(t, uint64(0), uint64(cfg.ToTicks("garbage")))
}
