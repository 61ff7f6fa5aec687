package log

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/hostnet/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range cases {
		got, err := parseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := parseLevel("verbose")
	assert.Error(t, err)
}

func TestInit(t *testing.T) {
	require.NoError(t, Init(config.LogConfig{Level: "info", Format: "json"}))
	require.NoError(t, Init(config.LogConfig{Level: "debug", Format: "text"}))

	assert.Error(t, Init(config.LogConfig{Level: "nope", Format: "json"}))
	assert.Error(t, Init(config.LogConfig{Level: "info", Format: "xml"}))
}

func TestInitFileOutput(t *testing.T) {
	cfg := config.LogConfig{
		Level:  "info",
		Format: "json",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled: true,
				Path:    filepath.Join(t.TempDir(), "hostnet.log"),
			},
		},
	}
	require.NoError(t, Init(cfg))

	// A file output without a path is rejected.
	cfg.Outputs.File.Path = ""
	assert.Error(t, Init(cfg))
}
