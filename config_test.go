package rtctrack

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 500*time.Millisecond, cfg.Stats.PollInterval)
	assert.Equal(t, "vp8", cfg.Local.Codec)
	assert.Equal(t, BitrateUnset, cfg.Local.BitrateKbps)
	assert.Equal(t, "gcc", cfg.Local.CongestionControl)
	assert.Equal(t, time.Second, cfg.Remote.FreezeTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Remote.KeyframeRequestBackoff)
	assert.Equal(t, DefaultMTU, cfg.Network.MTU)

	enc, err := cfg.Local.EncoderConfiguration()
	require.NoError(t, err)
	assert.Equal(t, DefaultVideoEncoderConfiguration(), enc)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtctrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  format: json
local:
  codec: h264
  width: 1280
  height: 720
  frame_rate: 30
  orientation_mode: fixed-portrait
  congestion_control: none
remote:
  freeze_timeout: 2s
network:
  mtu: 1000
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2*time.Second, cfg.Remote.FreezeTimeout)
	assert.Equal(t, time.Second, cfg.Remote.ReceiverReportInterval, "unset keys keep defaults")
	assert.Equal(t, 1000, cfg.Network.MTU)

	enc, err := cfg.Local.EncoderConfiguration()
	require.NoError(t, err)
	assert.Equal(t, VideoCodecH264, enc.Codec)
	assert.Equal(t, OrientationFixedPortrait, enc.OrientationMode)
	w, h := enc.OutputSize()
	assert.Equal(t, 720, w)
	assert.Equal(t, 1280, h)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("RTCTRACK_LOCAL_BITRATE_KBPS", "900")
	t.Setenv("RTCTRACK_REMOTE_FREEZE_TIMEOUT", "3s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 900, cfg.Local.BitrateKbps)
	assert.Equal(t, 3*time.Second, cfg.Remote.FreezeTimeout)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("local:\n  codec: theora\n"), 0o644))
	_, err = LoadConfig(bad)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero width", func(c *Config) { c.Local.Width = 0 }},
		{"bad orientation", func(c *Config) { c.Local.OrientationMode = "diagonal" }},
		{"bad congestion mode", func(c *Config) { c.Local.CongestionControl = "bbr" }},
		{"zero poll interval", func(c *Config) { c.Stats.PollInterval = 0 }},
		{"zero freeze timeout", func(c *Config) { c.Remote.FreezeTimeout = 0 }},
		{"zero report interval", func(c *Config) { c.Remote.ReceiverReportInterval = 0 }},
		{"tiny mtu", func(c *Config) { c.Network.MTU = 100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidArgument)
		})
	}
}

func TestParseOrientationMode(t *testing.T) {
	tests := []struct {
		in   string
		want OrientationMode
	}{
		{"", OrientationAdaptive},
		{"adaptive", OrientationAdaptive},
		{"Fixed_Landscape", OrientationFixedLandscape},
		{"landscape", OrientationFixedLandscape},
		{"fixed-portrait", OrientationFixedPortrait},
	}
	for _, tt := range tests {
		got, err := ParseOrientationMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseOrientationMode("upside-down")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
