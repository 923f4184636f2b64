package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Capture.Grid.Width)
	assert.Equal(t, 5, cfg.Capture.Grid.Height)
	assert.Equal(t, 200*time.Millisecond, cfg.Capture.HeatmapInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.Capture.AudioInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Operator.RequestDelay)
	assert.Len(t, cfg.WebRTC.ICEServers, 2)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"signal address", func(c *Config) { c.Signal.Address = "" }},
		{"pong must exceed ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"signal rate", func(c *Config) { c.Signal.MessagesPerSecond = 0 }},
		{"signal burst", func(c *Config) { c.Signal.Burst = 0 }},
		{"signal max message size", func(c *Config) { c.Signal.MaxMessageSize = 0 }},
		{"port range half set", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"port range inverted", func(c *Config) {
			c.WebRTC.PortRange.Min = 20000
			c.WebRTC.PortRange.Max = 10000
		}},
		{"ice server without urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"unknown capture source", func(c *Config) { c.Capture.Source = "usb" }},
		{"daq source without url", func(c *Config) { c.Capture.DAQURL = "" }},
		{"zero channels", func(c *Config) { c.Capture.Channels = 0 }},
		{"reference channel out of range", func(c *Config) { c.Capture.ReferenceChannel = 8 }},
		{"zero grid", func(c *Config) { c.Capture.Grid.Height = 0 }},
		{"heatmap interval", func(c *Config) { c.Capture.HeatmapInterval = 0 }},
		{"negotiation timeout", func(c *Config) { c.Capture.NegotiationTimeout = 0 }},
		{"cutoff above nyquist", func(c *Config) { c.Capture.CutoffHz = 30000 }},
		{"operator mode", func(c *Config) { c.Operator.Mode = "loud" }},
		{"operator retry backoff", func(c *Config) { c.Operator.RetryBackoff = 0 }},
		{"operator grid", func(c *Config) { c.Operator.Grid.Width = -1 }},
		{"daqsim channels", func(c *Config) { c.DAQSim.Channels = 0 }},
		{"redis without channel", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Channel = ""
		}},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"log level", func(c *Config) { c.Logging.Level = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_SynthSourceNeedsNoURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.Source = "synth"
	cfg.Capture.DAQURL = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Signal.Address)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
signal:
  address: ":9000"
capture:
  source: synth
  channels: 4
  grid:
    width: 20
    height: 4
  negotiation_timeout: 5s
operator:
  mode: raw
  play_command: ["aplay", "-q"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Signal.Address)
	assert.Equal(t, 4, cfg.Capture.Channels)
	assert.Equal(t, GridConfig{Width: 20, Height: 4}, cfg.Capture.Grid)
	assert.Equal(t, 5*time.Second, cfg.Capture.NegotiationTimeout)
	assert.Equal(t, "raw", cfg.Operator.Mode)
	assert.Equal(t, []string{"aplay", "-q"}, cfg.Operator.PlayCommand)
	// untouched sections keep defaults
	assert.Equal(t, 200*time.Millisecond, cfg.Capture.HeatmapInterval)
}

func TestLoad_InvalidYAMLValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  channels: 0\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "capture.channels")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEAKRELAY_RELAY_URL", "ws://relay.example:8081/ws")
	t.Setenv("LEAKRELAY_LOG_LEVEL", "debug")
	t.Setenv("LEAKRELAY_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.example:8081/ws", cfg.Capture.RelayURL)
	assert.Equal(t, "ws://relay.example:8081/ws", cfg.Operator.RelayURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LEAKRELAY_DAQ_URL=http://daq.local:5000\n"), 0o644))
	t.Setenv("LEAKRELAY_DAQ_URL", "")
	require.NoError(t, os.Unsetenv("LEAKRELAY_DAQ_URL"))

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://daq.local:5000", cfg.Capture.DAQURL)
}

func TestLoadFirst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "second.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signal:\n  address: \":7000\"\n"), 0o644))

	cfg, used, err := LoadFirst(filepath.Join(dir, "first.yaml"), path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, ":7000", cfg.Signal.Address)

	cfg, used, err = LoadFirst(filepath.Join(dir, "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, used)
	assert.Equal(t, ":8081", cfg.Signal.Address)
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Signal, cfg.Signal)
	assert.Equal(t, def.WebRTC, cfg.WebRTC)
	assert.Equal(t, def.DAQSim, cfg.DAQSim)
	assert.Equal(t, def.Redis, cfg.Redis)
	assert.Equal(t, def.Operator.SnapshotRate, cfg.Operator.SnapshotRate)
	assert.Equal(t, def.Capture.Grid, cfg.Capture.Grid)
}
