package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// ICEServer is one STUN or TURN endpoint handed to peer connections.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// GridConfig is the heatmap geometry in cells.
type GridConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// CaptureConfig is the capture node section.
type CaptureConfig struct {
	RelayURL           string        `yaml:"relay_url"`
	Source             string        `yaml:"source"` // daq, synth or ffmpeg
	DAQURL             string        `yaml:"daq_url"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	Channels           int           `yaml:"channels"`
	SampleRate         int           `yaml:"sample_rate"`
	ReferenceChannel   int           `yaml:"reference_channel"`
	Grid               GridConfig    `yaml:"grid"`
	HeatmapInterval    time.Duration `yaml:"heatmap_interval"`
	AudioInterval      time.Duration `yaml:"audio_interval"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	MaxBufferedAmount  uint64        `yaml:"max_buffered_amount"`
	SnapshotSamples    int           `yaml:"snapshot_samples"`
	WindowSamples      int           `yaml:"window_samples"`
	CutoffHz           float64       `yaml:"cutoff_hz"`
	RingCapacity       int           `yaml:"ring_capacity"`
	ChunkSamples       int           `yaml:"chunk_samples"`
	LockFile           string        `yaml:"lock_file"`
	FFmpeg             struct {
		Path   string `yaml:"path"`
		Format string `yaml:"format"`
		Device string `yaml:"device"`
	} `yaml:"ffmpeg"`
}

type Config struct {
	Signal struct {
		Address           string        `yaml:"address"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		MaxMessageSize    int64         `yaml:"max_message_size"`
		ConnectsPerSecond float64       `yaml:"connects_per_second"`
		ConnectBurst      int           `yaml:"connect_burst"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Capture CaptureConfig `yaml:"capture"`

	Operator struct {
		RelayURL      string        `yaml:"relay_url"`
		PlaybackURL   string        `yaml:"playback_url"`
		Mode          string        `yaml:"mode"`
		Grid          GridConfig    `yaml:"grid"`
		RequestDelay  time.Duration `yaml:"request_delay"`
		RetryBackoff  time.Duration `yaml:"retry_backoff"`
		DialTimeout   time.Duration `yaml:"dial_timeout"`
		WindowSamples int           `yaml:"window_samples"`
		SnapshotRate  int           `yaml:"snapshot_rate"`
		OutputDir     string        `yaml:"output_dir"`
		PlayCommand   []string      `yaml:"play_command"`
	} `yaml:"operator"`

	DAQSim struct {
		Address         string        `yaml:"address"`
		Channels        int           `yaml:"channels"`
		SampleRate      int           `yaml:"sample_rate"`
		Grid            GridConfig    `yaml:"grid"`
		SourceX         int           `yaml:"source_x"`
		SourceY         int           `yaml:"source_y"`
		ToneHz          float64       `yaml:"tone_hz"`
		Noise           float64       `yaml:"noise"`
		ChunkSamples    int           `yaml:"chunk_samples"`
		WarmUp          time.Duration `yaml:"warm_up"`
		HeatmapInterval time.Duration `yaml:"heatmap_interval"`
		CutoffHz        float64       `yaml:"cutoff_hz"`
	} `yaml:"daqsim"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.MessagesPerSecond <= 0 {
		return fmt.Errorf("signal.messages_per_second must be > 0")
	}
	if c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.burst must be > 0")
	}
	if c.Signal.MaxMessageSize <= 0 {
		return fmt.Errorf("signal.max_message_size must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Capture
	switch c.Capture.Source {
	case "daq", "synth", "ffmpeg":
	default:
		return fmt.Errorf("capture.source must be one of daq, synth, ffmpeg")
	}
	if c.Capture.Source == "daq" && c.Capture.DAQURL == "" {
		return fmt.Errorf("capture.daq_url must not be empty when capture.source=daq")
	}
	if c.Capture.Channels <= 0 {
		return fmt.Errorf("capture.channels must be > 0")
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be > 0")
	}
	if c.Capture.ReferenceChannel < 0 || c.Capture.ReferenceChannel >= c.Capture.Channels {
		return fmt.Errorf("capture.reference_channel must be in [0, capture.channels)")
	}
	if err := validateGrid("capture.grid", c.Capture.Grid); err != nil {
		return err
	}
	if c.Capture.HeatmapInterval <= 0 {
		return fmt.Errorf("capture.heatmap_interval must be > 0")
	}
	if c.Capture.AudioInterval <= 0 {
		return fmt.Errorf("capture.audio_interval must be > 0")
	}
	if c.Capture.NegotiationTimeout <= 0 {
		return fmt.Errorf("capture.negotiation_timeout must be > 0")
	}
	if c.Capture.SnapshotSamples <= 0 {
		return fmt.Errorf("capture.snapshot_samples must be > 0")
	}
	if c.Capture.CutoffHz <= 0 || c.Capture.CutoffHz >= float64(c.Capture.SampleRate)/2 {
		return fmt.Errorf("capture.cutoff_hz must be in (0, sample_rate/2)")
	}
	if c.Capture.RingCapacity <= 0 {
		return fmt.Errorf("capture.ring_capacity must be > 0")
	}
	if c.Capture.ChunkSamples <= 0 {
		return fmt.Errorf("capture.chunk_samples must be > 0")
	}

	// Operator
	if c.Operator.Mode != "raw" && c.Operator.Mode != "processed" {
		return fmt.Errorf("operator.mode must be raw or processed")
	}
	if err := validateGrid("operator.grid", c.Operator.Grid); err != nil {
		return err
	}
	if c.Operator.RequestDelay < 0 {
		return fmt.Errorf("operator.request_delay must be >= 0")
	}
	if c.Operator.RetryBackoff <= 0 {
		return fmt.Errorf("operator.retry_backoff must be > 0")
	}
	if c.Operator.DialTimeout <= 0 {
		return fmt.Errorf("operator.dial_timeout must be > 0")
	}
	if c.Operator.SnapshotRate <= 0 {
		return fmt.Errorf("operator.snapshot_rate must be > 0")
	}

	// DAQ simulator
	if c.DAQSim.Channels <= 0 {
		return fmt.Errorf("daqsim.channels must be > 0")
	}
	if c.DAQSim.SampleRate <= 0 {
		return fmt.Errorf("daqsim.sample_rate must be > 0")
	}
	if err := validateGrid("daqsim.grid", c.DAQSim.Grid); err != nil {
		return err
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

func validateGrid(name string, g GridConfig) error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%s.width and %s.height must be > 0", name, name)
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file next to the config (or in the working directory) is loaded
// first; variables already set in the environment win.
func Load(configPath string) (*Config, error) {
	loadDotEnv(configPath)

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst tries each path in order and returns the first that exists, or
// defaults when none do.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			cfg, err := Load(p)
			return cfg, p, err
		}
	}
	cfg, err := Load("")
	return cfg, "", err
}

func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(configPath), ".env")}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 10 * time.Second
	cfg.Signal.MessagesPerSecond = 100
	cfg.Signal.Burst = 200
	cfg.Signal.MaxMessageSize = 64 * 1024
	cfg.Signal.ConnectsPerSecond = 5
	cfg.Signal.ConnectBurst = 20

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{
			URLs:       []string{"turn:openrelay.metered.ca:80"},
			Username:   "openrelayproject",
			Credential: "openrelayproject",
		},
	}

	cfg.Capture.RelayURL = "ws://localhost:8081/ws"
	cfg.Capture.Source = "daq"
	cfg.Capture.DAQURL = "http://localhost:5000"
	cfg.Capture.PollInterval = 100 * time.Millisecond
	cfg.Capture.Channels = 8
	cfg.Capture.SampleRate = 44100
	cfg.Capture.ReferenceChannel = 0
	cfg.Capture.Grid = GridConfig{Width: 50, Height: 5}
	cfg.Capture.HeatmapInterval = 200 * time.Millisecond
	cfg.Capture.AudioInterval = 10 * time.Millisecond
	cfg.Capture.NegotiationTimeout = 30 * time.Second
	cfg.Capture.MaxBufferedAmount = 1 << 20
	cfg.Capture.SnapshotSamples = 4410
	cfg.Capture.WindowSamples = 1000
	cfg.Capture.CutoffHz = 1000
	cfg.Capture.RingCapacity = 256
	cfg.Capture.ChunkSamples = 441
	cfg.Capture.LockFile = filepath.Join(os.TempDir(), "leakrelay-capture.lock")
	cfg.Capture.FFmpeg.Path = "ffmpeg"
	cfg.Capture.FFmpeg.Format = "alsa"
	cfg.Capture.FFmpeg.Device = "default"

	cfg.Operator.RelayURL = "ws://localhost:8081/ws"
	cfg.Operator.PlaybackURL = "http://localhost:5000"
	cfg.Operator.Mode = "processed"
	cfg.Operator.Grid = GridConfig{Width: 50, Height: 5}
	cfg.Operator.RequestDelay = 100 * time.Millisecond
	cfg.Operator.RetryBackoff = time.Second
	cfg.Operator.DialTimeout = 10 * time.Second
	cfg.Operator.WindowSamples = 1000
	cfg.Operator.SnapshotRate = 44100
	cfg.Operator.OutputDir = os.TempDir()

	cfg.DAQSim.Address = ":5000"
	cfg.DAQSim.Channels = 8
	cfg.DAQSim.SampleRate = 44100
	cfg.DAQSim.Grid = GridConfig{Width: 50, Height: 5}
	cfg.DAQSim.SourceX = 30
	cfg.DAQSim.SourceY = 2
	cfg.DAQSim.ToneHz = 440
	cfg.DAQSim.Noise = 0.05
	cfg.DAQSim.ChunkSamples = 4410
	cfg.DAQSim.WarmUp = 2 * time.Second
	cfg.DAQSim.HeatmapInterval = 100 * time.Millisecond
	cfg.DAQSim.CutoffHz = 1000

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "leakrelay:signal"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.Address = ":9091"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = ""

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LEAKRELAY_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("LEAKRELAY_RELAY_URL"); url != "" {
		c.Capture.RelayURL = url
		c.Operator.RelayURL = url
	}
	if url := os.Getenv("LEAKRELAY_DAQ_URL"); url != "" {
		c.Capture.DAQURL = url
	}
	if url := os.Getenv("LEAKRELAY_PLAYBACK_URL"); url != "" {
		c.Operator.PlaybackURL = url
	}
	if level := os.Getenv("LEAKRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("LEAKRELAY_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
}
