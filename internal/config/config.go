// Package config provides configuration management for driftcast using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultControlPort     = 8554
	defaultControlTimeout  = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultMinCatalogSize    = 8
	defaultImageHoldSeconds  = 5 * time.Second
	defaultPreRollSlots      = 2
	defaultCommandBufferSize = 20
	defaultEventBufferSize   = 20
	defaultFileQueueSize     = 500

	defaultOutputWidth       = 1280
	defaultOutputHeight      = 720
	defaultOutputFramerate   = 30
	defaultOutputSampleRate  = 48000
	defaultOutputChannels    = 2
	defaultVideoBitrateKbps  = 4000
	defaultAudioBitrateKbps  = 128
	defaultProbeTimeout      = 5 * time.Second
	defaultProcessStatsEvery = 30 * time.Second

	defaultInternalRTSPPort = 18554
	defaultRTMPPort         = 1935
	defaultRTSPPort         = 8554
	defaultHLSPort          = 8888
	defaultSRTPort          = 8890
	defaultWebRTCPort       = 8889
	defaultStreamKey        = "my_stream"
	defaultSidecarStartup   = 10 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Control ControlConfig `mapstructure:"control"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Output  OutputConfig  `mapstructure:"output"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ControlConfig holds the control HTTP server configuration (§4.7).
type ControlConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CatalogConfig holds File Walker / Random File Producer / Switcher tunables
// (§4.1, §4.3, §4.5, §5).
type CatalogConfig struct {
	// Roots are the filesystem paths to walk. Populated from CLI positional
	// arguments, not from the config file.
	Roots []string `mapstructure:"-"`

	MinCatalogSize    int           `mapstructure:"min_catalog_size"`
	ImageHoldSeconds  time.Duration `mapstructure:"image_hold_seconds"`
	PreRollSlots      int           `mapstructure:"pre_roll_slots"` // K, spec §9 Open Question (ii): K>=2
	CommandBufferSize int           `mapstructure:"command_buffer_size"`
	EventBufferSize   int           `mapstructure:"event_buffer_size"`
	FileQueueSize     int           `mapstructure:"file_queue_size"`
}

// OutputConfig holds the process-wide OutputProfile (§3).
type OutputConfig struct {
	Width            int `mapstructure:"width"`
	Height           int `mapstructure:"height"`
	FramerateNum     int `mapstructure:"framerate_num"`
	FramerateDen     int `mapstructure:"framerate_den"`
	SampleRate       int `mapstructure:"sample_rate"`
	ChannelCount     int `mapstructure:"channel_count"`
	VideoBitrateKbps int `mapstructure:"video_bitrate_kbps"`
	AudioBitrateKbps int `mapstructure:"audio_bitrate_kbps"`
}

// FFmpegConfig holds FFmpeg/FFprobe binary configuration (§4.2, §4.6).
type FFmpegConfig struct {
	BinaryPath      string        `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath       string        `mapstructure:"probe_path"`  // empty = auto-detect
	ProbeTimeout    Duration      `mapstructure:"probe_timeout"`
	HWAccelPriority []string      `mapstructure:"hwaccel_priority"` // preference order, highest first
	StatsInterval   time.Duration `mapstructure:"stats_interval"`
	// MaxStderrLogSize is loaded, validated as a byte size and shown by
	// `config dump`; no component reads it, so subprocess stderr retention
	// is not bounded by this setting.
	MaxStderrLogSize ByteSize `mapstructure:"max_stderr_log_size"`
}

// RelayConfig holds Relay Sidecar supervision configuration (§4.8, §6).
type RelayConfig struct {
	BinaryPath      string        `mapstructure:"binary_path"` // empty = auto-detect "mediamtx"
	StreamKey       string        `mapstructure:"stream_key"`
	InternalRTSPPort int          `mapstructure:"internal_rtsp_port"`
	RTMPPort        int           `mapstructure:"rtmp_port"`
	RTSPPort        int           `mapstructure:"rtsp_port"`
	HLSPort         int           `mapstructure:"hls_port"`
	SRTPort         int           `mapstructure:"srt_port"`
	WebRTCPort      int           `mapstructure:"webrtc_port"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with DRIFTCAST_ and use underscores
// for nesting. Example: DRIFTCAST_CONTROL_PORT=8554.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/driftcast")
		v.AddConfigPath("$HOME/.driftcast")
	}

	v.SetEnvPrefix("DRIFTCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("control.host", "0.0.0.0")
	v.SetDefault("control.port", defaultControlPort)
	v.SetDefault("control.read_timeout", defaultControlTimeout)
	v.SetDefault("control.write_timeout", defaultControlTimeout)
	v.SetDefault("control.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("catalog.min_catalog_size", defaultMinCatalogSize)
	v.SetDefault("catalog.image_hold_seconds", defaultImageHoldSeconds)
	v.SetDefault("catalog.pre_roll_slots", defaultPreRollSlots)
	v.SetDefault("catalog.command_buffer_size", defaultCommandBufferSize)
	v.SetDefault("catalog.event_buffer_size", defaultEventBufferSize)
	v.SetDefault("catalog.file_queue_size", defaultFileQueueSize)

	v.SetDefault("output.width", defaultOutputWidth)
	v.SetDefault("output.height", defaultOutputHeight)
	v.SetDefault("output.framerate_num", defaultOutputFramerate)
	v.SetDefault("output.framerate_den", 1)
	v.SetDefault("output.sample_rate", defaultOutputSampleRate)
	v.SetDefault("output.channel_count", defaultOutputChannels)
	v.SetDefault("output.video_bitrate_kbps", defaultVideoBitrateKbps)
	v.SetDefault("output.audio_bitrate_kbps", defaultAudioBitrateKbps)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)
	v.SetDefault("ffmpeg.hwaccel_priority", []string{"cuda", "vaapi", "none"})
	v.SetDefault("ffmpeg.stats_interval", defaultProcessStatsEvery)
	v.SetDefault("ffmpeg.max_stderr_log_size", 64*1024)

	v.SetDefault("relay.binary_path", "")
	v.SetDefault("relay.stream_key", defaultStreamKey)
	v.SetDefault("relay.internal_rtsp_port", defaultInternalRTSPPort)
	v.SetDefault("relay.rtmp_port", defaultRTMPPort)
	v.SetDefault("relay.rtsp_port", defaultRTSPPort)
	v.SetDefault("relay.hls_port", defaultHLSPort)
	v.SetDefault("relay.srt_port", defaultSRTPort)
	v.SetDefault("relay.webrtc_port", defaultWebRTCPort)
	v.SetDefault("relay.startup_timeout", defaultSidecarStartup)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Control.Port < 1 || c.Control.Port > maxPort {
		return fmt.Errorf("control.port must be between 1 and %d", maxPort)
	}

	if c.Catalog.PreRollSlots < 2 {
		return fmt.Errorf("catalog.pre_roll_slots must be at least 2 (spec §9 K>=2)")
	}
	if c.Catalog.MinCatalogSize < 1 {
		return fmt.Errorf("catalog.min_catalog_size must be at least 1")
	}

	if c.Output.Width < 1 || c.Output.Height < 1 {
		return fmt.Errorf("output.width and output.height must be positive")
	}
	if c.Output.FramerateNum < 1 || c.Output.FramerateDen < 1 {
		return fmt.Errorf("output.framerate_num and output.framerate_den must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the control server address in host:port format.
func (c *ControlConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Framerate returns the output framerate as a float64.
func (c *OutputConfig) Framerate() float64 {
	return float64(c.FramerateNum) / float64(c.FramerateDen)
}
