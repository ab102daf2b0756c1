package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Control.Host)
	assert.Equal(t, defaultControlPort, cfg.Control.Port)
	assert.Equal(t, defaultControlTimeout, cfg.Control.ReadTimeout)

	assert.Equal(t, defaultMinCatalogSize, cfg.Catalog.MinCatalogSize)
	assert.Equal(t, defaultImageHoldSeconds, cfg.Catalog.ImageHoldSeconds)
	assert.Equal(t, defaultPreRollSlots, cfg.Catalog.PreRollSlots)
	assert.Equal(t, defaultCommandBufferSize, cfg.Catalog.CommandBufferSize)
	assert.Equal(t, defaultEventBufferSize, cfg.Catalog.EventBufferSize)
	assert.Equal(t, defaultFileQueueSize, cfg.Catalog.FileQueueSize)

	assert.Equal(t, defaultOutputWidth, cfg.Output.Width)
	assert.Equal(t, defaultOutputHeight, cfg.Output.Height)
	assert.Equal(t, defaultOutputFramerate, cfg.Output.FramerateNum)
	assert.Equal(t, 1, cfg.Output.FramerateDen)
	assert.Equal(t, defaultOutputSampleRate, cfg.Output.SampleRate)
	assert.Equal(t, defaultOutputChannels, cfg.Output.ChannelCount)
	assert.InDelta(t, 30.0, cfg.Output.Framerate(), 0.0001)

	assert.Equal(t, time.Duration(defaultProbeTimeout), time.Duration(cfg.FFmpeg.ProbeTimeout))
	assert.Equal(t, []string{"cuda", "vaapi", "none"}, cfg.FFmpeg.HWAccelPriority)

	assert.Equal(t, defaultStreamKey, cfg.Relay.StreamKey)
	assert.Equal(t, defaultInternalRTSPPort, cfg.Relay.InternalRTSPPort)
	assert.Equal(t, defaultRTMPPort, cfg.Relay.RTMPPort)
	assert.Equal(t, defaultRTSPPort, cfg.Relay.RTSPPort)
	assert.Equal(t, defaultHLSPort, cfg.Relay.HLSPort)
	assert.Equal(t, defaultSRTPort, cfg.Relay.SRTPort)
	assert.Equal(t, defaultWebRTCPort, cfg.Relay.WebRTCPort)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
control:
  host: "127.0.0.1"
  port: 9090

catalog:
  min_catalog_size: 16
  pre_roll_slots: 3

logging:
  level: "debug"
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Control.Host)
	assert.Equal(t, 9090, cfg.Control.Port)
	assert.Equal(t, 16, cfg.Catalog.MinCatalogSize)
	assert.Equal(t, 3, cfg.Catalog.PreRollSlots)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DRIFTCAST_CONTROL_PORT", "3000")
	t.Setenv("DRIFTCAST_LOGGING_LEVEL", "warn")
	t.Setenv("DRIFTCAST_CATALOG_MIN_CATALOG_SIZE", "500")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 3000, cfg.Control.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 500, cfg.Catalog.MinCatalogSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
control:
  port: 8080
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("DRIFTCAST_CONTROL_PORT", "9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Control.Port)
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Control = ControlConfig{Port: defaultControlPort}
	cfg.Catalog = CatalogConfig{PreRollSlots: 2, MinCatalogSize: 8}
	cfg.Output = OutputConfig{Width: 1280, Height: 720, FramerateNum: 30, FramerateDen: 1}
	cfg.Logging = LoggingConfig{Level: "info", Format: "json"}
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	err := validConfig().Validate()
	assert.NoError(t, err)
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"port too high", 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Control.Port = tt.port
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "control.port")
		})
	}
}

func TestValidate_PreRollSlotsBelowTwo(t *testing.T) {
	cfg := validConfig()
	cfg.Catalog.PreRollSlots = 1
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pre_roll_slots")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "invalid"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}

func TestValidate_InvalidOutputDims(t *testing.T) {
	cfg := validConfig()
	cfg.Output.Width = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "output.width")
}

func TestControlConfig_Address(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		expected string
	}{
		{"localhost", "127.0.0.1", 8554, "127.0.0.1:8554"},
		{"all interfaces", "0.0.0.0", 3000, "0.0.0.0:3000"},
		{"hostname", "example.com", 443, "example.com:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ControlConfig{Host: tt.host, Port: tt.port}
			assert.Equal(t, tt.expected, cfg.Address())
		})
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
control:
  port: "not a number"
  invalid yaml structure
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
