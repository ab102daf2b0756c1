package broadcast

import (
	"testing"

	"github.com/jmylchreest/driftcast/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestProfileFor_CarriesFixedFormatsAndConfiguredCaps(t *testing.T) {
	out := config.OutputConfig{
		Width: 1920, Height: 1080, FramerateNum: 30, FramerateDen: 1,
		SampleRate: 48000, ChannelCount: 2,
		VideoBitrateKbps: 6000, AudioBitrateKbps: 192,
	}

	profile := profileFor(out)

	assert.Equal(t, 1920, profile.Width)
	assert.Equal(t, 1080, profile.Height)
	assert.Equal(t, "yuv420p", profile.PixelFormat)
	assert.Equal(t, "s16le", profile.SampleFormat)
	assert.Equal(t, 6000, profile.VideoBitrateKbps)
	assert.Equal(t, 192, profile.AudioBitrateKbps)
}
