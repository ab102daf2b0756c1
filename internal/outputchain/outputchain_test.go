package outputchain

import (
	"strings"
	"testing"

	"github.com/jmylchreest/driftcast/internal/ffmpeg"
	"github.com/jmylchreest/driftcast/internal/media"
	"github.com/stretchr/testify/assert"
)

func testProfile() media.OutputProfile {
	return media.OutputProfile{
		Width: 1280, Height: 720, FramerateNum: 30, FramerateDen: 1,
		PixelFormat: "yuv420p", SampleRate: 48000, ChannelCount: 2,
		VideoBitrateKbps: 4000, AudioBitrateKbps: 128,
	}
}

func TestChooseEncoder_PrefersFirstAvailableInPriorityOrder(t *testing.T) {
	detected := []ffmpeg.HWAccelInfo{
		{Type: ffmpeg.HWAccelVAAPI, Available: true},
	}
	enc := chooseEncoder([]string{"cuda", "vaapi", "none"}, detected)
	assert.Equal(t, "h264_vaapi", enc.codec)
	assert.Equal(t, "vaapi", enc.hwType)
}

func TestChooseEncoder_FallsBackToSoftwareWhenNoneAvailable(t *testing.T) {
	enc := chooseEncoder([]string{"cuda", "vaapi", "none"}, nil)
	assert.Equal(t, softwareEncoder, enc)
}

func TestChooseEncoder_SkipsUnavailableEntries(t *testing.T) {
	detected := []ffmpeg.HWAccelInfo{
		{Type: ffmpeg.HWAccelNVENC, Available: false},
		{Type: ffmpeg.HWAccelVAAPI, Available: true},
	}
	enc := chooseEncoder([]string{"cuda", "vaapi", "none"}, detected)
	assert.Equal(t, "h264_vaapi", enc.codec)
}

func TestChooseEncoder_StopsAtNoneSentinel(t *testing.T) {
	detected := []ffmpeg.HWAccelInfo{{Type: ffmpeg.HWAccelVAAPI, Available: true}}
	enc := chooseEncoder([]string{"none", "vaapi"}, detected)
	assert.Equal(t, softwareEncoder, enc)
}

func TestBuildArgs_EnforcesGOPCapAndNoBFrames(t *testing.T) {
	c := New(Config{
		Profile:         testProfile(),
		FFmpegBinary:    "ffmpeg",
		HWAccelPriority: []string{"none"},
		RTSPURL:         "rtsp://127.0.0.1:18554/my_stream",
	}, nil, nil)

	args := c.buildArgs()
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-g 30")
	assert.Contains(t, joined, "-bf 0")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "-c:a aac")
	assert.Contains(t, joined, "rtsp://127.0.0.1:18554/my_stream")
}

func TestBuildArgs_UsesHardwareEncoderWhenAvailable(t *testing.T) {
	c := New(Config{
		Profile:         testProfile(),
		FFmpegBinary:    "ffmpeg",
		HWAccelPriority: []string{"cuda", "vaapi", "none"},
		RTSPURL:         "rtsp://127.0.0.1:18554/my_stream",
	}, []ffmpeg.HWAccelInfo{{Type: ffmpeg.HWAccelNVENC, Available: true}}, nil)

	args := c.buildArgs()
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-c:v h264_nvenc")
	assert.Contains(t, joined, "-init_hw_device cuda=hw")
}
