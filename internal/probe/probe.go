// Package probe implements the Media Probe (spec §4.2): it classifies a
// candidate file into a media.MediaInfo/media.MediaKind pair by running
// ffprobe against it and walking the resulting stream list.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/driftcast/internal/ffmpeg"
	"github.com/jmylchreest/driftcast/internal/media"
)

// ErrProbe is the sentinel wrapped by every probe failure (spec §7
// ProbeError): missing binary, invalid file, busy, timeout, and generic
// error all collapse to this one taxonomy entry — skip and log, never
// fatal.
var ErrProbe = errors.New("probe error")

// stillImageFormats lists ffprobe format_name fragments that indicate a
// single still picture rather than a video stream, routing the file
// through the Image branch per Design Note §9(iii).
var stillImageFormats = []string{"image2", "png_pipe", "jpeg_pipe", "gif", "webp_pipe", "bmp_pipe", "tiff_pipe"}

// Prober classifies files into media.MediaInfo, bounded by a fixed
// timeout (spec §4.2: "Bounded runtime ≤ 5s").
type Prober struct {
	inner *ffmpeg.Prober
}

// New creates a Prober that invokes ffprobeBinary with the given bound.
func New(ffprobeBinary string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{inner: ffmpeg.NewProber(ffprobeBinary).WithTimeout(timeout)}
}

// Probe classifies path, returning its MediaInfo or a wrapped ErrProbe. A
// timeout surfaces as ErrProbe rather than a bare context error, matching
// the taxonomy's "timeout is a failure, not a crash."
func (p *Prober) Probe(ctx context.Context, path string) (media.MediaInfo, error) {
	result, err := p.inner.Probe(ctx, path)
	if err != nil {
		return media.MediaInfo{}, fmt.Errorf("%w: %s: %v", ErrProbe, path, err)
	}

	info := classify(result)
	if !info.Eligible() {
		return media.MediaInfo{}, fmt.Errorf("%w: %s: no playable stream found", ErrProbe, path)
	}
	return info, nil
}

// classify walks the ffprobe stream list, taking the first video and
// first audio stream per spec §4.2 ("first entry in each bucket wins").
func classify(result *ffmpeg.ProbeResult) media.MediaInfo {
	var info media.MediaInfo

	video := result.GetVideoStream()
	audio := result.GetAudioStream()

	switch {
	case video != nil && isStillImage(video, result):
		info.HasImage = true
	case video != nil:
		info.HasVideo = true
		info.VideoBitrate = parseIntBitrate(video.BitRate)
	}

	if audio != nil {
		info.HasAudio = true
		info.AudioBitrate = parseIntBitrate(audio.BitRate)
	}

	if durMs := result.Duration(); durMs > 0 {
		info.Duration = time.Duration(durMs) * time.Millisecond
	}

	return info
}

// isStillImage reports whether a "video" stream is actually a still
// picture: a recognized image container/codec, or a single-frame stream
// with no usable duration and no meaningful framerate.
func isStillImage(stream *ffmpeg.ProbeStream, result *ffmpeg.ProbeResult) bool {
	format := strings.ToLower(result.Format.FormatName)
	for _, name := range stillImageFormats {
		if strings.Contains(format, name) {
			return true
		}
	}
	if stream.NumFrames == "1" {
		return true
	}
	return result.Duration() == 0 && stream.Framerate() == 0
}

func parseIntBitrate(s string) int {
	if s == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0
	}
	return n
}
