// Package assembly implements the Input Assembly (spec §4.4, §4.4a): for
// one catalog entry it builds and runs a single FFmpeg subprocess that
// decodes (or synthesizes) video and audio, normalizes both to the
// process-wide OutputProfile, and exposes them as two raw frame
// channels ready for the Switcher to forward.
//
// There is no GStreamer binding available in Go, so the conceptual
// element graph the original design describes (decodebin, videoscale,
// drawtext, appsink, ...) is realized here as one ffmpeg invocation per
// file: stdout carries rawvideo, and a third pipe (fd 3, wired through
// ExtraFiles) carries interleaved s16le audio. Missing streams are
// synthesized with lavfi sources (color/anullsrc) rather than left
// absent, so every Assembly always produces both ports.
package assembly

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jmylchreest/driftcast/internal/ffmpeg"
	"github.com/jmylchreest/driftcast/internal/media"
)

// ErrAssembly is the sentinel for both construction and runtime failures
// (spec §7 AssemblyBuildError / AssemblyRuntimeError). Callers distinguish
// the two by when the error surfaces: Start vs. a value on Done().
var ErrAssembly = fmt.Errorf("assembly error")

// frameChanCapacity buffers at least two frames, per spec §5's shared
// resource note: the selector swap needs a short lookahead so the
// forwarder never stalls across a switch.
const frameChanCapacity = 4

// audioChunkDivisor sets how many audio chunks are emitted per video
// frame interval, keeping audio and video chunk boundaries aligned in
// wall-clock time so a selector swap never splits sound mid-sample by
// more than this fraction of a frame.
const audioChunkDivisor = 1

// Assembly runs one FFmpeg subprocess for a single catalog entry and
// exposes its normalized output as two channels of raw frame bytes.
type Assembly struct {
	entry   media.CatalogEntry
	profile media.OutputProfile
	logger  *slog.Logger

	ffmpegBinary string
	imageHold    time.Duration

	overlayPath string // textfile read by drawtext's reload=1 for the counter overlay

	cmd        *ffmpeg.Command
	cancel     context.CancelFunc
	videoFrame int // bytes per rawvideo frame
	audioChunk int // bytes per audio chunk

	videoCh chan []byte
	audioCh chan []byte
	doneCh  chan error

	wg sync.WaitGroup
}

// New builds (but does not start) an Assembly for entry, targeting
// profile. overlayDir is where the per-assembly counter textfile is
// written; imageHold bounds how long a still image is held (spec §4.4:
// "image-duration termination").
func New(entry media.CatalogEntry, profile media.OutputProfile, ffmpegBinary, overlayDir string, imageHold time.Duration, logger *slog.Logger) *Assembly {
	if logger == nil {
		logger = slog.Default()
	}
	videoFrameBytes := profile.Width * profile.Height * 3 / 2 // yuv420p
	bytesPerSample := 2 * profile.ChannelCount                // s16le
	audioChunkBytes := (profile.SampleRate * bytesPerSample) / int(profile.Framerate()) / audioChunkDivisor

	return &Assembly{
		entry:        entry,
		profile:      profile,
		logger:       logger.With(slog.String("path", entry.Path), slog.String("kind", entry.Kind.String())),
		ffmpegBinary: ffmpegBinary,
		imageHold:    imageHold,
		overlayPath:  overlayPath(overlayDir, entry.Path),
		videoFrame:   videoFrameBytes,
		audioChunk:   audioChunkBytes,
		videoCh:      make(chan []byte, frameChanCapacity),
		audioCh:      make(chan []byte, frameChanCapacity),
		doneCh:       make(chan error, 1),
	}
}

// VideoFrames returns the channel of normalized rawvideo frames.
func (a *Assembly) VideoFrames() <-chan []byte { return a.videoCh }

// AudioFrames returns the channel of normalized s16le audio chunks.
func (a *Assembly) AudioFrames() <-chan []byte { return a.audioCh }

// Done reports the terminal error of the subprocess, or nil on a clean
// EOS. Receives exactly once.
func (a *Assembly) Done() <-chan error { return a.doneCh }

// Duration is the expected play length: the probed duration, or for
// still images, the probe's duration tag if the container carries one,
// falling back to the configured image hold otherwise (spec §4.4: a
// still's own duration tag overrides the global hold).
func (a *Assembly) Duration() time.Duration {
	if a.entry.Kind == media.Image {
		return a.imageHoldFor()
	}
	return a.entry.Info.Duration
}

// imageHoldFor resolves the actual hold for this still: the probed
// duration when the source reports a nonzero one, else the configured
// default.
func (a *Assembly) imageHoldFor() time.Duration {
	if a.entry.Info.Duration > 0 {
		return a.entry.Info.Duration
	}
	return a.imageHold
}

// Start launches the FFmpeg subprocess and begins forwarding frames. It
// returns once the process has been spawned, not once it produces
// output — construction failures before spawn surface here; everything
// after surfaces on Done().
func (a *Assembly) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	args := a.buildArgs()
	a.cmd = &ffmpeg.Command{Binary: a.ffmpegBinary, Args: args}

	cmd := a.cmd.Prepare(ctx)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: stdout pipe: %v", ErrAssembly, err)
	}
	audioReader, audioWriter, err := os.Pipe()
	if err != nil {
		cancel()
		return fmt.Errorf("%w: audio pipe: %v", ErrAssembly, err)
	}
	cmd.ExtraFiles = []*os.File{audioWriter}
	cmd.Stderr = nil

	if err := a.cmd.StartPrepared(); err != nil {
		cancel()
		_ = audioReader.Close()
		_ = audioWriter.Close()
		return fmt.Errorf("%w: start: %v", ErrAssembly, err)
	}
	_ = audioWriter.Close() // parent's copy; the child keeps its own fd 3 open

	a.logger.Info("assembly started", slog.String("command", a.cmd.String()))

	a.startOverlayRefresh(ctx)

	a.wg.Add(2)
	go a.forward(stdout, a.videoCh, a.videoFrame, "video")
	go a.forward(audioReader, a.audioCh, a.audioChunk, "audio")

	go a.wait(cmd)

	return nil
}

// wait blocks for subprocess exit, drains the forwarders, and reports
// the terminal result on Done().
func (a *Assembly) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	a.wg.Wait()
	close(a.videoCh)
	close(a.audioCh)
	if err != nil {
		a.doneCh <- fmt.Errorf("%w: runtime: %v", ErrAssembly, err)
	} else {
		a.doneCh <- nil
	}
	close(a.doneCh)
}

// forward copies fixed-size chunks from r into ch until EOF or ctx
// cancellation, logging short reads (partial trailing chunk is still
// forwarded once, matching ffmpeg's own last-frame truncation).
func (a *Assembly) forward(r io.ReadCloser, ch chan<- []byte, chunkSize int, label string) {
	defer a.wg.Done()
	defer r.Close()

	if chunkSize <= 0 {
		a.logger.Warn("assembly: non-positive chunk size, skipping forward", slog.String("stream", label))
		return
	}

	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			ch <- buf[:n]
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				a.logger.Debug("assembly: stream forward ended", slog.String("stream", label), slog.Any("error", err))
			}
			return
		}
	}
}

// buildArgs constructs the ffmpeg invocation for entry.Kind. An
// Assembly needs two synchronized inputs (for synthesized lavfi
// sources) and two simultaneous raw outputs, so args are built directly
// here instead.
func (a *Assembly) buildArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	videoRef, audioRef, shortest := "0:v", "0:a", false

	switch a.entry.Kind {
	case media.Image:
		holdSecs := fmt.Sprintf("%.3f", a.imageHoldFor().Seconds())
		args = append(args, "-loop", "1", "-t", holdSecs, "-i", a.entry.Path)
		args = append(args, "-f", "lavfi", "-t", holdSecs, "-i", a.silentSource())
		videoRef, audioRef = "0:v", "1:a"
	case media.VideoNoAudio:
		args = append(args, "-i", a.entry.Path)
		args = append(args, "-f", "lavfi", "-i", a.silentSource())
		videoRef, audioRef, shortest = "0:v", "1:a", true
	case media.AudioOnly:
		args = append(args, "-f", "lavfi", "-i", a.blackSource())
		args = append(args, "-i", a.entry.Path)
		videoRef, audioRef, shortest = "0:v", "1:a", true
	default: // VideoWithAudio
		args = append(args, "-i", a.entry.Path)
		videoRef, audioRef = "0:v", "0:a"
	}

	videoFilter := fmt.Sprintf(
		"[%s]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%s,format=%s",
		videoRef, a.profile.Width, a.profile.Height, a.profile.Width, a.profile.Height, a.profile.FramerateString(), a.profile.PixelFormat,
	)
	if title := a.titlePath(); title != "" {
		videoFilter += fmt.Sprintf(",drawtext=textfile='%s':reload=0:x=16:y=16:fontcolor=white:fontsize=18:box=1:boxcolor=black@0.5", title)
	}
	if counter := a.overlayPath; counter != "" {
		videoFilter += fmt.Sprintf(",drawtext=textfile='%s':reload=1:x=16:y=h-36:fontcolor=white:fontsize=18:box=1:boxcolor=black@0.5", counter)
	}
	videoFilter += "[vout]"

	audioFilter := fmt.Sprintf("[%s]aformat=sample_fmts=s16:sample_rates=%d:channel_layouts=%s[aout]",
		audioRef, a.profile.SampleRate, a.profile.ChannelLayout())

	args = append(args, "-filter_complex", videoFilter+";"+audioFilter)
	if shortest {
		args = append(args, "-shortest")
	}

	args = append(args,
		"-map", "[vout]", "-f", "rawvideo", "-pix_fmt", a.profile.PixelFormat, "pipe:1",
		"-map", "[aout]", "-f", "s16le", "-ar", fmt.Sprintf("%d", a.profile.SampleRate), "-ac", fmt.Sprintf("%d", a.profile.ChannelCount), "pipe:3",
	)
	return args
}

func (a *Assembly) silentSource() string {
	return fmt.Sprintf("anullsrc=r=%d:cl=%s", a.profile.SampleRate, a.profile.ChannelLayout())
}

func (a *Assembly) blackSource() string {
	return fmt.Sprintf("color=c=black:s=%s:r=%s", a.profile.Resolution(), a.profile.FramerateString())
}

// titlePath writes the static title overlay textfile once and returns
// its path. The title is the literal source path, not sanitized — if
// it contains drawtext-hostile characters ffmpeg will simply render it
// oddly or reject the filter, which matches this feature's scope.
func (a *Assembly) titlePath() string {
	if a.overlayPath == "" {
		return ""
	}
	path := a.overlayPath + ".title"
	if err := os.WriteFile(path, []byte(a.entry.Path), 0o644); err != nil {
		a.logger.Warn("assembly: title overlay write failed", slog.Any("error", err))
		return ""
	}
	return path
}

// Stop cancels the subprocess. Safe to call multiple times.
func (a *Assembly) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// startOverlayRefresh runs a goroutine that rewrites the counter
// overlay's textfile once per elapsed second, caching the last rendered
// second so it never writes twice for the same value (Design Note §9).
func (a *Assembly) startOverlayRefresh(ctx context.Context) {
	if a.overlayPath == "" {
		return
	}
	total := a.Duration()
	overlay := media.Overlay{Title: a.entry.Path, Duration: total}

	writeOverlay(a.overlayPath, overlay, 0)

	ticker := time.NewTicker(time.Second)
	start := time.Now()
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = os.Remove(a.overlayPath)
				return
			case now := <-ticker.C:
				elapsed := now.Sub(start)
				sec := int64(elapsed.Seconds())
				if sec == overlay.LastRenderedSecond && overlay.HasRendered {
					continue
				}
				overlay.LastRenderedSecond = sec
				overlay.HasRendered = true
				writeOverlay(a.overlayPath, overlay, elapsed)
			}
		}
	}()
}

// writeOverlay renders "MM:SS / MM:SS" and writes it for ffmpeg's
// reload=1 textfile consumer (a single short write rarely torn-reads in
// practice; ffmpeg re-reads on the next GOP boundary regardless).
func writeOverlay(path string, overlay media.Overlay, elapsed time.Duration) {
	line := fmt.Sprintf("%s / %s", mmss(elapsed), mmss(overlay.Duration))
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		slog.Default().Warn("assembly: overlay write failed", slog.String("path", path), slog.Any("error", err))
	}
}

func mmss(d time.Duration) string {
	total := int64(d.Seconds())
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func overlayPath(dir, sourcePath string) string {
	if dir == "" {
		return ""
	}
	return fmt.Sprintf("%s/overlay-%x.txt", dir, hashPath(sourcePath))
}

// hashPath is a small, fast, non-cryptographic hash for naming overlay
// textfiles uniquely per source path within one process lifetime.
func hashPath(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
