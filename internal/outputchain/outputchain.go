// Package outputchain implements the Output Chain (spec §4.6, §4.6a): a
// single, long-lived FFmpeg subprocess that encodes the Switcher's
// combined rawvideo/s16le streams to H.264/AAC and pushes them via RTSP
// to the Relay Sidecar's internal listener. It is built once at startup
// and runs for the lifetime of the broadcast; it is never torn down
// between items.
package outputchain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jmylchreest/driftcast/internal/ffmpeg"
	"github.com/jmylchreest/driftcast/internal/media"
	"github.com/jmylchreest/driftcast/pkg/format"
)

// ErrOutputChain is the sentinel for encoder/mux failures (spec §7
// OutputChainError). Unlike assembly errors, this is fatal to the
// broadcast — there is only one output chain.
var ErrOutputChain = fmt.Errorf("output chain error")

// maxGOP enforces spec §4.6's "GOP <= 30" CBR constraint regardless of
// the configured framerate.
const maxGOP = 30

// Config bundles the construction parameters for the output chain.
type Config struct {
	Profile         media.OutputProfile
	FFmpegBinary    string
	HWAccelPriority []string // config.FFmpeg.HWAccelPriority, highest preference first
	RTSPURL         string   // rtsp://127.0.0.1:<internal_rtsp_port>/<stream_key>
	StatsInterval   time.Duration
}

// encoderChoice pairs an ffmpeg codec name with the hwaccel type it
// requires, or "" for software encoding.
type encoderChoice struct {
	hwType string
	codec  string
}

// softwareEncoder is always the fallback when no configured hwaccel
// priority entry is available on this host.
var softwareEncoder = encoderChoice{hwType: "none", codec: "libx264"}

// knownEncoders maps an hwaccel type name (as reported by
// ffmpeg.HWAccelDetector and named in config.FFmpeg.HWAccelPriority) to
// its matching H.264 encoder.
var knownEncoders = map[string]string{
	"cuda":  "h264_nvenc",
	"vaapi": "h264_vaapi",
	"qsv":   "h264_qsv",
}

// Chain runs the persistent encode/mux/push subprocess.
type Chain struct {
	cfg      Config
	detected []ffmpeg.HWAccelInfo
	logger   *slog.Logger

	cmd        *ffmpeg.Command
	videoFrame int
	audioChunk int

	wg sync.WaitGroup
}

// New builds a Chain. detected is the host's hardware accelerators (the
// BinaryInfo.HWAccels list from ffmpeg's capability detection); the chain
// picks the first entry in cfg.HWAccelPriority that's both configured and
// available on the host, falling back to software.
func New(cfg Config, detected []ffmpeg.HWAccelInfo, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		cfg:        cfg,
		detected:   detected,
		logger:     logger,
		videoFrame: cfg.Profile.Width * cfg.Profile.Height * 3 / 2,
		audioChunk: (cfg.Profile.SampleRate * 2 * cfg.Profile.ChannelCount) / int(cfg.Profile.Framerate()),
	}
}

// chooseEncoder walks cfg.HWAccelPriority and returns the first entry
// both configured and available on the host, falling back to software.
func chooseEncoder(priority []string, detected []ffmpeg.HWAccelInfo) encoderChoice {
	available := make(map[string]bool, len(detected))
	for _, d := range detected {
		if d.Available {
			available[string(d.Type)] = true
		}
	}
	for _, want := range priority {
		if want == "none" {
			break
		}
		if codec, ok := knownEncoders[want]; ok && available[want] {
			return encoderChoice{hwType: want, codec: codec}
		}
	}
	return softwareEncoder
}

// Start launches the persistent subprocess and begins forwarding frames
// from video/audio. It does not return until the process has exited or
// ctx is cancelled.
func (c *Chain) Start(ctx context.Context, video, audio <-chan []byte) error {
	args := c.buildArgs()
	c.cmd = &ffmpeg.Command{Binary: c.cfg.FFmpegBinary, Args: args}

	cmd := c.cmd.Prepare(ctx)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrOutputChain, err)
	}
	audioReader, audioWriter, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: audio pipe: %v", ErrOutputChain, err)
	}
	cmd.ExtraFiles = []*os.File{audioReader}

	if err := c.cmd.StartPrepared(); err != nil {
		_ = audioReader.Close()
		_ = audioWriter.Close()
		return fmt.Errorf("%w: start: %v", ErrOutputChain, err)
	}
	_ = audioReader.Close() // parent's copy; the child keeps fd 3 open

	c.logger.Info("output chain started", slog.String("command", c.cmd.String()), slog.String("rtsp_url", c.cfg.RTSPURL))

	monitor := ffmpeg.NewProcessMonitor(cmd.Process.Pid)
	monitor.Start()
	defer monitor.Stop()
	statsDone := make(chan struct{})
	go c.logStats(monitor, statsDone)
	defer close(statsDone)

	c.wg.Add(2)
	go c.pump(stdin, video, "video")
	go c.pump(audioWriter, audio, "audio")

	err = cmd.Wait()
	c.wg.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrOutputChain, err)
	}
	return nil
}

// logStats periodically logs the subprocess's resource usage until done is
// closed (spec §9 ambient observability: same gopsutil-backed sampling the
// teacher runs for its own FFmpeg subprocesses).
func (c *Chain) logStats(monitor *ffmpeg.ProcessMonitor, done <-chan struct{}) {
	interval := c.cfg.StatsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stats := monitor.Stats()
			c.logger.Info("output chain stats",
				slog.Float64("cpu_percent", stats.CPUPercent),
				slog.String("memory_rss", format.Bytes(int64(stats.MemoryRSSBytes))),
			)
		}
	}
}

// pump copies frames from ch into w until ch closes or the write fails
// (the subprocess exited and closed its end of the pipe).
func (c *Chain) pump(w io.WriteCloser, ch <-chan []byte, label string) {
	defer c.wg.Done()
	defer w.Close()

	for frame := range ch {
		if _, err := w.Write(frame); err != nil {
			c.logger.Debug("output chain: pump write ended", slog.String("stream", label), slog.Any("error", err))
			return
		}
	}
}

// buildArgs constructs the persistent encode/mux/push invocation.
func (c *Chain) buildArgs() []string {
	p := c.cfg.Profile
	enc := chooseEncoder(c.cfg.HWAccelPriority, c.detected)

	gop := int(p.Framerate())
	if gop <= 0 || gop > maxGOP {
		gop = maxGOP
	}

	args := []string{"-hide_banner", "-loglevel", "error"}

	if enc.hwType != "none" {
		args = append(args, "-init_hw_device", enc.hwType+"=hw", "-filter_hw_device", "hw")
	}

	args = append(args,
		"-f", "rawvideo", "-pix_fmt", p.PixelFormat, "-s", p.Resolution(), "-r", p.FramerateString(), "-i", "pipe:0",
		"-f", "s16le", "-ar", strconv.Itoa(p.SampleRate), "-ac", strconv.Itoa(p.ChannelCount), "-i", "pipe:3",
		"-map", "0:v", "-map", "1:a",
		"-c:v", enc.codec,
		"-b:v", fmt.Sprintf("%dk", p.VideoBitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", p.VideoBitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", p.VideoBitrateKbps*2),
		"-g", strconv.Itoa(gop),
		"-bf", "0",
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", p.AudioBitrateKbps),
		"-f", "rtsp", "-rtsp_transport", "tcp",
		c.cfg.RTSPURL,
	)
	return args
}

// Kill terminates the subprocess immediately.
func (c *Chain) Kill() error {
	if c.cmd == nil {
		return nil
	}
	return c.cmd.Kill()
}
