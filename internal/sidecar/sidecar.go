// Package sidecar implements Relay Sidecar Supervision (spec §4.8,
// §4.8a): it discovers, configures, and supervises a mediamtx process
// that republishes the Output Chain's internal RTSP push as RTMP, RTSP,
// HLS, SRT, and WebRTC for external viewers.
package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jmylchreest/driftcast/internal/ffmpeg"
	"github.com/jmylchreest/driftcast/internal/util"
	"github.com/jmylchreest/driftcast/pkg/format"
	"gopkg.in/yaml.v3"
)

// ErrSidecar is the sentinel for supervision failures (spec §7
// SidecarExit / BindError).
var ErrSidecar = fmt.Errorf("sidecar error")

// Config bundles the RelayConfig fields needed to configure and spawn
// the sidecar.
type Config struct {
	BinaryPath       string // empty = auto-detect via DRIFTCAST_MEDIAMTX_BINARY
	StreamKey        string
	InternalRTSPPort int
	RTMPPort         int
	RTSPPort         int
	HLSPort          int
	SRTPort          int
	WebRTCPort       int
	StartupTimeout   time.Duration
	StatsInterval    time.Duration
}

// Sidecar supervises one mediamtx process.
type Sidecar struct {
	cfg     Config
	logger  *slog.Logger
	tempDir string

	mu      sync.Mutex
	process *os.Process
}

// New creates a Sidecar. tempDir is where the generated mediamtx.yml is
// written (spec §9: a single process-wide temp directory, allocated
// once).
func New(cfg Config, tempDir string, logger *slog.Logger) *Sidecar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sidecar{cfg: cfg, logger: logger, tempDir: tempDir}
}

// mediamtxConfig mirrors the subset of mediamtx.yml this broadcast
// needs: one on-demand path sourced from our own internal RTSP
// push, plus the listener ports for every egress protocol spec §6 names.
type mediamtxConfig struct {
	RTMP       bool                          `yaml:"rtmp"`
	RTMPAddr   string                        `yaml:"rtmpAddress"`
	RTSP       bool                          `yaml:"rtsp"`
	RTSPAddr   string                        `yaml:"rtspAddress"`
	HLS        bool                          `yaml:"hls"`
	HLSAddr    string                        `yaml:"hlsAddress"`
	WebRTC     bool                          `yaml:"webrtc"`
	WebRTCAddr string                        `yaml:"webrtcAddress"`
	SRT        bool                          `yaml:"srt"`
	SRTAddr    string                        `yaml:"srtAddress"`
	Paths      map[string]mediamtxPathConfig `yaml:"paths"`
}

type mediamtxPathConfig struct {
	Source         string `yaml:"source"`
	SourceOnDemand bool   `yaml:"sourceOnDemand"`
}

// writeConfig renders mediamtx.yml into the sidecar's temp directory and
// returns its path.
func (s *Sidecar) writeConfig() (string, error) {
	cfg := mediamtxConfig{
		RTMP:       true,
		RTMPAddr:   fmt.Sprintf(":%d", s.cfg.RTMPPort),
		RTSP:       true,
		RTSPAddr:   fmt.Sprintf(":%d", s.cfg.RTSPPort),
		HLS:        true,
		HLSAddr:    fmt.Sprintf(":%d", s.cfg.HLSPort),
		WebRTC:     true,
		WebRTCAddr: fmt.Sprintf(":%d", s.cfg.WebRTCPort),
		SRT:        true,
		SRTAddr:    fmt.Sprintf(":%d", s.cfg.SRTPort),
		Paths: map[string]mediamtxPathConfig{
			s.cfg.StreamKey: {
				Source:         fmt.Sprintf("rtsp://127.0.0.1:%d/%s", s.cfg.InternalRTSPPort, s.cfg.StreamKey),
				SourceOnDemand: true,
			},
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("%w: marshaling mediamtx.yml: %v", ErrSidecar, err)
	}

	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating temp dir: %v", ErrSidecar, err)
	}

	path := filepath.Join(s.tempDir, "mediamtx.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: writing mediamtx.yml: %v", ErrSidecar, err)
	}
	return path, nil
}

// Run resolves the mediamtx binary, writes its config, spawns it in its
// own process group, and blocks until it exits or ctx is cancelled. On
// cancellation or a non-zero exit the whole process group is killed, and
// any exit returns ErrSidecar — mediamtx has no
// restart-on-crash policy here; a dead sidecar simply ends the
// broadcast's external reachability until the process is relaunched.
func (s *Sidecar) Run(ctx context.Context) error {
	binary := s.cfg.BinaryPath
	if binary == "" {
		resolved, err := util.FindBinary("mediamtx", "DRIFTCAST_MEDIAMTX_BINARY")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSidecar, err)
		}
		binary = resolved
	}

	configPath, err := s.writeConfig()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, binary, configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting mediamtx: %v", ErrSidecar, err)
	}

	s.mu.Lock()
	s.process = cmd.Process
	s.mu.Unlock()

	s.logger.Info("sidecar started", slog.String("binary", binary), slog.Int("pid", cmd.Process.Pid))

	if !s.awaitStartup(ctx) {
		s.killProcessGroup()
		return fmt.Errorf("%w: mediamtx did not stay up past startup timeout", ErrSidecar)
	}

	monitor := ffmpeg.NewProcessMonitor(cmd.Process.Pid)
	monitor.Start()
	defer monitor.Stop()
	statsDone := make(chan struct{})
	go s.logStats(monitor, statsDone)
	defer close(statsDone)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		s.killProcessGroup()
		<-waitErr
		return ctx.Err()
	case err := <-waitErr:
		if err != nil {
			s.killProcessGroup()
			return fmt.Errorf("%w: mediamtx exited: %v", ErrSidecar, err)
		}
		return fmt.Errorf("%w: mediamtx exited cleanly, unexpectedly", ErrSidecar)
	}
}

// awaitStartup gives the process StartupTimeout to either still be
// running, or cancels early if ctx ends first.
func (s *Sidecar) awaitStartup(ctx context.Context) bool {
	timeout := s.cfg.StartupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-time.After(timeout):
		return s.isRunning()
	case <-ctx.Done():
		return false
	}
}

// logStats periodically logs the sidecar's resource usage until done is
// closed, matching the ambient gopsutil-backed sampling the Output Chain
// also runs for its own subprocess.
func (s *Sidecar) logStats(monitor *ffmpeg.ProcessMonitor, done <-chan struct{}) {
	interval := s.cfg.StatsInterval
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
			s.logger.Info("sidecar stats",
				slog.Float64("cpu_percent", stats.CPUPercent),
				slog.String("memory_rss", format.Bytes(int64(stats.MemoryRSSBytes))),
			)
		}
	}
}

func (s *Sidecar) isRunning() bool {
	s.mu.Lock()
	proc := s.process
	s.mu.Unlock()
	if proc == nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// killProcessGroup kills mediamtx and any children it spawned by
// signaling its whole process group (Setpgid above made pid == pgid).
func (s *Sidecar) killProcessGroup() {
	s.mu.Lock()
	proc := s.process
	s.mu.Unlock()
	if proc == nil {
		return
	}
	if err := syscall.Kill(-proc.Pid, syscall.SIGKILL); err != nil {
		s.logger.Warn("sidecar: process group kill failed", slog.Any("error", err))
	}
}
