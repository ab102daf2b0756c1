// Package broadcast wires together the File Walker, Media Probe, Random
// File Producer, Switcher, Output Chain, Relay Sidecar, and control HTTP
// server into the single continuous broadcast process (spec §5).
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmylchreest/driftcast/internal/config"
	"github.com/jmylchreest/driftcast/internal/ffmpeg"
	httpserver "github.com/jmylchreest/driftcast/internal/http"
	"github.com/jmylchreest/driftcast/internal/http/handlers"
	"github.com/jmylchreest/driftcast/internal/media"
	"github.com/jmylchreest/driftcast/internal/outputchain"
	"github.com/jmylchreest/driftcast/internal/probe"
	"github.com/jmylchreest/driftcast/internal/producer"
	"github.com/jmylchreest/driftcast/internal/sidecar"
	"github.com/jmylchreest/driftcast/internal/switcher"
	"github.com/jmylchreest/driftcast/internal/util"
	"github.com/jmylchreest/driftcast/internal/walker"
	"github.com/jmylchreest/driftcast/pkg/diskslice"
	"github.com/jmylchreest/driftcast/pkg/format"
	"golang.org/x/sync/errgroup"
)

// profileFor derives the process-wide OutputProfile from config.
// PixelFormat/SampleFormat are fixed caps the spec names directly
// (planar 4:2:0 8-bit video, signed 16-bit LE audio) rather than
// user-configurable knobs, so they're not present in config.OutputConfig.
func profileFor(cfg config.OutputConfig) media.OutputProfile {
	return media.OutputProfile{
		Width:            cfg.Width,
		Height:           cfg.Height,
		FramerateNum:     cfg.FramerateNum,
		FramerateDen:     cfg.FramerateDen,
		PixelFormat:      "yuv420p",
		SampleFormat:     "s16le",
		SampleRate:       cfg.SampleRate,
		ChannelCount:     cfg.ChannelCount,
		VideoBitrateKbps: cfg.VideoBitrateKbps,
		AudioBitrateKbps: cfg.AudioBitrateKbps,
	}
}

// Run starts every stage of the broadcast and blocks until it receives
// SIGINT/SIGTERM or a fatal component error. There is no planned
// shutdown path otherwise: the broadcast is meant to run forever (spec
// §1).
func Run(cfg *config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ffmpegBinary := cfg.FFmpeg.BinaryPath
	if ffmpegBinary == "" {
		resolved, err := util.FindBinary("ffmpeg", "DRIFTCAST_FFMPEG_BINARY")
		if err != nil {
			return fmt.Errorf("resolving ffmpeg binary: %w", err)
		}
		ffmpegBinary = resolved
	}
	probeBinary := cfg.FFmpeg.ProbePath
	if probeBinary == "" {
		resolved, err := util.FindBinary("ffprobe", "DRIFTCAST_FFPROBE_BINARY")
		if err != nil {
			return fmt.Errorf("resolving ffprobe binary: %w", err)
		}
		probeBinary = resolved
	}

	profile := profileFor(cfg.Output)

	tempDir, err := os.MkdirTemp("", "driftcast-*")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)
	overlayDir := filepath.Join(tempDir, "overlays")
	if err := os.MkdirAll(overlayDir, 0o755); err != nil {
		return fmt.Errorf("creating overlay dir: %w", err)
	}

	catalog, err := producer.New(diskslice.Options{
		Name:    "driftcast-catalog",
		TempDir: tempDir,
	}, cfg.Catalog.MinCatalogSize, logger)
	if err != nil {
		return fmt.Errorf("creating catalog: %w", err)
	}
	defer catalog.Close()

	binaryInfo, err := ffmpeg.NewBinaryDetector().Detect(ctx)
	var detected []ffmpeg.HWAccelInfo
	if err != nil {
		logger.Warn("ffmpeg capability detection failed, falling back to software", slog.Any("error", err))
	} else {
		detected = binaryInfo.HWAccels
		logger.Info("ffmpeg detected", slog.String("version", binaryInfo.Version))
		if !binaryInfo.HasEncoder("libx264") {
			logger.Warn("ffmpeg build missing libx264 encoder; software encoding will fail")
		}
		if !binaryInfo.HasEncoder("aac") {
			logger.Warn("ffmpeg build missing aac encoder")
		}
	}

	sw := switcher.New(catalog, switcher.Config{
		Profile:      profile,
		FFmpegBinary: ffmpegBinary,
		OverlayDir:   overlayDir,
		ImageHold:    cfg.Catalog.ImageHoldSeconds,
		PreRollSlots: cfg.Catalog.PreRollSlots,
		CommandSize:  cfg.Catalog.CommandBufferSize,
		EventSize:    cfg.Catalog.EventBufferSize,
	}, logger)

	chain := outputchain.New(outputchain.Config{
		Profile:         profile,
		FFmpegBinary:    ffmpegBinary,
		HWAccelPriority: cfg.FFmpeg.HWAccelPriority,
		RTSPURL:         fmt.Sprintf("rtsp://127.0.0.1:%d/%s", cfg.Relay.InternalRTSPPort, cfg.Relay.StreamKey),
		StatsInterval:   cfg.FFmpeg.StatsInterval,
	}, detected, logger)

	relay := sidecar.New(sidecar.Config{
		BinaryPath:       cfg.Relay.BinaryPath,
		StreamKey:        cfg.Relay.StreamKey,
		InternalRTSPPort: cfg.Relay.InternalRTSPPort,
		RTMPPort:         cfg.Relay.RTMPPort,
		RTSPPort:         cfg.Relay.RTSPPort,
		HLSPort:          cfg.Relay.HLSPort,
		SRTPort:          cfg.Relay.SRTPort,
		WebRTCPort:       cfg.Relay.WebRTCPort,
		StartupTimeout:   cfg.Relay.StartupTimeout,
		StatsInterval:    cfg.FFmpeg.StatsInterval,
	}, filepath.Join(tempDir, "mediamtx"), logger)

	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:            cfg.Control.Host,
		Port:            cfg.Control.Port,
		ReadTimeout:     cfg.Control.ReadTimeout,
		WriteTimeout:    cfg.Control.WriteTimeout,
		ShutdownTimeout: cfg.Control.ShutdownTimeout,
	}, logger)
	server.Router().Get("/skip", handlers.SkipHandler(sw, logger))
	server.Router().NotFound(handlers.NotFoundHandler())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runIngest(groupCtx, cfg, probeBinary, catalog, logger)
	})
	group.Go(func() error {
		return sw.Run(groupCtx)
	})
	group.Go(func() error {
		return chain.Start(groupCtx, sw.VideoOut(), sw.AudioOut())
	})
	group.Go(func() error {
		return relay.Run(groupCtx)
	})
	group.Go(func() error {
		if err := server.ListenAndServe(groupCtx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runIngest drives the Walker/Probe pipeline once, then restarts the
// walk every time it drains, so newly-added files under the configured
// roots eventually join the catalog (spec §4.1: the walker is
// restartable, not single-shot). Paths already in the catalog are not
// probed or added again.
func runIngest(ctx context.Context, cfg *config.Config, probeBinary string, catalog *producer.Producer, logger *slog.Logger) error {
	prober := probe.New(probeBinary, time.Duration(cfg.FFmpeg.ProbeTimeout))
	w := walker.New(cfg.Catalog.Roots, cfg.Catalog.FileQueueSize, logger)
	cataloged := make(map[string]bool)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		paths := w.Walk(ctx)
		for path := range paths {
			if cataloged[path] {
				continue
			}
			info, err := prober.Probe(ctx, path)
			if err != nil {
				logger.Debug("ingest: probe skipped file", slog.String("path", path), slog.Any("error", err))
				continue
			}
			entry := media.CatalogEntry{Path: path, Info: info, Kind: media.ClassifyMediaKind(info)}
			if err := catalog.Add(entry); err != nil {
				logger.Warn("ingest: failed to add catalog entry", slog.String("path", path), slog.Any("error", err))
				continue
			}
			cataloged[path] = true
		}

		if catalog.Len() == 0 {
			logger.Warn("ingest: no eligible files found under configured roots yet, will retry")
		} else {
			logger.Info("ingest: walk pass complete", slog.String("catalog_size", format.Number(int64(catalog.Len()))))
		}

		select {
		case <-time.After(30 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
