// Package switcher implements the Switcher Core (spec §4.5, §4.5a): it
// keeps a short pipeline of pre-built Input Assemblies running ahead of
// playback, forwards the active one's frames onto two combined output
// channels, and promotes the next assembly on item end, Skip, or
// failure — unifying all three into one "switch next + recycle" path
// (spec §7 recovery propagation).
//
// The "selector" the design describes as a GStreamer input-selector
// element is realized here as a mutex-guarded pointer to the active
// slot's channels, read by two forwarder goroutines (one per media
// type) and swapped atomically so both ports swing together.
package switcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/driftcast/internal/assembly"
	"github.com/jmylchreest/driftcast/internal/media"
	"github.com/jmylchreest/driftcast/internal/producer"
)

// Config bundles the construction parameters pulled from
// internal/config's CatalogConfig/OutputConfig/FFmpegConfig.
type Config struct {
	Profile      media.OutputProfile
	FFmpegBinary string
	OverlayDir   string
	ImageHold    time.Duration
	PreRollSlots int // K, spec §9 Open Question (ii): K>=2
	CommandSize  int
	EventSize    int
}

// runner is the subset of *assembly.Assembly the Switcher depends on.
// Accepting this interface (rather than the concrete type) keeps the
// switch loop itself testable without spawning real FFmpeg subprocesses.
type runner interface {
	VideoFrames() <-chan []byte
	AudioFrames() <-chan []byte
	Done() <-chan error
	Stop()
}

// builderFunc constructs and starts a runner for one catalog entry.
// Swappable in tests; defaults to real Input Assemblies in New.
type builderFunc func(ctx context.Context, entry media.CatalogEntry) (runner, error)

// slot is one built-and-started Input Assembly waiting in the pipeline
// or currently active.
type slot struct {
	entry media.CatalogEntry
	asm   runner
}

// Switcher owns the pre-roll pipeline and the two combined output
// channels the Output Chain reads from.
type Switcher struct {
	cfg      Config
	producer *producer.Producer
	logger   *slog.Logger

	cmdCh   chan media.Command
	eventCh chan media.Event

	videoOut chan []byte
	audioOut chan []byte

	pending chan *slot
	build   builderFunc

	activeMu      sync.Mutex
	active        *slot
	switchSignal  chan struct{}
	skipRequested bool // collapses repeated Skips within one item's service window
}

// New creates a Switcher. It does not start building assemblies until
// Run is called.
func New(p *producer.Producer, cfg Config, logger *slog.Logger) *Switcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PreRollSlots < 2 {
		cfg.PreRollSlots = 2
	}
	if cfg.CommandSize < 1 {
		cfg.CommandSize = 20
	}
	if cfg.EventSize < 1 {
		cfg.EventSize = 20
	}

	s := &Switcher{
		cfg:          cfg,
		producer:     p,
		logger:       logger,
		cmdCh:        make(chan media.Command, cfg.CommandSize),
		eventCh:      make(chan media.Event, cfg.EventSize),
		videoOut:     make(chan []byte, 4),
		audioOut:     make(chan []byte, 4),
		pending:      make(chan *slot, cfg.PreRollSlots-1),
		switchSignal: make(chan struct{}),
	}
	s.build = func(ctx context.Context, entry media.CatalogEntry) (runner, error) {
		asm := assembly.New(entry, cfg.Profile, cfg.FFmpegBinary, cfg.OverlayDir, cfg.ImageHold, logger)
		if err := asm.Start(ctx); err != nil {
			return nil, err
		}
		return asm, nil
	}
	return s
}

// Commands returns the channel callers (the control HTTP handler) send
// Skip/Abort commands on.
func (s *Switcher) Commands() chan<- media.Command { return s.cmdCh }

// Events returns the best-effort Playing/Ended notification channel.
func (s *Switcher) Events() <-chan media.Event { return s.eventCh }

// VideoOut is the combined, always-flowing rawvideo output.
func (s *Switcher) VideoOut() <-chan []byte { return s.videoOut }

// AudioOut is the combined, always-flowing s16le audio output.
func (s *Switcher) AudioOut() <-chan []byte { return s.audioOut }

// Run drives the pre-roll pipeline and the switch loop until ctx is
// cancelled, and returns only then, with an error wrapping ctx's error.
// A producer failure is logged by fillPending and leaves Run waiting for
// the next pre-rolled assembly.
func (s *Switcher) Run(ctx context.Context) error {
	go s.fillPending(ctx)

	first, ok := s.awaitPending(ctx)
	if !ok {
		return fmt.Errorf("switcher: no assemblies available before startup: %w", ctx.Err())
	}
	s.setActive(first)
	s.emitEvent(media.Playing, first.entry.Path)

	go s.forwardLoop(ctx, "video", s.videoOut)
	go s.forwardLoop(ctx, "audio", s.audioOut)

	for {
		s.activeMu.Lock()
		current := s.active
		// Skips still queued behind the one that caused the last switch
		// collapse into it; once the queue has drained, the next Skip
		// acts on the current item.
		if len(s.cmdCh) == 0 {
			s.skipRequested = false
		}
		s.activeMu.Unlock()

		select {
		case <-ctx.Done():
			if current != nil {
				current.asm.Stop()
			}
			return ctx.Err()
		case cmd := <-s.cmdCh:
			if cmd.Kind == media.Skip {
				s.activeMu.Lock()
				if s.skipRequested {
					s.activeMu.Unlock()
					s.logger.Debug("switcher: skip collapsed, already pending for active item")
					continue
				}
				s.skipRequested = true
				s.activeMu.Unlock()
			}
			s.logger.Info("switcher: command received", slog.String("kind", cmd.Kind.String()))
			if current != nil {
				current.asm.Stop()
			}
			s.promoteNext(ctx, current, "command")
		case err := <-current.asm.Done():
			if err != nil {
				s.logger.Warn("switcher: item ended with error", slog.String("path", current.entry.Path), slog.Any("error", err))
			}
			s.promoteNext(ctx, current, "item_end")
		}
	}
}

// promoteNext advances the active slot to the next pre-rolled one,
// emitting Ended for the outgoing item and Playing for the incoming one
// (spec invariant: Ended always precedes the next item's Playing).
func (s *Switcher) promoteNext(ctx context.Context, outgoing *slot, reason string) {
	if outgoing != nil {
		s.emitEvent(media.Ended, outgoing.entry.Path)
	}

	next, ok := s.awaitPending(ctx)
	if !ok {
		s.logger.Warn("switcher: no pre-rolled assembly available to promote", slog.String("reason", reason))
		return
	}
	s.setActive(next)
	s.emitEvent(media.Playing, next.entry.Path)
}

// awaitPending blocks for the next pre-rolled slot or ctx cancellation.
func (s *Switcher) awaitPending(ctx context.Context) (*slot, bool) {
	select {
	case sl := <-s.pending:
		return sl, true
	case <-ctx.Done():
		return nil, false
	}
}

// setActive swaps the active slot pointer and broadcasts the swap to
// both forwarder goroutines by closing and replacing switchSignal.
// skipRequested is left as it is; Run clears it once no command is
// queued.
func (s *Switcher) setActive(sl *slot) {
	s.activeMu.Lock()
	s.active = sl
	old := s.switchSignal
	s.switchSignal = make(chan struct{})
	s.activeMu.Unlock()
	close(old)
}

// forwardLoop copies frames from whichever slot is currently active
// onto the combined output channel, reloading the active slot whenever
// setActive fires switchSignal — this is the ≤1-frame-gap switch.
func (s *Switcher) forwardLoop(ctx context.Context, kind string, out chan<- []byte) {
	for {
		s.activeMu.Lock()
		current := s.active
		signal := s.switchSignal
		s.activeMu.Unlock()

		if current == nil {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				continue
			}
		}

		var src <-chan []byte
		if kind == "video" {
			src = current.asm.VideoFrames()
		} else {
			src = current.asm.AudioFrames()
		}

		select {
		case <-ctx.Done():
			return
		case <-signal:
			continue
		case frame, ok := <-src:
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-signal:
				}
				continue
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			case <-signal:
			}
		}
	}
}

// fillPending continuously builds and starts new assemblies from the
// Producer, keeping the pending queue topped up to PreRollSlots-1.
// Build failures are logged and skipped — the assembly never reaches
// the pending queue, so the Switcher simply tries the next draw (spec
// §7: AssemblyBuildError is never fatal).
func (s *Switcher) fillPending(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := s.producer.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("switcher: producer exhausted unexpectedly", slog.Any("error", err))
			}
			return
		}

		asm, err := s.build(ctx, entry)
		if err != nil {
			s.logger.Warn("switcher: assembly build failed, skipping", slog.String("path", entry.Path), slog.Any("error", err))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case s.pending <- &slot{entry: entry, asm: asm}:
		case <-ctx.Done():
			asm.Stop()
			return
		}
	}
}

// emitEvent is a best-effort, non-blocking send (spec §3 EventChannel:
// full buffer drops the notification rather than stalling the switcher).
func (s *Switcher) emitEvent(kind media.EventKind, path string) {
	select {
	case s.eventCh <- media.Event{Kind: kind, Path: path}:
	default:
		s.logger.Debug("switcher: event dropped, channel full", slog.String("kind", kind.String()))
	}
}
