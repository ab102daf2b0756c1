// Package handlers holds the control HTTP server's route handlers (§4.7).
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/jmylchreest/driftcast/internal/media"
)

// Commander is the subset of *switcher.Switcher the control surface
// needs: a place to enqueue Skip commands.
type Commander interface {
	Commands() chan<- media.Command
}

// SkipHandler enqueues a Skip command and returns immediately. It never
// reports whether the skip actually advanced playback — the control
// surface is fire-and-forget by design, matching the spec's "no REST
// surface to version" stance.
func SkipHandler(commander Commander, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case commander.Commands() <- media.Command{Kind: media.Skip}:
			logger.Debug("skip command enqueued")
		default:
			logger.Warn("skip command dropped, command channel full")
		}
		w.WriteHeader(http.StatusOK)
	}
}

// NotFoundHandler answers every unrecognized route with a bare 200, per
// the spec's minimal control surface: there is nothing to discover here.
func NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}
