package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmylchreest/driftcast/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommander struct {
	ch chan media.Command
}

func newFakeCommander(buf int) *fakeCommander {
	return &fakeCommander{ch: make(chan media.Command, buf)}
}

func (f *fakeCommander) Commands() chan<- media.Command { return f.ch }

func TestSkipHandler_EnqueuesSkipCommand(t *testing.T) {
	commander := newFakeCommander(1)
	handler := SkipHandler(commander, nil)

	req := httptest.NewRequest(http.MethodGet, "/skip", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case cmd := <-commander.ch:
		assert.Equal(t, media.Skip, cmd.Kind)
	default:
		t.Fatal("expected a command to be enqueued")
	}
}

func TestSkipHandler_DropsWhenChannelFull(t *testing.T) {
	commander := newFakeCommander(1)
	commander.ch <- media.Command{Kind: media.Skip}
	handler := SkipHandler(commander, nil)

	req := httptest.NewRequest(http.MethodGet, "/skip", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, commander.ch, 1)
}

func TestNotFoundHandler_AlwaysReturns200(t *testing.T) {
	handler := NotFoundHandler()

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
