package producer

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/driftcast/internal/media"
	"github.com/jmylchreest/driftcast/pkg/diskslice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProducer(t *testing.T, minSize int) *Producer {
	t.Helper()
	p, err := New(diskslice.Options{Name: "producer-test", TempDir: t.TempDir()}, minSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProducer_BlocksUntilMinCatalogSize(t *testing.T) {
	p := newTestProducer(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, p.Add(media.CatalogEntry{Path: "a.mp4"}))
	require.NoError(t, p.Add(media.CatalogEntry{Path: "b.mp4"}))
	require.NoError(t, p.Add(media.CatalogEntry{Path: "c.mp4"}))

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	entry, err := p.Next(ctx2)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.Path)
}

func TestProducer_DrawsWithoutReplacementWithinEpoch(t *testing.T) {
	p := newTestProducer(t, 1)
	paths := []string{"a.mp4", "b.mp4", "c.mp4"}
	for _, path := range paths {
		require.NoError(t, p.Add(media.CatalogEntry{Path: path}))
	}

	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < len(paths); i++ {
		entry, err := p.Next(ctx)
		require.NoError(t, err)
		assert.False(t, seen[entry.Path], "path %q drawn twice within one epoch", entry.Path)
		seen[entry.Path] = true
	}
	assert.Len(t, seen, len(paths))
}

func TestProducer_ExhaustionAdvancesEpoch(t *testing.T) {
	p := newTestProducer(t, 1)
	require.NoError(t, p.Add(media.CatalogEntry{Path: "a.mp4"}))
	require.NoError(t, p.Add(media.CatalogEntry{Path: "b.mp4"}))

	ctx := context.Background()
	assert.Equal(t, uint64(0), p.Epoch())

	_, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p.Epoch())

	_, err = p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p.Epoch())

	_, err = p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Epoch())
}

func TestProducer_AddWhileDraining(t *testing.T) {
	p := newTestProducer(t, 1)
	require.NoError(t, p.Add(media.CatalogEntry{Path: "a.mp4"}))

	ctx := context.Background()
	_, err := p.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Add(media.CatalogEntry{Path: "b.mp4"}))
	assert.Equal(t, 2, p.Len())
}

func TestProducer_NextRespectsContextCancellation(t *testing.T) {
	p := newTestProducer(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
