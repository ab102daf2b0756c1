// Package producer implements the Random File Producer (spec §4.3): it
// accumulates probed, eligible files into a catalog and serves them out
// in a pseudo-random order without replacement within an epoch.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/jmylchreest/driftcast/internal/media"
	"github.com/jmylchreest/driftcast/pkg/diskslice"
)

// Producer holds the append-only catalog of eligible files and draws
// them out via swap-remove-without-replacement sampling (spec §9 Open
// Question (i)): each epoch permutes a fresh index pool over the whole
// catalog; drawing an index swaps it with the pool's last live entry and
// shrinks the pool, so every index is drawn exactly once per epoch
// before the pool is refilled and a new epoch begins.
type Producer struct {
	catalog *diskslice.DiskSlice[media.CatalogEntry]

	minCatalogSize int
	logger         *slog.Logger
	rng            *rand.Rand

	mu      sync.Mutex
	pool    []int // live indices not yet drawn this epoch
	epoch   uint64
	ready   chan struct{} // closed once catalog reaches minCatalogSize
	readyMu sync.Once
}

// New creates a Producer. minCatalogSize is the minimum number of
// catalog entries required before the first Next call unblocks (spec
// §4.3: the Producer must not serve from a near-empty catalog).
func New(opts diskslice.Options, minCatalogSize int, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if minCatalogSize < 1 {
		minCatalogSize = 1
	}

	catalog, err := diskslice.New[media.CatalogEntry](opts)
	if err != nil {
		return nil, fmt.Errorf("creating catalog store: %w", err)
	}

	return &Producer{
		catalog:        catalog,
		minCatalogSize: minCatalogSize,
		logger:         logger,
		rng:            rand.New(rand.NewSource(1)),
		ready:          make(chan struct{}),
	}, nil
}

// Add appends a newly-probed eligible file to the catalog. Safe to call
// concurrently with Next.
func (p *Producer) Add(entry media.CatalogEntry) error {
	if err := p.catalog.Append(entry); err != nil {
		return fmt.Errorf("appending catalog entry: %w", err)
	}

	p.mu.Lock()
	newIndex := p.catalog.Len() - 1
	p.pool = append(p.pool, newIndex)
	ready := p.catalog.Len() >= p.minCatalogSize
	p.mu.Unlock()

	if ready {
		p.readyMu.Do(func() { close(p.ready) })
	}
	return nil
}

// Len reports the current catalog size.
func (p *Producer) Len() int {
	return p.catalog.Len()
}

// Next blocks until the catalog has reached minCatalogSize, then draws
// one entry without replacement from the current epoch's pool. When the
// pool is exhausted it is refilled from the full catalog and the epoch
// counter advances (spec §4.3: "catalog exhaustion starts a new pass").
// Next never removes entries from the catalog itself — only the Walker
// restarting can grow it further.
func (p *Producer) Next(ctx context.Context) (media.CatalogEntry, error) {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return media.CatalogEntry{}, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pool) == 0 {
		p.refillLocked()
	}
	if len(p.pool) == 0 {
		return media.CatalogEntry{}, fmt.Errorf("producer: catalog is empty")
	}

	drawAt := p.rng.Intn(len(p.pool))
	last := len(p.pool) - 1
	p.pool[drawAt], p.pool[last] = p.pool[last], p.pool[drawAt]
	index := p.pool[last]
	p.pool = p.pool[:last]

	entry, err := p.catalog.Get(index)
	if err != nil {
		return media.CatalogEntry{}, fmt.Errorf("fetching catalog entry %d: %w", index, err)
	}
	return *entry, nil
}

// refillLocked repopulates the pool from the full catalog and starts a
// new epoch. Callers must hold p.mu.
func (p *Producer) refillLocked() {
	n := p.catalog.Len()
	if n == 0 {
		return
	}
	p.pool = make([]int, n)
	for i := range p.pool {
		p.pool[i] = i
	}
	p.epoch++
	p.logger.Debug("producer: epoch advanced", slog.Uint64("epoch", p.epoch), slog.Int("catalog_size", n))
}

// Epoch returns the current sampling epoch, useful for diagnostics and
// tests asserting that exhaustion actually rotates the pool.
func (p *Producer) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// Close releases the catalog's backing storage.
func (p *Producer) Close() error {
	return p.catalog.Close()
}
