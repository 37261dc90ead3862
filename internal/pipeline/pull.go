package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/shardmill/repart-core/internal/hub"
	"github.com/shardmill/repart-core/pkg/state"
	"github.com/shardmill/repart-core/pkg/tables"
)

const downloadAttempts = 3

// PullReport summarizes one pull pass over a chunk.
type PullReport struct {
	Downloaded   int
	AlreadyLocal int
	Skipped      int // downstream or remote outputs already exist
	Deferred     int // denied by the disk budget; retried next pass
	Failed       int
}

// PullCoordinator downloads the shards a chunk still needs. It only
// considers files at INIT, verifies downloaded sizes against the hub
// listing, and yields instead of blocking when the disk budget denies
// a download.
type PullCoordinator struct {
	store   state.Store
	hub     hub.Hub
	budget  *BudgetTracker
	layout  Layout
	catalog *tables.Catalog
	workers int

	mu    sync.Mutex
	sizes map[string]int64 // filename -> authoritative size
}

// NewPullCoordinator wires a coordinator with a bounded worker pool.
func NewPullCoordinator(store state.Store, h hub.Hub, budget *BudgetTracker, layout Layout, catalog *tables.Catalog, workers int) *PullCoordinator {
	if workers <= 0 {
		workers = 4
	}
	return &PullCoordinator{
		store:   store,
		hub:     h,
		budget:  budget,
		layout:  layout,
		catalog: catalog,
		workers: workers,
	}
}

func (p *PullCoordinator) expectedSize(ctx context.Context, name string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sizes == nil {
		files, err := p.hub.ListAllFiles(ctx)
		if err != nil {
			return 0, err
		}
		p.sizes = make(map[string]int64, len(files))
		for _, f := range files {
			p.sizes[f.Name] = f.Size
		}
	}
	size, ok := p.sizes[name]
	if !ok {
		return 0, fmt.Errorf("pull: no size for %s in source listing; has the corpus changed?", name)
	}
	return size, nil
}

// PullChunk processes every INIT file in the chunk's records. Download
// failures are reported, not fatal; the affected files stay at INIT.
func (p *PullCoordinator) PullChunk(ctx context.Context, records []state.Record) (*PullReport, error) {
	report := &PullReport{}

	var toDownload []state.Record
	var pending int64 // bytes admitted this pass, not yet on disk
	for _, rec := range records {
		if rec.Step != state.StepInit {
			continue
		}
		name := rec.Stem + ".parquet"

		// Downstream evidence makes downloading pointless; advance and
		// let the later stages (or remediation) take it from there.
		if p.layout.HasTransformOutputs(rec.Stem) || p.layout.HasPartitionedSubsets(rec.Stem) {
			if err := p.store.Advance(ctx, rec.Stem, state.StepPull); err != nil {
				return report, err
			}
			report.Skipped++
			continue
		}
		pushed, err := p.pushedInAllTargets(ctx, rec.Stem)
		if err != nil {
			log.Printf("[pull] remote check failed for %s: %v", rec.Stem, err)
		} else if pushed {
			if err := p.store.Advance(ctx, rec.Stem, state.StepPull); err != nil {
				return report, err
			}
			report.Skipped++
			continue
		}

		expected, err := p.expectedSize(ctx, name)
		if err != nil {
			log.Printf("[pull] %v", err)
			report.Failed++
			continue
		}
		if verifyLocalSize(p.layout.ShardPath(rec.Stem), expected) {
			if err := p.store.Advance(ctx, rec.Stem, state.StepPull); err != nil {
				return report, err
			}
			report.AlreadyLocal++
			continue
		}

		// Soft admission control: denied files stay at INIT and are
		// retried once post-check of a prior chunk frees space. Bytes
		// admitted earlier in this pass count against headroom too,
		// since none of them have landed on disk yet.
		if !p.budget.CanPull(pending + expected) {
			report.Deferred++
			continue
		}
		pending += expected
		toDownload = append(toDownload, rec)
	}

	if len(toDownload) == 0 {
		return report, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	var mu sync.Mutex
	for _, rec := range toDownload {
		rec := rec
		g.Go(func() error {
			name := rec.Stem + ".parquet"
			expected, err := p.expectedSize(gctx, name)
			if err != nil {
				return err
			}
			if err := p.download(gctx, name, p.layout.ShardPath(rec.Stem), expected); err != nil {
				log.Printf("[pull] download failed for %s: %v", name, err)
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil // isolated failure, run continues
			}
			if err := p.store.Advance(gctx, rec.Stem, state.StepPull); err != nil {
				return err
			}
			mu.Lock()
			report.Downloaded++
			mu.Unlock()
			log.Printf("[pull] downloaded %s (%s)", name, humanize.Bytes(uint64(expected)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// download fetches one shard with bounded retry, verifying the byte
// size against the listing after each attempt.
func (p *PullCoordinator) download(ctx context.Context, name, destPath string, expected int64) error {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < downloadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		if err := p.hub.Download(ctx, name, destPath); err != nil {
			lastErr = err
			var hubErr *hub.Error
			if errors.As(err, &hubErr) && !hubErr.Retryable {
				return err
			}
			continue
		}
		if verifyLocalSize(destPath, expected) {
			return nil
		}
		// Incomplete bytes are worse than no bytes.
		os.Remove(destPath)
		lastErr = fmt.Errorf("size mismatch for %s, expected %d bytes", name, expected)
	}
	return lastErr
}

// pushedInAllTargets reports whether every target repo already holds at
// least one subset for stem.
func (p *PullCoordinator) pushedInAllTargets(ctx context.Context, stem string) (bool, error) {
	for _, t := range tables.All() {
		ok, err := p.hub.HasSubset(ctx, p.catalog.TargetRepo(t), stem)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func verifyLocalSize(path string, expected int64) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() == expected
}
