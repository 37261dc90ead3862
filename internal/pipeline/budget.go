package pipeline

import (
	"log"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// BudgetTracker enforces the local-disk ceiling on downloaded source
// shards. Usage is recomputed from the data directory on every call
// rather than tracked in memory, so the tracker self-corrects after
// crashes and partial deletes. Concurrent callers may both pass a
// headroom check; that bounded over-commit is tolerated because a
// later call simply denies further pulls.
type BudgetTracker struct {
	dataDir string
	quota   int64
}

// NewBudgetTracker creates a tracker with a fixed byte quota.
func NewBudgetTracker(dataDir string, quota int64) *BudgetTracker {
	return &BudgetTracker{dataDir: dataDir, quota: quota}
}

// Usage sums the sizes of downloaded, not-yet-deleted shard files.
func (b *BudgetTracker) Usage() int64 {
	entries, err := os.ReadDir(b.dataDir)
	if err != nil {
		return 0
	}
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

// HeadroomBytes is quota minus current usage; it can go negative after
// a transient over-commit.
func (b *BudgetTracker) HeadroomBytes() int64 {
	return b.quota - b.Usage()
}

// CanPull authorizes a download of estimatedBytes. Denial is a control
// signal, not an error: the pull coordinator defers and lets post-check
// of an earlier chunk free space.
func (b *BudgetTracker) CanPull(estimatedBytes int64) bool {
	headroom := b.HeadroomBytes()
	if headroom-estimatedBytes <= 0 {
		log.Printf("[budget] deferring pull: headroom %s, estimate %s (quota %s)",
			humanize.Bytes(uint64(max(headroom, 0))),
			humanize.Bytes(uint64(estimatedBytes)),
			humanize.Bytes(uint64(b.quota)))
		return false
	}
	return true
}

// DataDir is exposed for the stages that share the tracker's root.
func (b *BudgetTracker) DataDir() string { return b.dataDir }
