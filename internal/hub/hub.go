// Package hub abstracts the remote data hub the pipeline pulls source
// shards from and republishes derived tables to. Two implementations
// exist: S3Hub speaks to a real S3-compatible endpoint via minio-go,
// and LocalHub mimics the same layout on the local filesystem for
// development and tests.
package hub

import "context"

// FileInfo describes one remote source shard.
type FileInfo struct {
	Name string // base filename, e.g. chunk_0003-0012.parquet
	Size int64  // authoritative byte size from the hub listing
}

// Stats summarizes one remote partitioned subset: row count plus the
// entity-id bounds, compared against the audit sidecar during
// post-check.
type Stats struct {
	Rows  int64
	MinID int64
	MaxID int64
}

// Hub is the remote-store capability.
//
// UploadFolder is deliberately bulk (one call per table per chunk)
// rather than per-file, to bound the number of remote API calls, and
// must be safe to repeat. ScanStats returns found=false when no subset
// exists remotely for (repoID, key, stem).
type Hub interface {
	ListAllFiles(ctx context.Context) ([]FileInfo, error)
	Download(ctx context.Context, name string, destPath string) error
	UploadFolder(ctx context.Context, repoID string, localFolder string) error
	ScanStats(ctx context.Context, repoID string, key string, stem string) (Stats, bool, error)
	// HasSubset reports whether at least one partitioned subset for
	// stem is visible under repoID, regardless of key.
	HasSubset(ctx context.Context, repoID string, stem string) (bool, error)
}
