package hub

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
)

// LocalHub mirrors the hub layout on the local filesystem so the
// pipeline can run end-to-end without a remote endpoint. The source
// corpus lives at <root>/<sourceRepo>/data/ and each target repo at
// <root>/<repoID>/.
type LocalHub struct {
	root       string
	sourceRepo string
}

// NewLocalHub creates a filesystem-backed hub rooted at root.
func NewLocalHub(root, sourceRepo string) (*LocalHub, error) {
	if root == "" {
		return nil, fmt.Errorf("hub: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("hub: create root: %w", err)
	}
	return &LocalHub{root: root, sourceRepo: sourceRepo}, nil
}

func (h *LocalHub) repoPath(repoID string) string {
	return filepath.Join(h.root, filepath.FromSlash(repoID))
}

func (h *LocalHub) sourcePath(name string) string {
	return filepath.Join(h.repoPath(h.sourceRepo), "data", name)
}

func (h *LocalHub) ListAllFiles(ctx context.Context) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(h.repoPath(h.sourceRepo), "data")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapError(CodeHubUnreachable, false, err)
	}
	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, FileInfo{Name: entry.Name(), Size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (h *LocalHub) Download(ctx context.Context, name string, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(h.sourcePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return wrapError(CodeObjectNotFound, false, err)
		}
		return wrapError(CodeTransferFailed, true, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return wrapError(CodeTransferFailed, false, err)
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return wrapError(CodeTransferFailed, false, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(destPath)
		return wrapError(CodeTransferFailed, true, err)
	}
	return dst.Close()
}

func (h *LocalHub) UploadFolder(ctx context.Context, repoID string, localFolder string) error {
	return filepath.WalkDir(localFolder, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localFolder, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(h.repoPath(repoID), rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return wrapError(CodeTransferFailed, false, err)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return wrapError(CodeTransferFailed, true, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return wrapError(CodeTransferFailed, true, err)
		}
		return nil
	})
}

func (h *LocalHub) ScanStats(ctx context.Context, repoID string, key string, stem string) (Stats, bool, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, false, err
	}
	dir := filepath.Join(h.repoPath(repoID), key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Stats{}, false, nil
		}
		return Stats{}, false, wrapError(CodeScanFailed, false, err)
	}
	var agg Stats
	found := false
	for _, entry := range entries {
		if entry.IsDir() || !subsetMatches(entry.Name(), stem) {
			continue
		}
		fr, err := local.NewLocalFileReader(filepath.Join(dir, entry.Name()))
		if err != nil {
			return Stats{}, false, wrapError(CodeScanFailed, false, err)
		}
		part, err := statsFromParquetFile(fr)
		fr.Close()
		if err != nil {
			return Stats{}, false, err
		}
		agg = mergeStats(agg, part)
		found = true
	}
	return agg, found, nil
}

func (h *LocalHub) HasSubset(ctx context.Context, repoID string, stem string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := filepath.WalkDir(h.repoPath(repoID), func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if !d.IsDir() && subsetMatches(d.Name(), stem) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
