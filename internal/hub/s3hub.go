package hub

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the S3-compatible hub client.
type S3Config struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
	Bucket          string
	// SourceRepo is the prefix the source corpus lives under; its
	// shards sit at <SourceRepo>/data/*.parquet.
	SourceRepo string
}

// S3Hub implements Hub against a MinIO/S3 endpoint.
type S3Hub struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3Hub creates a hub client from config.
func NewS3Hub(cfg S3Config) (*S3Hub, error) {
	if cfg.EndpointURL == "" {
		return nil, wrapError(CodeHubUnreachable, true, fmt.Errorf("endpoint URL is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, wrapError(CodeAuthInvalid, false, fmt.Errorf("credentials are required"))
	}
	if cfg.Bucket == "" {
		return nil, wrapError(CodeHubUnreachable, false, fmt.Errorf("bucket is required"))
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, wrapError(CodeHubUnreachable, true, fmt.Errorf("invalid endpoint URL: %w", err))
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL || u.Scheme == "https"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrapError(CodeHubUnreachable, true, fmt.Errorf("create client: %w", err))
	}
	return &S3Hub{client: client, cfg: cfg}, nil
}

func (h *S3Hub) sourceKey(name string) string {
	return path.Join(h.cfg.SourceRepo, "data", name)
}

// ListAllFiles lists the source corpus shards with authoritative sizes.
func (h *S3Hub) ListAllFiles(ctx context.Context) ([]FileInfo, error) {
	prefix := path.Join(h.cfg.SourceRepo, "data") + "/"
	var files []FileInfo
	for obj := range h.client.ListObjects(ctx, h.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, classifyS3Error(obj.Err)
		}
		name := path.Base(obj.Key)
		if !strings.HasSuffix(name, ".parquet") {
			continue
		}
		files = append(files, FileInfo{Name: name, Size: obj.Size})
	}
	return files, nil
}

// Download fetches one source shard to destPath.
func (h *S3Hub) Download(ctx context.Context, name string, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return wrapError(CodeTransferFailed, false, err)
	}
	err := h.client.FGetObject(ctx, h.cfg.Bucket, h.sourceKey(name), destPath, minio.GetObjectOptions{})
	if err != nil {
		return classifyS3Error(err)
	}
	return nil
}

// UploadFolder mirrors localFolder under the repoID prefix. Repeating
// an upload overwrites objects in place, so retries are safe.
func (h *S3Hub) UploadFolder(ctx context.Context, repoID string, localFolder string) error {
	return filepath.WalkDir(localFolder, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localFolder, p)
		if err != nil {
			return err
		}
		key := path.Join(repoID, filepath.ToSlash(rel))
		if _, err := h.client.FPutObject(ctx, h.cfg.Bucket, key, p, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		}); err != nil {
			return classifyS3Error(err)
		}
		return nil
	})
}

// ScanStats aggregates row count and id bounds across every remote
// subset part for (repoID, key, stem).
func (h *S3Hub) ScanStats(ctx context.Context, repoID string, key string, stem string) (Stats, bool, error) {
	prefix := path.Join(repoID, key, stem)
	var agg Stats
	found := false
	for obj := range h.client.ListObjects(ctx, h.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return Stats{}, false, classifyS3Error(obj.Err)
		}
		if !subsetMatches(path.Base(obj.Key), stem) {
			continue
		}
		data, err := h.getObject(ctx, obj.Key)
		if err != nil {
			return Stats{}, false, err
		}
		part, err := statsFromParquetBytes(data)
		if err != nil {
			return Stats{}, false, err
		}
		agg = mergeStats(agg, part)
		found = true
	}
	return agg, found, nil
}

// HasSubset reports whether any key holds a subset for stem under repoID.
func (h *S3Hub) HasSubset(ctx context.Context, repoID string, stem string) (bool, error) {
	for obj := range h.client.ListObjects(ctx, h.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    repoID + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return false, classifyS3Error(obj.Err)
		}
		if subsetMatches(path.Base(obj.Key), stem) {
			return true, nil
		}
	}
	return false, nil
}

func (h *S3Hub) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := h.client.GetObject(ctx, h.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3Error(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyS3Error(err)
	}
	return data, nil
}

// subsetMatches reports whether a subset filename belongs to stem,
// including continuation parts like <stem>_1.parquet.
func subsetMatches(base, stem string) bool {
	if base == stem+".parquet" {
		return true
	}
	return strings.HasPrefix(base, stem+"_") && strings.HasSuffix(base, ".parquet")
}

// classifyS3Error converts minio-go errors to our structured Error type.
func classifyS3Error(err error) *Error {
	if err == nil {
		return nil
	}
	if minioErr, ok := err.(minio.ErrorResponse); ok {
		switch minioErr.Code {
		case "NoSuchBucket", "NoSuchKey":
			return wrapError(CodeObjectNotFound, false, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrapError(CodeAuthInvalid, false, err)
		}
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "not found") || strings.Contains(errStr, "does not exist"):
		return wrapError(CodeObjectNotFound, false, err)
	case strings.Contains(errStr, "access denied") || strings.Contains(errStr, "signature"):
		return wrapError(CodeAuthInvalid, false, err)
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return wrapError(CodeHubUnreachable, true, err)
	}
	return wrapError(CodeTransferFailed, true, err)
}
