package engine

import (
	"context"
	"fmt"

	"github.com/shardmill/repart-core/pkg/sidecar"
	"github.com/shardmill/repart-core/pkg/tables"
)

// HTTPEngine drives an engine service over its JSON API. The service
// shares a filesystem with the pipeline: requests carry local paths
// and responses report the paths the engine wrote.
type HTTPEngine struct {
	client *client
}

// NewHTTPEngine creates an engine client for the given service.
func NewHTTPEngine(cfg ClientConfig) (*HTTPEngine, error) {
	if cfg.BaseURL == "" {
		return nil, wrapError(CodeEngineUnreachable, false, fmt.Errorf("engine base URL is required"))
	}
	return &HTTPEngine{client: newClient(cfg)}, nil
}

type transformRequest struct {
	SourcePath string `json:"source_path"`
	OutputDir  string `json:"output_dir"`
}

type transformResponse struct {
	Tables          map[string]string   `json:"tables"`
	MissingEntities map[string][]string `json:"missing_entities,omitempty"`
}

// Transform produces one table file per derived table from a shard.
func (e *HTTPEngine) Transform(ctx context.Context, sourcePath string, outDir string) (*TransformResult, error) {
	var resp transformResponse
	err := e.client.postJSON(ctx, "/v1/transform", transformRequest{
		SourcePath: sourcePath,
		OutputDir:  outDir,
	}, &resp)
	if err != nil {
		return nil, wrapError(CodeTransformFailed, true, err)
	}

	result := &TransformResult{
		TablePaths:      make(map[tables.Table]string, len(resp.Tables)),
		MissingEntities: make(map[tables.Table][]string, len(resp.MissingEntities)),
	}
	for name, p := range resp.Tables {
		t, err := tables.Parse(name)
		if err != nil {
			return nil, wrapError(CodeTransformFailed, false, err)
		}
		result.TablePaths[t] = p
	}
	for name, ids := range resp.MissingEntities {
		t, err := tables.Parse(name)
		if err != nil {
			return nil, wrapError(CodeTransformFailed, false, err)
		}
		result.MissingEntities[t] = ids
	}
	return result, nil
}

type partitionRequest struct {
	TablePath string `json:"table_path"`
	Key       string `json:"key"`
	DestDir   string `json:"dest_dir"`
}

type partitionResponse struct {
	Subsets []string        `json:"subsets"`
	Audit   []sidecar.Entry `json:"audit"`
}

// PartitionByKey splits a table file into keyed subset files under
// destDir and returns the audit record of what was written.
func (e *HTTPEngine) PartitionByKey(ctx context.Context, tablePath string, key string, destDir string) (*PartitionResult, error) {
	var resp partitionResponse
	err := e.client.postJSON(ctx, "/v1/partition", partitionRequest{
		TablePath: tablePath,
		Key:       key,
		DestDir:   destDir,
	}, &resp)
	if err != nil {
		return nil, wrapError(CodePartitionFailed, true, err)
	}
	return &PartitionResult{SubsetPaths: resp.Subsets, Audit: resp.Audit}, nil
}
