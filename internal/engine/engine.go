// Package engine abstracts the external tabular-data engine that turns
// raw source shards into derived table files and splits table files
// into partition-keyed subsets. The pipeline core only depends on the
// input/output contract, never on a specific engine.
package engine

import (
	"context"
	"fmt"

	"github.com/shardmill/repart-core/pkg/sidecar"
	"github.com/shardmill/repart-core/pkg/tables"
)

// TransformResult reports the table files produced from one shard.
// MissingEntities lists input entity ids absent from each table's
// output; the transform stage turns a non-empty list into a data
// integrity failure for every table except aliases.
type TransformResult struct {
	TablePaths      map[tables.Table]string
	MissingEntities map[tables.Table][]string
}

// PartitionResult reports the keyed subset files written for one table
// file plus the audit entries describing them.
type PartitionResult struct {
	SubsetPaths []string
	Audit       []sidecar.Entry
}

// Engine is the transform/partition capability.
type Engine interface {
	Transform(ctx context.Context, sourcePath string, outDir string) (*TransformResult, error)
	PartitionByKey(ctx context.Context, tablePath string, key string, destDir string) (*PartitionResult, error)
}

const (
	CodeEngineUnreachable = "E_ENGINE_UNREACHABLE"
	CodeTransformFailed   = "E_TRANSFORM_FAILED"
	CodePartitionFailed   = "E_PARTITION_FAILED"
)

// Error wraps engine failures with retryability hints.
type Error struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error         { return e.Err }
func (e *Error) CodeValue() string     { return e.Code }
func (e *Error) RetryableStatus() bool { return e.Retryable }

func wrapError(code string, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, Err: err}
}
