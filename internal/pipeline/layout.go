package pipeline

import (
	"os"
	"path/filepath"

	"github.com/shardmill/repart-core/pkg/tables"
)

// Layout fixes where the pipeline keeps its local artifacts:
//
//	<DataDir>/<stem>.parquet                     downloaded source shards
//	<WorkDir>/tables/<stem>/<table>.parquet      transform outputs
//	<WorkDir>/partitioned/<table>/<key>/...      keyed subsets per table
//
// Only the downloaded shards under DataDir are ever deleted by the
// pipeline; transformed and partitioned artifacts are kept.
type Layout struct {
	DataDir string
	WorkDir string
}

// ShardPath is where a source shard lands after download.
func (l Layout) ShardPath(stem string) string {
	return filepath.Join(l.DataDir, stem+".parquet")
}

// TransformDir holds all table files produced from one shard.
func (l Layout) TransformDir(stem string) string {
	return filepath.Join(l.WorkDir, "tables", stem)
}

// TablePath is the transform output for one (shard, table).
func (l Layout) TablePath(stem string, t tables.Table) string {
	return filepath.Join(l.TransformDir(stem), string(t)+".parquet")
}

// PartitionDir is the keyed-subset tree for one table; the push stage
// uploads this directory wholesale.
func (l Layout) PartitionDir(t tables.Table) string {
	return filepath.Join(l.WorkDir, "partitioned", string(t))
}

// HasTransformOutputs reports whether every table file exists for stem.
func (l Layout) HasTransformOutputs(stem string) bool {
	for _, t := range tables.All() {
		if _, err := os.Stat(l.TablePath(stem, t)); err != nil {
			return false
		}
	}
	return true
}

// HasPartitionedSubsets reports whether any keyed subset exists for
// stem under any table.
func (l Layout) HasPartitionedSubsets(stem string) bool {
	for _, t := range tables.All() {
		matches, err := filepath.Glob(filepath.Join(l.PartitionDir(t), "*", stem+"*.parquet"))
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}
