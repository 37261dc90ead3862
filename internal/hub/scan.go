package hub

import (
	"fmt"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/common"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
)

// entityIDColumn is the column every derived table carries; its bounds
// are what the audit sidecar records.
const entityIDColumn = "id"

// statsFromParquetBytes computes row count and entity-id bounds from a
// serialized parquet subset.
func statsFromParquetBytes(data []byte) (Stats, error) {
	fr, err := buffer.NewBufferFile(data)
	if err != nil {
		return Stats{}, wrapError(CodeScanFailed, false, fmt.Errorf("open parquet bytes: %w", err))
	}
	return statsFromParquetFile(fr)
}

func statsFromParquetFile(fr source.ParquetFile) (Stats, error) {
	pr, err := reader.NewParquetColumnReader(fr, 2)
	if err != nil {
		return Stats{}, wrapError(CodeScanFailed, false, fmt.Errorf("open parquet: %w", err))
	}
	defer pr.ReadStop()

	num := pr.GetNumRows()
	if num == 0 {
		return Stats{}, nil
	}
	// Column paths are keyed by InName, not the schema's external name.
	path := pr.SchemaHandler.GetRootInName() + common.PAR_GO_PATH_DELIMITER + common.StringToVariableName(entityIDColumn)
	values, _, _, err := pr.ReadColumnByPath(path, num)
	if err != nil {
		return Stats{}, wrapError(CodeScanFailed, false, fmt.Errorf("read %s column: %w", entityIDColumn, err))
	}

	stats := Stats{Rows: int64(len(values))}
	first := true
	for _, v := range values {
		id, ok := asInt64(v)
		if !ok {
			return Stats{}, wrapError(CodeScanFailed, false,
				fmt.Errorf("%s column holds %T, expected integer", entityIDColumn, v))
		}
		if first || id < stats.MinID {
			stats.MinID = id
		}
		if first || id > stats.MaxID {
			stats.MaxID = id
		}
		first = false
	}
	return stats, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	}
	return 0, false
}

// mergeStats folds the stats of one subset part into an aggregate.
func mergeStats(agg, part Stats) Stats {
	if part.Rows == 0 {
		return agg
	}
	if agg.Rows == 0 {
		return part
	}
	out := Stats{Rows: agg.Rows + part.Rows, MinID: agg.MinID, MaxID: agg.MaxID}
	if part.MinID < out.MinID {
		out.MinID = part.MinID
	}
	if part.MaxID > out.MaxID {
		out.MaxID = part.MaxID
	}
	return out
}
