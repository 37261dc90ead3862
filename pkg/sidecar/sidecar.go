// Package sidecar persists the per-(table, shard) audit records that the
// post-check stage verifies republished data against. Each sidecar is a
// small parquet file holding one row per partition-key value; a key with
// zero produced rows is simply absent.
package sidecar

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/shardmill/repart-core/pkg/tables"
)

// Entry records what the partition stage wrote for one partition-key
// value of one shard's table output.
type Entry struct {
	Key   string `parquet:"name=key, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY" json:"key"`
	Rows  int64  `parquet:"name=rows, type=INT64" json:"rows"`
	MinID int64  `parquet:"name=min_id, type=INT64" json:"min_id"`
	MaxID int64  `parquet:"name=max_id, type=INT64" json:"max_id"`
}

// Store reads and writes sidecar files under a root directory, one
// subdirectory per table.
type Store struct {
	dir string
}

// NewStore creates the sidecar root if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("sidecar: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sidecar: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(t tables.Table, stem string) string {
	return filepath.Join(s.dir, string(t), stem+".parquet")
}

// Write persists entries for (table, stem), replacing any prior sidecar
// atomically. Writing an empty entry set is valid and records that the
// shard produced no rows for any key of that table.
func (s *Store) Write(t tables.Table, stem string, entries []Entry) error {
	dst := s.path(t, stem)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("sidecar: create table dir: %w", err)
	}
	tmp := dst + ".tmp"
	if err := writeParquet(tmp, entries); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sidecar: replace %s: %w", dst, err)
	}
	return nil
}

func writeParquet(path string, entries []Entry) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("sidecar: open writer: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(Entry), 2)
	if err != nil {
		fw.Close()
		return fmt.Errorf("sidecar: new writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, e := range entries {
		if err := pw.Write(e); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("sidecar: write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("sidecar: finalize: %w", err)
	}
	return fw.Close()
}

// Read loads the sidecar for (table, stem). A missing sidecar returns
// found=false with no error; post-check treats that as nothing to
// verify for the table.
func (s *Store) Read(t tables.Table, stem string) (entries []Entry, found bool, err error) {
	path := s.path(t, stem)
	if _, statErr := os.Stat(path); statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sidecar: stat %s: %w", path, statErr)
	}
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, false, fmt.Errorf("sidecar: open reader: %w", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(Entry), 2)
	if err != nil {
		return nil, false, fmt.Errorf("sidecar: new reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	if num == 0 {
		return []Entry{}, true, nil
	}
	entries = make([]Entry, num)
	if err := pr.Read(&entries); err != nil {
		return nil, false, fmt.Errorf("sidecar: read rows: %w", err)
	}
	return entries, true, nil
}

// Exists reports whether any table's sidecar exists for stem. The
// remediator uses this as evidence that partitioning completed.
func (s *Store) Exists(stem string) bool {
	for _, t := range tables.All() {
		if _, err := os.Stat(s.path(t, stem)); err == nil {
			return true
		}
	}
	return false
}
