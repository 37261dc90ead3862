package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore persists one JSON record per stem under a state directory.
// Writes go to a temp file first and are renamed into place, so a
// record is either fully visible or absent after a crash.
type FileStore struct {
	dir string
}

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

type fileRecord struct {
	Step int `json:"step"`
}

func (s *FileStore) recordPath(stem string) string {
	return filepath.Join(s.dir, stem+".json")
}

// Advance records step for stem, rejecting backward transitions.
func (s *FileStore) Advance(ctx context.Context, stem string, step Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !step.Valid() {
		return fmt.Errorf("state: invalid step %d for %s", int(step), stem)
	}
	current, err := s.Read(ctx, stem)
	if err != nil {
		return err
	}
	if step < current {
		return &RegressionError{Stem: stem, From: current, To: step}
	}
	return s.write(stem, step)
}

func (s *FileStore) write(stem string, step Step) error {
	data, err := json.Marshal(fileRecord{Step: int(step)})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, stem+".*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.recordPath(stem)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: replace record: %w", err)
	}
	return nil
}

// Read returns the recorded step for stem, defaulting to StepInit when
// no record exists.
func (s *FileStore) Read(ctx context.Context, stem string) (Step, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(s.recordPath(stem))
	if err != nil {
		if os.IsNotExist(err) {
			return StepInit, nil
		}
		return 0, fmt.Errorf("state: read record %s: %w", stem, err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("state: decode record %s: %w", stem, err)
	}
	return ParseStep(rec.Step)
}

// ReadAll loads every record, sorted by (chunk, part).
func (s *FileStore) ReadAll(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("state: list records: %w", err)
	}
	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		stem := strings.TrimSuffix(name, ".json")
		chunk, part, err := ParseStem(stem)
		if err != nil {
			return nil, err
		}
		step, err := s.Read(ctx, stem)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Stem: stem, Chunk: chunk, Part: part, Step: step})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Chunk != records[j].Chunk {
			return records[i].Chunk < records[j].Chunk
		}
		return records[i].Part < records[j].Part
	})
	return records, nil
}

// Init creates INIT records for every stem. Existing records are left
// untouched so re-running discovery never loses progress.
func (s *FileStore) Init(ctx context.Context, stems []string) error {
	for _, stem := range stems {
		if _, err := os.Stat(s.recordPath(stem)); err == nil {
			continue
		}
		if _, _, err := ParseStem(stem); err != nil {
			return err
		}
		if err := s.write(stem, StepInit); err != nil {
			return err
		}
	}
	return nil
}
