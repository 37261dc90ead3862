// Package state tracks per-shard pipeline progress. It is the single
// source of truth for how far each source file has advanced; all stages
// mutate progress exclusively through Store.Advance, which enforces the
// monotonic step invariant.
package state

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Step is the ordered progress tag of a source file. Steps only ever
// move forward; COMPLETE is terminal.
type Step int

const (
	StepInit Step = iota
	StepPull
	StepProcess
	StepPartition
	StepPush
	StepPostCheck
	StepComplete
)

var stepNames = map[Step]string{
	StepInit:      "INIT",
	StepPull:      "PULL",
	StepProcess:   "PROCESS",
	StepPartition: "PARTITION",
	StepPush:      "PUSH",
	StepPostCheck: "POST_CHECK",
	StepComplete:  "COMPLETE",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STEP(%d)", int(s))
}

// Valid reports whether s is one of the declared steps.
func (s Step) Valid() bool {
	_, ok := stepNames[s]
	return ok
}

// ParseStep converts a stored integer tag back into a Step.
func ParseStep(v int) (Step, error) {
	s := Step(v)
	if !s.Valid() {
		return 0, fmt.Errorf("step tag %d out of range", v)
	}
	return s, nil
}

// RegressionError reports an attempt to move a file's step backward.
// It indicates a logic bug in the caller, never a data condition.
type RegressionError struct {
	Stem string
	From Step
	To   Step
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("state: refusing to regress %s from %s to %s", e.Stem, e.From, e.To)
}

// ErrUninitialized signals that the store holds no records at all, so
// corpus discovery has not run yet.
var ErrUninitialized = errors.New("state: store is uninitialized")

// Record is one file's durable progress entry.
type Record struct {
	Stem  string
	Chunk int
	Part  int
	Step  Step
}

// Store is the durable per-file step ledger.
//
// Advance fails with *RegressionError when step is lower than the
// recorded step. Read defaults to StepInit for unknown stems. ReadAll
// returns records sorted by (chunk, part).
type Store interface {
	Advance(ctx context.Context, stem string, step Step) error
	Read(ctx context.Context, stem string) (Step, error)
	ReadAll(ctx context.Context) ([]Record, error)
	Init(ctx context.Context, stems []string) error
}

var stemRe = regexp.MustCompile(`^chunk_(\d+)-(\d+)`)

// ParseStem extracts the chunk and part indices encoded in a shard
// stem such as "chunk_0003-0012".
func ParseStem(stem string) (chunk, part int, err error) {
	m := stemRe.FindStringSubmatch(stem)
	if m == nil {
		return 0, 0, fmt.Errorf("stem %q does not match chunk_<n>-<m>", stem)
	}
	chunk, err = strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, err
	}
	part, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, err
	}
	return chunk, part, nil
}

// NextIncompleteChunk returns the lowest chunk index among records
// containing any file below StepComplete, assuming the (chunk, part)
// order Store.ReadAll guarantees. ok is false once every chunk is
// complete.
func NextIncompleteChunk(records []Record) (chunk int, ok bool) {
	for _, rec := range records {
		if rec.Step < StepComplete {
			return rec.Chunk, true
		}
	}
	return 0, false
}

// ChunkRecords filters records down to one chunk, preserving order.
func ChunkRecords(records []Record, chunk int) []Record {
	var out []Record
	for _, rec := range records {
		if rec.Chunk == chunk {
			out = append(out, rec)
		}
	}
	return out
}

// EffectiveStep returns the minimum step across records. Bulk chunk
// operations gate on this, never on a majority.
func EffectiveStep(records []Record) Step {
	if len(records) == 0 {
		return StepComplete
	}
	min := records[0].Step
	for _, rec := range records[1:] {
		if rec.Step < min {
			min = rec.Step
		}
	}
	return min
}
