package state

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Advance(ctx, "chunk_0000-0000", StepPull))
	require.NoError(t, store.Advance(ctx, "chunk_0000-0000", StepProcess))

	// Re-recording the current step is allowed; going backward is not.
	require.NoError(t, store.Advance(ctx, "chunk_0000-0000", StepProcess))

	err := store.Advance(ctx, "chunk_0000-0000", StepPull)
	var regression *RegressionError
	require.ErrorAs(t, err, &regression)
	require.Equal(t, StepProcess, regression.From)
	require.Equal(t, StepPull, regression.To)

	// The failed write must not have downgraded the record.
	step, err := store.Read(ctx, "chunk_0000-0000")
	require.NoError(t, err)
	require.Equal(t, StepProcess, step)
}

func TestAdvanceRejectsOutOfRangeStep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.Error(t, store.Advance(ctx, "chunk_0000-0000", Step(42)))
}

func TestReadDefaultsToInit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	step, err := store.Read(ctx, "chunk_0009-0001")
	require.NoError(t, err)
	require.Equal(t, StepInit, step)
}

func TestReadAllSortsByChunkAndPart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	stems := []string{"chunk_0001-0002", "chunk_0000-0001", "chunk_0001-0000", "chunk_0000-0000"}
	require.NoError(t, store.Init(ctx, stems))

	records, err := store.ReadAll(ctx)
	require.NoError(t, err)
	var got []string
	for _, rec := range records {
		got = append(got, rec.Stem)
	}
	require.Equal(t, []string{"chunk_0000-0000", "chunk_0000-0001", "chunk_0001-0000", "chunk_0001-0002"}, got)
}

func TestInitPreservesExistingProgress(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Advance(ctx, "chunk_0000-0000", StepPush))

	require.NoError(t, store.Init(ctx, []string{"chunk_0000-0000", "chunk_0000-0001"}))

	step, err := store.Read(ctx, "chunk_0000-0000")
	require.NoError(t, err)
	require.Equal(t, StepPush, step)
}

func TestNextIncompleteChunk(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, ok := NextIncompleteChunk(nil)
	require.False(t, ok)

	require.NoError(t, store.Init(ctx, []string{
		"chunk_0000-0000", "chunk_0000-0001", "chunk_0001-0000",
	}))
	next := func() (int, bool) {
		records, err := store.ReadAll(ctx)
		require.NoError(t, err)
		return NextIncompleteChunk(records)
	}

	chunk, ok := next()
	require.True(t, ok)
	require.Equal(t, 0, chunk)

	// One straggler below COMPLETE keeps the chunk incomplete.
	require.NoError(t, store.Advance(ctx, "chunk_0000-0000", StepComplete))
	chunk, ok = next()
	require.True(t, ok)
	require.Equal(t, 0, chunk)

	require.NoError(t, store.Advance(ctx, "chunk_0000-0001", StepComplete))
	chunk, ok = next()
	require.True(t, ok)
	require.Equal(t, 1, chunk)

	require.NoError(t, store.Advance(ctx, "chunk_0001-0000", StepComplete))
	_, ok = next()
	require.False(t, ok)
}

func TestParseStem(t *testing.T) {
	chunk, part, err := ParseStem("chunk_0012-0034")
	require.NoError(t, err)
	require.Equal(t, 12, chunk)
	require.Equal(t, 34, part)

	_, _, err = ParseStem("notachunk")
	require.Error(t, err)
}

func TestEffectiveStep(t *testing.T) {
	records := []Record{
		{Stem: "chunk_0000-0000", Step: StepPartition},
		{Stem: "chunk_0000-0001", Step: StepProcess},
		{Stem: "chunk_0000-0002", Step: StepPush},
	}
	require.Equal(t, StepProcess, EffectiveStep(records))
}

func TestRegressionErrorMessage(t *testing.T) {
	err := &RegressionError{Stem: "chunk_0000-0000", From: StepPush, To: StepPull}
	require.Contains(t, err.Error(), "chunk_0000-0000")
	if !errors.As(error(err), new(*RegressionError)) {
		t.Fatal("expected RegressionError to satisfy errors.As")
	}
}
