package pipeline

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardmill/repart-core/internal/hub"
	"github.com/shardmill/repart-core/pkg/state"
)

func TestPullDownloadsInitFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.hub.addSource("chunk_0000-0000.parquet", 64)
	env.hub.addSource("chunk_0000-0001.parquet", 32)
	require.NoError(t, env.store.Init(ctx, []string{"chunk_0000-0000", "chunk_0000-0001"}))

	report, err := env.pull(2).PullChunk(ctx, env.chunkRecords(t, 0))
	require.NoError(t, err)
	require.Equal(t, 2, report.Downloaded)

	env.requireStep(t, "chunk_0000-0000", state.StepPull)
	env.requireStep(t, "chunk_0000-0001", state.StepPull)

	info, err := os.Stat(env.layout.ShardPath("chunk_0000-0000"))
	require.NoError(t, err)
	require.Equal(t, int64(64), info.Size())
}

func TestPullIgnoresFilesPastInit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.hub.addSource("chunk_0000-0000.parquet", 64)
	require.NoError(t, env.store.Init(ctx, []string{"chunk_0000-0000"}))
	require.NoError(t, env.store.Advance(ctx, "chunk_0000-0000", state.StepProcess))

	report, err := env.pull(1).PullChunk(ctx, env.chunkRecords(t, 0))
	require.NoError(t, err)
	require.Zero(t, report.Downloaded)
	env.requireStep(t, "chunk_0000-0000", state.StepProcess)
}

func TestPullSkipsWhenDownstreamOutputsExist(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.hub.addSource("chunk_0000-0000.parquet", 64)
	require.NoError(t, env.store.Init(ctx, []string{"chunk_0000-0000"}))
	env.writeTransformOutputs(t, "chunk_0000-0000")

	report, err := env.pull(1).PullChunk(ctx, env.chunkRecords(t, 0))
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Zero(t, report.Downloaded)
	env.requireStep(t, "chunk_0000-0000", state.StepPull)

	// Nothing was downloaded.
	_, err = os.Stat(env.layout.ShardPath("chunk_0000-0000"))
	require.True(t, os.IsNotExist(err))
}

func TestPullSkipsWhenAlreadyPushedEverywhere(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.hub.addSource("chunk_0000-0000.parquet", 64)
	require.NoError(t, env.store.Init(ctx, []string{"chunk_0000-0000"}))
	env.engine.syncStats(env.hub, env.catalog, "chunk_0000-0000")

	report, err := env.pull(1).PullChunk(ctx, env.chunkRecords(t, 0))
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	env.requireStep(t, "chunk_0000-0000", state.StepPull)
}

func TestPullDefersOnBudgetDenial(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.budget = NewBudgetTracker(env.layout.DataDir, 10) // smaller than any shard
	env.hub.addSource("chunk_0000-0000.parquet", 64)
	require.NoError(t, env.store.Init(ctx, []string{"chunk_0000-0000"}))

	report, err := env.pull(1).PullChunk(ctx, env.chunkRecords(t, 0))
	require.NoError(t, err)
	require.Equal(t, 1, report.Deferred)
	require.Zero(t, report.Downloaded)

	// Deferral is a control signal: the file stays at INIT for the
	// next pass.
	env.requireStep(t, "chunk_0000-0000", state.StepInit)
}

func TestPullAdmissionCountsBytesAdmittedThisPass(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.budget = NewBudgetTracker(env.layout.DataDir, 100)
	stems := []string{"chunk_0000-0000", "chunk_0000-0001", "chunk_0000-0002"}
	for _, stem := range stems {
		env.hub.addSource(stem+".parquet", 60)
	}
	require.NoError(t, env.store.Init(ctx, stems))

	// Disk usage is still zero when every admission decision is made;
	// bytes admitted earlier in the pass must count against headroom.
	report, err := env.pull(1).PullChunk(ctx, env.chunkRecords(t, 0))
	require.NoError(t, err)
	require.Equal(t, 1, report.Downloaded)
	require.Equal(t, 2, report.Deferred)
	require.LessOrEqual(t, env.budget.Usage(), int64(100))
}

func TestPullDenialDoesNotBlockLaterSkips(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.budget = NewBudgetTracker(env.layout.DataDir, 10) // smaller than any shard
	env.hub.addSource("chunk_0000-0000.parquet", 64)
	env.hub.addSource("chunk_0000-0001.parquet", 64)
	require.NoError(t, env.store.Init(ctx, []string{"chunk_0000-0000", "chunk_0000-0001"}))
	env.writeTransformOutputs(t, "chunk_0000-0001")

	report, err := env.pull(1).PullChunk(ctx, env.chunkRecords(t, 0))
	require.NoError(t, err)

	// The denied first file defers; the second still advances on its
	// downstream evidence in the same pass.
	require.Equal(t, 1, report.Deferred)
	require.Equal(t, 1, report.Skipped)
	env.requireStep(t, "chunk_0000-0000", state.StepInit)
	env.requireStep(t, "chunk_0000-0001", state.StepPull)
}

func TestPullDownloadFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.hub.addSource("chunk_0000-0000.parquet", 64)
	env.hub.addSource("chunk_0000-0001.parquet", 32)
	env.hub.downloadErrs["chunk_0000-0000.parquet"] = &hub.Error{
		Code: hub.CodeTransferFailed, Retryable: false, Err: os.ErrDeadlineExceeded,
	}
	require.NoError(t, env.store.Init(ctx, []string{"chunk_0000-0000", "chunk_0000-0001"}))

	report, err := env.pull(1).PullChunk(ctx, env.chunkRecords(t, 0))
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Downloaded)

	env.requireStep(t, "chunk_0000-0000", state.StepInit)
	env.requireStep(t, "chunk_0000-0001", state.StepPull)
}

func TestPullAdvancesAlreadyPresentLocalFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.hub.addSource("chunk_0000-0000.parquet", 64)
	require.NoError(t, env.store.Init(ctx, []string{"chunk_0000-0000"}))

	// Shard already on disk with the exact listed size (resumed run).
	require.NoError(t, env.hub.Download(ctx, "chunk_0000-0000.parquet", env.layout.ShardPath("chunk_0000-0000")))

	report, err := env.pull(1).PullChunk(ctx, env.chunkRecords(t, 0))
	require.NoError(t, err)
	require.Equal(t, 1, report.AlreadyLocal)
	require.Zero(t, report.Downloaded)
	env.requireStep(t, "chunk_0000-0000", state.StepPull)
}
