package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardmill/repart-core/internal/engine"
	"github.com/shardmill/repart-core/internal/hub"
	"github.com/shardmill/repart-core/pkg/sidecar"
	"github.com/shardmill/repart-core/pkg/state"
	"github.com/shardmill/repart-core/pkg/tables"
)

// testEnv wires every stage over temp directories and stub
// collaborators.
type testEnv struct {
	store    *state.FileStore
	layout   Layout
	sidecars *sidecar.Store
	catalog  *tables.Catalog
	budget   *BudgetTracker
	hub      *stubHub
	engine   *stubEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	store, err := state.NewFileStore(filepath.Join(root, "state"))
	require.NoError(t, err)
	sidecars, err := sidecar.NewStore(filepath.Join(root, "audit"))
	require.NoError(t, err)

	targets := make(map[tables.Table]string, len(tables.All()))
	for _, tbl := range tables.All() {
		targets[tbl] = "test/wikidata-" + string(tbl)
	}
	catalog, err := tables.NewCatalog(targets)
	require.NoError(t, err)

	layout := Layout{
		DataDir: filepath.Join(root, "data"),
		WorkDir: filepath.Join(root, "results"),
	}
	require.NoError(t, os.MkdirAll(layout.DataDir, 0o755))

	env := &testEnv{
		store:    store,
		layout:   layout,
		sidecars: sidecars,
		catalog:  catalog,
		budget:   NewBudgetTracker(layout.DataDir, 1<<40),
		hub:      newStubHub(),
		engine:   newStubEngine(),
	}
	return env
}

func (e *testEnv) pull(workers int) *PullCoordinator {
	return NewPullCoordinator(e.store, e.hub, e.budget, e.layout, e.catalog, workers)
}

func (e *testEnv) orchestrator() *Orchestrator {
	return NewOrchestrator(
		e.store,
		NewRemediator(e.store, e.layout, e.sidecars),
		e.pull(2),
		NewTransformStage(e.store, e.engine, e.layout),
		NewPartitionStage(e.store, e.engine, e.layout, e.sidecars),
		NewPushStage(e.store, e.hub, e.layout, e.catalog),
		NewPostCheckStage(e.store, e.hub, e.layout, e.catalog, e.sidecars),
	)
}

// chunkRecords reloads one chunk's records from the store.
func (e *testEnv) chunkRecords(t *testing.T, chunk int) []state.Record {
	t.Helper()
	records, err := e.store.ReadAll(context.Background())
	require.NoError(t, err)
	return state.ChunkRecords(records, chunk)
}

func (e *testEnv) requireStep(t *testing.T, stem string, want state.Step) {
	t.Helper()
	got, err := e.store.Read(context.Background(), stem)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// writeTransformOutputs fakes the engine having produced all table
// files for stem.
func (e *testEnv) writeTransformOutputs(t *testing.T, stem string) {
	t.Helper()
	for _, tbl := range tables.All() {
		p := e.layout.TablePath(stem, tbl)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(stem+"/"+string(tbl)), 0o644))
	}
}

// stubHub is an in-memory Hub.
type stubHub struct {
	mu sync.Mutex

	sources map[string][]byte // filename -> shard bytes
	uploads map[string]bool   // "<repo>/<relpath>" -> uploaded

	stats map[string]hub.Stats // statsKey(repo,key,stem) -> remote stats

	downloadErrs map[string]error // filename -> injected failure
	uploadErrs   map[string]error // repoID -> injected failure

	// onUpload, when set, runs after a successful UploadFolder; tests
	// use it to make remote stats appear the moment a push lands.
	onUpload func(repoID string)
}

func newStubHub() *stubHub {
	return &stubHub{
		sources:      map[string][]byte{},
		uploads:      map[string]bool{},
		stats:        map[string]hub.Stats{},
		downloadErrs: map[string]error{},
		uploadErrs:   map[string]error{},
	}
}

func statsKey(repo, key, stem string) string {
	return repo + "|" + key + "|" + stem
}

func (h *stubHub) addSource(name string, size int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sources[name] = bytes.Repeat([]byte{'x'}, size)
}

func (h *stubHub) setStats(repo, key, stem string, s hub.Stats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats[statsKey(repo, key, stem)] = s
}

func (h *stubHub) ListAllFiles(ctx context.Context) ([]hub.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var files []hub.FileInfo
	for name, data := range h.sources {
		files = append(files, hub.FileInfo{Name: name, Size: int64(len(data))})
	}
	return files, nil
}

func (h *stubHub) Download(ctx context.Context, name string, destPath string) error {
	h.mu.Lock()
	data, ok := h.sources[name]
	err := h.downloadErrs[name]
	h.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no such source %s", name)
	}
	if mkErr := os.MkdirAll(filepath.Dir(destPath), 0o755); mkErr != nil {
		return mkErr
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (h *stubHub) UploadFolder(ctx context.Context, repoID string, localFolder string) error {
	h.mu.Lock()
	injected := h.uploadErrs[repoID]
	h.mu.Unlock()
	if injected != nil {
		return injected
	}
	err := filepath.WalkDir(localFolder, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localFolder, p)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.uploads[repoID+"/"+filepath.ToSlash(rel)] = true
		h.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	if h.onUpload != nil {
		h.onUpload(repoID)
	}
	return nil
}

func (h *stubHub) ScanStats(ctx context.Context, repoID string, key string, stem string) (hub.Stats, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.stats[statsKey(repoID, key, stem)]
	return s, ok, nil
}

func (h *stubHub) HasSubset(ctx context.Context, repoID string, stem string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.stats {
		parts := strings.SplitN(k, "|", 3)
		if len(parts) == 3 && parts[0] == repoID && parts[2] == stem {
			return true, nil
		}
	}
	return false, nil
}

// stubEngine fabricates transform outputs and partition audits.
type stubEngine struct {
	mu sync.Mutex

	// audit per table, returned for every shard.
	audit map[tables.Table][]sidecar.Entry

	// missing entity ids reported per table on Transform.
	missing map[tables.Table][]string

	transformErr error
	partitionErr error

	transformCalls int
	partitionCalls int
}

func newStubEngine() *stubEngine {
	audit := map[tables.Table][]sidecar.Entry{}
	for _, tbl := range tables.All() {
		key := "en"
		if tbl == tables.Links {
			key = "enwiki"
		}
		audit[tbl] = []sidecar.Entry{{Key: key, Rows: 120, MinID: 5, MaxID: 9999990}}
	}
	return &stubEngine{audit: audit, missing: map[tables.Table][]string{}}
}

// syncStats makes h's remote statistics agree with the engine's audit
// for stem, as if a push had replicated everything faithfully.
func (e *stubEngine) syncStats(h *stubHub, catalog *tables.Catalog, stem string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for tbl, entries := range e.audit {
		for _, entry := range entries {
			h.setStats(catalog.TargetRepo(tbl), entry.Key, stem,
				hub.Stats{Rows: entry.Rows, MinID: entry.MinID, MaxID: entry.MaxID})
		}
	}
}

func (e *stubEngine) Transform(ctx context.Context, sourcePath string, outDir string) (*engine.TransformResult, error) {
	e.mu.Lock()
	e.transformCalls++
	err := e.transformErr
	missing := e.missing
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result := &engine.TransformResult{
		TablePaths:      map[tables.Table]string{},
		MissingEntities: map[tables.Table][]string{},
	}
	for _, tbl := range tables.All() {
		p := filepath.Join(outDir, string(tbl)+".parquet")
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(string(tbl)), 0o644); err != nil {
			return nil, err
		}
		result.TablePaths[tbl] = p
	}
	for tbl, ids := range missing {
		result.MissingEntities[tbl] = ids
	}
	return result, nil
}

func (e *stubEngine) PartitionByKey(ctx context.Context, tablePath string, key string, destDir string) (*engine.PartitionResult, error) {
	e.mu.Lock()
	e.partitionCalls++
	err := e.partitionErr
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// tablePath is <work>/tables/<stem>/<table>.parquet
	stem := filepath.Base(filepath.Dir(tablePath))
	tbl := tables.Table(filepath.Base(tablePath[:len(tablePath)-len(".parquet")]))

	e.mu.Lock()
	audit := e.audit[tbl]
	e.mu.Unlock()

	var subsets []string
	for _, entry := range audit {
		p := filepath.Join(destDir, entry.Key, stem+".parquet")
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(entry.Key), 0o644); err != nil {
			return nil, err
		}
		subsets = append(subsets, p)
	}
	return &engine.PartitionResult{SubsetPaths: subsets, Audit: audit}, nil
}
