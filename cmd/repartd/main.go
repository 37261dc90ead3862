// Package main implements repartd, the batch pipeline that pulls a
// sharded corpus from the data hub, derives partitioned tables per
// shard, republishes them, and verifies the result before reclaiming
// local disk.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shardmill/repart-core/internal/config"
	"github.com/shardmill/repart-core/internal/engine"
	"github.com/shardmill/repart-core/internal/hub"
	"github.com/shardmill/repart-core/internal/pipeline"
	"github.com/shardmill/repart-core/pkg/sidecar"
	"github.com/shardmill/repart-core/pkg/state"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}

	dataHub, err := newHub(cfg)
	if err != nil {
		log.Fatalf("hub: %v", err)
	}

	eng, err := engine.NewHTTPEngine(engine.ClientConfig{
		BaseURL: cfg.EngineURL,
		Token:   cfg.EngineToken,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}

	sidecars, err := sidecar.NewStore(cfg.AuditDir)
	if err != nil {
		log.Fatalf("sidecar store: %v", err)
	}

	layout := pipeline.Layout{DataDir: cfg.DataDir, WorkDir: cfg.WorkDir}
	budget := pipeline.NewBudgetTracker(cfg.DataDir, cfg.QuotaBytes)

	orch := pipeline.NewOrchestrator(
		store,
		pipeline.NewRemediator(store, layout, sidecars),
		pipeline.NewPullCoordinator(store, dataHub, budget, layout, catalog, cfg.PullWorkers),
		pipeline.NewTransformStage(store, eng, layout),
		pipeline.NewPartitionStage(store, eng, layout, sidecars),
		pipeline.NewPushStage(store, dataHub, layout, catalog),
		pipeline.NewPostCheckStage(store, dataHub, layout, catalog, sidecars),
	)

	summary, err := orch.Run(ctx, func(ctx context.Context) ([]string, error) {
		files, err := dataHub.ListAllFiles(ctx)
		if err != nil {
			return nil, err
		}
		stems := make([]string, 0, len(files))
		for _, f := range files {
			stems = append(stems, strings.TrimSuffix(f.Name, ".parquet"))
		}
		return stems, nil
	})
	if err != nil {
		log.Fatalf("run %s: %v", summary.RunID, err)
	}
	if !summary.Complete() {
		log.Printf("run %s left chunks %v short of COMPLETE; rerun after resolving reported failures",
			summary.RunID, summary.Stalled)
	}
}

func newStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	if cfg.StateBackend == "postgres" {
		return state.NewPgStore(ctx, cfg.PostgresDSN)
	}
	return state.NewFileStore(cfg.StateDir)
}

// newHub uses the real S3 client for http/https endpoints and falls
// back to a filesystem hub for file:// URLs or local development.
func newHub(cfg *config.Config) (hub.Hub, error) {
	if strings.HasPrefix(cfg.HubEndpointURL, "http://") || strings.HasPrefix(cfg.HubEndpointURL, "https://") {
		return hub.NewS3Hub(hub.S3Config{
			EndpointURL:     cfg.HubEndpointURL,
			AccessKeyID:     cfg.HubAccessKeyID,
			SecretAccessKey: cfg.HubSecretKey,
			Region:          cfg.HubRegion,
			Bucket:          cfg.HubBucket,
			SourceRepo:      cfg.SourceRepo,
		})
	}
	root := strings.TrimPrefix(cfg.HubEndpointURL, "file://")
	if root == "" {
		root = "hub"
	}
	return hub.NewLocalHub(root, cfg.SourceRepo)
}
