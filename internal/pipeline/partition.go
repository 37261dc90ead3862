package pipeline

import (
	"context"
	"log"

	"github.com/shardmill/repart-core/internal/engine"
	"github.com/shardmill/repart-core/pkg/sidecar"
	"github.com/shardmill/repart-core/pkg/state"
	"github.com/shardmill/repart-core/pkg/tables"
)

// PartitionReport summarizes one partition pass over a chunk.
type PartitionReport struct {
	Partitioned int
	Failed      int
}

// PartitionStage splits each transformed table file into keyed subsets
// and persists the audit sidecar the post-check stage will verify
// against. A key with zero matching rows simply has no sidecar entry.
type PartitionStage struct {
	store    state.Store
	engine   engine.Engine
	layout   Layout
	sidecars *sidecar.Store
}

// NewPartitionStage wires the stage over the shared store and engine.
func NewPartitionStage(store state.Store, eng engine.Engine, layout Layout, sidecars *sidecar.Store) *PartitionStage {
	return &PartitionStage{store: store, engine: eng, layout: layout, sidecars: sidecars}
}

// Run partitions every file at PROCESS in records. The step advances
// only after every table of a file has been partitioned and its
// sidecar persisted, so a crash mid-file resumes by repartitioning.
func (s *PartitionStage) Run(ctx context.Context, records []state.Record) (*PartitionReport, error) {
	report := &PartitionReport{}
	for _, rec := range records {
		if rec.Step != state.StepProcess {
			continue
		}
		if err := s.partitionOne(ctx, rec.Stem); err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			log.Printf("[partition] %s: %v", rec.Stem, err)
			report.Failed++
			continue
		}
		if err := s.store.Advance(ctx, rec.Stem, state.StepPartition); err != nil {
			return report, err
		}
		report.Partitioned++
	}
	return report, nil
}

func (s *PartitionStage) partitionOne(ctx context.Context, stem string) error {
	for _, t := range tables.All() {
		result, err := s.engine.PartitionByKey(ctx, s.layout.TablePath(stem, t), t.PartitionKey(), s.layout.PartitionDir(t))
		if err != nil {
			return err
		}
		if err := s.sidecars.Write(t, stem, result.Audit); err != nil {
			return err
		}
	}
	return nil
}
