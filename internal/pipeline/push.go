package pipeline

import (
	"context"
	"log"

	"github.com/shardmill/repart-core/internal/hub"
	"github.com/shardmill/repart-core/pkg/state"
	"github.com/shardmill/repart-core/pkg/tables"
)

// PushReport summarizes one push pass over a chunk.
type PushReport struct {
	// Gated is true when the chunk has not reached PARTITION across
	// all members yet.
	Gated        bool
	Pushed       int
	FailedTables []tables.Table
}

// PushStage bulk-uploads each table's partitioned directory to its
// target repo. One upload call per table per chunk keeps the remote
// API call count bounded; uploads overwrite in place, so a failed pass
// is retried wholesale on the next one.
type PushStage struct {
	store   state.Store
	hub     hub.Hub
	layout  Layout
	catalog *tables.Catalog
}

// NewPushStage wires the stage over the shared store and hub.
func NewPushStage(store state.Store, h hub.Hub, layout Layout, catalog *tables.Catalog) *PushStage {
	return &PushStage{store: store, hub: h, layout: layout, catalog: catalog}
}

// Run pushes the chunk if and only if every member file has reached at
// least PARTITION. On success every member advances to PUSH together.
func (s *PushStage) Run(ctx context.Context, records []state.Record) (*PushReport, error) {
	report := &PushReport{}
	if len(records) == 0 {
		return report, nil
	}
	if state.EffectiveStep(records) < state.StepPartition {
		report.Gated = true
		return report, nil
	}
	// Nothing to do when everything already moved past PUSH.
	needsPush := false
	for _, rec := range records {
		if rec.Step == state.StepPartition {
			needsPush = true
			break
		}
	}
	if !needsPush {
		return report, nil
	}

	for _, t := range tables.All() {
		repo := s.catalog.TargetRepo(t)
		if err := s.hub.UploadFolder(ctx, repo, s.layout.PartitionDir(t)); err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			log.Printf("[push] upload of %s to %s failed: %v", t, repo, err)
			report.FailedTables = append(report.FailedTables, t)
		}
	}
	if len(report.FailedTables) > 0 {
		// Chunk stays gated at PARTITION; the next pass re-uploads.
		return report, nil
	}

	for _, rec := range records {
		if rec.Step != state.StepPartition {
			continue
		}
		if err := s.store.Advance(ctx, rec.Stem, state.StepPush); err != nil {
			return report, err
		}
		report.Pushed++
	}
	return report, nil
}
