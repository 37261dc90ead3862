package pipeline

import (
	"context"
	"log"
	"os"

	"github.com/shardmill/repart-core/internal/hub"
	"github.com/shardmill/repart-core/pkg/sidecar"
	"github.com/shardmill/repart-core/pkg/state"
	"github.com/shardmill/repart-core/pkg/tables"
)

// PostCheckReport summarizes one verification pass over a chunk.
type PostCheckReport struct {
	Verified   int
	Mismatches []*VerificationMismatch
	// SourcesDeleted is true when the whole chunk completed and its
	// downloaded source shards were reclaimed.
	SourcesDeleted bool
}

// PostCheckStage verifies republished data against the audit sidecars:
// for every (table, key) a shard produced, the remote subset's row
// count and id bounds must match exactly. Verified files complete; a
// mismatch leaves the file at PUSH and blocks the chunk's deletion.
type PostCheckStage struct {
	store    state.Store
	hub      hub.Hub
	layout   Layout
	catalog  *tables.Catalog
	sidecars *sidecar.Store
}

// NewPostCheckStage wires the stage over the shared store and hub.
func NewPostCheckStage(store state.Store, h hub.Hub, layout Layout, catalog *tables.Catalog, sidecars *sidecar.Store) *PostCheckStage {
	return &PostCheckStage{store: store, hub: h, layout: layout, catalog: catalog, sidecars: sidecars}
}

// Run verifies every file at PUSH in records, then deletes the chunk's
// downloaded source shards once every member file is COMPLETE. Only
// the original downloads are deleted, never transformed or partitioned
// artifacts.
func (s *PostCheckStage) Run(ctx context.Context, records []state.Record) (*PostCheckReport, error) {
	report := &PostCheckReport{}
	allComplete := true
	for _, rec := range records {
		switch rec.Step {
		case state.StepComplete:
			continue
		case state.StepPush, state.StepPostCheck:
			ok, err := s.verifyOne(ctx, rec.Stem, report)
			if err != nil {
				return report, err
			}
			if !ok {
				allComplete = false
				continue
			}
			if rec.Step < state.StepPostCheck {
				if err := s.store.Advance(ctx, rec.Stem, state.StepPostCheck); err != nil {
					return report, err
				}
			}
			if err := s.store.Advance(ctx, rec.Stem, state.StepComplete); err != nil {
				return report, err
			}
			report.Verified++
		default:
			allComplete = false
		}
	}

	if allComplete && len(records) > 0 {
		if err := s.deleteSources(records); err != nil {
			return report, err
		}
		report.SourcesDeleted = true
	}
	return report, nil
}

// verifyOne checks every table's every sidecar key for stem. All three
// statistics must match exactly; any disagreement fails the file.
func (s *PostCheckStage) verifyOne(ctx context.Context, stem string, report *PostCheckReport) (bool, error) {
	verified := true
	for _, t := range tables.All() {
		entries, found, err := s.sidecars.Read(t, stem)
		if err != nil {
			return false, err
		}
		if !found {
			// No sidecar means the partition stage recorded nothing for
			// this table; there is nothing to verify.
			continue
		}
		repo := s.catalog.TargetRepo(t)
		for _, want := range entries {
			stats, ok, err := s.hub.ScanStats(ctx, repo, want.Key, stem)
			if err != nil {
				if ctx.Err() != nil {
					return false, err
				}
				log.Printf("[post-check] scan failed for %s/%s key=%s: %v", t, stem, want.Key, err)
				verified = false
				continue
			}
			mismatch := s.compare(stem, t, want, stats, ok)
			if mismatch != nil {
				log.Printf("[post-check] %v", mismatch)
				report.Mismatches = append(report.Mismatches, mismatch)
				verified = false
			}
		}
	}
	return verified, nil
}

func (s *PostCheckStage) compare(stem string, t tables.Table, want sidecar.Entry, got hub.Stats, found bool) *VerificationMismatch {
	if !found {
		return &VerificationMismatch{Stem: stem, Table: t, Key: want.Key, Want: want, Absent: true}
	}
	if got.Rows != want.Rows || got.MinID != want.MinID || got.MaxID != want.MaxID {
		return &VerificationMismatch{
			Stem:  stem,
			Table: t,
			Key:   want.Key,
			Want:  want,
			Got:   sidecar.Entry{Key: want.Key, Rows: got.Rows, MinID: got.MinID, MaxID: got.MaxID},
		}
	}
	return nil
}

// deleteSources reclaims the chunk's downloaded shard bytes.
func (s *PostCheckStage) deleteSources(records []state.Record) error {
	for _, rec := range records {
		path := s.layout.ShardPath(rec.Stem)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
