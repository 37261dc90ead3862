package pipeline

import (
	"context"
	"fmt"
	"log"

	"github.com/shardmill/repart-core/internal/engine"
	"github.com/shardmill/repart-core/pkg/state"
	"github.com/shardmill/repart-core/pkg/tables"
)

// TransformReport summarizes one transform pass over a chunk.
type TransformReport struct {
	Transformed         int
	Failed              int
	IntegrityViolations []*DataIntegrityError
}

// TransformStage turns pulled shards into one table file per derived
// table and enforces the entity-identity invariant: every input entity
// must appear in every table's output, except aliases where null-valued
// rows are legitimately dropped.
type TransformStage struct {
	store  state.Store
	engine engine.Engine
	layout Layout

	// tainted remembers shards that failed the integrity check this
	// run; re-transforming them cannot succeed and would double-count
	// the violation.
	tainted map[string]bool
}

// NewTransformStage wires the stage over the shared store and engine.
func NewTransformStage(store state.Store, eng engine.Engine, layout Layout) *TransformStage {
	return &TransformStage{store: store, engine: eng, layout: layout, tainted: map[string]bool{}}
}

// Run transforms every file at PULL in records. Failures are isolated
// per file: the step is left unchanged and the pass continues.
func (s *TransformStage) Run(ctx context.Context, records []state.Record) (*TransformReport, error) {
	report := &TransformReport{}
	for _, rec := range records {
		if rec.Step != state.StepPull {
			continue
		}
		if s.tainted[rec.Stem] {
			report.Failed++
			continue
		}
		if err := s.transformOne(ctx, rec.Stem, report); err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			log.Printf("[transform] %s: %v", rec.Stem, err)
			report.Failed++
			continue
		}
		if err := s.store.Advance(ctx, rec.Stem, state.StepProcess); err != nil {
			return report, err
		}
		report.Transformed++
	}
	return report, nil
}

func (s *TransformStage) transformOne(ctx context.Context, stem string, report *TransformReport) error {
	result, err := s.engine.Transform(ctx, s.layout.ShardPath(stem), s.layout.TransformDir(stem))
	if err != nil {
		return err
	}
	for _, t := range tables.All() {
		if result.TablePaths[t] == "" {
			return fmt.Errorf("engine produced no %s table", t)
		}
	}
	for _, t := range tables.All() {
		missing := result.MissingEntities[t]
		if len(missing) == 0 || t.AllowsDroppedEntities() {
			continue
		}
		violation := &DataIntegrityError{Stem: stem, Table: t, Missing: missing}
		report.IntegrityViolations = append(report.IntegrityViolations, violation)
		s.tainted[stem] = true
		return violation
	}
	return nil
}
