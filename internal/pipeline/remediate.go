package pipeline

import (
	"context"
	"log"

	"github.com/shardmill/repart-core/pkg/sidecar"
	"github.com/shardmill/repart-core/pkg/state"
)

// Remediator reconciles recorded progress with physical on-disk
// evidence after an interrupted run. A process killed between writing
// an artifact and recording the step leaves the store under-reporting;
// remediation raises the record to what the disk proves, and never
// lowers anything.
//
// Remote-side progress (PUSH and beyond) cannot be proven from local
// disk and is deliberately left unresolved.
type Remediator struct {
	store    state.Store
	layout   Layout
	sidecars *sidecar.Store
}

// NewRemediator wires a remediator over the shared store and layout.
func NewRemediator(store state.Store, layout Layout, sidecars *sidecar.Store) *Remediator {
	return &Remediator{store: store, layout: layout, sidecars: sidecars}
}

// Run infers each file's true step and applies it when strictly greater
// than the recorded one. It is idempotent: a second run infers the same
// steps and applies nothing.
func (r *Remediator) Run(ctx context.Context) (raised int, err error) {
	records, err := r.store.ReadAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		inferred := r.infer(rec.Stem)
		if inferred <= rec.Step {
			continue
		}
		if err := r.store.Advance(ctx, rec.Stem, inferred); err != nil {
			return raised, err
		}
		log.Printf("[remediate] %s: %s -> %s (disk evidence)", rec.Stem, rec.Step, inferred)
		raised++
	}
	return raised, nil
}

// infer walks the evidence checks in ascending step order; each check
// is only meaningful if the prior one holds.
func (r *Remediator) infer(stem string) state.Step {
	if !r.layout.HasTransformOutputs(stem) {
		return state.StepInit
	}
	if r.layout.HasPartitionedSubsets(stem) || r.sidecars.Exists(stem) {
		return state.StepPartition
	}
	return state.StepProcess
}
