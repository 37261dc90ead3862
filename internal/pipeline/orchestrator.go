package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/shardmill/repart-core/pkg/state"
)

// Summary is what a full run reports back to the caller.
type Summary struct {
	RunID               string
	ChunksCompleted     int
	FilesCompleted      int
	Mismatches          int
	IntegrityViolations int
	// Stalled lists chunks that stopped making progress; their files
	// are left short of COMPLETE for operator attention.
	Stalled []int
}

// Complete reports whether the whole corpus reached COMPLETE.
func (s *Summary) Complete() bool { return len(s.Stalled) == 0 }

// Orchestrator drives the corpus chunk by chunk: discovery or
// remediation first, then the lowest incomplete chunk through
// Pull -> Transform -> Partition -> Push -> Post-check until it
// completes or stalls. Chunks are never processed concurrently; that
// caps local disk usage at roughly one chunk's footprint.
type Orchestrator struct {
	store      state.Store
	remediator *Remediator
	pull       *PullCoordinator
	transform  *TransformStage
	partition  *PartitionStage
	push       *PushStage
	postCheck  *PostCheckStage
}

// NewOrchestrator assembles the control loop from its stages.
func NewOrchestrator(store state.Store, remediator *Remediator, pull *PullCoordinator,
	transform *TransformStage, partition *PartitionStage, push *PushStage, postCheck *PostCheckStage) *Orchestrator {
	return &Orchestrator{
		store:      store,
		remediator: remediator,
		pull:       pull,
		transform:  transform,
		partition:  partition,
		push:       push,
		postCheck:  postCheck,
	}
}

// Run executes the pipeline until the corpus is exhausted or no chunk
// can make further progress. discover supplies the corpus listing for
// first-time initialization.
func (o *Orchestrator) Run(ctx context.Context, discover func(context.Context) ([]string, error)) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString()}
	log.Printf("[run %s] starting", summary.RunID)

	if err := o.prepare(ctx, discover); err != nil {
		return summary, err
	}

	stalled := map[int]bool{}
	for {
		chunk, ok, err := o.nextChunk(ctx, stalled)
		if err != nil {
			return summary, err
		}
		if !ok {
			break
		}
		completed, err := o.driveChunk(ctx, chunk, summary)
		if err != nil {
			return summary, err
		}
		if completed {
			summary.ChunksCompleted++
			log.Printf("[run %s] chunk %d complete", summary.RunID, chunk)
		} else {
			stalled[chunk] = true
			summary.Stalled = append(summary.Stalled, chunk)
			log.Printf("[run %s] chunk %d stalled; moving on", summary.RunID, chunk)
		}
	}

	log.Printf("[run %s] finished: %d chunks completed, %d files completed, %d mismatches, %d integrity violations, %d stalled",
		summary.RunID, summary.ChunksCompleted, summary.FilesCompleted,
		summary.Mismatches, summary.IntegrityViolations, len(summary.Stalled))
	return summary, nil
}

// prepare runs one-time discovery on a fresh store, or remediation on
// a resumed one.
func (o *Orchestrator) prepare(ctx context.Context, discover func(context.Context) ([]string, error)) error {
	records, err := o.store.ReadAll(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		stems, err := discover(ctx)
		if err != nil {
			return fmt.Errorf("corpus discovery: %w", err)
		}
		if len(stems) == 0 {
			return errors.New("corpus discovery returned no source files")
		}
		if err := o.store.Init(ctx, stems); err != nil {
			return err
		}
		log.Printf("[discover] initialized %d source files", len(stems))
		return nil
	}
	raised, err := o.remediator.Run(ctx)
	if err != nil {
		return err
	}
	if raised > 0 {
		log.Printf("[remediate] raised %d records from disk evidence", raised)
	}
	return nil
}

// nextChunk picks the lowest incomplete chunk that has not stalled.
func (o *Orchestrator) nextChunk(ctx context.Context, stalled map[int]bool) (int, bool, error) {
	records, err := o.store.ReadAll(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(records) == 0 {
		return 0, false, state.ErrUninitialized
	}
	live := records[:0:0]
	for _, rec := range records {
		if !stalled[rec.Chunk] {
			live = append(live, rec)
		}
	}
	chunk, ok := state.NextIncompleteChunk(live)
	return chunk, ok, nil
}

// driveChunk re-polls the stages until the chunk completes or a pass
// makes no progress. File-level failures never abort the loop; they
// just stop advancing that file.
func (o *Orchestrator) driveChunk(ctx context.Context, chunk int, summary *Summary) (bool, error) {
	for {
		records, err := o.store.ReadAll(ctx)
		if err != nil {
			return false, err
		}
		members := state.ChunkRecords(records, chunk)
		if state.EffectiveStep(members) >= state.StepComplete {
			return true, nil
		}

		before := stepTotal(members)
		passID := uuid.NewString()[:8]

		pullRep, err := o.pull.PullChunk(ctx, members)
		if err != nil {
			return false, err
		}
		members, err = o.reload(ctx, chunk)
		if err != nil {
			return false, err
		}
		transRep, err := o.transform.Run(ctx, members)
		if err != nil {
			return false, err
		}
		members, err = o.reload(ctx, chunk)
		if err != nil {
			return false, err
		}
		partRep, err := o.partition.Run(ctx, members)
		if err != nil {
			return false, err
		}
		members, err = o.reload(ctx, chunk)
		if err != nil {
			return false, err
		}
		pushRep, err := o.push.Run(ctx, members)
		if err != nil {
			return false, err
		}
		members, err = o.reload(ctx, chunk)
		if err != nil {
			return false, err
		}
		checkRep, err := o.postCheck.Run(ctx, members)
		if err != nil {
			return false, err
		}

		summary.FilesCompleted += checkRep.Verified
		summary.Mismatches += len(checkRep.Mismatches)
		summary.IntegrityViolations += len(transRep.IntegrityViolations)

		log.Printf("[pass %s] chunk %d: pulled=%d skipped=%d deferred=%d transformed=%d partitioned=%d pushed=%d verified=%d%s",
			passID, chunk, pullRep.Downloaded, pullRep.Skipped+pullRep.AlreadyLocal, pullRep.Deferred,
			transRep.Transformed, partRep.Partitioned, pushRep.Pushed, checkRep.Verified,
			passSuffix(pushRep, checkRep))

		members, err = o.reload(ctx, chunk)
		if err != nil {
			return false, err
		}
		if state.EffectiveStep(members) >= state.StepComplete {
			return true, nil
		}
		if stepTotal(members) == before {
			// No file moved in a full pass; leave the chunk for the
			// operator (or the next invocation) rather than spin.
			return false, nil
		}
	}
}

func (o *Orchestrator) reload(ctx context.Context, chunk int) ([]state.Record, error) {
	records, err := o.store.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return state.ChunkRecords(records, chunk), nil
}

func stepTotal(records []state.Record) int {
	total := 0
	for _, rec := range records {
		total += int(rec.Step)
	}
	return total
}

func passSuffix(pushRep *PushReport, checkRep *PostCheckReport) string {
	var parts []string
	if pushRep.Gated {
		parts = append(parts, "push gated")
	}
	if len(pushRep.FailedTables) > 0 {
		parts = append(parts, fmt.Sprintf("%d table uploads failed", len(pushRep.FailedTables)))
	}
	if len(checkRep.Mismatches) > 0 {
		parts = append(parts, fmt.Sprintf("%d verification mismatches", len(checkRep.Mismatches)))
	}
	if checkRep.SourcesDeleted {
		parts = append(parts, "sources reclaimed")
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, "; ") + ")"
}
