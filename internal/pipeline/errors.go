package pipeline

import (
	"fmt"

	"github.com/shardmill/repart-core/pkg/sidecar"
	"github.com/shardmill/repart-core/pkg/tables"
)

const (
	CodeDataIntegrity  = "E_DATA_INTEGRITY"
	CodeVerifyMismatch = "E_VERIFY_MISMATCH"
)

// DataIntegrityError reports that a shard's transform output dropped
// entity identifiers it was not allowed to drop. It isolates the single
// file and is never retried automatically.
type DataIntegrityError struct {
	Stem    string
	Table   tables.Table
	Missing []string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("%s: %s table for %s lost %d input entities",
		CodeDataIntegrity, e.Table, e.Stem, len(e.Missing))
}

func (e *DataIntegrityError) CodeValue() string     { return CodeDataIntegrity }
func (e *DataIntegrityError) RetryableStatus() bool { return false }

// VerificationMismatch reports that remote statistics disagree with a
// shard's audit sidecar for one (table, key). The file stays at PUSH
// and is retried on the next pass; there is no automatic repair.
type VerificationMismatch struct {
	Stem  string
	Table tables.Table
	Key   string
	Want  sidecar.Entry
	Got   sidecar.Entry
	// Absent marks that no remote subset was found at all.
	Absent bool
}

func (e *VerificationMismatch) Error() string {
	if e.Absent {
		return fmt.Sprintf("%s: %s/%s key=%s has no remote subset (want rows=%d id=[%d,%d])",
			CodeVerifyMismatch, e.Table, e.Stem, e.Key, e.Want.Rows, e.Want.MinID, e.Want.MaxID)
	}
	return fmt.Sprintf("%s: %s/%s key=%s want rows=%d id=[%d,%d], got rows=%d id=[%d,%d]",
		CodeVerifyMismatch, e.Table, e.Stem, e.Key,
		e.Want.Rows, e.Want.MinID, e.Want.MaxID,
		e.Got.Rows, e.Got.MinID, e.Got.MaxID)
}

func (e *VerificationMismatch) CodeValue() string     { return CodeVerifyMismatch }
func (e *VerificationMismatch) RetryableStatus() bool { return true }
