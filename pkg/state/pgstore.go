package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore keeps step records in Postgres. It implements the same
// contract as FileStore for deployments where the pipeline host is
// ephemeral but a database is not.
type PgStore struct {
	db *pgxpool.Pool
}

const pgSchema = `CREATE TABLE IF NOT EXISTS shard_state (
	stem  TEXT PRIMARY KEY,
	chunk INT  NOT NULL,
	part  INT  NOT NULL,
	step  INT  NOT NULL
)`

// NewPgStore connects and ensures the shard_state table exists.
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("state: connect postgres: %w", err)
	}
	if _, err := db.Exec(ctx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: ensure schema: %w", err)
	}
	return &PgStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PgStore) Close() { s.db.Close() }

// Advance records step for stem inside a transaction so the
// read-compare-write is atomic against concurrent writers.
func (s *PgStore) Advance(ctx context.Context, stem string, step Step) error {
	if !step.Valid() {
		return fmt.Errorf("state: invalid step %d for %s", int(step), stem)
	}
	chunk, part, err := ParseStem(stem)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("state: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int
	err = tx.QueryRow(ctx,
		`SELECT step FROM shard_state WHERE stem = $1 FOR UPDATE`, stem).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		current = int(StepInit)
	case err != nil:
		return fmt.Errorf("state: read %s: %w", stem, err)
	}
	if step < Step(current) {
		return &RegressionError{Stem: stem, From: Step(current), To: step}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO shard_state (stem, chunk, part, step) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (stem) DO UPDATE SET step = EXCLUDED.step`,
		stem, chunk, part, int(step))
	if err != nil {
		return fmt.Errorf("state: write %s: %w", stem, err)
	}
	return tx.Commit(ctx)
}

// Read returns the recorded step, defaulting to StepInit when absent.
func (s *PgStore) Read(ctx context.Context, stem string) (Step, error) {
	var v int
	err := s.db.QueryRow(ctx,
		`SELECT step FROM shard_state WHERE stem = $1`, stem).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return StepInit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("state: read %s: %w", stem, err)
	}
	return ParseStep(v)
}

// ReadAll returns every record sorted by (chunk, part).
func (s *PgStore) ReadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT stem, chunk, part, step FROM shard_state ORDER BY chunk, part`)
	if err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var v int
		if err := rows.Scan(&rec.Stem, &rec.Chunk, &rec.Part, &v); err != nil {
			return nil, err
		}
		if rec.Step, err = ParseStep(v); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Init creates INIT records, leaving existing ones untouched.
func (s *PgStore) Init(ctx context.Context, stems []string) error {
	for _, stem := range stems {
		chunk, part, err := ParseStem(stem)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(ctx,
			`INSERT INTO shard_state (stem, chunk, part, step) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (stem) DO NOTHING`,
			stem, chunk, part, int(StepInit))
		if err != nil {
			return fmt.Errorf("state: init %s: %w", stem, err)
		}
	}
	return nil
}
