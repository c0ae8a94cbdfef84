package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/sirupsen/logrus"
)

// schemaVersion guards against running against a store created by an
// incompatible release of the SDK.
const schemaVersion = 1

// txContextKey is the context key MarkProcessed uses to hand its in-flight
// *sql.Tx to the fn callback.
type txContextKey struct{}

// TxFromContext returns the *sql.Tx a PostgresStore.MarkProcessed callback is
// running inside, if any. Handlers use this to enlist their own writes in
// the same transaction as the processed-signature insert (spec.md §4.10's
// atomicity requirement). The in-memory test Store has no real transaction
// to hand back, so this returns ok=false there.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx, ok
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS indexer_schema_version (
	version INT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_transactions (
	signature   TEXT PRIMARY KEY,
	program_id  TEXT NOT NULL,
	slot        BIGINT NOT NULL,
	finality    TEXT NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_processed_transactions_program_slot
	ON processed_transactions (program_id, slot);

CREATE TABLE IF NOT EXISTS backfill_ranges (
	range_id   SERIAL PRIMARY KEY,
	program_id TEXT NOT NULL,
	start_slot BIGINT NOT NULL,
	end_slot   BIGINT NOT NULL,
	status     TEXT NOT NULL,
	attempts   INT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_backfill_ranges_program_status
	ON backfill_ranges (program_id, status);

CREATE TABLE IF NOT EXISTS slot_watermarks (
	program_id           TEXT PRIMARY KEY,
	last_processed_slot  BIGINT NOT NULL DEFAULT 0,
	last_finalized_slot  BIGINT NOT NULL DEFAULT 0
);
`

// PostgresStore is the production Store backed by database/sql over the pgx
// driver. Connections are pooled by database/sql itself; callers size the
// pool via SetMaxOpenConns (the Fetcher's worker_threads * 2 recommendation
// from spec.md §5 is a reasonable default).
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgresStore opens dsn and runs the built-in migration for internal
// tables. A version mismatch in indexer_schema_version is fatal
// (ErrSchemaMismatch); a transport failure is ErrStoreUnavailable.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStoreUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin migration: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("%w: create schema: %v", ErrStoreUnavailable, err)
	}

	var version int
	err = tx.QueryRowContext(ctx, `SELECT version FROM indexer_schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO indexer_schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
			return fmt.Errorf("%w: seed schema version: %v", ErrStoreUnavailable, err)
		}
	case err != nil:
		return fmt.Errorf("%w: read schema version: %v", ErrStoreUnavailable, err)
	case version != schemaVersion:
		return fmt.Errorf("%w: store has version %d, sdk expects %d", ErrSchemaMismatch, version, schemaVersion)
	}

	logrus.Info("indexer: store schema migrated")
	return tx.Commit()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the underlying pool so embedders can share it with their own
// user-table migrations/handlers. The SDK never touches user tables after
// a schema_initializer has created them.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) IsProcessed(ctx context.Context, sig Signature) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_transactions WHERE signature = $1)`, string(sig),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: is_processed: %v", ErrStoreUnavailable, err)
	}
	return exists, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, sig Signature, slot Slot, programID ProgramID, finality Finality, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: mark_processed begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_transactions WHERE signature = $1)`, string(sig),
	).Scan(&exists); err != nil {
		return fmt.Errorf("%w: mark_processed lookup: %v", ErrStoreUnavailable, err)
	}
	if exists {
		return nil
	}

	if fn != nil {
		txCtx := context.WithValue(ctx, txContextKey{}, tx)
		if err := fn(txCtx); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processed_transactions (signature, program_id, slot, finality)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (signature) DO NOTHING`,
		string(sig), string(programID), int64(slot), string(finality),
	); err != nil {
		return fmt.Errorf("%w: mark_processed insert: %v", ErrStoreUnavailable, err)
	}

	if err := s.bumpProcessedWatermarkTx(ctx, tx, programID, slot); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: mark_processed commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) bumpProcessedWatermarkTx(ctx context.Context, tx *sql.Tx, programID ProgramID, slot Slot) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO slot_watermarks (program_id, last_processed_slot, last_finalized_slot)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (program_id) DO UPDATE
		 SET last_processed_slot = GREATEST(slot_watermarks.last_processed_slot, EXCLUDED.last_processed_slot)`,
		string(programID), int64(slot),
	)
	if err != nil {
		return fmt.Errorf("%w: bump watermark: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) LastProcessedSlot(ctx context.Context, programID ProgramID) (*Slot, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed_slot FROM slot_watermarks WHERE program_id = $1`, string(programID),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: last_processed_slot: %v", ErrStoreUnavailable, err)
	}
	slot := Slot(v)
	return &slot, nil
}

func (s *PostgresStore) LastFinalizedSlot(ctx context.Context, programID ProgramID) (*Slot, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_finalized_slot FROM slot_watermarks WHERE program_id = $1`, string(programID),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: last_finalized_slot: %v", ErrStoreUnavailable, err)
	}
	slot := Slot(v)
	return &slot, nil
}

func (s *PostgresStore) SetFinalizedUpto(ctx context.Context, programID ProgramID, slot Slot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("%w: set_finalized_upto begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE processed_transactions SET finality = $1
		 WHERE program_id = $2 AND finality = $3 AND slot <= $4`,
		string(FinalityFinalized), string(programID), string(FinalityTentative), int64(slot),
	); err != nil {
		return fmt.Errorf("%w: set_finalized_upto update: %v", ErrStoreUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO slot_watermarks (program_id, last_processed_slot, last_finalized_slot)
		 VALUES ($1, 0, $2)
		 ON CONFLICT (program_id) DO UPDATE
		 SET last_finalized_slot = GREATEST(slot_watermarks.last_finalized_slot, EXCLUDED.last_finalized_slot)`,
		string(programID), int64(slot),
	); err != nil {
		return fmt.Errorf("%w: set_finalized_upto watermark: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: set_finalized_upto commit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) DeleteTentativeFrom(ctx context.Context, programID ProgramID, slot Slot) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_transactions WHERE program_id = $1 AND finality = $2 AND slot >= $3`,
		string(programID), string(FinalityTentative), int64(slot),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: delete_tentative_from: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) RevertProcessedSlot(ctx context.Context, programID ProgramID, slot Slot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slot_watermarks (program_id, last_processed_slot, last_finalized_slot)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (program_id) DO UPDATE
		 SET last_processed_slot = $2`,
		string(programID), int64(slot),
	)
	if err != nil {
		return fmt.Errorf("%w: revert_processed_slot: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ClaimRange(ctx context.Context, programID ProgramID, start, end Slot) (*BackfillRange, error) {
	r := &BackfillRange{ProgramID: programID, StartSlot: start, EndSlot: end, Status: RangePending}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO backfill_ranges (program_id, start_slot, end_slot, status)
		 VALUES ($1, $2, $3, $4) RETURNING range_id, updated_at`,
		string(programID), int64(start), int64(end), string(RangePending),
	).Scan(&r.RangeID, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: claim_range: %v", ErrStoreUnavailable, err)
	}
	return r, nil
}

func (s *PostgresStore) NextPendingRange(ctx context.Context, programID ProgramID) (*BackfillRange, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("%w: next_pending_range begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	r := &BackfillRange{}
	err = tx.QueryRowContext(ctx,
		`SELECT range_id, program_id, start_slot, end_slot, status, attempts, updated_at
		 FROM backfill_ranges
		 WHERE program_id = $1 AND status = $2
		 ORDER BY start_slot ASC
		 LIMIT 1 FOR UPDATE SKIP LOCKED`,
		string(programID), string(RangePending),
	).Scan(&r.RangeID, &r.ProgramID, &r.StartSlot, &r.EndSlot, &r.Status, &r.Attempts, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: next_pending_range select: %v", ErrStoreUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE backfill_ranges SET status = $1, updated_at = now() WHERE range_id = $2`,
		string(RangeInProgress), r.RangeID,
	); err != nil {
		return nil, fmt.Errorf("%w: next_pending_range claim: %v", ErrStoreUnavailable, err)
	}
	r.Status = RangeInProgress

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: next_pending_range commit: %v", ErrStoreUnavailable, err)
	}
	return r, nil
}

func (s *PostgresStore) CompleteRange(ctx context.Context, rangeID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE backfill_ranges SET status = $1, updated_at = now() WHERE range_id = $2`,
		string(RangeDone), rangeID,
	)
	if err != nil {
		return fmt.Errorf("%w: complete_range: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) FailRange(ctx context.Context, rangeID int64) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE backfill_ranges SET status = $1, attempts = attempts + 1, updated_at = now()
		 WHERE range_id = $2 RETURNING attempts`,
		string(RangeFailed), rangeID,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("%w: fail_range: %v", ErrStoreUnavailable, err)
	}
	return attempts, nil
}

func (s *PostgresStore) TentativeOlderThan(ctx context.Context, programID ProgramID, olderThan time.Duration) ([]ProcessedSignatureEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature, slot, finality, inserted_at FROM processed_transactions
		 WHERE program_id = $1 AND finality = $2 AND inserted_at <= $3`,
		string(programID), string(FinalityTentative), time.Now().Add(-olderThan),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: tentative_older_than: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []ProcessedSignatureEntry
	for rows.Next() {
		var e ProcessedSignatureEntry
		var sig, finality string
		var slot int64
		if err := rows.Scan(&sig, &slot, &finality, &e.InsertedAt); err != nil {
			return nil, fmt.Errorf("%w: tentative_older_than scan: %v", ErrStoreUnavailable, err)
		}
		e.Signature = Signature(sig)
		e.Slot = Slot(slot)
		e.Finality = Finality(finality)
		out = append(out, e)
	}
	return out, rows.Err()
}
