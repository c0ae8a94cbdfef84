package core

import (
	"context"
	"time"
)

// ProcessedSignatureEntry is a durable record of a handled signature.
type ProcessedSignatureEntry struct {
	Signature  Signature
	Slot       Slot
	Finality   Finality
	InsertedAt time.Time
}

// SlotWatermark tracks progress for a single observed program.
type SlotWatermark struct {
	ProgramID         ProgramID
	LastProcessedSlot Slot
	LastFinalizedSlot Slot
}

// BackfillRangeStatus is the lifecycle state of a BackfillRange.
type BackfillRangeStatus string

const (
	RangePending    BackfillRangeStatus = "pending"
	RangeInProgress BackfillRangeStatus = "in_progress"
	RangeDone       BackfillRangeStatus = "done"
	RangeFailed     BackfillRangeStatus = "failed"
)

// BackfillRange is a claimable unit of historical work.
type BackfillRange struct {
	RangeID   int64
	ProgramID ProgramID
	StartSlot Slot
	EndSlot   Slot
	Status    BackfillRangeStatus
	Attempts  int
	UpdatedAt time.Time
}

// Store is the durability boundary the Indexer and Backfill Controller share.
// Implementations must make mark_processed idempotent (insert-or-ignore on
// the signature primary key) and must perform the documented multi-row
// mutations atomically.
//
// Failures should be reported as ErrStoreUnavailable (transport-level,
// caller retries) or ErrSchemaMismatch (version skew, fatal).
type Store interface {
	// IsProcessed reports whether sig has already been committed, regardless
	// of finality.
	IsProcessed(ctx context.Context, sig Signature) (bool, error)

	// MarkProcessed records sig as processed at slot with the given
	// finality. Idempotent: re-marking an existing signature is a no-op.
	// fn, if non-nil, runs before the processed-row insert, inside the same
	// transaction: a PostgresStore places the live *sql.Tx on fn's ctx,
	// retrievable via TxFromContext, so handler side effects issued against
	// it commit or roll back atomically with the bookkeeping row (spec.md
	// §4.10). The in-memory test Store has no real transaction to offer.
	MarkProcessed(ctx context.Context, sig Signature, slot Slot, programID ProgramID, finality Finality, fn func(ctx context.Context) error) error

	// LastProcessedSlot returns the processed-slot watermark for programID:
	// the highest slot marked processed, unless RevertProcessedSlot has since
	// lowered it. nil if programID has no watermark yet.
	LastProcessedSlot(ctx context.Context, programID ProgramID) (*Slot, error)

	// LastFinalizedSlot returns the finalized watermark for programID, or
	// nil if none yet.
	LastFinalizedSlot(ctx context.Context, programID ProgramID) (*Slot, error)

	// SetFinalizedUpto flips every tentative row at or below slot to
	// finalized and advances the finalized watermark, atomically.
	SetFinalizedUpto(ctx context.Context, programID ProgramID, slot Slot) error

	// DeleteTentativeFrom removes tentative rows at or above slot, used on
	// reorg. Returns the number of rows removed.
	DeleteTentativeFrom(ctx context.Context, programID ProgramID, slot Slot) (int64, error)

	// RevertProcessedSlot forces the processed-slot watermark for programID
	// down to slot. Used by the Reorg Handler after DeleteTentativeFrom.
	RevertProcessedSlot(ctx context.Context, programID ProgramID, slot Slot) error

	// ClaimRange enqueues a new backfill range in pending status.
	ClaimRange(ctx context.Context, programID ProgramID, start, end Slot) (*BackfillRange, error)

	// NextPendingRange atomically claims (marks in_progress) and returns the
	// oldest pending range for programID, or nil if none are pending.
	NextPendingRange(ctx context.Context, programID ProgramID) (*BackfillRange, error)

	// CompleteRange marks a range done.
	CompleteRange(ctx context.Context, rangeID int64) error

	// FailRange increments the attempt counter and marks the range failed.
	// Returns the updated attempt count.
	FailRange(ctx context.Context, rangeID int64) (int, error)

	// TentativeOlderThan returns processed-signature entries still tentative
	// that were inserted at least olderThan ago, used by the
	// Finalization Tracker to force reconciliation of stale tentatives.
	TentativeOlderThan(ctx context.Context, programID ProgramID, olderThan time.Duration) ([]ProcessedSignatureEntry, error)

	// Close releases resources held by the store.
	Close() error
}
