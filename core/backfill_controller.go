package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// StartStrategy controls cold-start planning for the Backfill Controller.
type StartStrategy int

const (
	// StartResume continues from the Store's last_processed_slot.
	StartResume StartStrategy = iota
	// StartFromTip ignores history and begins at the current chain tip.
	StartFromTip
	// StartFromSlot begins at an explicit slot (see StartSlot on BackfillConfig).
	StartFromSlot
	// StartFull begins at genesis. Rarely useful; bounded by MaxDepth.
	StartFull
)

// BackfillConfig configures the Backfill Controller.
type BackfillConfig struct {
	Enabled                bool
	ProgramIDs             []ProgramID
	PollInterval           time.Duration
	DesiredLagSlots        Slot
	BatchSize              Slot
	Concurrency            int
	MaxDepth               Slot
	MaxAttempts            int
	StartStrategy          StartStrategy
	StartSlot              Slot
	EndSlot                Slot // 0 means unbounded (use current tip)
	EnableReorgHandling    bool
	FinalizationCheckInterval time.Duration
}

func (c *BackfillConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// RangeWorker runs a specialized Fetcher+Decoder+Handler pass across every
// signature belonging to [start, end] for programID. It is supplied by the
// Indexer, which already owns the wired Fetcher/Decoder/HandlerRegistry.
type RangeWorker func(ctx context.Context, programID ProgramID, start, end Slot) error

// BackfillController detects lag, plans slot ranges, and runs a bounded pool
// of workers pulling pending ranges from the Store until drained.
type BackfillController struct {
	store  Store
	tip    ChainTip
	cfg    BackfillConfig
	worker RangeWorker

	failedMu sync.Mutex
	failed   []BackfillRange

	attemptsMu sync.Mutex
	attempts   map[string]int
}

// NewBackfillController constructs a BackfillController.
func NewBackfillController(store Store, tip ChainTip, worker RangeWorker, cfg BackfillConfig) *BackfillController {
	cfg.setDefaults()
	return &BackfillController{store: store, tip: tip, cfg: cfg, worker: worker, attempts: make(map[string]int)}
}

// Plan resolves the starting slot per StartStrategy and enqueues ranges
// covering [start, tip] in chunks of BatchSize, bounded by MaxDepth for
// StartResume/StartFull.
func (b *BackfillController) Plan(ctx context.Context, programID ProgramID) error {
	tip, err := b.resolveEndSlot(ctx)
	if err != nil {
		return err
	}

	start, err := b.resolveStartSlot(ctx, programID, tip)
	if err != nil {
		return err
	}
	if start > tip {
		return nil
	}

	for s := start; s <= tip; s += b.cfg.BatchSize {
		e := s + b.cfg.BatchSize - 1
		if e > tip {
			e = tip
		}
		if _, err := b.store.ClaimRange(ctx, programID, s, e); err != nil {
			return err
		}
	}
	logrus.WithFields(logrus.Fields{
		"program": programID,
		"start":   start,
		"tip":     tip,
	}).Info("indexer: backfill plan enqueued")
	return nil
}

func (b *BackfillController) resolveEndSlot(ctx context.Context) (Slot, error) {
	if b.cfg.EndSlot > 0 {
		return b.cfg.EndSlot, nil
	}
	return b.tip.FinalizedSlot(ctx)
}

func (b *BackfillController) resolveStartSlot(ctx context.Context, programID ProgramID, tip Slot) (Slot, error) {
	var start Slot
	switch b.cfg.StartStrategy {
	case StartFromTip:
		return tip, nil
	case StartFromSlot:
		start = b.cfg.StartSlot
	case StartFull:
		start = 0
	default: // StartResume
		last, err := b.store.LastProcessedSlot(ctx, programID)
		if err != nil {
			return 0, err
		}
		if last == nil {
			start = 0
		} else {
			start = *last + 1
		}
	}

	if b.cfg.StartStrategy != StartFromSlot && b.cfg.MaxDepth > 0 && tip > b.cfg.MaxDepth && start < tip-b.cfg.MaxDepth {
		start = tip - b.cfg.MaxDepth
	}
	return start, nil
}

// Run starts ConcurrencY workers per program pulling pending ranges until
// ctx is cancelled. Ranges are independent; each funnels through
// Store.MarkProcessed (insert-or-ignore), so re-running a range is safe.
func (b *BackfillController) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, programID := range b.cfg.ProgramIDs {
		for i := 0; i < b.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(programID ProgramID) {
				defer wg.Done()
				b.workerLoop(ctx, programID)
			}(programID)
		}
	}
	wg.Wait()
	return nil
}

func (b *BackfillController) workerLoop(ctx context.Context, programID ProgramID) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r, err := b.store.NextPendingRange(ctx, programID)
		if err != nil {
			logrus.WithField("program", programID).WithError(err).Warn("indexer: next_pending_range failed")
			b.sleep(ctx)
			continue
		}
		if r == nil {
			b.sleep(ctx)
			continue
		}

		if err := b.worker(ctx, programID, r.StartSlot, r.EndSlot); err != nil {
			b.onRangeFailure(ctx, r, err)
			continue
		}

		if err := b.store.CompleteRange(ctx, r.RangeID); err != nil {
			logrus.WithField("range_id", r.RangeID).WithError(err).Warn("indexer: complete_range failed")
		}
	}
}

// onRangeFailure records the failure against the range row for audit
// purposes via Store.FailRange (a terminal transition per row), then, since
// a failed row is never handed back out by NextPendingRange, decides based
// on a cumulative per-logical-range attempt count whether to re-enqueue a
// fresh pending row covering the same [start, end] or give up on it.
func (b *BackfillController) onRangeFailure(ctx context.Context, r *BackfillRange, cause error) {
	if _, err := b.store.FailRange(ctx, r.RangeID); err != nil {
		logrus.WithField("range_id", r.RangeID).WithError(err).Warn("indexer: fail_range bookkeeping failed")
	}

	key := fmt.Sprintf("%s:%d:%d", r.ProgramID, r.StartSlot, r.EndSlot)
	b.attemptsMu.Lock()
	b.attempts[key]++
	attempts := b.attempts[key]
	b.attemptsMu.Unlock()

	logEntry := logrus.WithFields(logrus.Fields{
		"range_id": r.RangeID,
		"program":  r.ProgramID,
		"start":    r.StartSlot,
		"end":      r.EndSlot,
		"attempts": attempts,
	}).WithError(cause)

	if attempts >= b.cfg.MaxAttempts {
		logEntry.Error("indexer: backfill range permanently failed")
		b.failedMu.Lock()
		b.failed = append(b.failed, *r)
		b.failedMu.Unlock()
		return
	}

	logEntry.Warn("indexer: backfill range failed, re-enqueuing for retry")
	if _, err := b.store.ClaimRange(ctx, r.ProgramID, r.StartSlot, r.EndSlot); err != nil {
		logrus.WithField("program", r.ProgramID).WithError(err).Warn("indexer: re-enqueue after failure failed")
	}
}

// PermanentlyFailed returns the ranges that exhausted MaxAttempts.
func (b *BackfillController) PermanentlyFailed() []BackfillRange {
	b.failedMu.Lock()
	defer b.failedMu.Unlock()
	return append([]BackfillRange(nil), b.failed...)
}

func (b *BackfillController) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(b.cfg.PollInterval):
	}
}

// LagSlots reports tip minus last_processed_slot for programID, used by the
// Indexer to decide whether backfill should trigger.
func LagSlots(ctx context.Context, store Store, tip ChainTip, programID ProgramID) (Slot, error) {
	t, err := tip.FinalizedSlot(ctx)
	if err != nil {
		return 0, fmt.Errorf("lag: resolve tip: %w", err)
	}
	last, err := store.LastProcessedSlot(ctx, programID)
	if err != nil {
		return 0, fmt.Errorf("lag: last processed slot: %w", err)
	}
	if last == nil {
		return t, nil
	}
	if t < *last {
		return 0, nil
	}
	return t - *last, nil
}
