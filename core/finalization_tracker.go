package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ChainTip reports the chain's current finalized slot and lets the
// Finalization Tracker and Reorg Handler check a historical slot's
// blockhash for fork detection.
type ChainTip interface {
	FinalizedSlot(ctx context.Context) (Slot, error)
	BlockHash(ctx context.Context, slot Slot) (string, error)
}

// FinalizationTrackerConfig configures the periodic reconciliation task.
type FinalizationTrackerConfig struct {
	ProgramID             ProgramID
	CheckInterval         time.Duration
	StaleTentativeThreshold time.Duration
}

// FinalizationTracker periodically advances the finalized-slot watermark and
// flags reorg candidates: tentative records whose slot never appears in a
// finalized block.
type FinalizationTracker struct {
	cfg   FinalizationTrackerConfig
	tip   ChainTip
	store Store
	reorg *ReorgHandler
}

// NewFinalizationTracker constructs a FinalizationTracker.
func NewFinalizationTracker(tip ChainTip, store Store, reorg *ReorgHandler, cfg FinalizationTrackerConfig) *FinalizationTracker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	return &FinalizationTracker{cfg: cfg, tip: tip, store: store, reorg: reorg}
}

// Run blocks until ctx is cancelled, performing one reconciliation pass every
// CheckInterval.
func (t *FinalizationTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.tick(ctx); err != nil {
				logrus.WithField("program", t.cfg.ProgramID).WithError(err).Warn("indexer: finalization tick failed")
			}
		}
	}
}

func (t *FinalizationTracker) tick(ctx context.Context) error {
	finalized, err := t.tip.FinalizedSlot(ctx)
	if err != nil {
		return err
	}

	if err := t.reconcileStaleTentatives(ctx, finalized); err != nil {
		return err
	}

	if err := t.store.SetFinalizedUpto(ctx, t.cfg.ProgramID, finalized); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"program":   t.cfg.ProgramID,
		"finalized": finalized,
	}).Debug("indexer: finalized watermark advanced")
	return nil
}

// reconcileStaleTentatives forces a blockhash re-check for any tentative
// record older than StaleTentativeThreshold, even if the chain's finalized
// slot hasn't reached it yet. A mismatch triggers reorg recovery for that
// slot.
func (t *FinalizationTracker) reconcileStaleTentatives(ctx context.Context, finalized Slot) error {
	if t.cfg.StaleTentativeThreshold <= 0 || t.reorg == nil {
		return nil
	}
	stale, err := t.store.TentativeOlderThan(ctx, t.cfg.ProgramID, t.cfg.StaleTentativeThreshold)
	if err != nil {
		return err
	}
	seen := make(map[Slot]bool)
	for _, entry := range stale {
		if seen[entry.Slot] {
			continue
		}
		seen[entry.Slot] = true
		forked, err := t.reorg.CheckFork(ctx, t.cfg.ProgramID, entry.Slot)
		if err != nil {
			logrus.WithField("slot", entry.Slot).WithError(err).Warn("indexer: stale-tentative fork check failed")
			continue
		}
		if forked {
			if err := t.reorg.Recover(ctx, t.cfg.ProgramID, entry.Slot); err != nil {
				return err
			}
		}
	}
	return nil
}
