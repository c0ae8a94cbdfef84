package core

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// blockHashCacheSize bounds how many recent slot->blockhash observations the
// Reorg Handler keeps for cheap fork detection.
const blockHashCacheSize = 4096

// ReorgHandler detects forks by comparing a locally recorded slot's
// blockhash against the remote chain's, and recovers by deleting
// invalidated tentative work and enqueuing a backfill range to replay it.
type ReorgHandler struct {
	store      Store
	tip        ChainTip
	programIDs []ProgramID
	localHash  *lru.Cache[Slot, string]
	metrics    *Metrics
}

// NewReorgHandler constructs a ReorgHandler. programIDs lists every program
// the owning Indexer observes, so a single fork point can enqueue a backfill
// range per program as spec.md §4.8 requires. metrics may be nil.
func NewReorgHandler(store Store, tip ChainTip, programIDs []ProgramID, metrics *Metrics) *ReorgHandler {
	cache, _ := lru.New[Slot, string](blockHashCacheSize)
	return &ReorgHandler{store: store, tip: tip, programIDs: programIDs, localHash: cache, metrics: metrics}
}

// RecordSlotHash is called by the Indexer's live pipeline for each fetched
// transaction, before it is processed, so the Reorg Handler has a local
// blockhash to compare against on the next fork check.
func (r *ReorgHandler) RecordSlotHash(slot Slot, blockHash string) {
	r.localHash.Add(slot, blockHash)
}

// CheckFork reports whether the remote chain's blockhash at slot disagrees
// with the locally recorded one. If no local hash was recorded for slot,
// CheckFork fetches and caches the remote hash without flagging a fork
// (nothing to compare against yet).
func (r *ReorgHandler) CheckFork(ctx context.Context, programID ProgramID, slot Slot) (bool, error) {
	remoteHash, err := r.tip.BlockHash(ctx, slot)
	if err != nil {
		return false, fmt.Errorf("reorg: fetch remote blockhash at slot %d: %w", slot, err)
	}

	localHash, ok := r.localHash.Get(slot)
	if !ok {
		r.localHash.Add(slot, remoteHash)
		return false, nil
	}
	return localHash != remoteHash, nil
}

// Recover performs the fork-point rollback for a single program: delete
// tentative processed-signature entries at or above forkSlot, revert
// last_processed_slot to forkSlot-1, and enqueue a backfill range
// [forkSlot, tip] for every observed program (spec.md §4.8). These steps are
// separate Store calls, not one Store transaction: if a later step fails,
// the earlier ones stay applied. The SDK does not attempt compensating
// actions in user tables; handlers are expected to be idempotent on
// signature (see spec.md §8 I1).
func (r *ReorgHandler) Recover(ctx context.Context, programID ProgramID, forkSlot Slot) error {
	removed, err := r.store.DeleteTentativeFrom(ctx, programID, forkSlot)
	if err != nil {
		return fmt.Errorf("reorg: delete tentative from %d: %w", forkSlot, err)
	}

	var revertTo Slot
	if forkSlot > 0 {
		revertTo = forkSlot - 1
	}
	if err := r.store.RevertProcessedSlot(ctx, programID, revertTo); err != nil {
		return fmt.Errorf("reorg: revert processed slot: %w", err)
	}

	tip, err := r.tip.FinalizedSlot(ctx)
	if err != nil {
		return fmt.Errorf("reorg: resolve tip for backfill enqueue: %w", err)
	}

	for _, pid := range r.programIDs {
		if _, err := r.store.ClaimRange(ctx, pid, forkSlot, tip); err != nil {
			return fmt.Errorf("reorg: enqueue backfill range for %s: %w", pid, err)
		}
	}

	if r.metrics != nil {
		r.metrics.ReorgsDetected.Inc()
	}

	logrus.WithFields(logrus.Fields{
		"program":   programID,
		"fork_slot": forkSlot,
		"reverted_to": revertTo,
		"removed":   removed,
	}).Warn("indexer: reorg recovered")
	return nil
}
