package core_test

import (
	"context"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/solidx/indexer-sdk/core"
	"github.com/solidx/indexer-sdk/internal/testutil"
)

func TestCheckForkNoLocalRecordCachesWithoutFlagging(t *testing.T) {
	store := testutil.NewMemoryStore()
	tip := testutil.NewFakeChainTip()
	tip.SetBlockHash(100, "hash-a")

	rh := core.NewReorgHandler(store, tip, []core.ProgramID{"prog"}, core.NewMetrics(nil, ""))
	forked, err := rh.CheckFork(context.Background(), "prog", 100)
	if err != nil {
		t.Fatalf("check fork: %v", err)
	}
	if forked {
		t.Fatal("expected no fork on first observation")
	}
}

func TestCheckForkDetectsMismatch(t *testing.T) {
	store := testutil.NewMemoryStore()
	tip := testutil.NewFakeChainTip()
	tip.SetBlockHash(100, "hash-a")

	rh := core.NewReorgHandler(store, tip, []core.ProgramID{"prog"}, core.NewMetrics(nil, ""))
	rh.RecordSlotHash(100, "hash-a")

	tip.SetBlockHash(100, "hash-b")
	forked, err := rh.CheckFork(context.Background(), "prog", 100)
	if err != nil {
		t.Fatalf("check fork: %v", err)
	}
	if !forked {
		t.Fatal("expected fork to be detected on blockhash mismatch")
	}
}

func TestRecoverDeletesTentativeAndEnqueuesBackfill(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	tip := testutil.NewFakeChainTip()
	tip.SetFinalizedSlot(200)

	programID := core.ProgramID("prog")
	metrics := core.NewMetrics(nil, "")
	rh := core.NewReorgHandler(store, tip, []core.ProgramID{programID}, metrics)

	if err := store.MarkProcessed(ctx, "sig-at-100", 100, programID, core.FinalityTentative, nil); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := store.MarkProcessed(ctx, "sig-at-99", 99, programID, core.FinalityTentative, nil); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	if err := rh.Recover(ctx, programID, 100); err != nil {
		t.Fatalf("recover: %v", err)
	}

	processed, err := store.IsProcessed(ctx, "sig-at-100")
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if processed {
		t.Fatal("expected sig-at-100 to be deleted by reorg recovery")
	}

	processed, err = store.IsProcessed(ctx, "sig-at-99")
	if err != nil {
		t.Fatalf("is processed: %v", err)
	}
	if !processed {
		t.Fatal("expected sig-at-99 (below fork slot) to remain processed")
	}

	last, err := store.LastProcessedSlot(ctx, programID)
	if err != nil {
		t.Fatalf("last processed slot: %v", err)
	}
	if last == nil || *last != 99 {
		t.Fatalf("expected last_processed_slot reverted to 99, got %v", last)
	}

	ranges := store.Ranges()
	if len(ranges) != 1 {
		t.Fatalf("expected 1 backfill range enqueued, got %d", len(ranges))
	}
	if ranges[0].StartSlot != 100 || ranges[0].EndSlot != 200 {
		t.Fatalf("expected range [100,200], got [%d,%d]", ranges[0].StartSlot, ranges[0].EndSlot)
	}

	if got := promtestutil.ToFloat64(metrics.ReorgsDetected); got != 1 {
		t.Fatalf("expected reorgs_detected to be incremented once, got %v", got)
	}
}
