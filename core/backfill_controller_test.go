package core_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solidx/indexer-sdk/core"
	"github.com/solidx/indexer-sdk/internal/testutil"
)

func TestBackfillPlanEnqueuesChunkedRanges(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	tip := testutil.NewFakeChainTip()
	tip.SetFinalizedSlot(1050)

	if err := store.RevertProcessedSlot(ctx, "prog", 50); err != nil {
		t.Fatalf("seed last processed slot: %v", err)
	}

	bc := core.NewBackfillController(store, tip, func(ctx context.Context, programID core.ProgramID, start, end core.Slot) error {
		return nil
	}, core.BackfillConfig{
		ProgramIDs:  []core.ProgramID{"prog"},
		BatchSize:   100,
		Concurrency: 1,
	})

	if err := bc.Plan(ctx, "prog"); err != nil {
		t.Fatalf("plan: %v", err)
	}

	ranges := store.Ranges()
	if len(ranges) == 0 {
		t.Fatal("expected at least one range enqueued")
	}
	if ranges[0].StartSlot != 51 {
		t.Fatalf("expected first range to start at 51, got %d", ranges[0].StartSlot)
	}
	last := ranges[len(ranges)-1]
	if last.EndSlot != 1050 {
		t.Fatalf("expected last range to end at tip 1050, got %d", last.EndSlot)
	}
}

func TestBackfillRunProcessesAllRangesToDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := testutil.NewMemoryStore()
	tip := testutil.NewFakeChainTip()
	tip.SetFinalizedSlot(300)

	var processed int32
	worker := func(ctx context.Context, programID core.ProgramID, start, end core.Slot) error {
		atomic.AddInt32(&processed, 1)
		return nil
	}

	bc := core.NewBackfillController(store, tip, worker, core.BackfillConfig{
		ProgramIDs:  []core.ProgramID{"prog"},
		BatchSize:   100,
		Concurrency: 2,
	})
	if err := bc.Plan(ctx, "prog"); err != nil {
		t.Fatalf("plan: %v", err)
	}

	expected := len(store.Ranges())
	done := make(chan struct{})
	go func() {
		bc.Run(ctx)
		close(done)
	}()

	waitForAllRangesDone(t, store, expected)
	cancel()
	<-done

	if int(atomic.LoadInt32(&processed)) < expected {
		t.Fatalf("expected at least %d ranges processed, got %d", expected, processed)
	}
}

func waitForAllRangesDone(t *testing.T, store *testutil.MemoryStore, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		done := 0
		for _, r := range store.Ranges() {
			if r.Status == core.RangeDone {
				done++
			}
		}
		if done >= expected {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d ranges to complete", expected)
}

func TestBackfillFailRangeTracksAttemptsAndPermanentFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := testutil.NewMemoryStore()
	tip := testutil.NewFakeChainTip()
	tip.SetFinalizedSlot(100)

	worker := func(ctx context.Context, programID core.ProgramID, start, end core.Slot) error {
		return context.DeadlineExceeded
	}
	bc := core.NewBackfillController(store, tip, worker, core.BackfillConfig{
		ProgramIDs:  []core.ProgramID{"prog"},
		BatchSize:   1000,
		Concurrency: 1,
		MaxAttempts: 2,
	})
	if err := bc.Plan(ctx, "prog"); err != nil {
		t.Fatalf("plan: %v", err)
	}

	done := make(chan struct{})
	go func() {
		bc.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(bc.PermanentlyFailed()) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if len(bc.PermanentlyFailed()) != 1 {
		t.Fatalf("expected 1 permanently failed range, got %d", len(bc.PermanentlyFailed()))
	}
}
