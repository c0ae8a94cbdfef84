package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/solidx/indexer-sdk/core"
)

// MemoryStore is an in-process core.Store used by the core package's own
// test suite. It serializes every operation behind one mutex since tests
// care about correctness, not throughput.
type MemoryStore struct {
	mu sync.Mutex

	processed map[core.Signature]*processedRow
	watermark map[core.ProgramID]*core.SlotWatermark
	ranges    []*core.BackfillRange
	nextRange int64
}

type processedRow struct {
	slot      core.Slot
	programID core.ProgramID
	finality  core.Finality
	insertedAt time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[core.Signature]*processedRow),
		watermark: make(map[core.ProgramID]*core.SlotWatermark),
	}
}

func (m *MemoryStore) IsProcessed(_ context.Context, sig core.Signature) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[sig]
	return ok, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, sig core.Signature, slot core.Slot, programID core.ProgramID, finality core.Finality, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	if _, exists := m.processed[sig]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[sig]; exists {
		return nil
	}
	m.processed[sig] = &processedRow{slot: slot, programID: programID, finality: finality, insertedAt: time.Now()}

	w := m.watermark[programID]
	if w == nil {
		w = &core.SlotWatermark{ProgramID: programID}
		m.watermark[programID] = w
	}
	if slot > w.LastProcessedSlot {
		w.LastProcessedSlot = slot
	}
	return nil
}

func (m *MemoryStore) LastProcessedSlot(_ context.Context, programID core.ProgramID) (*core.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watermark[programID]
	if !ok {
		return nil, nil
	}
	slot := w.LastProcessedSlot
	return &slot, nil
}

func (m *MemoryStore) LastFinalizedSlot(_ context.Context, programID core.ProgramID) (*core.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watermark[programID]
	if !ok {
		return nil, nil
	}
	slot := w.LastFinalizedSlot
	return &slot, nil
}

func (m *MemoryStore) SetFinalizedUpto(_ context.Context, programID core.ProgramID, slot core.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.processed {
		if row.programID == programID && row.slot <= slot {
			row.finality = core.FinalityFinalized
		}
	}
	w := m.watermark[programID]
	if w == nil {
		w = &core.SlotWatermark{ProgramID: programID}
		m.watermark[programID] = w
	}
	if slot > w.LastFinalizedSlot {
		w.LastFinalizedSlot = slot
	}
	return nil
}

func (m *MemoryStore) DeleteTentativeFrom(_ context.Context, programID core.ProgramID, slot core.Slot) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for sig, row := range m.processed {
		if row.programID == programID && row.finality == core.FinalityTentative && row.slot >= slot {
			delete(m.processed, sig)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) RevertProcessedSlot(_ context.Context, programID core.ProgramID, slot core.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.watermark[programID]
	if w == nil {
		w = &core.SlotWatermark{ProgramID: programID}
		m.watermark[programID] = w
	}
	w.LastProcessedSlot = slot
	return nil
}

func (m *MemoryStore) ClaimRange(_ context.Context, programID core.ProgramID, start, end core.Slot) (*core.BackfillRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRange++
	r := &core.BackfillRange{
		RangeID:   m.nextRange,
		ProgramID: programID,
		StartSlot: start,
		EndSlot:   end,
		Status:    core.RangePending,
		UpdatedAt: time.Now(),
	}
	m.ranges = append(m.ranges, r)
	return r, nil
}

func (m *MemoryStore) NextPendingRange(_ context.Context, programID core.ProgramID) (*core.BackfillRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ranges {
		if r.ProgramID == programID && r.Status == core.RangePending {
			r.Status = core.RangeInProgress
			r.UpdatedAt = time.Now()
			return r, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) CompleteRange(_ context.Context, rangeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ranges {
		if r.RangeID == rangeID {
			r.Status = core.RangeDone
			r.UpdatedAt = time.Now()
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) FailRange(_ context.Context, rangeID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.ranges {
		if r.RangeID == rangeID {
			r.Attempts++
			r.Status = core.RangeFailed
			r.UpdatedAt = time.Now()
			return r.Attempts, nil
		}
	}
	return 0, nil
}

func (m *MemoryStore) TentativeOlderThan(_ context.Context, programID core.ProgramID, olderThan time.Duration) ([]core.ProcessedSignatureEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []core.ProcessedSignatureEntry
	for sig, row := range m.processed {
		if row.programID == programID && row.finality == core.FinalityTentative && row.insertedAt.Before(cutoff) {
			out = append(out, core.ProcessedSignatureEntry{
				Signature:  sig,
				Slot:       row.slot,
				Finality:   row.finality,
				InsertedAt: row.insertedAt,
			})
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// Ranges exposes the current backfill range set for assertions in tests.
func (m *MemoryStore) Ranges() []*core.BackfillRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*core.BackfillRange(nil), m.ranges...)
}

// ProcessedCount reports how many signatures have been marked processed, for
// test assertions.
func (m *MemoryStore) ProcessedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}
