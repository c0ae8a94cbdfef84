package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/solidx/indexer-sdk/core"
)

// FakeResolver is a core.TransactionResolver backed by an in-memory map,
// used by Fetcher/Indexer tests instead of a live RPC endpoint.
type FakeResolver struct {
	mu  sync.Mutex
	txs map[core.Signature]*core.TransactionRecord
	// FailuresBeforeSuccess, if set for a signature, makes that many calls
	// fail before returning the real record, to exercise retry paths.
	FailuresBeforeSuccess map[core.Signature]int
	calls                 map[core.Signature]int
}

// NewFakeResolver returns an empty FakeResolver.
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{
		txs:                   make(map[core.Signature]*core.TransactionRecord),
		FailuresBeforeSuccess: make(map[core.Signature]int),
		calls:                 make(map[core.Signature]int),
	}
}

// Add registers tx so GetTransaction returns it for tx.Signature.
func (f *FakeResolver) Add(tx *core.TransactionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.Signature] = tx
}

func (f *FakeResolver) GetTransaction(_ context.Context, sig core.Signature, _ core.Commitment) (*core.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[sig]++
	if need := f.FailuresBeforeSuccess[sig]; need > 0 && f.calls[sig] <= need {
		return nil, fmt.Errorf("fake resolver: simulated failure %d/%d for %s", f.calls[sig], need, sig)
	}
	tx, ok := f.txs[sig]
	if !ok {
		return nil, fmt.Errorf("fake resolver: no transaction registered for %s", sig)
	}
	return tx, nil
}

// FakeChainTip is a core.ChainTip backed by an in-memory slot->blockhash map.
type FakeChainTip struct {
	mu        sync.Mutex
	finalized core.Slot
	hashes    map[core.Slot]string
}

// NewFakeChainTip returns a FakeChainTip with finalized slot 0.
func NewFakeChainTip() *FakeChainTip {
	return &FakeChainTip{hashes: make(map[core.Slot]string)}
}

// SetFinalizedSlot updates the slot FinalizedSlot reports.
func (f *FakeChainTip) SetFinalizedSlot(slot core.Slot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = slot
}

// SetBlockHash records the canonical blockhash for slot.
func (f *FakeChainTip) SetBlockHash(slot core.Slot, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[slot] = hash
}

func (f *FakeChainTip) FinalizedSlot(_ context.Context) (core.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized, nil
}

func (f *FakeChainTip) BlockHash(_ context.Context, slot core.Slot) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[slot]
	if !ok {
		return "", fmt.Errorf("fake chain tip: no blockhash recorded for slot %d", slot)
	}
	return h, nil
}
