package testutil

import (
	"context"
	"sync"

	"github.com/solidx/indexer-sdk/core"
)

// FakeSource is a scripted core.Source: batches are fed in via Push and
// handed out in order by NextBatch, blocking when empty until Push is called
// or ctx is cancelled.
type FakeSource struct {
	mu      sync.Mutex
	cond    *sync.Cond
	batches [][]core.Signature
	closed  bool
}

// NewFakeSource returns an empty FakeSource.
func NewFakeSource() *FakeSource {
	s := &FakeSource{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push enqueues a batch to be returned by a future NextBatch call.
func (s *FakeSource) Push(batch []core.Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	s.cond.Signal()
}

// Close unblocks any pending NextBatch call with context.Canceled-equivalent
// behavior by returning io.EOF-style exhaustion; tests use it to stop a
// worker loop deterministically instead of relying on ctx cancellation
// timing.
func (s *FakeSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func (s *FakeSource) SourceName() string { return "fake" }

// NextBatch implements core.Source.
func (s *FakeSource) NextBatch(ctx context.Context) ([]core.Signature, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.batches) == 0 && !s.closed {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.cond.Wait()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(s.batches) == 0 {
		return nil, core.ErrSourceExhausted
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}
