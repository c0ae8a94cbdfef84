package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TransactionResolver resolves a single signature to a full transaction.
// Implemented by core/solana.Client over solana-go/rpc's GetTransaction with
// jsonParsed encoding.
type TransactionResolver interface {
	GetTransaction(ctx context.Context, sig Signature, commitment Commitment) (*TransactionRecord, error)
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	WorkerThreads  int
	PerRequestTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	Commitment     Commitment
}

func (c *FetcherConfig) setDefaults() {
	if c.WorkerThreads <= 0 {
		c.WorkerThreads = 8
	}
	if c.PerRequestTimeout <= 0 {
		c.PerRequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
}

// Fetcher batches signature-to-transaction resolution with bounded
// concurrency. Each request gets its own timeout; the gate (not an
// unbounded fan-out) is a buffered channel sized WorkerThreads.
type Fetcher struct {
	resolver TransactionResolver
	cfg      FetcherConfig
	gate     chan struct{}
}

// NewFetcher constructs a Fetcher.
func NewFetcher(resolver TransactionResolver, cfg FetcherConfig) *Fetcher {
	cfg.setDefaults()
	return &Fetcher{
		resolver: resolver,
		cfg:      cfg,
		gate:     make(chan struct{}, cfg.WorkerThreads),
	}
}

// FetchResult is the per-signature outcome of a Fetch call.
type FetchResult struct {
	Signature Signature
	Tx        *TransactionRecord
	Err       error
}

// Fetch resolves every signature concurrently, bounded by WorkerThreads, and
// returns one result per input signature, at the same index as its input.
// There is no batch-level error or success flag: each outcome is reported
// only in its FetchResult, and a batch in which nothing resolved returns a
// slice of failed results. Persistent per-signature failures are reported in
// the corresponding FetchResult.Err and are not marked processed by callers,
// so they are re-enqueued on the next source batch.
func (f *Fetcher) Fetch(ctx context.Context, sigs []Signature) []FetchResult {
	results := make([]FetchResult, len(sigs))
	var wg sync.WaitGroup
	for i, sig := range sigs {
		wg.Add(1)
		select {
		case f.gate <- struct{}{}:
		case <-ctx.Done():
			results[i] = FetchResult{Signature: sig, Err: ctx.Err()}
			wg.Done()
			continue
		}
		go func(i int, sig Signature) {
			defer wg.Done()
			defer func() { <-f.gate }()
			results[i] = f.fetchOneWithRetry(ctx, sig)
		}(i, sig)
	}
	wg.Wait()
	return results
}

func (f *Fetcher) fetchOneWithRetry(ctx context.Context, sig Signature) FetchResult {
	delay := f.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, f.cfg.PerRequestTimeout)
		tx, err := f.resolver.GetTransaction(reqCtx, sig, f.cfg.Commitment)
		cancel()
		if err == nil {
			return FetchResult{Signature: sig, Tx: tx}
		}
		lastErr = err
		if attempt == f.cfg.MaxRetries {
			break
		}
		logrus.WithFields(logrus.Fields{
			"signature": sig,
			"attempt":   attempt + 1,
		}).WithError(err).Warn("indexer: fetch failed, retrying")
		select {
		case <-ctx.Done():
			return FetchResult{Signature: sig, Err: &FetchError{Signature: sig, Err: ctx.Err()}}
		case <-time.After(delay):
		}
		delay *= 2
	}
	return FetchResult{Signature: sig, Err: &FetchError{Signature: sig, Err: lastErr}}
}
