package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Indexer is the composition root: it wires the Source (Poller and/or
// Streamer), Fetcher, Decoder, Handler Registry, Finalization Tracker, Reorg
// Handler, and Backfill Controller around a Store, and drives the live
// ingestion loop.
type Indexer struct {
	cfg   Config
	store Store

	instructions *InstructionRegistry
	accounts     *AccountRegistry
	logs         *LogRegistry
	handlers     *HandlerRegistry
	decoder      *Decoder

	fetcher  *Fetcher
	source   Source
	fallback Source // poller used as a fallback when UseStreaming and the streamer is unavailable

	tip   ChainTip
	reorg *ReorgHandler

	metrics *Metrics

	attemptsMu sync.Mutex
	attempts   map[Signature]int
}

// IndexerDeps carries the chain-binding implementations the Indexer cannot
// construct itself (they live in core/solana or a test double).
type IndexerDeps struct {
	SignatureLister      SignatureLister
	TransactionResolver  TransactionResolver
	Subscriber           Subscriber
	ChainTip             ChainTip
	Registerer           prometheus.Registerer // nil disables metrics registration
}

// NewIndexer validates cfg and wires every component. Call RegisterInstruction/
// RegisterAccount/RegisterLog/RegisterHandler on the returned Indexer's
// registries before Start.
func NewIndexer(ctx context.Context, store Store, deps IndexerDeps, cfg Config) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	idx := &Indexer{
		cfg:          cfg,
		store:        store,
		instructions: NewInstructionRegistry(),
		accounts:     NewAccountRegistry(),
		logs:         NewLogRegistry(),
		handlers:     NewHandlerRegistry(),
		tip:          deps.ChainTip,
		metrics:      NewMetrics(deps.Registerer, cfg.MetricsNamespace),
		attempts:     make(map[Signature]int),
	}

	if deps.TransactionResolver != nil {
		idx.fetcher = NewFetcher(deps.TransactionResolver, cfg.Fetcher)
	}

	if deps.ChainTip != nil {
		idx.reorg = NewReorgHandler(store, deps.ChainTip, cfg.ProgramIDs, idx.metrics)
	}

	if len(cfg.ProgramIDs) > 0 {
		primary := cfg.ProgramIDs[0]
		if deps.SignatureLister != nil {
			pollerCfg := cfg.Poller
			pollerCfg.ProgramID = primary
			idx.fallback = NewPoller(deps.SignatureLister, store, pollerCfg)
		}
		if cfg.UseStreaming && deps.Subscriber != nil {
			streamerCfg := cfg.Streamer
			streamerCfg.ProgramID = primary
			idx.source = NewStreamer(deps.Subscriber, streamerCfg)
		} else {
			idx.source = idx.fallback
		}
	}

	return idx, nil
}

// Instructions returns the registry for RegisterInstruction-style wiring.
func (idx *Indexer) Instructions() *InstructionRegistry { return idx.instructions }

// Accounts returns the registry for RegisterAccount-style wiring.
func (idx *Indexer) Accounts() *AccountRegistry { return idx.accounts }

// Logs returns the registry for RegisterLog-style wiring.
func (idx *Indexer) Logs() *LogRegistry { return idx.logs }

// Handlers returns the registry RegisterHandler attaches to.
func (idx *Indexer) Handlers() *HandlerRegistry { return idx.handlers }

// Start runs schema initializers, then blocks driving live ingestion,
// finalization tracking, and (if enabled) backfill until ctx is cancelled.
// It returns the first fatal error, or nil on clean shutdown.
func (idx *Indexer) Start(ctx context.Context) error {
	idx.decoder = NewDecoder(idx.instructions, idx.accounts, idx.logs, idx.cfg.Mode, idx.cfg.IndexFailedTx)

	if err := idx.handlers.RunSchemaInitializers(ctx, idx.store); err != nil {
		return fmt.Errorf("indexer: schema initialization failed: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	if idx.source != nil && idx.fetcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := idx.runLive(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("indexer: live pipeline: %w", err)
			}
		}()
	}

	if idx.tip != nil && len(idx.cfg.ProgramIDs) > 0 {
		trackerCfg := idx.cfg.Finalization
		trackerCfg.ProgramID = idx.cfg.ProgramIDs[0]
		tracker := NewFinalizationTracker(idx.tip, idx.store, idx.reorg, trackerCfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tracker.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("indexer: finalization tracker: %w", err)
			}
		}()
	}

	if idx.cfg.Backfill.Enabled && idx.tip != nil && idx.fetcher != nil {
		backfillCfg := idx.cfg.Backfill
		backfillCfg.ProgramIDs = idx.cfg.ProgramIDs
		controller := NewBackfillController(idx.store, idx.tip, idx.runRange, backfillCfg)

		for _, pid := range idx.cfg.ProgramIDs {
			wg.Add(1)
			go func(pid ProgramID) {
				defer wg.Done()
				idx.monitorBackfillLag(ctx, controller, pid)
			}(pid)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("indexer: backfill controller: %w", err)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		wg.Wait()
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

// runLive is the main ingestion loop: drain a Source batch, fetch the full
// transactions, decode, dispatch, and mark processed atomically with handler
// side effects.
func (idx *Indexer) runLive(ctx context.Context) error {
	programID := idx.cfg.ProgramIDs[0]
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		sigs, err := idx.source.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logrus.WithField("source", idx.source.SourceName()).WithError(err).Warn("indexer: source batch failed, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if len(sigs) == 0 {
			continue
		}

		// blockHashes memoizes ChainTip.BlockHash lookups within this batch so
		// transactions sharing a slot only pay for one RPC round trip.
		blockHashes := make(map[Slot]string)
		for _, res := range idx.fetcher.Fetch(ctx, sigs) {
			if res.Err != nil {
				logrus.WithField("signature", res.Signature).WithError(res.Err).Warn("indexer: fetch failed, will retry on next batch")
				continue
			}
			if idx.reorg != nil {
				hash, ok := blockHashes[res.Tx.Slot]
				if !ok {
					var err error
					hash, err = idx.tip.BlockHash(ctx, res.Tx.Slot)
					if err != nil {
						logrus.WithField("slot", res.Tx.Slot).WithError(err).Warn("indexer: blockhash lookup failed, skipping reorg cache for this slot")
					} else {
						blockHashes[res.Tx.Slot] = hash
						ok = true
					}
				}
				if ok {
					idx.reorg.RecordSlotHash(res.Tx.Slot, hash)
				}
			}
			if err := idx.processTransaction(ctx, programID, res.Tx, false); err != nil {
				logrus.WithField("signature", res.Signature).WithError(err).Warn("indexer: processing failed")
			}
		}
	}
}

// monitorBackfillLag checks LagSlots for programID immediately, then every
// Backfill.PollInterval, and triggers a BackfillController.Plan pass once the
// gap between the chain tip and last_processed_slot exceeds DesiredLagSlots
// (spec.md §4.9). This is what actually puts DesiredLagSlots into effect;
// without it backfill would plan unconditionally at startup and never again.
func (idx *Indexer) monitorBackfillLag(ctx context.Context, controller *BackfillController, programID ProgramID) {
	interval := idx.cfg.Backfill.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		lag, err := LagSlots(ctx, idx.store, idx.tip, programID)
		if err != nil {
			logrus.WithField("program", programID).WithError(err).Warn("indexer: backfill lag check failed")
		} else if lag > idx.cfg.Backfill.DesiredLagSlots {
			if err := controller.Plan(ctx, programID); err != nil {
				logrus.WithField("program", programID).WithError(err).Warn("indexer: backfill planning failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// runRange is the RangeWorker used by the Backfill Controller: it walks the
// SignatureLister backwards from the tip in BatchSize pages, fetching each
// page's transactions and processing only those whose resolved slot falls
// in [start, end]. Pagination stops once a page's fetched slots drop below
// start (pages move strictly older) or the lister is exhausted.
func (idx *Indexer) runRange(ctx context.Context, programID ProgramID, start, end Slot) error {
	lister, ok := idx.fallback.(*Poller)
	if !ok || lister == nil {
		return fmt.Errorf("indexer: backfill requires a configured SignatureLister")
	}

	var before Signature
	for {
		page, err := lister.client.GetSignaturesForAddress(ctx, programID, before, idx.cfg.Poller.BatchSize, CommitmentFinalized)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		before = page[len(page)-1]

		belowStart := false
		for _, res := range idx.fetcher.Fetch(ctx, page) {
			if res.Err != nil {
				return res.Err
			}
			if res.Tx.Slot < start {
				belowStart = true
				continue
			}
			if res.Tx.Slot > end {
				continue
			}
			if err := idx.processTransaction(ctx, programID, res.Tx, true); err != nil {
				return err
			}
		}
		if belowStart || uint64(len(page)) < uint64(idx.cfg.Poller.BatchSize) {
			return nil
		}
	}
}

// processTransaction decodes tx, dispatches every resulting event, and marks
// the signature processed in the same Store transaction as the handler's own
// writes (spec.md §4.10 atomicity).
func (idx *Indexer) processTransaction(ctx context.Context, programID ProgramID, tx *TransactionRecord, historical bool) error {
	events, err := idx.decoder.Decode(tx, historical)
	if err != nil {
		return fmt.Errorf("decode %s: %w", tx.Signature, err)
	}
	idx.metrics.EventsDecoded.Add(float64(len(events)))

	finality := FinalityTentative
	if historical {
		finality = FinalityFinalized
	}

	return idx.store.MarkProcessed(ctx, tx.Signature, tx.Slot, programID, finality, func(ctx context.Context) error {
		for _, e := range events {
			if !idx.handlers.Has(e.Discriminator) {
				continue
			}
			if err := idx.handlers.Dispatch(ctx, e.Discriminator, e.Payload, e.Meta, idx.store); err != nil {
				idx.metrics.HandlerErrors.WithLabelValues(fmt.Sprintf("%x", e.Discriminator)).Inc()
				if idx.exceededMaxAttempts(tx.Signature) {
					logrus.WithField("signature", tx.Signature).WithError(err).Error("indexer: handler exhausted max attempts, dropping event")
					continue
				}
				return err
			}
			idx.metrics.EventsHandled.Inc()
		}
		return nil
	})
}

// exceededMaxAttempts tracks per-signature handler retry counts in memory.
// MaxHandlerAttempts == 0 means unlimited, so this always returns false.
func (idx *Indexer) exceededMaxAttempts(sig Signature) bool {
	if idx.cfg.MaxHandlerAttempts == 0 {
		return false
	}
	idx.attemptsMu.Lock()
	defer idx.attemptsMu.Unlock()
	idx.attempts[sig]++
	return idx.attempts[sig] >= idx.cfg.MaxHandlerAttempts
}
