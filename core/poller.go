package core

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// SignatureLister resolves recent signatures for a program, newest first,
// paging toward older signatures via before. Implemented by core/solana.Client over
// solana-go/rpc's GetSignaturesForAddress.
type SignatureLister interface {
	GetSignaturesForAddress(ctx context.Context, programID ProgramID, before Signature, limit int, commitment Commitment) ([]Signature, error)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	ProgramID        ProgramID
	BatchSize        int
	PollInterval     time.Duration
	Commitment       Commitment
	MaxBackoff       time.Duration
	MaxConsecutiveFailures int
}

// Poller is a Source that pages through getSignaturesForAddress.
type Poller struct {
	cfg    PollerConfig
	client SignatureLister
	store  Store

	cursor       Signature // oldest signature seen on the current page walk; "" resets to tip
	consecutiveFailures int
}

// NewPoller constructs a Poller. It filters out signatures already recorded
// in store before returning a batch.
func NewPoller(client SignatureLister, store Store, cfg PollerConfig) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 10
	}
	return &Poller{cfg: cfg, client: client, store: store}
}

func (p *Poller) SourceName() string { return "poller:" + string(p.cfg.ProgramID) }

// NextBatch implements Source. On an empty page it resets the cursor and
// sleeps for PollInterval before re-querying from the tip, so new activity
// is eventually observed even after the poller has drained all history.
func (p *Poller) NextBatch(ctx context.Context) ([]Signature, error) {
	for {
		page, err := p.fetchPageWithRetry(ctx)
		if err != nil {
			return nil, err
		}

		if len(page) == 0 {
			p.cursor = ""
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.cursor = page[len(page)-1]

		fresh := page[:0]
		for _, sig := range page {
			processed, err := p.store.IsProcessed(ctx, sig)
			if err != nil {
				return nil, err
			}
			if !processed {
				fresh = append(fresh, sig)
			}
		}
		if len(fresh) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		return fresh, nil
	}
}

func (p *Poller) fetchPageWithRetry(ctx context.Context) ([]Signature, error) {
	backoff := time.Second
	for {
		page, err := p.client.GetSignaturesForAddress(ctx, p.cfg.ProgramID, p.cursor, p.cfg.BatchSize, p.cfg.Commitment)
		if err == nil {
			p.consecutiveFailures = 0
			return page, nil
		}

		p.consecutiveFailures++
		logrus.WithFields(logrus.Fields{
			"program":  p.cfg.ProgramID,
			"attempt":  p.consecutiveFailures,
		}).WithError(err).Warn("indexer: poller rpc call failed, backing off")

		if p.consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
			return nil, ErrSourceExhausted
		}

		jittered := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		if jittered > p.cfg.MaxBackoff {
			jittered = p.cfg.MaxBackoff
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jittered):
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}
