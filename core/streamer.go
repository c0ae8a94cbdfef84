package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// maxStreamerDrain bounds how many immediately-available followers a single
// NextBatch call amortizes downstream work over.
const maxStreamerDrain = 10

// Subscription is a live feed of signatures for one program. Implemented by
// core/solana over solana-go/rpc/ws's ProgramSubscribe.
type Subscription interface {
	// Next blocks for the next notification, or returns an error (including
	// ctx.Err()) if the subscription is unusable.
	Next(ctx context.Context) (Signature, error)
	Close() error
}

// Subscriber establishes program subscriptions for the Streamer.
type Subscriber interface {
	Subscribe(ctx context.Context, programID ProgramID, commitment Commitment) (Subscription, error)
}

// StreamerConfig configures a Streamer.
type StreamerConfig struct {
	ProgramID         ProgramID
	Commitment        Commitment
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Streamer is a Source backed by a persistent program-notification
// subscription. On disconnect it resubscribes with backoff; signatures
// already pumped into the in-flight channel are delivered before the next
// subscription is requested.
type Streamer struct {
	cfg        StreamerConfig
	subscriber Subscriber

	sub       Subscription
	pumped    chan Signature
	pumpErr   chan error
	pumpStop  context.CancelFunc
	backoff   time.Duration
}

// NewStreamer constructs a Streamer.
func NewStreamer(subscriber Subscriber, cfg StreamerConfig) *Streamer {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	return &Streamer{cfg: cfg, subscriber: subscriber, backoff: cfg.ReconnectDelay}
}

func (s *Streamer) SourceName() string { return "streamer:" + string(s.cfg.ProgramID) }

// NextBatch implements Source: it blocks for the first signature, then
// drains up to maxStreamerDrain immediately-available followers already
// pumped from the subscription.
func (s *Streamer) NextBatch(ctx context.Context) ([]Signature, error) {
	if err := s.ensureSubscribed(ctx); err != nil {
		return nil, err
	}

	var first Signature
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case sig, ok := <-s.pumped:
		if !ok {
			s.handleDisconnect(nil)
			return nil, nil // caller retries; next call resubscribes
		}
		first = sig
	case err := <-s.pumpErr:
		// The pump closes pumped right after reporting its error, so this
		// drains whatever it had already buffered before resubscribing.
		var buffered []Signature
		for sig := range s.pumped {
			buffered = append(buffered, sig)
		}
		s.handleDisconnect(err)
		return buffered, nil
	}

	batch := []Signature{first}
	for len(batch) < maxStreamerDrain {
		select {
		case sig, ok := <-s.pumped:
			if !ok {
				return batch, nil
			}
			batch = append(batch, sig)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (s *Streamer) ensureSubscribed(ctx context.Context) error {
	if s.sub != nil {
		return nil
	}
	for {
		sub, err := s.subscriber.Subscribe(ctx, s.cfg.ProgramID, s.cfg.Commitment)
		if err == nil {
			s.sub = sub
			s.backoff = s.cfg.ReconnectDelay
			s.startPump(sub)
			return nil
		}
		logrus.WithField("program", s.cfg.ProgramID).WithError(err).Warn("indexer: streamer subscribe failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
		s.backoff *= 2
		if s.backoff > s.cfg.MaxReconnectDelay {
			s.backoff = s.cfg.MaxReconnectDelay
		}
	}
}

// startPump drives sub.Next in the background so NextBatch can opportunistically
// drain a burst of already-available notifications without blocking on the
// underlying subscription for each one.
func (s *Streamer) startPump(sub Subscription) {
	pumped := make(chan Signature, maxStreamerDrain)
	pumpErr := make(chan error, 1)
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.pumped = pumped
	s.pumpErr = pumpErr
	s.pumpStop = cancel

	go func() {
		defer close(pumped)
		for {
			sig, err := sub.Next(pumpCtx)
			if err != nil {
				select {
				case pumpErr <- err:
				default:
				}
				return
			}
			pumped <- sig
		}
	}()
}

func (s *Streamer) handleDisconnect(err error) {
	if err != nil {
		logrus.WithField("program", s.cfg.ProgramID).WithError(err).Warn("indexer: streamer subscription lost, will resubscribe")
	}
	if s.pumpStop != nil {
		s.pumpStop()
	}
	if s.sub != nil {
		s.sub.Close()
	}
	s.sub = nil
}
