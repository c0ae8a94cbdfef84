package core

import (
	"fmt"
	"time"
)

// Config is the programmatic configuration for an Indexer. pkg/config loads
// this from YAML; embedders may also construct it directly.
type Config struct {
	ProgramIDs []ProgramID

	// Mode selects which decoder sources run by default; individual
	// registrations can still widen it (ModeAccounts auto-enables, see
	// NewDecoder).
	Mode IndexingMode

	// IndexFailedTx controls whether failed transactions still reach the
	// Decoder. Defaults to false: most indexers only care about state
	// changes that actually landed.
	IndexFailedTx bool

	// MaxHandlerAttempts bounds retries of a handler that keeps failing for
	// the same signature before the SDK gives up and logs it as dropped.
	// Zero means unlimited (the signature is retried on every future source
	// batch replay, e.g. after a process restart, forever).
	MaxHandlerAttempts int

	Poller      PollerConfig
	Streamer    StreamerConfig
	Fetcher     FetcherConfig
	Backfill    BackfillConfig
	Finalization FinalizationTrackerConfig

	// UseStreaming makes the Streamer the live Source when a Subscriber is
	// wired; without a Subscriber the Poller is used. The choice is made once
	// in NewIndexer: if the WebSocket subscription keeps dropping, the
	// Streamer keeps resubscribing and live ingestion does not switch to the
	// Poller.
	UseStreaming bool

	MetricsNamespace string
}

// Validate checks required fields and internal consistency, returning
// ErrInvalidConfig wrapped with the specific problem.
func (c *Config) Validate() error {
	if len(c.ProgramIDs) == 0 {
		return fmt.Errorf("%w: at least one program id is required", ErrInvalidConfig)
	}
	if c.Mode == 0 {
		c.Mode = ModeInputs
	}
	if c.MaxHandlerAttempts < 0 {
		return fmt.Errorf("%w: max_handler_attempts must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Mode == 0 {
		c.Mode = ModeInputs
	}
	if c.Finalization.CheckInterval <= 0 {
		c.Finalization.CheckInterval = 30 * time.Second
	}
}
