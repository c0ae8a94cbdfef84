package core

import "context"

// Source is a polymorphic producer of signatures awaiting resolution by the
// Fetcher. Implementations are single-producer from the Indexer's view and
// give no ordering guarantee across batches; the Fetcher and Store provide
// ordering via slot metadata.
type Source interface {
	// NextBatch blocks until at least one new signature is available (or ctx
	// is cancelled) and returns it along with any immediately-available
	// followers.
	NextBatch(ctx context.Context) ([]Signature, error)

	// SourceName identifies the implementation for logging/metrics.
	SourceName() string
}
