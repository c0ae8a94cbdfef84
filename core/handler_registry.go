package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// EventHandler is invoked with a decoded, type-erased event payload plus the
// transaction metadata it was produced from. It runs inside the same
// transaction as the eventual mark_processed call (see Store.MarkProcessed):
// against a PostgresStore, ctx carries the live *sql.Tx, retrievable with
// TxFromContext, so handler writes issued against it commit or roll back
// together with the processed-signature row. store itself is the top-level
// Store, for read-only lookups that don't need to share that transaction.
type EventHandler[T any] func(ctx context.Context, event T, meta TxMetadata, store Store) error

// SchemaInitFunc runs once at startup, in registration order, to create
// user tables. A failure here is fatal.
type SchemaInitFunc func(ctx context.Context, store Store) error

type erasedHandler struct {
	decode func([]byte) (any, error)
	invoke func(ctx context.Context, event any, meta TxMetadata, store Store) error
	init   SchemaInitFunc
}

// HandlerRegistry maps a discriminator to exactly one handler.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[Discriminator]*erasedHandler
	order    []Discriminator // registration order, for schema initializer ordering
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[Discriminator]*erasedHandler)}
}

// RegisterHandler registers handler for discriminator. decode deserializes
// the registry's erased bytes back into T; if nil, encoding/json is used.
// Returns ErrDuplicateHandler if discriminator already has a handler,
// enforcing the exactly-one-handler-per-event-type policy.
func RegisterHandler[T any](r *HandlerRegistry, discriminator Discriminator, handler EventHandler[T], decode func([]byte) (T, error), init SchemaInitFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[discriminator]; exists {
		return fmt.Errorf("%w: discriminator %x", ErrDuplicateHandler, discriminator)
	}

	decodeErased := func(b []byte) (any, error) {
		if decode != nil {
			return decode(b)
		}
		var v T
		if err := jsonDecode(b, &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	r.handlers[discriminator] = &erasedHandler{
		decode: decodeErased,
		invoke: func(ctx context.Context, event any, meta TxMetadata, store Store) error {
			typed, ok := event.(T)
			if !ok {
				return fmt.Errorf("handler for %x: event type mismatch", discriminator)
			}
			return handler(ctx, typed, meta, store)
		},
		init: init,
	}
	r.order = append(r.order, discriminator)
	return nil
}

// RunSchemaInitializers invokes every registered schema_initializer in
// registration order. The first failure is returned and aborts startup.
func (r *HandlerRegistry) RunSchemaInitializers(ctx context.Context, store Store) error {
	r.mu.RLock()
	order := append([]Discriminator(nil), r.order...)
	handlers := r.handlers
	r.mu.RUnlock()

	for _, d := range order {
		h := handlers[d]
		if h.init == nil {
			continue
		}
		if err := h.init(ctx, store); err != nil {
			return fmt.Errorf("schema initializer for %x: %w", d, err)
		}
	}
	return nil
}

// Dispatch deserializes bytes into the handler registered for discriminator
// and invokes it. If no handler is registered, Dispatch is a silent no-op
// (the event is simply not consumed). A deserialization failure is
// non-fatal: it is logged and the event is dropped, since the
// discriminator-to-type agreement is a user contract the SDK cannot verify.
func (r *HandlerRegistry) Dispatch(ctx context.Context, discriminator Discriminator, payload []byte, meta TxMetadata, store Store) error {
	r.mu.RLock()
	h, ok := r.handlers[discriminator]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	event, err := h.decode(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"discriminator": fmt.Sprintf("%x", discriminator),
			"signature":     meta.Signature,
		}).WithError(err).Warn("indexer: event payload decode failed, dropping event")
		return nil
	}

	if err := h.invoke(ctx, event, meta, store); err != nil {
		return &HandlerError{Discriminator: discriminator, Signature: meta.Signature, Err: err}
	}
	return nil
}

// Has reports whether a handler is registered for discriminator.
func (r *HandlerRegistry) Has(discriminator Discriminator) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[discriminator]
	return ok
}
