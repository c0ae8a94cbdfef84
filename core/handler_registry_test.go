package core

import (
	"context"
	"errors"
	"testing"
)

type testEvent struct {
	Value int `json:"value"`
}

func TestRegisterHandlerDuplicateRejected(t *testing.T) {
	r := NewHandlerRegistry()
	d := EventDiscriminator("testEvent")
	handler := func(ctx context.Context, e testEvent, meta TxMetadata, store Store) error { return nil }

	if err := RegisterHandler(r, d, handler, nil, nil); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := RegisterHandler(r, d, handler, nil, nil)
	if !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	r := NewHandlerRegistry()
	d := EventDiscriminator("testEvent")
	var got testEvent
	handler := func(ctx context.Context, e testEvent, meta TxMetadata, store Store) error {
		got = e
		return nil
	}
	if err := RegisterHandler(r, d, handler, nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	payload, _ := jsonEncodeHelper(testEvent{Value: 42})
	if err := r.Dispatch(context.Background(), d, payload, TxMetadata{}, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got.Value != 42 {
		t.Fatalf("expected value 42, got %d", got.Value)
	}
}

func TestDispatchUnregisteredIsNoop(t *testing.T) {
	r := NewHandlerRegistry()
	if err := r.Dispatch(context.Background(), Discriminator{9}, []byte("{}"), TxMetadata{}, nil); err != nil {
		t.Fatalf("expected nil error for unregistered discriminator, got %v", err)
	}
}

func TestDispatchWrapsHandlerError(t *testing.T) {
	r := NewHandlerRegistry()
	d := EventDiscriminator("testEvent")
	sentinel := errors.New("boom")
	handler := func(ctx context.Context, e testEvent, meta TxMetadata, store Store) error { return sentinel }
	if err := RegisterHandler(r, d, handler, nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	payload, _ := jsonEncodeHelper(testEvent{})
	err := r.Dispatch(context.Background(), d, payload, TxMetadata{Signature: "sig1"}, nil)
	var herr *HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("expected *HandlerError, got %v", err)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel error, got %v", err)
	}
}

func TestRunSchemaInitializersOrder(t *testing.T) {
	r := NewHandlerRegistry()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		d := EventDiscriminator(string(rune('A' + i)))
		init := func(ctx context.Context, store Store) error {
			order = append(order, i)
			return nil
		}
		handler := func(ctx context.Context, e testEvent, meta TxMetadata, store Store) error { return nil }
		if err := RegisterHandler(r, d, handler, nil, init); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if err := r.RunSchemaInitializers(context.Background(), nil); err != nil {
		t.Fatalf("run schema initializers: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected registration order %v, got %v", []int{0, 1, 2}, order)
		}
	}
}

func jsonEncodeHelper(v testEvent) ([]byte, error) { return jsonEncode(v) }
