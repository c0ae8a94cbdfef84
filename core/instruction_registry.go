package core

import "sync"

// InstructionDecodeFunc attempts to decode one instruction. ok is false when
// this decoder does not recognize the instruction; err is reserved for
// decode failures on an instruction the decoder does recognize.
type InstructionDecodeFunc func(ix InstructionRecord) (payload any, ok bool, err error)

type registeredInstructionDecoder struct {
	discriminator Discriminator
	decode        InstructionDecodeFunc
	encode        func(any) ([]byte, error)
}

// InstructionRegistry routes instructions to decoders keyed by program name
// or program ID (both forms are accepted so parsed and raw instruction forms
// route the same way). Decoders registered earlier for a program are tried
// first, and every registered decoder is given a chance, so one instruction
// yields one event per matching decoder, in registration order.
type InstructionRegistry struct {
	mu       sync.RWMutex
	byTarget map[ProgramID][]*registeredInstructionDecoder
}

// NewInstructionRegistry returns an empty registry.
func NewInstructionRegistry() *InstructionRegistry {
	return &InstructionRegistry{byTarget: make(map[ProgramID][]*registeredInstructionDecoder)}
}

// Register adds a decoder for target (a program name like "system" or a
// base58 program ID), tagging events it produces with discriminator.
// encode serializes the decoded payload to bytes for the Handler Registry;
// if nil, encoding/json is used.
func (r *InstructionRegistry) Register(target ProgramID, discriminator Discriminator, decode InstructionDecodeFunc, encode func(any) ([]byte, error)) {
	if encode == nil {
		encode = jsonEncode
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTarget[target] = append(r.byTarget[target], &registeredInstructionDecoder{
		discriminator: discriminator,
		decode:        decode,
		encode:        encode,
	})
}

// decodedEvent is the erased output of a successful decode: a discriminator
// tag paired with its serialized payload.
type decodedEvent struct {
	discriminator Discriminator
	bytes         []byte
}

// Decode runs every decoder registered for ix's program against it, in
// registration order, and returns one decodedEvent per successful match.
// Unknown program IDs with no registered decoder are silently ignored.
func (r *InstructionRegistry) Decode(ix InstructionRecord) ([]decodedEvent, error) {
	r.mu.RLock()
	decoders := r.byTarget[ix.ProgramID]
	r.mu.RUnlock()
	if len(decoders) == 0 {
		return nil, nil
	}

	var events []decodedEvent
	for _, d := range decoders {
		payload, ok, err := d.decode(ix)
		if err != nil {
			return events, err
		}
		if !ok {
			continue
		}
		b, err := d.encode(payload)
		if err != nil {
			return events, err
		}
		events = append(events, decodedEvent{discriminator: d.discriminator, bytes: b})
	}
	return events, nil
}
