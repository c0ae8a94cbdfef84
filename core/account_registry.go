package core

import "sync"

// AccountSnapshot is a single account's post-transaction state as observed
// for account-mode indexing. Decoders typically branch on Owner and the
// first bytes of Data (an account discriminator) to decide whether they own
// this account's layout.
type AccountSnapshot struct {
	Address string
	Owner   ProgramID
	Data    []byte
	Slot    Slot
}

// AccountDecodeFunc attempts to decode an account's data. ok is false when
// the decoder does not recognize this account (wrong owner/discriminator).
type AccountDecodeFunc func(acc AccountSnapshot) (payload any, ok bool, err error)

type registeredAccountDecoder struct {
	discriminator Discriminator
	decode        AccountDecodeFunc
	encode        func(any) ([]byte, error)
}

// AccountRegistry keys by nothing: every registered account decoder sees
// every changed account and decides for itself whether it applies.
type AccountRegistry struct {
	mu       sync.RWMutex
	decoders []*registeredAccountDecoder
}

// NewAccountRegistry returns an empty registry.
func NewAccountRegistry() *AccountRegistry { return &AccountRegistry{} }

// Register adds an account decoder tagging events it produces with
// discriminator. encode defaults to encoding/json when nil.
func (r *AccountRegistry) Register(discriminator Discriminator, decode AccountDecodeFunc, encode func(any) ([]byte, error)) {
	if encode == nil {
		encode = jsonEncode
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders = append(r.decoders, &registeredAccountDecoder{discriminator: discriminator, decode: decode, encode: encode})
}

// Empty reports whether any account decoder has been registered. The
// Decoder uses this to auto-enable ModeAccounts.
func (r *AccountRegistry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.decoders) == 0
}

// Decode runs every registered decoder against acc, in registration order,
// returning one decodedEvent per successful match.
func (r *AccountRegistry) Decode(acc AccountSnapshot) ([]decodedEvent, error) {
	r.mu.RLock()
	decoders := append([]*registeredAccountDecoder(nil), r.decoders...)
	r.mu.RUnlock()

	var events []decodedEvent
	for _, d := range decoders {
		payload, ok, err := d.decode(acc)
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
