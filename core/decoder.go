package core

import "time"

// Decoder converts a fetched transaction into a stream of (discriminator,
// payload, metadata) tuples by consulting the three registries.
type Decoder struct {
	instructions *InstructionRegistry
	accounts     *AccountRegistry
	logs         *LogRegistry
	mode         IndexingMode
	indexFailed  bool
}

// NewDecoder constructs a Decoder. mode is widened to include ModeAccounts
// automatically when any account decoder has been registered, per spec.md
// §4.6.
func NewDecoder(instructions *InstructionRegistry, accounts *AccountRegistry, logs *LogRegistry, mode IndexingMode, indexFailed bool) *Decoder {
	if accounts != nil && !accounts.Empty() {
		mode |= ModeAccounts
	}
	return &Decoder{instructions: instructions, accounts: accounts, logs: logs, mode: mode, indexFailed: indexFailed}
}

// DecodedTxEvent is one decoded event ready for handler dispatch.
type DecodedTxEvent struct {
	Discriminator Discriminator
	Payload       []byte
	Meta          TxMetadata
}

// Decode processes tx.Instructions in list order (core/solana lists all
// top-level instructions, then all inner ones), consulting whichever registries `mode`
// enables, and returns the resulting events. Failed transactions are skipped
// unless indexFailed was enabled at construction. Unknown program IDs with
// no registered decoder are silently ignored; an instruction matching
// multiple decoders yields one event per match.
func (d *Decoder) Decode(tx *TransactionRecord, historical bool) ([]DecodedTxEvent, error) {
	if tx.Failed && !d.indexFailed {
		return nil, nil
	}

	meta := TxMetadata{
		Signature:         tx.Signature,
		Slot:              tx.Slot,
		BlockTime:         tx.BlockTime,
		Fee:               tx.Fee,
		PreBalances:       tx.PreBalances,
		PostBalances:      tx.PostBalances,
		PreTokenBalances:  tx.PreTokenBalances,
		PostTokenBalances: tx.PostTokenBalances,
		IndexedAt:         time.Now(),
		Historical:        historical,
	}

	var out []DecodedTxEvent

	if d.mode.Has(ModeInputs) && d.instructions != nil {
		for _, ix := range tx.Instructions {
			events, err := d.instructions.Decode(ix)
			if err != nil {
				return out, err
			}
			for _, e := range events {
				out = append(out, DecodedTxEvent{Discriminator: e.discriminator, Payload: e.bytes, Meta: meta.Clone()})
			}
		}
	}

	if d.mode.Has(ModeLogs) && d.logs != nil && len(tx.LogMessages) > 0 {
		for programID, lines := range GroupByProgram(tx.LogMessages) {
			events, err := d.logs.Decode(programID, lines)
			if err != nil {
				return out, err
			}
			for _, e := range events {
				out = append(out, DecodedTxEvent{Discriminator: e.discriminator, Payload: e.bytes, Meta: meta.Clone()})
			}
		}
	}

	return out, nil
}

// DecodeAccounts runs account-mode decoding against a batch of account
// snapshots observed alongside tx (e.g. from getTransaction's
// postTokenBalances-adjacent account list, or a dedicated account
// subscription). It is separate from Decode because account snapshots are
// not carried on TransactionRecord itself — callers that enable ModeAccounts
// supply them out of band.
func (d *Decoder) DecodeAccounts(accs []AccountSnapshot, meta TxMetadata) ([]DecodedTxEvent, error) {
	if !d.mode.Has(ModeAccounts) || d.accounts == nil {
		return nil, nil
	}
	var out []DecodedTxEvent
	for _, acc := range accs {
		events, err := d.accounts.Decode(acc)
		if err != nil {
			return out, err
		}
		for _, e := range events {
			out = append(out, DecodedTxEvent{Discriminator: e.discriminator, Payload: e.bytes, Meta: meta.Clone()})
		}
	}
	return out, nil
}
