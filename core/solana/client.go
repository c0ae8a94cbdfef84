// Package solana binds the chain-neutral core interfaces (SignatureLister,
// TransactionResolver, ChainTip, Subscriber/Subscription) to
// github.com/gagliardetto/solana-go. It is the only package in this module
// that imports solana-go directly, so registries and the Indexer stay
// decoder-agnostic.
package solana

import (
	"context"
	"fmt"

	bin "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	"github.com/solidx/indexer-sdk/core"
)

// Client wraps an RPC endpoint and implements core.SignatureLister,
// core.TransactionResolver, and core.ChainTip.
type Client struct {
	rpc *rpc.Client
}

// New constructs a Client against the given HTTP(S) RPC endpoint.
func New(endpoint string) *Client {
	return &Client{rpc: rpc.New(endpoint)}
}

// NewFromRPCClient wraps an already-constructed rpc.Client, useful for
// sharing a connection pool with other chain services in the same process.
func NewFromRPCClient(c *rpc.Client) *Client {
	return &Client{rpc: c}
}

func toCommitment(c core.Commitment) rpc.CommitmentType {
	switch c {
	case core.CommitmentProcessed:
		return rpc.CommitmentProcessed
	case core.CommitmentConfirmed:
		return rpc.CommitmentConfirmed
	default:
		return rpc.CommitmentFinalized
	}
}

// GetSignaturesForAddress implements core.SignatureLister.
func (c *Client) GetSignaturesForAddress(ctx context.Context, programID core.ProgramID, before core.Signature, limit int, commitment core.Commitment) ([]core.Signature, error) {
	pub, err := bin.PublicKeyFromBase58(string(programID))
	if err != nil {
		return nil, fmt.Errorf("solana: parse program id %q: %w", programID, err)
	}

	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: toCommitment(commitment),
	}
	if before != "" {
		opts.Before = bin.MustSignatureFromBase58(string(before))
	}

	out, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, pub, opts)
	if err != nil {
		return nil, fmt.Errorf("solana: getSignaturesForAddress: %w", err)
	}

	sigs := make([]core.Signature, 0, len(out))
	for _, s := range out {
		sigs = append(sigs, core.Signature(s.Signature.String()))
	}
	return sigs, nil
}

// GetTransaction implements core.TransactionResolver.
func (c *Client) GetTransaction(ctx context.Context, sig core.Signature, commitment core.Commitment) (*core.TransactionRecord, error) {
	parsedSig, err := bin.SignatureFromBase58(string(sig))
	if err != nil {
		return nil, fmt.Errorf("solana: parse signature %q: %w", sig, err)
	}

	maxVersion := uint64(0)
	result, err := c.rpc.GetTransaction(ctx, parsedSig, &rpc.GetTransactionOpts{
		Encoding:                       bin.EncodingJSONParsed,
		Commitment:                     toCommitment(commitment),
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("solana: getTransaction %s: %w", sig, err)
	}
	if result == nil || result.Meta == nil {
		return nil, fmt.Errorf("solana: empty transaction result for %s", sig)
	}

	return decodeTransaction(sig, result)
}

// FinalizedSlot implements core.ChainTip.
func (c *Client) FinalizedSlot(ctx context.Context) (core.Slot, error) {
	slot, err := c.rpc.GetSlot(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("solana: getSlot: %w", err)
	}
	return core.Slot(slot), nil
}

// BlockHash implements core.ChainTip.
func (c *Client) BlockHash(ctx context.Context, slot core.Slot) (string, error) {
	maxVersion := uint64(0)
	block, err := c.rpc.GetBlockWithOpts(ctx, uint64(slot), &rpc.GetBlockOpts{
		Encoding:                       bin.EncodingJSONParsed,
		TransactionDetails:             rpc.TransactionDetailsNone,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return "", fmt.Errorf("solana: getBlock at slot %d: %w", slot, err)
	}
	return block.Blockhash.String(), nil
}

func decodeTransaction(sig core.Signature, result *rpc.GetTransactionResult) (*core.TransactionRecord, error) {
	meta := result.Meta
	tx := &core.TransactionRecord{
		Signature:    sig,
		Slot:         core.Slot(result.Slot),
		BlockTime:    (*int64)(result.BlockTime),
		Failed:       meta.Err != nil,
		Fee:          meta.Fee,
		PreBalances:  meta.PreBalances,
		PostBalances: meta.PostBalances,
		LogMessages:  meta.LogMessages,
	}

	for _, b := range meta.PreTokenBalances {
		tx.PreTokenBalances = append(tx.PreTokenBalances, convertTokenBalance(b))
	}
	for _, b := range meta.PostTokenBalances {
		tx.PostTokenBalances = append(tx.PostTokenBalances, convertTokenBalance(b))
	}

	parsed, err := result.Transaction.GetTransaction()
	if err != nil {
		logrus.WithField("signature", sig).WithError(err).Warn("solana: failed to decode transaction envelope, instructions omitted")
		return tx, nil
	}

	accountKeys := make([]string, len(parsed.Message.AccountKeys))
	for i, k := range parsed.Message.AccountKeys {
		accountKeys[i] = k.String()
	}

	for _, ix := range parsed.Message.Instructions {
		programID := resolveProgramID(accountKeys, int(ix.ProgramIDIndex))
		accounts := make([]string, 0, len(ix.Accounts))
		for _, idx := range ix.Accounts {
			accounts = append(accounts, resolveProgramID(accountKeys, int(idx)))
		}
		tx.Instructions = append(tx.Instructions, core.InstructionRecord{
			ProgramID: core.ProgramID(programID),
			Accounts:  accounts,
			Data:      []byte(ix.Data),
			InnerOf:   -1,
		})
	}

	for _, inner := range meta.InnerInstructions {
		for _, ix := range inner.Instructions {
			programID := resolveProgramID(accountKeys, int(ix.ProgramIDIndex))
			accounts := make([]string, 0, len(ix.Accounts))
			for _, idx := range ix.Accounts {
				accounts = append(accounts, resolveProgramID(accountKeys, int(idx)))
			}
			tx.Instructions = append(tx.Instructions, core.InstructionRecord{
				ProgramID: core.ProgramID(programID),
				Accounts:  accounts,
				Data:      []byte(ix.Data),
				InnerOf:   int(inner.Index),
			})
		}
	}

	return tx, nil
}

func resolveProgramID(accountKeys []string, idx int) string {
	if idx < 0 || idx >= len(accountKeys) {
		return ""
	}
	return accountKeys[idx]
}

func convertTokenBalance(b rpc.TokenBalance) core.TokenBalance {
	tb := core.TokenBalance{
		AccountIndex: uint8(b.AccountIndex),
		Mint:         b.Mint,
		ProgramID:    core.ProgramID(b.ProgramId.String()),
	}
	if b.Owner != nil {
		tb.Owner = *b.Owner
	}
	if b.UiTokenAmount != nil {
		tb.Amount = b.UiTokenAmount.Amount
		tb.Decimals = uint8(b.UiTokenAmount.Decimals)
	}
	return tb
}
