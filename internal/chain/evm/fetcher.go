// Package evm maps EVM receipts and confirmations onto transaction status:
// a mined receipt is Executed, and Sealed with a resolved outcome once it is
// buried under enough blocks.
package evm

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pvzzle/txmonitor/internal/chain"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

const DefaultSealConfirmations = 12

var reHash = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

// Backend is the part of *ethclient.Client used here.
type Backend interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

type Fetcher struct {
	client        Backend
	confirmations uint64
}

var _ chain.ResultFetcher = (*Fetcher)(nil)

func NewFetcher(client Backend, confirmations uint64) *Fetcher {
	if confirmations == 0 {
		confirmations = DefaultSealConfirmations
	}
	return &Fetcher{client: client, confirmations: confirmations}
}

func (f *Fetcher) GetTransactionResult(ctx context.Context, txID string) (txstate.Observation, error) {
	if !reHash.MatchString(txID) {
		return txstate.Observation{}, fmt.Errorf("%w: %q is not a 32-byte hash", txstate.ErrInvalidID, txID)
	}
	hash := common.HexToHash(txID)

	receipt, err := f.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return f.unmined(ctx, hash)
	}
	if err != nil {
		return txstate.Observation{}, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}

	head, err := f.client.BlockNumber(ctx)
	if err != nil {
		return txstate.Observation{}, fmt.Errorf("block number: %w", err)
	}
	return observeReceipt(receipt, head, f.confirmations), nil
}

func (f *Fetcher) unmined(ctx context.Context, hash common.Hash) (txstate.Observation, error) {
	_, pending, err := f.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return txstate.Observation{}, chain.ErrNotFound
	}
	if err != nil {
		return txstate.Observation{}, fmt.Errorf("transaction %s: %w", hash.Hex(), err)
	}
	if pending {
		return txstate.Observation{Status: txstate.StatusPending, Outcome: txstate.OutcomePending}, nil
	}
	// included, receipt not indexed yet
	return txstate.Observation{Status: txstate.StatusFinalized, Outcome: txstate.OutcomePending}, nil
}

// observeReceipt keeps the outcome pending until the receipt has enough
// confirmations, so a reorged receipt never settles a transaction.
func observeReceipt(r *types.Receipt, head, confirmations uint64) txstate.Observation {
	obs := txstate.Observation{Status: txstate.StatusExecuted, Outcome: txstate.OutcomePending}

	if r.BlockNumber == nil || head < r.BlockNumber.Uint64() || head-r.BlockNumber.Uint64()+1 < confirmations {
		return obs
	}

	obs.Status = txstate.StatusSealed
	obs.Outcome = txstate.OutcomeSuccess
	if r.Status != types.ReceiptStatusSuccessful {
		obs.Outcome = txstate.OutcomeFailure
		obs.ErrorMessage = fmt.Sprintf("execution reverted (gas used %d)", r.GasUsed)
	}
	return obs
}
