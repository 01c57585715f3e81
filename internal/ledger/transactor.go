package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/poll"
)

// DefaultRequestTimeout bounds how long a signer may take to accept a transaction.
const DefaultRequestTimeout = 60 * time.Second

// Options configure a ledger client's write path.
type Options struct {
	// RequestTimeout bounds signing and broadcast. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Confirm is the receipt polling budget. Zero values use poll defaults.
	Confirm poll.Config
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Confirm.Interval <= 0 {
		o.Confirm.Interval = poll.DefaultInterval
	}
	if o.Confirm.MaxAttempts <= 0 {
		o.Confirm.MaxAttempts = poll.DefaultMaxAttempts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// transactor sends a contract call and waits for its receipt.
type transactor struct {
	backend Backend
	signer  Signer
	opts    Options
}

// transact broadcasts data to the contract from the signer's account and
// blocks until the transaction is mined. A mined-but-failed transaction is
// ErrTransactionReverted; no receipt within the budget is ErrTransactionTimeout.
func (t *transactor) transact(ctx context.Context, to common.Address, data []byte, value *big.Int, gas uint64) (*types.Receipt, model.TxRef, error) {
	if t.signer == nil {
		return nil, model.TxRef{}, model.ErrWalletNotConnected
	}
	from, err := t.signer.Address(ctx)
	if err != nil {
		return nil, model.TxRef{}, fmt.Errorf("%w: %w", model.ErrWalletNotConnected, err)
	}
	if value == nil {
		value = new(big.Int)
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	hash, err := t.signer.SendTransaction(sendCtx, TxRequest{From: from, To: to, Data: data, Value: value, Gas: gas})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, model.TxRef{}, fmt.Errorf("%w: signer did not respond within %s", model.ErrTransactionTimeout, t.opts.RequestTimeout)
		}
		return nil, model.TxRef{}, fmt.Errorf("ledger: send transaction: %w", err)
	}
	t.opts.Logger.Debug("ledger: transaction sent", "tx", hash.Hex(), "from", from.Hex())

	receipt, err := t.waitMined(ctx, hash)
	if err != nil {
		return nil, model.TxRef{Hash: hash.Hex(), From: from.Hex()}, err
	}
	ref := model.TxRef{Hash: hash.Hex(), From: from.Hex()}
	if receipt.BlockNumber != nil {
		ref.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, ref, fmt.Errorf("%w: %s", model.ErrTransactionReverted, hash.Hex())
	}
	return receipt, ref, nil
}

func (t *transactor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := poll.Until[*types.Receipt](ctx, t.opts.Confirm,
		func(ctx context.Context, _ int) (*types.Receipt, bool, error) {
			r, err := t.backend.TransactionReceipt(ctx, hash)
			if errors.Is(err, ethereum.NotFound) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, err
			}
			return r, r != nil, nil
		},
		func(attempt int, err error) {
			t.opts.Logger.Warn("ledger: receipt lookup failed", "tx", hash.Hex(), "attempt", attempt, "error", err)
		},
	)
	if errors.Is(err, poll.ErrExhausted) {
		return nil, fmt.Errorf("%w: %s not mined within %s: %w", model.ErrTransactionTimeout, hash.Hex(), t.opts.Confirm.Budget(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: wait for %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// receipt fetches an already-mined transaction's receipt.
func (t *transactor) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := t.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("ledger: no receipt for %s: %w", hash.Hex(), err)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: receipt %s: %w", hash.Hex(), err)
	}
	return r, nil
}
