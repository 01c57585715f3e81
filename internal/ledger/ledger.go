// Package ledger binds the two marketplace contracts behind one Client interface.
//
// MockClient talks to the plaintext contract, FHEClient to the encrypted one.
// Both confirm every write before returning and recover the ids the ledger
// assigned from the receipt's event logs, checking the event signature rather
// than trusting log order.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ashita-ai/himitsu/internal/encryption"
	"github.com/ashita-ai/himitsu/internal/model"
)

// UploadParams describes a dataset registration. Inputs must come from the
// encryption adapter matching the client's mode.
type UploadParams struct {
	Name        string
	Description string
	Inputs      encryption.UploadInputs
	Price       *big.Int
}

// UploadReceipt is the outcome of a confirmed upload. Resolved is false when
// the confirmation carried no recognizable DatasetCreated event.
type UploadReceipt struct {
	DatasetID uint64
	Resolved  bool
	Tx        model.TxRef
}

// QueryParams describes a paid query. Price is attached as the call value.
type QueryParams struct {
	DatasetID uint64
	Type      model.QueryType
	Parameter encryption.Parameter
	Price     *big.Int
}

// QueryReceipt is the outcome of a confirmed query submission.
type QueryReceipt struct {
	QueryID  uint64
	Resolved bool
	Tx       model.TxRef
}

// Client is a marketplace ledger binding.
type Client interface {
	Mode() model.Mode
	Contract() common.Address

	UploadDataset(ctx context.Context, p UploadParams) (UploadReceipt, error)
	UpdateDataset(ctx context.Context, datasetID uint64, price *big.Int, active bool) (model.TxRef, error)
	SubmitQuery(ctx context.Context, p QueryParams) (QueryReceipt, error)

	GetDataset(ctx context.Context, id uint64) (model.Dataset, error)
	GetQuery(ctx context.Context, id uint64) (model.Query, error)
	ListActiveDatasetIDs(ctx context.Context) ([]uint64, error)
	ProviderDatasetIDs(ctx context.Context, owner common.Address) ([]uint64, error)
	// BuyerQueryIDs lists the queries buyer paid for in ascending id order.
	BuyerQueryIDs(ctx context.Context, buyer common.Address) ([]uint64, error)
	Stats(ctx context.Context) (model.PlatformStats, error)

	// ResolveQueryID recovers the query id from a confirmed submission.
	// ok is false when the transaction emitted no QueryExecuted event.
	ResolveQueryID(ctx context.Context, tx common.Hash) (id uint64, ok bool, err error)
}

// Backend is the subset of an Ethereum JSON-RPC client the bindings read from.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxRequest is an unsigned contract call. From is always set explicitly.
// Gas of zero lets the signer estimate.
type TxRequest struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// Signer authorizes and broadcasts transactions for one account.
type Signer interface {
	Address(ctx context.Context) (common.Address, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
