package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ashita-ai/himitsu/internal/model"
)

// base holds what both bindings share: reads, the write path and id recovery.
type base struct {
	contract
	tx     transactor
	mode   model.Mode
	opts   Options
	events eventLog
}

func newBase(mode model.Mode, parsed abi.ABI, address common.Address, backend Backend, signer Signer, opts Options) base {
	opts = opts.withDefaults()
	c := contract{address: address, abi: parsed, backend: backend}
	return base{
		contract: c,
		tx:       transactor{backend: backend, signer: signer, opts: opts},
		mode:     mode,
		opts:     opts,
		events:   c.decoder(),
	}
}

func (b *base) Mode() model.Mode         { return b.mode }
func (b *base) Contract() common.Address { return b.address }

func (b *base) GetDataset(ctx context.Context, id uint64) (model.Dataset, error) {
	return b.getDataset(ctx, id)
}

func (b *base) GetQuery(ctx context.Context, id uint64) (model.Query, error) {
	return b.getQuery(ctx, id)
}

func (b *base) ListActiveDatasetIDs(ctx context.Context) ([]uint64, error) {
	return b.idList(ctx, "getActiveDatasets")
}

func (b *base) ResolveQueryID(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	r, err := b.tx.receipt(ctx, hash)
	if err != nil {
		return 0, false, err
	}
	ev, ok := firstEvent(r.Logs, b.events.queryExecuted)
	if !ok {
		return 0, false, nil
	}
	return ev.QueryID, true, nil
}

func (b *base) submit(ctx context.Context, data []byte, price *big.Int, gas uint64) (QueryReceipt, error) {
	receipt, ref, err := b.tx.transact(ctx, b.address, data, price, gas)
	if err != nil {
		return QueryReceipt{Tx: ref}, err
	}
	out := QueryReceipt{Tx: ref}
	if ev, ok := firstEvent(receipt.Logs, b.events.queryExecuted); ok {
		out.QueryID, out.Resolved = ev.QueryID, true
	} else {
		b.opts.Logger.Warn("ledger: query confirmed without QueryExecuted event", "tx", ref.Hash, "mode", b.mode)
	}
	return out, nil
}

func (b *base) upload(ctx context.Context, data []byte, gas uint64) (UploadReceipt, error) {
	receipt, ref, err := b.tx.transact(ctx, b.address, data, nil, gas)
	if err != nil {
		return UploadReceipt{Tx: ref}, err
	}
	out := UploadReceipt{Tx: ref}
	if ev, ok := firstEvent(receipt.Logs, b.events.datasetCreated); ok {
		out.DatasetID, out.Resolved = ev.DatasetID, true
	} else {
		b.opts.Logger.Warn("ledger: upload confirmed without DatasetCreated event", "tx", ref.Hash, "mode", b.mode)
	}
	return out, nil
}

// MockClient binds the plaintext marketplace contract.
type MockClient struct {
	base
}

var _ Client = (*MockClient)(nil)

// NewMockClient binds the plaintext contract at address.
func NewMockClient(address common.Address, backend Backend, signer Signer, opts Options) *MockClient {
	return &MockClient{base: newBase(model.ModeMock, MockABI, address, backend, signer, opts)}
}

// UploadDataset registers plaintext values. Inputs.Plain must be set.
func (m *MockClient) UploadDataset(ctx context.Context, p UploadParams) (UploadReceipt, error) {
	if p.Inputs.Plain == nil {
		return UploadReceipt{}, fmt.Errorf("ledger: mock upload needs plaintext inputs")
	}
	data, err := m.pack("uploadDataset", p.Name, p.Description, p.Inputs.Plain, nonNil(p.Price))
	if err != nil {
		return UploadReceipt{}, err
	}
	return m.upload(ctx, data, 0)
}

// UpdateDataset changes price and active flag. Only the owner may call it.
func (m *MockClient) UpdateDataset(ctx context.Context, datasetID uint64, price *big.Int, active bool) (model.TxRef, error) {
	data, err := m.pack("updateDataset", new(big.Int).SetUint64(datasetID), nonNil(price), active)
	if err != nil {
		return model.TxRef{}, err
	}
	_, ref, err := m.tx.transact(ctx, m.address, data, nil, 0)
	return ref, err
}

// SubmitQuery pays for and runs a query. The mock contract computes the result
// in the same transaction.
func (m *MockClient) SubmitQuery(ctx context.Context, p QueryParams) (QueryReceipt, error) {
	data, err := m.pack("executeQuery", new(big.Int).SetUint64(p.DatasetID), uint8(p.Type), nonNil(p.Parameter.Plain))
	if err != nil {
		return QueryReceipt{}, err
	}
	return m.submit(ctx, data, p.Price, 0)
}

// ProviderDatasetIDs lists every dataset owned by owner, active or not.
func (m *MockClient) ProviderDatasetIDs(ctx context.Context, owner common.Address) ([]uint64, error) {
	return m.idList(ctx, "getProviderDatasets", owner)
}

// BuyerQueryIDs lists every query buyer submitted.
func (m *MockClient) BuyerQueryIDs(ctx context.Context, buyer common.Address) ([]uint64, error) {
	return m.idList(ctx, "getBuyerQueries", buyer)
}

// Stats reads getPlatformStats, which includes accumulated fees.
func (m *MockClient) Stats(ctx context.Context) (model.PlatformStats, error) {
	v, err := m.call(ctx, "getPlatformStats")
	if err != nil {
		return model.PlatformStats{}, err
	}
	if len(v) != 3 {
		return model.PlatformStats{}, fmt.Errorf("ledger: getPlatformStats returned %d values", len(v))
	}
	return model.PlatformStats{
		TotalDatasets:     bigUint64(asBig(v[0])),
		TotalQueries:      bigUint64(asBig(v[1])),
		TotalPlatformFees: nonNil(asBig(v[2])),
	}, nil
}
