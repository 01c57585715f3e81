package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ashita-ai/himitsu/internal/model"
)

// fheQueryGas is a fixed limit for executeQuery. Gas estimation through the
// coprocessor under-reports the homomorphic work.
const fheQueryGas = 3_000_000

// FHEClient binds the encrypted marketplace contract. Results are decrypted
// asynchronously by the gateway, so SubmitQuery returns while the query is
// still pending and callers poll GetQuery.
type FHEClient struct {
	base
}

var _ Client = (*FHEClient)(nil)

// NewFHEClient binds the encrypted contract at address.
func NewFHEClient(address common.Address, backend Backend, signer Signer, opts Options) *FHEClient {
	return &FHEClient{base: newBase(model.ModeFHE, FHEABI, address, backend, signer, opts)}
}

// UploadDataset registers ciphertext handles with their input proofs.
func (f *FHEClient) UploadDataset(ctx context.Context, p UploadParams) (UploadReceipt, error) {
	if len(p.Inputs.Handles) == 0 || len(p.Inputs.Handles) != len(p.Inputs.Proofs) {
		return UploadReceipt{}, fmt.Errorf("ledger: encrypted upload needs one proof per handle (%d handles, %d proofs)",
			len(p.Inputs.Handles), len(p.Inputs.Proofs))
	}
	data, err := f.pack("uploadDataset", p.Name, p.Description, p.Inputs.Handles, p.Inputs.Proofs, nonNil(p.Price))
	if err != nil {
		return UploadReceipt{}, err
	}
	return f.upload(ctx, data, 0)
}

// UpdateDataset is not offered by the encrypted contract.
func (f *FHEClient) UpdateDataset(context.Context, uint64, *big.Int, bool) (model.TxRef, error) {
	return model.TxRef{}, fmt.Errorf("%w: encrypted ledger has no updateDataset", model.ErrUnsupported)
}

// SubmitQuery pays for a query with an encrypted threshold. An absent
// threshold is sent as a zero handle with an empty proof.
func (f *FHEClient) SubmitQuery(ctx context.Context, p QueryParams) (QueryReceipt, error) {
	proof := p.Parameter.Proof
	if proof == nil {
		proof = []byte{}
	}
	data, err := f.pack("executeQuery", new(big.Int).SetUint64(p.DatasetID), uint8(p.Type), p.Parameter.Handle, proof)
	if err != nil {
		return QueryReceipt{}, err
	}
	return f.submit(ctx, data, p.Price, fheQueryGas)
}

// ProviderDatasetIDs scans active datasets for owner. The encrypted contract
// keeps no per-provider index, so inactive datasets are not listed.
func (f *FHEClient) ProviderDatasetIDs(ctx context.Context, owner common.Address) ([]uint64, error) {
	ids, err := f.ListActiveDatasetIDs(ctx)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, id := range ids {
		ds, err := f.GetDataset(ctx, id)
		if err != nil {
			return nil, err
		}
		if common.HexToAddress(ds.Owner) == owner {
			out = append(out, id)
		}
	}
	return out, nil
}

// maxBuyerScan bounds how many queries BuyerQueryIDs reads.
const maxBuyerScan = 10_000

// BuyerQueryIDs scans every query for buyer. The encrypted contract keeps no
// per-buyer index; ids run from 1 to getQueryCount.
func (f *FHEClient) BuyerQueryIDs(ctx context.Context, buyer common.Address) ([]uint64, error) {
	n, err := f.count(ctx, "getQueryCount")
	if err != nil {
		return nil, err
	}
	if n > maxBuyerScan {
		return nil, fmt.Errorf("%w: %d queries exceeds the buyer scan limit", model.ErrUnsupported, n)
	}
	var out []uint64
	for id := uint64(1); id <= n; id++ {
		q, err := f.GetQuery(ctx, id)
		if err != nil {
			return nil, err
		}
		if common.HexToAddress(q.Buyer) == buyer {
			out = append(out, id)
		}
	}
	return out, nil
}

// Stats reads the dataset and query counters. Fees are not exposed.
func (f *FHEClient) Stats(ctx context.Context) (model.PlatformStats, error) {
	datasets, err := f.count(ctx, "getDatasetCount")
	if err != nil {
		return model.PlatformStats{}, err
	}
	queries, err := f.count(ctx, "getQueryCount")
	if err != nil {
		return model.PlatformStats{}, err
	}
	return model.PlatformStats{TotalDatasets: datasets, TotalQueries: queries}, nil
}
