package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ashita-ai/himitsu/internal/model"
)

// contract wraps eth_call against one deployed marketplace.
type contract struct {
	address common.Address
	abi     abi.ABI
	backend Backend
}

func (c *contract) decoder() eventLog {
	return eventLog{abi: c.abi, address: c.address}
}

func (c *contract) pack(method string, args ...any) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	return data, nil
}

// call runs a view method. An empty return means no code at the address.
func (c *contract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	if c.backend == nil {
		return nil, model.ErrContractNotInitialized
	}
	data, err := c.pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned no data from %s", model.ErrContractNotInitialized, method, c.address.Hex())
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *contract) getDataset(ctx context.Context, id uint64) (model.Dataset, error) {
	if id == 0 {
		return model.Dataset{}, fmt.Errorf("%w: id 0", model.ErrDatasetNotFound)
	}
	v, err := c.call(ctx, "getDataset", new(big.Int).SetUint64(id))
	if err != nil {
		if isRevert(err) {
			return model.Dataset{}, fmt.Errorf("%w: %d", model.ErrDatasetNotFound, id)
		}
		return model.Dataset{}, err
	}
	if len(v) != 10 {
		return model.Dataset{}, fmt.Errorf("ledger: getDataset returned %d values", len(v))
	}
	gotID := asBig(v[0])
	if gotID == nil || gotID.Sign() == 0 {
		return model.Dataset{}, fmt.Errorf("%w: %d", model.ErrDatasetNotFound, id)
	}
	owner, _ := v[1].(common.Address)
	name, _ := v[2].(string)
	desc, _ := v[3].(string)
	active, _ := v[9].(bool)
	return model.Dataset{
		ID:            id,
		Owner:         owner.Hex(),
		Name:          name,
		Description:   desc,
		Size:          int(bigUint64(asBig(v[4]))), //nolint:gosec // bounded by the ledger's MAX_DATA_SIZE
		PricePerQuery: nonNil(asBig(v[5])),
		TotalQueries:  bigUint64(asBig(v[6])),
		TotalRevenue:  nonNil(asBig(v[7])),
		CreatedAt:     unixTime(asBig(v[8])),
		Active:        active,
	}, nil
}

func (c *contract) getQuery(ctx context.Context, id uint64) (model.Query, error) {
	if id == 0 {
		return model.Query{}, fmt.Errorf("%w: id 0", model.ErrQueryNotFound)
	}
	v, err := c.call(ctx, "getQuery", new(big.Int).SetUint64(id))
	if err != nil {
		if isRevert(err) {
			return model.Query{}, fmt.Errorf("%w: %d", model.ErrQueryNotFound, id)
		}
		return model.Query{}, err
	}
	if len(v) != 9 {
		return model.Query{}, fmt.Errorf("ledger: getQuery returned %d values", len(v))
	}
	gotID := asBig(v[0])
	if gotID == nil || gotID.Sign() == 0 {
		return model.Query{}, fmt.Errorf("%w: %d", model.ErrQueryNotFound, id)
	}
	buyer, _ := v[2].(common.Address)
	qt, _ := v[3].(uint8)
	status, _ := v[6].(uint8)
	q := model.Query{
		ID:        id,
		DatasetID: bigUint64(asBig(v[1])),
		Buyer:     buyer.Hex(),
		Type:      model.QueryType(qt),
		Parameter: asBig(v[4]),
		Status:    model.QueryStatus(status),
		Price:     nonNil(asBig(v[7])),
		Timestamp: unixTime(asBig(v[8])),
	}
	if q.Status == model.StatusCompleted {
		q.Result = asBig(v[5])
	}
	return q, nil
}

func (c *contract) idList(ctx context.Context, method string, args ...any) ([]uint64, error) {
	v, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	raw, ok := v[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: %s returned %T", method, v[0])
	}
	ids := make([]uint64, 0, len(raw))
	for _, n := range raw {
		if n.IsUint64() {
			ids = append(ids, n.Uint64())
		}
	}
	return ids, nil
}

func (c *contract) count(ctx context.Context, method string) (uint64, error) {
	v, err := c.call(ctx, method)
	if err != nil {
		return 0, err
	}
	return bigUint64(asBig(v[0])), nil
}

// isRevert reports whether err is an execution revert from eth_call.
func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

func bigUint64(v *big.Int) uint64 {
	if v == nil || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
