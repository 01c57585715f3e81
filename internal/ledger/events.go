package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ashita-ai/himitsu/internal/model"
)

// DatasetCreated is emitted by both contracts when an upload is accepted.
// DataSize is zero for the mock contract, which does not log it.
type DatasetCreated struct {
	DatasetID     uint64
	Owner         common.Address
	Name          string
	DataSize      uint64
	PricePerQuery *big.Int
}

// QueryExecuted is emitted when a paid query is accepted. The mock contract
// logs the computed Result; the encrypted contract logs the Price instead.
type QueryExecuted struct {
	QueryID   uint64
	DatasetID uint64
	Buyer     common.Address
	QueryType model.QueryType
	Result    *big.Int
	Price     *big.Int
}

// eventLog decodes one contract's logs.
type eventLog struct {
	abi     abi.ABI
	address common.Address
}

// match returns the event definition when lg was emitted by this contract
// with the named event's signature and the expected topic count.
func (e eventLog) match(lg *types.Log, name string) (abi.Event, bool) {
	ev, ok := e.abi.Events[name]
	if !ok || lg == nil || lg.Removed {
		return abi.Event{}, false
	}
	if lg.Address != e.address || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return abi.Event{}, false
	}
	indexed := 0
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed++
		}
	}
	if len(lg.Topics) != indexed+1 {
		return abi.Event{}, false
	}
	return ev, true
}

// fields unpacks the non-indexed data of lg into a name-keyed map.
func (e eventLog) fields(ev abi.Event, lg *types.Log) (map[string]any, bool) {
	out := make(map[string]any)
	if err := ev.Inputs.UnpackIntoMap(out, lg.Data); err != nil {
		return nil, false
	}
	return out, true
}

func (e eventLog) datasetCreated(lg *types.Log) (DatasetCreated, bool) {
	ev, ok := e.match(lg, "DatasetCreated")
	if !ok {
		return DatasetCreated{}, false
	}
	id, ok := topicUint64(lg.Topics[1])
	if !ok {
		return DatasetCreated{}, false
	}
	f, ok := e.fields(ev, lg)
	if !ok {
		return DatasetCreated{}, false
	}
	out := DatasetCreated{
		DatasetID:     id,
		Owner:         common.BytesToAddress(lg.Topics[2].Bytes()),
		PricePerQuery: asBig(f["pricePerQuery"]),
	}
	out.Name, _ = f["name"].(string)
	if size := asBig(f["dataSize"]); size != nil && size.IsUint64() {
		out.DataSize = size.Uint64()
	}
	return out, true
}

func (e eventLog) queryExecuted(lg *types.Log) (QueryExecuted, bool) {
	ev, ok := e.match(lg, "QueryExecuted")
	if !ok {
		return QueryExecuted{}, false
	}
	qid, ok1 := topicUint64(lg.Topics[1])
	did, ok2 := topicUint64(lg.Topics[2])
	if !ok1 || !ok2 {
		return QueryExecuted{}, false
	}
	f, ok := e.fields(ev, lg)
	if !ok {
		return QueryExecuted{}, false
	}
	qt, _ := f["queryType"].(uint8)
	return QueryExecuted{
		QueryID:   qid,
		DatasetID: did,
		Buyer:     common.BytesToAddress(lg.Topics[3].Bytes()),
		QueryType: model.QueryType(qt),
		Result:    asBig(f["result"]),
		Price:     asBig(f["price"]),
	}, true
}

// firstEvent scans logs in order and returns the first one decode accepts.
func firstEvent[T any](logs []*types.Log, decode func(*types.Log) (T, bool)) (T, bool) {
	for _, lg := range logs {
		if v, ok := decode(lg); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func topicUint64(h common.Hash) (uint64, bool) {
	v := new(big.Int).SetBytes(h.Bytes())
	if !v.IsUint64() {
		return 0, false
	}
	return v.Uint64(), true
}

// asBig converts the integer types the ABI decoder produces to *big.Int.
func asBig(v any) *big.Int {
	switch n := v.(type) {
	case *big.Int:
		return n
	case uint8:
		return new(big.Int).SetUint64(uint64(n))
	case uint32:
		return new(big.Int).SetUint64(uint64(n))
	case uint64:
		return new(big.Int).SetUint64(n)
	default:
		return nil
	}
}
