// Package memledger is an in-process marketplace ledger. It implements
// ledger.Client with the same accounting as the deployed contracts and is
// used for the "memory" network and in tests.
//
// In FHE mode it accepts handles produced by Encryptor and simulates the
// decryption gateway: a query stays pending and completes after a fixed number
// of status reads.
package memledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ashita-ai/himitsu/internal/encryption"
	"github.com/ashita-ai/himitsu/internal/ledger"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/settlement"
)

// Address is the pseudo contract address reported by memory ledgers.
var Address = common.HexToAddress("0x00000000000000000000000000000000000e3e01")

type dataset struct {
	model.Dataset
	values []uint32
}

type query struct {
	model.Query
	result uint64
	reads  int
	share  settlement.Split
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mode         model.Mode
	sender       common.Address
	calc         *settlement.Calculator
	decryptAfter int
	now          func() time.Time

	mu           sync.Mutex
	datasets     map[uint64]*dataset
	queries      map[uint64]*query
	txQueries    map[common.Hash]uint64
	nextDataset  uint64
	nextQuery    uint64
	block        uint64
	platformFees *big.Int
}

var _ ledger.Client = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithSender sets the account every write is attributed to.
func WithSender(a common.Address) Option { return func(l *Ledger) { l.sender = a } }

// WithCalculator sets the settlement rules. Defaults to settlement.Default().
func WithCalculator(c *settlement.Calculator) Option { return func(l *Ledger) { l.calc = c } }

// WithDecryptionDelay sets how many GetQuery reads an FHE query stays
// unresolved. Zero completes on the first read.
func WithDecryptionDelay(reads int) Option { return func(l *Ledger) { l.decryptAfter = reads } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New returns an empty ledger running the contract for mode.
func New(mode model.Mode, opts ...Option) *Ledger {
	l := &Ledger{
		mode:         mode,
		sender:       common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		calc:         settlement.Default(),
		decryptAfter: 2,
		now:          time.Now,
		datasets:     make(map[uint64]*dataset),
		queries:      make(map[uint64]*query),
		txQueries:    make(map[common.Hash]uint64),
		platformFees: new(big.Int),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Mode reports which contract this ledger simulates.
func (l *Ledger) Mode() model.Mode { return l.mode }

// Contract returns Address.
func (l *Ledger) Contract() common.Address { return Address }

// Sender returns the account writes are attributed to.
func (l *Ledger) Sender() common.Address { return l.sender }

func (l *Ledger) nextTx(kind string, id uint64) model.TxRef {
	l.block++
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], id)
	binary.BigEndian.PutUint64(buf[8:], l.block)
	h := crypto.Keccak256Hash([]byte(kind), buf[:])
	return model.TxRef{Hash: h.Hex(), BlockNumber: l.block, From: l.sender.Hex()}
}

func reverted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrTransactionReverted, fmt.Sprintf(format, args...))
}

func (l *Ledger) decodeInputs(in encryption.UploadInputs) ([]uint32, error) {
	if l.mode == model.ModeMock {
		if in.Plain == nil {
			return nil, fmt.Errorf("memledger: mock upload needs plaintext inputs")
		}
		out := make([]uint32, len(in.Plain))
		for i, v := range in.Plain {
			if v == nil || v.Sign() < 0 || !v.IsUint64() || v.Uint64() > encryption.MaxValue {
				return nil, reverted("value %d out of range", i)
			}
			out[i] = uint32(v.Uint64())
		}
		return out, nil
	}
	if len(in.Handles) != len(in.Proofs) {
		return nil, fmt.Errorf("memledger: %d handles, %d proofs", len(in.Handles), len(in.Proofs))
	}
	out := make([]uint32, len(in.Handles))
	for i := range in.Handles {
		v, err := openHandle(in.Handles[i], in.Proofs[i])
		if err != nil {
			return nil, reverted("input %d: %v", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// UploadDataset registers a dataset owned by the sender.
func (l *Ledger) UploadDataset(ctx context.Context, p ledger.UploadParams) (ledger.UploadReceipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.UploadReceipt{}, err
	}
	values, err := l.decodeInputs(p.Inputs)
	if err != nil {
		return ledger.UploadReceipt{}, err
	}
	if len(values) == 0 {
		return ledger.UploadReceipt{}, reverted("empty dataset")
	}
	if err := l.calc.ValidateUpload(p.Price, len(values)); err != nil {
		return ledger.UploadReceipt{}, reverted("%v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextDataset++
	id := l.nextDataset
	l.datasets[id] = &dataset{
		Dataset: model.Dataset{
			ID:            id,
			Owner:         l.sender.Hex(),
			Name:          p.Name,
			Description:   p.Description,
			Size:          len(values),
			PricePerQuery: new(big.Int).Set(p.Price),
			TotalRevenue:  new(big.Int),
			CreatedAt:     l.now().UTC().Truncate(time.Second),
			Active:        true,
		},
		values: values,
	}
	return ledger.UploadReceipt{DatasetID: id, Resolved: true, Tx: l.nextTx("upload", id)}, nil
}

// UpdateDataset changes price and active flag. Only the owner may call it,
// and only the mock contract offers it.
func (l *Ledger) UpdateDataset(ctx context.Context, id uint64, price *big.Int, active bool) (model.TxRef, error) {
	if l.mode == model.ModeFHE {
		return model.TxRef{}, fmt.Errorf("%w: encrypted ledger has no updateDataset", model.ErrUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return model.TxRef{}, err
	}
	if err := l.calc.ValidatePrice(price); err != nil {
		return model.TxRef{}, reverted("%v", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ds, ok := l.datasets[id]
	if !ok {
		return model.TxRef{}, reverted("dataset %d does not exist", id)
	}
	if ds.Owner != l.sender.Hex() {
		return model.TxRef{}, reverted("not dataset owner")
	}
	ds.PricePerQuery = new(big.Int).Set(price)
	ds.Active = active
	return l.nextTx("update", id), nil
}

// SubmitQuery charges the dataset price and records the query. The mock
// contract computes the result and credits the provider in the same
// transaction; the encrypted one leaves the query pending and credits
// nothing until the gateway completes it.
func (l *Ledger) SubmitQuery(ctx context.Context, p ledger.QueryParams) (ledger.QueryReceipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.QueryReceipt{}, err
	}
	if !p.Type.Valid() {
		return ledger.QueryReceipt{}, reverted("invalid query type %d", p.Type)
	}
	param, err := l.decodeParameter(p.Parameter)
	if err != nil {
		return ledger.QueryReceipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ds, ok := l.datasets[p.DatasetID]
	if !ok {
		return ledger.QueryReceipt{}, reverted("dataset %d does not exist", p.DatasetID)
	}
	if !ds.Active {
		return ledger.QueryReceipt{}, reverted("dataset %d is not active", p.DatasetID)
	}
	paid := p.Price
	if paid == nil || paid.Cmp(ds.PricePerQuery) < 0 {
		return ledger.QueryReceipt{}, reverted("insufficient payment")
	}
	split, err := l.calc.Split(ds.PricePerQuery)
	if err != nil {
		return ledger.QueryReceipt{}, reverted("%v", err)
	}

	l.nextQuery++
	id := l.nextQuery
	q := &query{
		Query: model.Query{
			ID:        id,
			DatasetID: ds.ID,
			Buyer:     l.sender.Hex(),
			Type:      p.Type,
			Parameter: new(big.Int).SetUint64(uint64(param)),
			Price:     new(big.Int).Set(ds.PricePerQuery),
			Status:    model.StatusPending,
			Timestamp: l.now().UTC().Truncate(time.Second),
		},
		result: Compute(p.Type, ds.values, param),
		share:  split,
	}
	l.queries[id] = q
	ds.TotalQueries++
	if l.mode == model.ModeMock {
		q.Status = model.StatusCompleted
		l.settle(q)
	}

	tx := l.nextTx("query", id)
	l.txQueries[common.HexToHash(tx.Hash)] = id
	return ledger.QueryReceipt{QueryID: id, Resolved: true, Tx: tx}, nil
}

func (l *Ledger) decodeParameter(p encryption.Parameter) (uint32, error) {
	if l.mode == model.ModeMock {
		if p.Plain == nil {
			return 0, nil
		}
		if p.Plain.Sign() < 0 || !p.Plain.IsUint64() || p.Plain.Uint64() > encryption.MaxValue {
			return 0, reverted("parameter out of range")
		}
		return uint32(p.Plain.Uint64()), nil
	}
	if !p.Present && p.Handle == ([32]byte{}) {
		return 0, nil
	}
	v, err := openHandle(p.Handle, p.Proof)
	if err != nil {
		return 0, reverted("parameter: %v", err)
	}
	return v, nil
}

// GetDataset returns a copy of the dataset.
func (l *Ledger) GetDataset(_ context.Context, id uint64) (model.Dataset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ds, ok := l.datasets[id]
	if !ok {
		return model.Dataset{}, fmt.Errorf("%w: %d", model.ErrDatasetNotFound, id)
	}
	out := ds.Dataset
	out.PricePerQuery = new(big.Int).Set(ds.PricePerQuery)
	out.TotalRevenue = new(big.Int).Set(ds.TotalRevenue)
	return out, nil
}

// GetQuery returns the query's current state. In FHE mode each read of a
// pending query advances the simulated decryption.
func (l *Ledger) GetQuery(_ context.Context, id uint64) (model.Query, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queries[id]
	if !ok {
		return model.Query{}, fmt.Errorf("%w: %d", model.ErrQueryNotFound, id)
	}
	if !q.Status.Terminal() {
		q.reads++
		switch {
		case q.reads > l.decryptAfter:
			q.Status = model.StatusCompleted
			l.settle(q)
		default:
			q.Status = model.StatusProcessing
		}
	}
	out := q.Query
	out.Price = new(big.Int).Set(q.Price)
	out.Parameter = new(big.Int).Set(q.Parameter)
	if q.Status == model.StatusCompleted {
		out.Result = new(big.Int).SetUint64(q.result)
	}
	return out, nil
}

// Fail marks a non-terminal query as failed, as the gateway does when
// decryption cannot complete.
func (l *Ledger) Fail(id uint64) error {
	return l.finish(id, model.StatusFailed)
}

// Refund marks a non-terminal query as refunded. Only completed queries are
// credited, so there is no settlement to reverse.
func (l *Ledger) Refund(id uint64) error {
	return l.finish(id, model.StatusRefunded)
}

func (l *Ledger) finish(id uint64, status model.QueryStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queries[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrQueryNotFound, id)
	}
	if q.Status.Terminal() {
		return fmt.Errorf("memledger: query %d is already %s", id, q.Status)
	}
	q.Status = status
	return nil
}

// settle credits the provider and platform shares of a completed query.
// Callers hold l.mu.
func (l *Ledger) settle(q *query) {
	ds := l.datasets[q.DatasetID]
	ds.TotalRevenue.Add(ds.TotalRevenue, q.share.Provider)
	l.platformFees.Add(l.platformFees, q.share.Platform)
}

// ListActiveDatasetIDs returns active dataset ids in ascending order.
func (l *Ledger) ListActiveDatasetIDs(context.Context) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filterIDs(func(d *dataset) bool { return d.Active }), nil
}

// ProviderDatasetIDs returns every dataset owned by owner, active or not.
func (l *Ledger) ProviderDatasetIDs(_ context.Context, owner common.Address) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hex := owner.Hex()
	return l.filterIDs(func(d *dataset) bool { return d.Owner == hex }), nil
}

// BuyerQueryIDs returns every query buyer submitted in ascending order.
func (l *Ledger) BuyerQueryIDs(_ context.Context, buyer common.Address) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hex := buyer.Hex()
	var ids []uint64
	for id, q := range l.queries {
		if q.Buyer == hex {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *Ledger) filterIDs(keep func(*dataset) bool) []uint64 {
	ids := make([]uint64, 0, len(l.datasets))
	for id, d := range l.datasets {
		if keep(d) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns ledger counters. Fees are reported only by the mock contract.
func (l *Ledger) Stats(context.Context) (model.PlatformStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := model.PlatformStats{TotalDatasets: uint64(len(l.datasets)), TotalQueries: uint64(len(l.queries))}
	if l.mode == model.ModeMock {
		st.TotalPlatformFees = new(big.Int).Set(l.platformFees)
	}
	return st, nil
}

// ResolveQueryID maps a submission transaction to its query id.
func (l *Ledger) ResolveQueryID(_ context.Context, tx common.Hash) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.txQueries[tx]
	return id, ok, nil
}
