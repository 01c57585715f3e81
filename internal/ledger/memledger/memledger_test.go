package memledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/himitsu/internal/encryption"
	"github.com/ashita-ai/himitsu/internal/ledger"
	"github.com/ashita-ai/himitsu/internal/model"
)

var sample = []uint32{100, 200, 150, 300, 250}

func TestCompute(t *testing.T) {
	tests := []struct {
		name  string
		qt    model.QueryType
		param uint32
		want  uint64
	}{
		{"mean", model.QueryMean, 0, 200},
		{"variance", model.QueryVariance, 0, 5000},
		{"count above", model.QueryCountAbove, 200, 2},
		{"count below", model.QueryCountBelow, 200, 2},
		{"count above excludes equal", model.QueryCountAbove, 300, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compute(tt.qt, sample, tt.param))
		})
	}
	assert.Zero(t, Compute(model.QueryMean, nil, 0))
	assert.Equal(t, uint64(1), Compute(model.QueryMean, []uint32{1, 2}, 0), "truncating division")
}

func upload(t *testing.T, l *Ledger, adapter encryption.Adapter, price *big.Int) uint64 {
	t.Helper()
	values := make([]int64, len(sample))
	for i, v := range sample {
		values[i] = int64(v)
	}
	in, err := adapter.PrepareUploadInputs(context.Background(), values)
	require.NoError(t, err)
	rcpt, err := l.UploadDataset(context.Background(), ledger.UploadParams{Name: "Salaries", Inputs: in, Price: price})
	require.NoError(t, err)
	require.True(t, rcpt.Resolved)
	return rcpt.DatasetID
}

func TestMockQueryCompletesImmediatelyAndSettles(t *testing.T) {
	ctx := context.Background()
	l := New(model.ModeMock)
	price := big.NewInt(1e15)
	id := upload(t, l, encryption.NewPlaintext(), price)

	param, err := encryption.NewPlaintext().PrepareQueryParameter(ctx, ptr(int64(200)))
	require.NoError(t, err)
	rcpt, err := l.SubmitQuery(ctx, ledger.QueryParams{DatasetID: id, Type: model.QueryCountAbove, Parameter: param, Price: price})
	require.NoError(t, err)

	q, err := l.GetQuery(ctx, rcpt.QueryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, q.Status)
	assert.Equal(t, int64(2), q.Result.Int64())

	ds, err := l.GetDataset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ds.TotalQueries)
	assert.Equal(t, int64(95e13), ds.TotalRevenue.Int64(), "provider keeps 95%")

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5e13), st.TotalPlatformFees.Int64())

	got, ok, err := l.ResolveQueryID(ctx, common.HexToHash(rcpt.Tx.Hash))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rcpt.QueryID, got)
}

func TestFHEQueryCompletesAfterReads(t *testing.T) {
	ctx := context.Background()
	l := New(model.ModeFHE, WithDecryptionDelay(2))
	adapter := encryption.NewHomomorphic(func(context.Context) (encryption.Encryptor, error) { return Encryptor{}, nil }, 2)
	price := big.NewInt(2e15)
	id := upload(t, l, adapter, price)

	param, err := adapter.PrepareQueryParameter(ctx, nil)
	require.NoError(t, err)
	rcpt, err := l.SubmitQuery(ctx, ledger.QueryParams{DatasetID: id, Type: model.QueryMean, Parameter: param, Price: price})
	require.NoError(t, err)

	var statuses []model.QueryStatus
	for range 3 {
		q, err := l.GetQuery(ctx, rcpt.QueryID)
		require.NoError(t, err)
		statuses = append(statuses, q.Status)
	}
	assert.Equal(t, []model.QueryStatus{model.StatusProcessing, model.StatusProcessing, model.StatusCompleted}, statuses)

	q, _ := l.GetQuery(ctx, rcpt.QueryID)
	assert.Equal(t, int64(200), q.Result.Int64())

	_, err = l.UpdateDataset(ctx, id, price, false)
	assert.ErrorIs(t, err, model.ErrUnsupported)
}

func TestFHERejectsForeignHandles(t *testing.T) {
	l := New(model.ModeFHE)
	in := encryption.UploadInputs{Handles: [][32]byte{{1}}, Proofs: [][]byte{{2}}}
	_, err := l.UploadDataset(context.Background(), ledger.UploadParams{Name: "x", Inputs: in, Price: big.NewInt(1e15)})
	assert.ErrorIs(t, err, model.ErrTransactionReverted)
}

func TestSubmitReverts(t *testing.T) {
	ctx := context.Background()
	l := New(model.ModeMock)
	price := big.NewInt(1e15)
	id := upload(t, l, encryption.NewPlaintext(), price)
	zero := encryption.Parameter{Plain: new(big.Int)}

	_, err := l.SubmitQuery(ctx, ledger.QueryParams{DatasetID: 99, Parameter: zero, Price: price})
	assert.ErrorIs(t, err, model.ErrTransactionReverted)

	_, err = l.SubmitQuery(ctx, ledger.QueryParams{DatasetID: id, Parameter: zero, Price: big.NewInt(1)})
	assert.ErrorIs(t, err, model.ErrTransactionReverted)

	_, err = l.UpdateDataset(ctx, id, price, false)
	require.NoError(t, err)
	_, err = l.SubmitQuery(ctx, ledger.QueryParams{DatasetID: id, Parameter: zero, Price: price})
	assert.ErrorIs(t, err, model.ErrTransactionReverted)

	active, err := l.ListActiveDatasetIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	owned, err := l.ProviderDatasetIDs(ctx, l.Sender())
	require.NoError(t, err)
	assert.Equal(t, []uint64{id}, owned)
}

func TestBuyerQueryIDs(t *testing.T) {
	ctx := context.Background()
	l := New(model.ModeMock)
	price := big.NewInt(1e15)
	id := upload(t, l, encryption.NewPlaintext(), price)
	zero := encryption.Parameter{Plain: new(big.Int)}
	for range 3 {
		_, err := l.SubmitQuery(ctx, ledger.QueryParams{DatasetID: id, Type: model.QueryMean, Parameter: zero, Price: price})
		require.NoError(t, err)
	}

	ids, err := l.BuyerQueryIDs(ctx, l.Sender())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, ids)

	ids, err = l.BuyerQueryIDs(ctx, common.HexToAddress("0x0b"))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUploadRejectsLowPrice(t *testing.T) {
	l := New(model.ModeMock)
	in, err := encryption.NewPlaintext().PrepareUploadInputs(context.Background(), []int64{1})
	require.NoError(t, err)
	_, err = l.UploadDataset(context.Background(), ledger.UploadParams{Name: "x", Inputs: in, Price: big.NewInt(1)})
	assert.ErrorIs(t, err, model.ErrTransactionReverted)
}

func TestFHERevenueCreditedOnCompletion(t *testing.T) {
	ctx := context.Background()
	l := New(model.ModeFHE, WithDecryptionDelay(1))
	adapter := encryption.NewHomomorphic(func(context.Context) (encryption.Encryptor, error) { return Encryptor{}, nil }, 1)
	price := big.NewInt(1e15)
	id := upload(t, l, adapter, price)

	rcpt, err := l.SubmitQuery(ctx, ledger.QueryParams{DatasetID: id, Type: model.QueryMean, Price: price})
	require.NoError(t, err)
	ds, _ := l.GetDataset(ctx, id)
	assert.Equal(t, uint64(1), ds.TotalQueries)
	assert.Zero(t, ds.TotalRevenue.Sign(), "pending query is not credited")

	q, err := l.GetQuery(ctx, rcpt.QueryID)
	require.NoError(t, err)
	require.Equal(t, model.StatusProcessing, q.Status)
	ds, _ = l.GetDataset(ctx, id)
	assert.Zero(t, ds.TotalRevenue.Sign(), "processing query is not credited")

	q, err = l.GetQuery(ctx, rcpt.QueryID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, q.Status)
	_, err = l.GetQuery(ctx, rcpt.QueryID)
	require.NoError(t, err)
	ds, _ = l.GetDataset(ctx, id)
	assert.Equal(t, int64(95e13), ds.TotalRevenue.Int64(), "credited once")
}

func TestFailedQueryEarnsNothing(t *testing.T) {
	ctx := context.Background()
	l := New(model.ModeFHE, WithDecryptionDelay(10))
	adapter := encryption.NewHomomorphic(func(context.Context) (encryption.Encryptor, error) { return Encryptor{}, nil }, 1)
	price := big.NewInt(1e15)
	id := upload(t, l, adapter, price)

	rcpt, err := l.SubmitQuery(ctx, ledger.QueryParams{DatasetID: id, Type: model.QueryMean, Price: price})
	require.NoError(t, err)
	require.NoError(t, l.Fail(rcpt.QueryID))

	q, err := l.GetQuery(ctx, rcpt.QueryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, q.Status)
	assert.Nil(t, q.Result)
	ds, _ := l.GetDataset(ctx, id)
	assert.Zero(t, ds.TotalRevenue.Sign())
}

func TestRefundLeavesRevenueUncredited(t *testing.T) {
	ctx := context.Background()
	l := New(model.ModeFHE, WithDecryptionDelay(10))
	adapter := encryption.NewHomomorphic(func(context.Context) (encryption.Encryptor, error) { return Encryptor{}, nil }, 1)
	price := big.NewInt(1e15)
	id := upload(t, l, adapter, price)

	rcpt, err := l.SubmitQuery(ctx, ledger.QueryParams{DatasetID: id, Type: model.QueryVariance, Price: price})
	require.NoError(t, err)
	require.NoError(t, l.Refund(rcpt.QueryID))

	q, err := l.GetQuery(ctx, rcpt.QueryID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, q.Status)
	assert.Nil(t, q.Result)
	ds, _ := l.GetDataset(ctx, id)
	assert.Zero(t, ds.TotalRevenue.Sign())

	assert.Error(t, l.Fail(rcpt.QueryID), "terminal status is final")
	_, err = l.GetQuery(ctx, 42)
	assert.ErrorIs(t, err, model.ErrQueryNotFound)
}

func ptr[T any](v T) *T { return &v }
