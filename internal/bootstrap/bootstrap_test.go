package bootstrap

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/himitsu/internal/config"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/prefs"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	net, err := config.ResolveNetwork(config.MemoryNetwork)
	require.NoError(t, err)
	return config.Config{
		Network:            net,
		DefaultMode:        model.ModeMock,
		PlatformFeePercent: 5,
		MinPrice:           big.NewInt(1_000_000_000_000_000),
		MaxDataSize:        1000,
		PollInterval:       time.Millisecond,
		PollAttempts:       5,
		EncryptConcurrency: 2,
	}
}

func TestBuildMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := Build(ctx, memoryConfig(t), Deps{})
	require.NoError(t, err)
	defer st.Close()
	assert.Nil(t, st.Gateway)

	for _, mode := range []model.Mode{model.ModeMock, model.ModeFHE} {
		require.NoError(t, st.Session.SetMode(ctx, mode))

		up, err := st.Lifecycle.UploadDataset(ctx, lifecycle.UploadRequest{
			Name:   "ages",
			Values: []int64{100, 200, 300},
			Price:  big.NewInt(1_000_000_000_000_000),
		})
		require.NoError(t, err, mode)
		assert.Equal(t, mode, up.Mode)

		_, out, err := st.Lifecycle.Execute(ctx, lifecycle.QueryRequest{DatasetID: up.DatasetID, Type: model.QueryMean})
		require.NoError(t, err, mode)
		assert.Equal(t, int64(200), out.Result.Int64())
	}
}

func TestBuildKeepsMemoryStateAcrossModeSwitches(t *testing.T) {
	ctx := context.Background()
	st, err := Build(ctx, memoryConfig(t), Deps{})
	require.NoError(t, err)

	_, err = st.Lifecycle.UploadDataset(ctx, lifecycle.UploadRequest{
		Name: "d", Values: []int64{1}, Price: big.NewInt(1_000_000_000_000_000),
	})
	require.NoError(t, err)

	require.NoError(t, st.Session.SetMode(ctx, model.ModeFHE))
	require.NoError(t, st.Session.SetMode(ctx, model.ModeMock))

	datasets, err := st.Lifecycle.Datasets(ctx)
	require.NoError(t, err)
	assert.Len(t, datasets, 1)
}

func TestBuildUsesStoredPreference(t *testing.T) {
	ctx := context.Background()
	store := prefs.NewMemoryStore()
	require.NoError(t, store.SaveMode(ctx, model.ModeFHE))

	st, err := Build(ctx, memoryConfig(t), Deps{Prefs: store})
	require.NoError(t, err)
	assert.Equal(t, model.ModeFHE, st.Session.CurrentMode())
}

func TestBuildRejectsBadSettlement(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.PlatformFeePercent = 101
	_, err := Build(context.Background(), cfg, Deps{})
	require.Error(t, err)
}

func TestDialMemoryUnsupported(t *testing.T) {
	st, err := Build(context.Background(), memoryConfig(t), Deps{})
	require.NoError(t, err)
	_, err = st.Dial(context.Background(), model.ModeMock)
	require.ErrorIs(t, err, model.ErrUnsupported)
}

func TestBuildWiresGateway(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Network.GatewayURL = "http://127.0.0.1:1"
	st, err := Build(context.Background(), cfg, Deps{})
	require.NoError(t, err)
	assert.NotNil(t, st.Gateway)
}
