package settlement

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/himitsu/internal/model"
)

func TestSplit(t *testing.T) {
	c := Default()

	tests := []struct {
		name         string
		price        int64
		wantProvider int64
		wantPlatform int64
	}{
		{"round price", 1000, 950, 50},
		{"remainder goes to provider side of floor", 1019, 969, 50},
		{"below one percent unit", 19, 19, 0},
		{"zero", 0, 0, 0},
		{"min price", 1_000_000_000_000_000, 950_000_000_000_000, 50_000_000_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := c.Split(big.NewInt(tt.price))
			require.NoError(t, err)
			assert.Equal(t, tt.wantProvider, s.Provider.Int64())
			assert.Equal(t, tt.wantPlatform, s.Platform.Int64())
			assert.Equal(t, tt.price, new(big.Int).Add(s.Provider, s.Platform).Int64())
		})
	}
}

func TestSplitSumsExactlyForAllPrices(t *testing.T) {
	for fee := uint64(0); fee <= 100; fee += 7 {
		c, err := New(Config{FeePercent: fee, MinPrice: big.NewInt(0), MaxDataSize: 10})
		require.NoError(t, err)
		for p := int64(0); p < 500; p++ {
			price := big.NewInt(p)
			s, err := c.Split(price)
			require.NoError(t, err)
			wantPlatform := p * int64(fee) / 100
			assert.Equal(t, wantPlatform, s.Platform.Int64())
			assert.Equal(t, p-wantPlatform, s.Provider.Int64())
		}
	}
}

func TestSplitDoesNotAliasInput(t *testing.T) {
	price := big.NewInt(1000)
	s, err := Default().Split(price)
	require.NoError(t, err)
	s.Price.SetInt64(1)
	assert.Equal(t, int64(1000), price.Int64())
}

func TestSplitRejectsNegative(t *testing.T) {
	_, err := Default().Split(big.NewInt(-1))
	assert.Error(t, err)
	_, err = Default().Split(nil)
	assert.Error(t, err)
}

func TestValidateUpload(t *testing.T) {
	c := Default()
	minPrice := c.MinPrice()

	require.NoError(t, c.ValidateUpload(minPrice, 1))
	require.NoError(t, c.ValidateUpload(minPrice, 1000))

	err := c.ValidateUpload(new(big.Int).Sub(minPrice, big.NewInt(1)), 10)
	assert.ErrorIs(t, err, model.ErrPriceTooLow)

	err = c.ValidateUpload(nil, 10)
	assert.ErrorIs(t, err, model.ErrPriceTooLow)

	err = c.ValidateUpload(minPrice, 1001)
	assert.ErrorIs(t, err, model.ErrDatasetTooLarge)

	err = c.ValidateUpload(minPrice, 0)
	assert.ErrorIs(t, err, model.ErrDatasetTooLarge)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{FeePercent: 101, MinPrice: big.NewInt(0), MaxDataSize: 1})
	assert.Error(t, err)
	_, err = New(Config{FeePercent: 5, MinPrice: nil, MaxDataSize: 1})
	assert.Error(t, err)
	_, err = New(Config{FeePercent: 5, MinPrice: big.NewInt(0), MaxDataSize: 0})
	assert.Error(t, err)
}

func TestQuote(t *testing.T) {
	q, err := Default().Quote(big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "1000", q.Price)
	assert.Equal(t, "950", q.ProviderShare)
	assert.Equal(t, "50", q.PlatformShare)
	assert.Equal(t, uint64(5), q.FeePercent)
}

func TestExpectedRevenue(t *testing.T) {
	total, err := Default().ExpectedRevenue([]*big.Int{big.NewInt(1000), big.NewInt(1000), big.NewInt(20)})
	require.NoError(t, err)
	// 950 + 950 + (20 - 1)
	assert.Equal(t, int64(1919), total.Int64())
}

func TestParseWei(t *testing.T) {
	v, err := ParseWei("1000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", v.String())

	_, err = ParseWei("1.5")
	assert.Error(t, err)
	_, err = ParseWei("-3")
	assert.Error(t, err)
}
