// Package settlement computes the provider/platform split of a query's price and
// enforces the upload bounds the ledger will accept. Everything here is pure:
// no I/O, no clock, no ledger access.
package settlement

import (
	"fmt"
	"math/big"

	"github.com/ashita-ai/himitsu/internal/model"
)

// Defaults mirror the deployed marketplace contracts.
const (
	DefaultFeePercent  = 5
	DefaultMaxDataSize = 1000
)

// DefaultMinPrice is 0.001 ETH in wei.
var DefaultMinPrice = big.NewInt(1_000_000_000_000_000)

// Split is the settlement of a single query.
// Provider + Platform == the query's price, always.
type Split struct {
	Price    *big.Int `json:"price"`
	Provider *big.Int `json:"provider_share"`
	Platform *big.Int `json:"platform_share"`
}

// Calculator holds the fee and bound constants. The zero value is not usable; use New.
type Calculator struct {
	feePercent  uint64
	minPrice    *big.Int
	maxDataSize int
}

// Config holds settlement constants.
type Config struct {
	FeePercent  uint64
	MinPrice    *big.Int
	MaxDataSize int
}

// New validates cfg and returns a Calculator.
func New(cfg Config) (*Calculator, error) {
	if cfg.FeePercent > 100 {
		return nil, fmt.Errorf("settlement: fee percent %d exceeds 100", cfg.FeePercent)
	}
	if cfg.MinPrice == nil || cfg.MinPrice.Sign() < 0 {
		return nil, fmt.Errorf("settlement: min price must be non-negative")
	}
	if cfg.MaxDataSize <= 0 {
		return nil, fmt.Errorf("settlement: max data size must be positive")
	}
	return &Calculator{
		feePercent:  cfg.FeePercent,
		minPrice:    new(big.Int).Set(cfg.MinPrice),
		maxDataSize: cfg.MaxDataSize,
	}, nil
}

// Default returns a Calculator with the contract defaults (5%, 0.001 ETH, 1000 values).
func Default() *Calculator {
	c, _ := New(Config{FeePercent: DefaultFeePercent, MinPrice: DefaultMinPrice, MaxDataSize: DefaultMaxDataSize})
	return c
}

// FeePercent returns the platform fee percentage.
func (c *Calculator) FeePercent() uint64 { return c.feePercent }

// MinPrice returns a copy of the minimum price per query.
func (c *Calculator) MinPrice() *big.Int { return new(big.Int).Set(c.minPrice) }

// MaxDataSize returns the largest accepted dataset.
func (c *Calculator) MaxDataSize() int { return c.maxDataSize }

// Split divides price between provider and platform. The platform share is
// floor(price * fee / 100) and the provider receives the remainder, so integer
// rounding never overpays the provider.
func (c *Calculator) Split(price *big.Int) (Split, error) {
	if price == nil || price.Sign() < 0 {
		return Split{}, fmt.Errorf("settlement: price must be non-negative")
	}
	platform := new(big.Int).Mul(price, new(big.Int).SetUint64(c.feePercent))
	platform.Quo(platform, big.NewInt(100))
	provider := new(big.Int).Sub(price, platform)
	return Split{
		Price:    new(big.Int).Set(price),
		Provider: provider,
		Platform: platform,
	}, nil
}

// ValidateUpload rejects uploads the ledger would refuse. It runs before any
// encryption or transaction is attempted.
func (c *Calculator) ValidateUpload(price *big.Int, size int) error {
	if price == nil || price.Cmp(c.minPrice) < 0 {
		return fmt.Errorf("%w: %s wei < minimum %s wei", model.ErrPriceTooLow, priceString(price), c.minPrice)
	}
	if size <= 0 || size > c.maxDataSize {
		return fmt.Errorf("%w: %d values (allowed 1..%d)", model.ErrDatasetTooLarge, size, c.maxDataSize)
	}
	return nil
}

// ValidatePrice rejects a price update below the minimum.
func (c *Calculator) ValidatePrice(price *big.Int) error {
	if price == nil || price.Cmp(c.minPrice) < 0 {
		return fmt.Errorf("%w: %s wei < minimum %s wei", model.ErrPriceTooLow, priceString(price), c.minPrice)
	}
	return nil
}

// Quote renders a split for API responses.
func (c *Calculator) Quote(price *big.Int) (model.SettlementQuote, error) {
	s, err := c.Split(price)
	if err != nil {
		return model.SettlementQuote{}, err
	}
	return model.SettlementQuote{
		Price:         s.Price.String(),
		ProviderShare: s.Provider.String(),
		PlatformShare: s.Platform.String(),
		FeePercent:    c.feePercent,
	}, nil
}

// ExpectedRevenue sums the provider shares of the given completed-query prices.
// A dataset's TotalRevenue must equal this for its completed queries.
func (c *Calculator) ExpectedRevenue(prices []*big.Int) (*big.Int, error) {
	total := new(big.Int)
	for i, p := range prices {
		s, err := c.Split(p)
		if err != nil {
			return nil, fmt.Errorf("settlement: price[%d]: %w", i, err)
		}
		total.Add(total, s.Provider)
	}
	return total, nil
}

// ParseWei parses a decimal wei amount.
func ParseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("settlement: invalid wei amount %q", s)
	}
	return v, nil
}

func priceString(p *big.Int) string {
	if p == nil {
		return "<nil>"
	}
	return p.String()
}
