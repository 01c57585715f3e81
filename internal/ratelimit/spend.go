package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/ashita-ai/himitsu/internal/model"
)

// SpendError reports a query refused by SpendBudget. It matches
// model.ErrSpendLimited under errors.Is.
type SpendError struct {
	ClientID   string
	Units      float64
	RetryAfter time.Duration
}

func (e *SpendError) Error() string {
	return fmt.Sprintf("%v: client %s needs %.0f price units, retry in %s",
		model.ErrSpendLimited, e.ClientID, e.Units, e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, model.ErrSpendLimited) succeed.
func (e *SpendError) Is(target error) bool { return target == model.ErrSpendLimited }

// SpendBudget bounds how fast each client commits funds to queries. The
// underlying limiter counts in units of unit wei, normally the minimum
// query price.
type SpendBudget struct {
	limiter Limiter
	unit    *big.Float
	logger  *slog.Logger
}

// NewSpendBudget wraps limiter. unit must be positive.
func NewSpendBudget(limiter Limiter, unit *big.Int, logger *slog.Logger) (*SpendBudget, error) {
	if unit == nil || unit.Sign() <= 0 {
		return nil, fmt.Errorf("ratelimit: spend unit must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SpendBudget{limiter: limiter, unit: new(big.Float).SetInt(unit), logger: logger}, nil
}

// Units converts a price in wei to budget units, rounding up.
func (s *SpendBudget) Units(price *big.Int) float64 {
	if price == nil || price.Sign() <= 0 {
		return 1
	}
	u, _ := new(big.Float).Quo(new(big.Float).SetInt(price), s.unit).Float64()
	return max(math.Ceil(u), 1)
}

// Charge debits price from clientID's budget. A limiter error is logged and
// the query proceeds.
func (s *SpendBudget) Charge(ctx context.Context, clientID string, price *big.Int) error {
	units := s.Units(price)
	key := "spend:" + clientID
	ok, err := s.limiter.Allow(ctx, key, units)
	if err != nil {
		s.logger.Warn("ratelimit: spend limiter error, allowing query", "client_id", clientID, "error", err)
		return nil
	}
	if ok {
		return nil
	}
	e := &SpendError{ClientID: clientID, Units: units, RetryAfter: time.Second}
	if ra, has := s.limiter.(retryAfterer); has {
		e.RetryAfter = max(ra.RetryAfter(key, units), time.Second)
	}
	return e
}

// Close closes the underlying limiter.
func (s *SpendBudget) Close() error { return s.limiter.Close() }
