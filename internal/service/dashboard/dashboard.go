// Package dashboard summarizes a provider's datasets and audits their
// on-ledger revenue against the settlement rules.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/himitsu/internal/ledger"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
	"github.com/ashita-ai/himitsu/internal/settlement"
)

// maxAuditQueries caps how many ledger queries an audit reads. Larger ledgers
// are summed but not audited.
const maxAuditQueries = 10_000

// Service builds provider summaries.
type Service struct {
	resolver lifecycle.Resolver
	calc     *settlement.Calculator
	logger   *slog.Logger
}

// New creates a Service. A nil calculator uses the default settlement rules.
func New(resolver lifecycle.Resolver, calc *settlement.Calculator, logger *slog.Logger) *Service {
	if calc == nil {
		calc = settlement.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{resolver: resolver, calc: calc, logger: logger}
}

// Summary returns every dataset owned by owner with aggregate totals.
func (s *Service) Summary(ctx context.Context, owner string) (*model.ProviderSummary, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidAddress, owner)
	}
	addr := common.HexToAddress(owner)

	b, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("dashboard: resolve binding: %w", err)
	}

	// Queries are read before datasets: a query that completes in between is
	// then in flight for the audit and already credited on the dataset.
	prices, scanErr := s.queryPrices(ctx, b.Ledger)
	if scanErr != nil {
		s.logger.Warn("dashboard: audit skipped", "owner", addr.Hex(), "error", scanErr)
	}
	datasets, err := s.providerDatasets(ctx, b.Ledger, addr)
	if err != nil {
		return nil, err
	}

	sum := &model.ProviderSummary{
		Owner:        addr.Hex(),
		Datasets:     datasets,
		TotalRevenue: new(big.Int),
		Audited:      scanErr == nil,
	}
	if sum.Audited {
		sum.ExpectedRevenue = new(big.Int)
		sum.PlatformFeePaid = new(big.Int)
	}
	for _, ds := range datasets {
		if ds.Active {
			sum.ActiveDatasets++
		}
		sum.TotalQueries += ds.TotalQueries
		sum.TotalRevenue.Add(sum.TotalRevenue, ds.TotalRevenue)
		if !sum.Audited {
			continue
		}

		a, err := s.audit(prices[ds.ID])
		if err != nil {
			return nil, fmt.Errorf("dashboard: audit dataset %d: %w", ds.ID, err)
		}
		sum.ExpectedRevenue.Add(sum.ExpectedRevenue, a.expected)
		sum.PlatformFeePaid.Add(sum.PlatformFeePaid, a.fee)
		if ds.TotalRevenue.Cmp(a.expected) < 0 || ds.TotalRevenue.Cmp(a.ceiling) > 0 {
			sum.Unreconciled = append(sum.Unreconciled, ds.ID)
		}
	}
	return sum, nil
}

// datasetPrices are the captured prices of one dataset's queries. Failed and
// refunded queries earn nothing and are left out.
type datasetPrices struct {
	completed []*big.Int
	inFlight  []*big.Int
}

type auditResult struct {
	expected *big.Int // provider share of completed queries
	fee      *big.Int // platform share of completed queries
	ceiling  *big.Int // expected plus the provider share of in-flight queries
}

func (s *Service) audit(p datasetPrices) (auditResult, error) {
	expected, err := s.calc.ExpectedRevenue(p.completed)
	if err != nil {
		return auditResult{}, err
	}
	pending, err := s.calc.ExpectedRevenue(p.inFlight)
	if err != nil {
		return auditResult{}, err
	}
	gross := new(big.Int)
	for _, price := range p.completed {
		gross.Add(gross, price)
	}
	return auditResult{
		expected: expected,
		fee:      gross.Sub(gross, expected),
		ceiling:  new(big.Int).Add(expected, pending),
	}, nil
}

// queryPrices reads every query on the ledger and groups the captured prices
// by dataset. Query ids run from 1 to the ledger's query count.
func (s *Service) queryPrices(ctx context.Context, l ledger.Client) (map[uint64]datasetPrices, error) {
	st, err := l.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	if st.TotalQueries > maxAuditQueries {
		return nil, fmt.Errorf("%d queries exceeds audit limit", st.TotalQueries)
	}

	queries := make([]model.Query, st.TotalQueries)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range queries {
		g.Go(func() error {
			q, err := l.GetQuery(gctx, uint64(i)+1)
			if err != nil {
				return fmt.Errorf("read query %d: %w", i+1, err)
			}
			queries[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[uint64]datasetPrices)
	for _, q := range queries {
		if q.Price == nil {
			continue
		}
		p := out[q.DatasetID]
		switch {
		case q.Status == model.StatusCompleted:
			p.completed = append(p.completed, q.Price)
		case !q.Status.Terminal():
			p.inFlight = append(p.inFlight, q.Price)
		}
		out[q.DatasetID] = p
	}
	return out, nil
}

// providerDatasets reads the owner's datasets. Backends without an owner
// index are scanned through the active list, which omits inactive datasets.
func (s *Service) providerDatasets(ctx context.Context, l ledger.Client, owner common.Address) ([]model.Dataset, error) {
	ids, err := l.ProviderDatasetIDs(ctx, owner)
	scan := errors.Is(err, model.ErrUnsupported)
	if scan {
		ids, err = l.ListActiveDatasetIDs(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("dashboard: list datasets: %w", err)
	}

	out := make([]model.Dataset, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			ds, err := l.GetDataset(gctx, id)
			if err != nil {
				return fmt.Errorf("dashboard: read dataset %d: %w", id, err)
			}
			out[i] = ds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if scan {
		hex := owner.Hex()
		out = slices.DeleteFunc(out, func(ds model.Dataset) bool {
			return !common.IsHexAddress(ds.Owner) || common.HexToAddress(ds.Owner).Hex() != hex
		})
	}
	return out, nil
}
