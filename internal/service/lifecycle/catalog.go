package lifecycle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/himitsu/internal/model"
)

// catalogConcurrency bounds parallel dataset reads.
const catalogConcurrency = 8

// Datasets lists every active dataset in id order.
func (m *Manager) Datasets(ctx context.Context) ([]model.Dataset, error) {
	b, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: resolve binding: %w", err)
	}
	ids, err := b.Ledger.ListActiveDatasetIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list datasets: %w", err)
	}
	return fetchDatasets(ctx, ids, b.Ledger.GetDataset)
}

// Dataset reads one dataset.
func (m *Manager) Dataset(ctx context.Context, id uint64) (model.Dataset, error) {
	b, err := m.resolver.Resolve(ctx)
	if err != nil {
		return model.Dataset{}, fmt.Errorf("lifecycle: resolve binding: %w", err)
	}
	return b.Ledger.GetDataset(ctx, id)
}

// Stats reads ledger-wide counters.
func (m *Manager) Stats(ctx context.Context) (model.PlatformStats, error) {
	b, err := m.resolver.Resolve(ctx)
	if err != nil {
		return model.PlatformStats{}, fmt.Errorf("lifecycle: resolve binding: %w", err)
	}
	return b.Ledger.Stats(ctx)
}

// BuyerQueries lists the queries buyer paid for, oldest first.
func (m *Manager) BuyerQueries(ctx context.Context, buyer string) ([]model.Query, error) {
	if !common.IsHexAddress(buyer) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidAddress, buyer)
	}
	b, err := m.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: resolve binding: %w", err)
	}
	ids, err := b.Ledger.BuyerQueryIDs(ctx, common.HexToAddress(buyer))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list buyer queries: %w", err)
	}
	out := make([]model.Query, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			q, err := b.Ledger.GetQuery(gctx, id)
			if err != nil {
				return fmt.Errorf("lifecycle: read query %d: %w", id, err)
			}
			out[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchDatasets reads ids concurrently and returns them in the order given.
// Any failed read fails the whole listing.
func fetchDatasets(ctx context.Context, ids []uint64, get func(context.Context, uint64) (model.Dataset, error)) ([]model.Dataset, error) {
	out := make([]model.Dataset, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(catalogConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			ds, err := get(gctx, id)
			if err != nil {
				return fmt.Errorf("lifecycle: read dataset %d: %w", id, err)
			}
			out[i] = ds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
