package mcp

import (
	"context"
	"errors"
	"fmt"
	"math"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/himitsu/internal/ctxutil"
	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/service/lifecycle"
)

func (s *Server) registerTools() {
	// himitsu_datasets: browse the active catalog.
	s.mcpServer.AddTool(
		mcplib.NewTool("himitsu_datasets",
			mcplib.WithDescription(`List the active datasets on the marketplace.

WHEN TO USE: First, to find a dataset worth querying. Each entry has its size
and per-query price. Values themselves are never revealed; only aggregates
computed by himitsu_query are.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum datasets to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleDatasets,
	)

	// himitsu_dataset: one dataset with its exact price.
	s.mcpServer.AddTool(
		mcplib.NewTool("himitsu_dataset",
			mcplib.WithDescription(`Show one dataset and its exact price.

IMPORTANT: Call this before himitsu_query. A paid query is only accepted for
a price you have seen in the last few minutes.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithNumber("dataset_id",
				mcplib.Description("The dataset id"),
				mcplib.Required(),
				mcplib.Min(1),
			),
		),
		s.handleDataset,
	)

	// himitsu_quote: settlement split for a dataset's price.
	s.mcpServer.AddTool(
		mcplib.NewTool("himitsu_quote",
			mcplib.WithDescription(`Show how a query payment for a dataset is split between the
provider and the platform. Also counts as viewing the price.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithNumber("dataset_id",
				mcplib.Description("The dataset id"),
				mcplib.Required(),
				mcplib.Min(1),
			),
		),
		s.handleQuote,
	)

	// himitsu_query: pay for and run an aggregate query.
	s.mcpServer.AddTool(
		mcplib.NewTool("himitsu_query",
			mcplib.WithDescription(`Pay for and run an aggregate query over a dataset.

COSTS FUNDS: the dataset's price is paid on submission and is not returned
if you ask again. Call himitsu_dataset first; the query is rejected if the
price changed since you looked.

QUERY TYPES:
- mean: integer mean of the values
- variance: integer variance of the values
- count_above: number of values strictly above threshold
- count_below: number of values strictly below threshold

If the result is not ready in time, the response carries a query_id.
Use himitsu_query_status with it; never call himitsu_query again for it.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithNumber("dataset_id",
				mcplib.Description("The dataset id"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithString("query_type",
				mcplib.Description("One of mean, variance, count_above, count_below"),
				mcplib.Required(),
				mcplib.Enum("mean", "variance", "count_above", "count_below"),
			),
			mcplib.WithNumber("threshold",
				mcplib.Description("Required for count_above and count_below. Integer between 0 and 4294967295."),
			),
			mcplib.WithBoolean("wait",
				mcplib.Description("Wait for the result. When false, returns as soon as payment is accepted."),
				mcplib.DefaultBool(true),
			),
		),
		s.handleQuery,
	)

	// himitsu_query_status: read a paid query once.
	s.mcpServer.AddTool(
		mcplib.NewTool("himitsu_query_status",
			mcplib.WithDescription(`Read the status and, once completed, the result of a query you already paid for.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithNumber("query_id",
				mcplib.Description("The query id returned by himitsu_query"),
				mcplib.Required(),
				mcplib.Min(1),
			),
		),
		s.handleQueryStatus,
	)

	// himitsu_mode: show or switch the execution mode.
	s.mcpServer.AddTool(
		mcplib.NewTool("himitsu_mode",
			mcplib.WithDescription(`Show the execution mode (mock or fhe), whether encrypted execution
is available, and whether the server has fallen back from it.
Passing mode switches it and requires the admin role.`),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("mode",
				mcplib.Description("Optional: mock or fhe"),
				mcplib.Enum("mock", "fhe"),
			),
		),
		s.handleMode,
	)
}

func (s *Server) handleDatasets(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	if limit < 1 {
		limit = 1
	}

	datasets, err := s.lifecycle.Datasets(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %s", model.Describe(err))), nil
	}
	total := len(datasets)
	if len(datasets) > limit {
		datasets = datasets[:limit]
	}
	out := make([]map[string]any, len(datasets))
	for i, d := range datasets {
		out[i] = compactDataset(d)
	}
	return jsonResult(map[string]any{
		"datasets": out,
		"total":    total,
	})
}

func (s *Server) handleDataset(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, ok := datasetID(request)
	if !ok {
		return errorResult("dataset_id must be a positive integer"), nil
	}
	ds, err := s.lifecycle.Dataset(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("dataset %d: %s", id, model.Describe(err))), nil
	}
	s.prices.Record(ctxutil.ClientID(ctx), ds.ID, ds.PricePerQuery)
	return jsonResult(compactDataset(ds))
}

func (s *Server) handleQuote(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, ok := datasetID(request)
	if !ok {
		return errorResult("dataset_id must be a positive integer"), nil
	}
	ds, err := s.lifecycle.Dataset(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("dataset %d: %s", id, model.Describe(err))), nil
	}
	quote, err := s.lifecycle.Settlement().Quote(ds.PricePerQuery)
	if err != nil {
		return errorResult(fmt.Sprintf("quote failed: %s", model.Describe(err))), nil
	}
	s.prices.Record(ctxutil.ClientID(ctx), ds.ID, ds.PricePerQuery)
	return jsonResult(map[string]any{
		"dataset_id": ds.ID,
		"price_eth":  formatEther(ds.PricePerQuery),
		"quote":      quote,
	})
}

func (s *Server) handleQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || !model.RoleAtLeast(claims.Role, model.RoleBuyer) {
		return errorResult("himitsu_query requires the buyer role"), nil
	}

	id, ok := datasetID(request)
	if !ok {
		return errorResult("dataset_id must be a positive integer"), nil
	}
	qt, err := model.ParseQueryType(request.GetString("query_type", ""))
	if err != nil {
		return errorResult("query_type must be one of mean, variance, count_above, count_below"), nil
	}
	req := lifecycle.QueryRequest{ClientID: claims.ClientID, DatasetID: id, Type: qt}
	if qt.NeedsThreshold() {
		p, ok := threshold(request)
		if !ok {
			return errorResult(fmt.Sprintf("%s needs an integer threshold", qt.Key())), nil
		}
		req.Parameter = &p
	}

	// The lifecycle pays whatever the ledger currently asks, so compare it
	// to what this caller saw before sending anything.
	seen, ok := s.prices.Seen(claims.ClientID, id)
	if !ok {
		return errorResult(fmt.Sprintf("call himitsu_dataset with dataset_id=%d first to confirm the price", id)), nil
	}
	ds, err := s.lifecycle.Dataset(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("dataset %d: %s", id, model.Describe(err))), nil
	}
	if ds.PricePerQuery == nil || ds.PricePerQuery.Cmp(seen) != 0 {
		s.prices.Record(claims.ClientID, id, ds.PricePerQuery)
		return errorResult(fmt.Sprintf("price changed from %s to %s ETH since you looked; call himitsu_query again to pay the new price",
			formatEther(seen), formatEther(ds.PricePerQuery))), nil
	}

	var (
		sub *lifecycle.Submission
		out *lifecycle.Outcome
	)
	if request.GetBool("wait", true) {
		sub, out, err = s.lifecycle.Execute(ctx, req)
	} else {
		sub, err = s.lifecycle.SubmitQuery(ctx, req)
	}
	if sub == nil {
		msg := fmt.Sprintf("query failed: %s", model.Describe(err))
		if errors.Is(err, model.ErrTransactionTimeout) {
			msg += "; the payment may still confirm, check himitsu_datasets total_queries before retrying"
		}
		return errorResult(msg), nil
	}
	s.logger.Info("mcp: query submitted", "client_id", claims.ClientID, "dataset_id", id,
		"query_id", sub.QueryID, "query_type", qt.Key())

	res, jerr := jsonResult(compactSubmission(sub, out, err))
	if jerr != nil {
		return nil, jerr
	}
	// Pending results are not errors: the query is paid and will finish.
	if errors.Is(err, model.ErrQueryFailed) || errors.Is(err, model.ErrQueryRefunded) {
		res.IsError = true
	}
	return res, nil
}

func (s *Server) handleQueryStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetInt("query_id", 0)
	if id < 1 {
		return errorResult("query_id must be a positive integer"), nil
	}
	q, err := s.lifecycle.Recheck(ctx, uint64(id))
	if err != nil {
		return errorResult(fmt.Sprintf("query %d: %s", id, model.Describe(err))), nil
	}
	return jsonResult(compactQuery(q))
}

func (s *Server) handleMode(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if raw := request.GetString("mode", ""); raw != "" {
		claims := ctxutil.ClaimsFromContext(ctx)
		if claims == nil || claims.Role != model.RoleAdmin {
			return errorResult("switching mode requires the admin role"), nil
		}
		mode, err := model.ParseMode(raw)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid mode %q: use mock or fhe", raw)), nil
		}
		if err := s.mode.SetMode(ctx, mode); err != nil {
			return errorResult(fmt.Sprintf("switch failed: %s", model.Describe(err))), nil
		}
		s.logger.Info("mcp: mode switched", "client_id", claims.ClientID, "mode", mode)
	}
	return jsonResult(s.mode.Status(ctx))
}

func datasetID(request mcplib.CallToolRequest) (uint64, bool) {
	id := request.GetInt("dataset_id", 0)
	if id < 1 {
		return 0, false
	}
	return uint64(id), true
}

// threshold reads an integral threshold. Range checks happen in the lifecycle.
func threshold(request mcplib.CallToolRequest) (int64, bool) {
	f := request.GetFloat("threshold", math.NaN())
	if math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}
