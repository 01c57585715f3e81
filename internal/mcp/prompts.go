package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/himitsu/internal/model"
)

func (s *Server) registerPrompts() {
	// query-dataset: walks the agent through pricing and running one query.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("query-dataset",
			mcplib.WithPromptDescription("Price and run one aggregate query over a dataset without paying twice"),
			mcplib.WithArgument("dataset_id",
				mcplib.ArgumentDescription("The dataset to query"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("query_type",
				mcplib.ArgumentDescription("mean, variance, count_above or count_below"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleQueryDatasetPrompt,
	)

	// buyer-setup: system prompt snippet for agents that buy queries.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("buyer-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to buy aggregate queries on Himitsu"),
		),
		s.handleBuyerSetupPrompt,
	)
}

func (s *Server) handleQueryDatasetPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	datasetID := request.Params.Arguments["dataset_id"]
	if datasetID == "" {
		return nil, fmt.Errorf("dataset_id argument is required")
	}
	qt, err := model.ParseQueryType(request.Params.Arguments["query_type"])
	if err != nil {
		return nil, fmt.Errorf("query_type must be mean, variance, count_above or count_below")
	}

	thresholdStep := ""
	if qt.NeedsThreshold() {
		thresholdStep = "\n   Include threshold: an integer between 0 and 4294967295. Values equal to it are not counted."
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Run %s on dataset %s", qt.Key(), datasetID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`To run a %s query on dataset %s:

1. CALL himitsu_dataset with dataset_id=%s. Check that it is active and
   that price_eth is acceptable. Stop if it is not.

2. CALL himitsu_query with dataset_id=%s and query_type="%s".%s

3. READ the response:
   - completed=true: result holds the aggregate.
   - a query_id without a result: the query is paid and still decrypting.
     CALL himitsu_query_status with that query_id until it completes.
   - an error about a changed price: decide again before retrying.

Never call himitsu_query twice for the same question. Each call pays again.`,
						qt.Key(), datasetID, datasetID, datasetID, qt.Key(), thresholdStep),
				},
			},
		},
	}, nil
}

func (s *Server) handleBuyerSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Himitsu buyer workflow",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You can buy aggregate statistics over private datasets through Himitsu.
Individual values are never visible to you; you pay per query for one number.

- Browse with himitsu_datasets.
- Confirm the price with himitsu_dataset before every paid query.
- Run queries with himitsu_query. It pays the dataset price on submission.
- Follow up on slow results with himitsu_query_status, not a new query.
- himitsu_mode tells you whether results are computed over encrypted data
  (fhe) or in the clear (mock), and whether the server has fallen back.`,
				},
			},
		},
	}, nil
}
