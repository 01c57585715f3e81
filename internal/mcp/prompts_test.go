package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptRequest(name string, args map[string]string) mcplib.GetPromptRequest {
	return mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: name, Arguments: args},
	}
}

func promptText(t *testing.T, result *mcplib.GetPromptResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Messages)
	assert.Equal(t, mcplib.RoleUser, result.Messages[0].Role)
	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	return tc.Text
}

func TestQueryDatasetPrompt(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.srv.handleQueryDatasetPrompt(context.Background(), promptRequest("query-dataset", map[string]string{
		"dataset_id": "7",
		"query_type": "variance",
	}))
	require.NoError(t, err)
	assert.Contains(t, result.Description, "variance")

	text := promptText(t, result)
	assert.Contains(t, text, "himitsu_dataset with dataset_id=7")
	assert.Contains(t, text, `query_type="variance"`)
	assert.NotContains(t, text, "threshold")
}

func TestQueryDatasetPrompt_ThresholdTypes(t *testing.T) {
	env := newTestEnv(t)
	for _, qt := range []string{"count_above", "count_below", "2"} {
		result, err := env.srv.handleQueryDatasetPrompt(context.Background(), promptRequest("query-dataset", map[string]string{
			"dataset_id": "1",
			"query_type": qt,
		}))
		require.NoError(t, err, qt)
		assert.Contains(t, promptText(t, result), "threshold", qt)
	}
}

func TestQueryDatasetPrompt_MissingArguments(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.srv.handleQueryDatasetPrompt(context.Background(), promptRequest("query-dataset", map[string]string{"query_type": "mean"}))
	require.Error(t, err)

	_, err = env.srv.handleQueryDatasetPrompt(context.Background(), promptRequest("query-dataset", map[string]string{
		"dataset_id": "1",
		"query_type": "median",
	}))
	require.Error(t, err)
}

func TestBuyerSetupPrompt(t *testing.T) {
	env := newTestEnv(t)
	result, err := env.srv.handleBuyerSetupPrompt(context.Background(), promptRequest("buyer-setup", nil))
	require.NoError(t, err)

	text := promptText(t, result)
	for _, tool := range []string{"himitsu_datasets", "himitsu_dataset", "himitsu_query", "himitsu_query_status", "himitsu_mode"} {
		assert.Contains(t, text, tool)
	}
}
