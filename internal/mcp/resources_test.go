package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRequest(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{Params: mcplib.ReadResourceParams{URI: uri}}
}

func resourceJSON(t *testing.T, contents []mcplib.ResourceContents, target any) {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", tc.MIMEType)
	require.NoError(t, json.Unmarshal([]byte(tc.Text), target))
}

func TestDatasetResource(t *testing.T) {
	env := newTestEnv(t)
	id := env.upload(t, 5, 6, 7)

	contents, err := env.srv.handleDatasetResource(context.Background(), readRequest("himitsu://datasets/1"))
	require.NoError(t, err)
	var ds map[string]any
	resourceJSON(t, contents, &ds)
	assert.EqualValues(t, id, ds["id"])
	assert.EqualValues(t, 3, ds["size"])
}

func TestDatasetResource_InvalidURI(t *testing.T) {
	env := newTestEnv(t)
	for _, uri := range []string{"himitsu://datasets/", "himitsu://datasets/abc", "himitsu://datasets/0", "other://datasets/1"} {
		_, err := env.srv.handleDatasetResource(context.Background(), readRequest(uri))
		assert.Error(t, err, uri)
	}
}

func TestDatasetsAndModeResources(t *testing.T) {
	env := newTestEnv(t)
	env.upload(t, 1)
	env.upload(t, 2)

	contents, err := env.srv.handleDatasetsResource(context.Background(), readRequest("himitsu://datasets"))
	require.NoError(t, err)
	var list []map[string]any
	resourceJSON(t, contents, &list)
	assert.Len(t, list, 2)

	contents, err = env.srv.handleModeResource(context.Background(), readRequest("himitsu://mode"))
	require.NoError(t, err)
	var status map[string]any
	resourceJSON(t, contents, &status)
	assert.Equal(t, "mock", status["mode"])
	assert.Equal(t, true, status["fhe_available"])
}
