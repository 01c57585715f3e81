package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const datasetURIPrefix = "himitsu://datasets/"

func (s *Server) registerResources() {
	// himitsu://mode: current execution mode.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"himitsu://mode",
			"Execution Mode",
			mcplib.WithResourceDescription("Current execution mode, FHE availability and fallback state"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleModeResource,
	)

	// himitsu://datasets: the active catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"himitsu://datasets",
			"Active Datasets",
			mcplib.WithResourceDescription("Every active dataset with size and price"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleDatasetsResource,
	)

	// himitsu://datasets/{id}: a single dataset.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"himitsu://datasets/{id}",
			"Dataset",
			mcplib.WithTemplateDescription("One dataset, including inactive ones"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleDatasetResource,
	)
}

func (s *Server) handleModeResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(request.Params.URI, s.mode.Status(ctx))
}

func (s *Server) handleDatasetsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	datasets, err := s.lifecycle.Datasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: list datasets: %w", err)
	}
	out := make([]map[string]any, len(datasets))
	for i, d := range datasets {
		out[i] = compactDataset(d)
	}
	return jsonContents(request.Params.URI, out)
}

func (s *Server) handleDatasetResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := strconv.ParseUint(strings.TrimPrefix(uri, datasetURIPrefix), 10, 64)
	if !strings.HasPrefix(uri, datasetURIPrefix) || err != nil || id == 0 {
		return nil, fmt.Errorf("mcp: invalid dataset URI: %s", uri)
	}
	ds, err := s.lifecycle.Dataset(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: dataset %d: %w", id, err)
	}
	return jsonContents(uri, compactDataset(ds))
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
