// Package mcpserver registers MCP tools that expose the entity graph:
// fetching entities, observing facets through routes and performing
// actions.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all siren tools to the given MCP server.
func RegisterTools(server *mcp.Server, s *Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "siren_get",
		Description: "Fetch a Siren entity by href (relative to the root entity, or absolute on the same origin). Empty href fetches the root. Served from cache unless bypass is set.",
	}, getHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "siren_observe",
		Description: "Observe facets of an entity. Each binding names a target property, a kind (property, classes, entity, link, subEntity, subEntities, action, summonAction), a name (property name, rel or action name) and an optional route of kind:name hops to reach a nested entity.",
	}, observeHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "siren_perform",
		Description: "Perform a named action of an entity. Fields override the action's declared defaults. The response is applied to the entity it describes.",
	}, performHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// GetInput holds parameters for siren_get.
type GetInput struct {
	Href   string `json:"href,omitempty" jsonschema:"entity href, defaults to the root entity"`
	Bypass bool   `json:"bypass,omitempty" jsonschema:"skip every cache and refetch from the server"`
}

// ObserveBinding is one facet to observe.
type ObserveBinding struct {
	Property  string   `json:"property" jsonschema:"required,name the value is reported under"`
	Kind      string   `json:"kind" jsonschema:"required,facet kind"`
	Name      string   `json:"name,omitempty" jsonschema:"property name, link rel or action name"`
	Transform string   `json:"transform,omitempty" jsonschema:"optional transform: upper, lower, trim, title, len or json"`
	Route     []string `json:"route,omitempty" jsonschema:"hops as kind:name, e.g. link:up"`
}

// ObserveInput holds parameters for siren_observe.
type ObserveInput struct {
	Href     string           `json:"href,omitempty" jsonschema:"entity href, defaults to the root entity"`
	Bindings []ObserveBinding `json:"bindings" jsonschema:"required,facets to observe"`
}

// PerformInput holds parameters for siren_perform.
type PerformInput struct {
	Href   string         `json:"href,omitempty" jsonschema:"entity href, defaults to the root entity"`
	Action string         `json:"action" jsonschema:"required,action name"`
	Fields map[string]any `json:"fields,omitempty" jsonschema:"field values overriding the declared defaults"`
}

// --- Results ---

// GetResult is the output of siren_get.
type GetResult struct {
	Href   string         `json:"href"`
	Entity map[string]any `json:"entity"`
}

// ObserveResult is the output of siren_observe. Missing lists bindings
// whose facet is absent from the entity.
type ObserveResult struct {
	Href    string         `json:"href"`
	Values  map[string]any `json:"values"`
	Missing []string       `json:"missing"`
}

// PerformResult is the output of siren_perform. Entity is empty when the
// server answered without a body.
type PerformResult struct {
	Href   string         `json:"href"`
	Action string         `json:"action"`
	Entity map[string]any `json:"entity,omitempty"`
}

// --- Handlers ---

func getHandler(s *Service) mcp.ToolHandlerFor[GetInput, *GetResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, *GetResult, error) {
		result, err := s.Get(ctx, input.Href, input.Bypass)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

func observeHandler(s *Service) mcp.ToolHandlerFor[ObserveInput, *ObserveResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ObserveInput) (*mcp.CallToolResult, *ObserveResult, error) {
		result, err := s.Observe(ctx, input.Href, input.Bindings)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

func performHandler(s *Service) mcp.ToolHandlerFor[PerformInput, *PerformResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PerformInput) (*mcp.CallToolResult, *PerformResult, error) {
		result, err := s.Perform(ctx, input.Href, input.Action, input.Fields)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
