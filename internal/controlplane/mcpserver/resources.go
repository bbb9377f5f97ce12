package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/cadence/internal/automation"
)

const (
	resourceTemplateVariables = "cadence://automation/variables"
	resourceBaseline          = "cadence://automation/baseline"
)

func (s *MCPServer) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         resourceTemplateVariables,
		Name:        "Template Variables",
		Description: "Variables available to notify messages and snippets",
		MIMEType:    "application/json",
	}, s.handleVariablesResource)

	s.server.AddResource(&mcp.Resource{
		URI:         resourceBaseline,
		Name:        "Baseline Rule Set",
		Description: "The built-in rule set restored by cadence_reset_baseline",
		MIMEType:    "application/json",
	}, s.handleBaselineResource)
}

func (s *MCPServer) handleVariablesResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return jsonResource(req, resourceTemplateVariables, automation.SupportedVariables())
}

func (s *MCPServer) handleBaselineResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return jsonResource(req, resourceBaseline, automation.Baseline())
}

func jsonResource(req *mcp.ReadResourceRequest, defaultURI string, payload any) (*mcp.ReadResourceResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	uri := defaultURI
	if req != nil && req.Params != nil && req.Params.URI != "" {
		uri = req.Params.URI
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
