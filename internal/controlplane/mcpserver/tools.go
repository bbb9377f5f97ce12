package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/marcus-qen/cadence/internal/automation"
)

type scopeInput struct {
	Scope string `json:"scope" jsonschema:"rule set scope (group or personal scope name)"`
}

type putRuleSetInput struct {
	Scope           string         `json:"scope" jsonschema:"rule set scope"`
	RuleSet         map[string]any `json:"ruleset" jsonschema:"complete rule set document with rules and snippets"`
	ExpectedVersion int64          `json:"expected_version" jsonschema:"version returned by the last read; 0 for a new scope"`
}

type resetBaselineInput struct {
	Scope           string `json:"scope" jsonschema:"rule set scope"`
	ExpectedVersion int64  `json:"expected_version" jsonschema:"version returned by the last read"`
}

type clearCompletedInput struct {
	Scope           string   `json:"scope" jsonschema:"rule set scope"`
	RuleIDs         []string `json:"rule_ids" jsonschema:"one-shot rule ids to remove if completed"`
	ExpectedVersion int64    `json:"expected_version" jsonschema:"version returned by the last read"`
}

type clearCompletedOutput struct {
	Scope   string             `json:"scope"`
	Version int64              `json:"version"`
	RuleSet automation.RuleSet `json:"ruleset"`
	Removed []string           `json:"removed"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cadence_get_ruleset",
		Description: "Get a scope's automation rules, version, per-rule status and next fire times",
	}, s.handleGetRuleSet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cadence_put_ruleset",
		Description: "Replace a scope's automation rule set; fails on a stale expected_version",
	}, s.handlePutRuleSet)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cadence_reset_baseline",
		Description: "Replace a scope's rule set with the built-in baseline",
	}, s.handleResetBaseline)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cadence_clear_completed",
		Description: "Remove completed one-shot rules from a scope's rule set",
	}, s.handleClearCompleted)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cadence_get_nudge_policy",
		Description: "Get the follow-up, keepalive and idle thresholds in force for a scope",
	}, s.handleGetNudgePolicy)
}

func (s *MCPServer) handleGetRuleSet(ctx context.Context, _ *mcp.CallToolRequest, input scopeInput) (*mcp.CallToolResult, any, error) {
	if s.automation == nil {
		return nil, nil, fmt.Errorf("automation service unavailable")
	}
	scope, err := requireScope(input.Scope)
	if err != nil {
		return nil, nil, err
	}
	view, err := s.automation.Get(ctx, scope)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(view)
}

func (s *MCPServer) handlePutRuleSet(ctx context.Context, _ *mcp.CallToolRequest, input putRuleSetInput) (*mcp.CallToolResult, any, error) {
	if s.automation == nil {
		return nil, nil, fmt.Errorf("automation service unavailable")
	}
	scope, err := requireScope(input.Scope)
	if err != nil {
		return nil, nil, err
	}

	// Round-trip through JSON so the rule set's tagged trigger/action
	// decoding applies.
	raw, err := json.Marshal(input.RuleSet)
	if err != nil {
		return nil, nil, fmt.Errorf("encode ruleset: %w", err)
	}
	var set automation.RuleSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, nil, fmt.Errorf("invalid ruleset: %w", err)
	}

	snap, err := s.automation.Put(ctx, scope, set, input.ExpectedVersion)
	if err != nil {
		s.logger.Info("ruleset write rejected", zap.String("scope", scope), zap.Error(err))
		return nil, nil, err
	}
	return jsonToolResult(snap)
}

func (s *MCPServer) handleResetBaseline(ctx context.Context, _ *mcp.CallToolRequest, input resetBaselineInput) (*mcp.CallToolResult, any, error) {
	if s.automation == nil {
		return nil, nil, fmt.Errorf("automation service unavailable")
	}
	scope, err := requireScope(input.Scope)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.automation.ResetBaseline(ctx, scope, input.ExpectedVersion)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(snap)
}

func (s *MCPServer) handleClearCompleted(ctx context.Context, _ *mcp.CallToolRequest, input clearCompletedInput) (*mcp.CallToolResult, any, error) {
	if s.automation == nil {
		return nil, nil, fmt.Errorf("automation service unavailable")
	}
	scope, err := requireScope(input.Scope)
	if err != nil {
		return nil, nil, err
	}
	if len(input.RuleIDs) == 0 {
		return nil, nil, fmt.Errorf("rule_ids is required")
	}
	snap, removed, err := s.automation.ClearCompleted(ctx, scope, input.RuleIDs, input.ExpectedVersion)
	if err != nil {
		return nil, nil, err
	}
	if removed == nil {
		removed = []string{}
	}
	return jsonToolResult(clearCompletedOutput{
		Scope:   snap.Scope,
		Version: snap.Version,
		RuleSet: snap.RuleSet,
		Removed: removed,
	})
}

func (s *MCPServer) handleGetNudgePolicy(ctx context.Context, _ *mcp.CallToolRequest, input scopeInput) (*mcp.CallToolResult, any, error) {
	if s.policies == nil {
		return nil, nil, fmt.Errorf("nudge policy store unavailable")
	}
	scope, err := requireScope(input.Scope)
	if err != nil {
		return nil, nil, err
	}
	policy, err := s.policies.Get(ctx, scope)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(policy)
}

func requireScope(raw string) (string, error) {
	scope := strings.TrimSpace(raw)
	if scope == "" {
		return "", fmt.Errorf("scope is required")
	}
	return scope, nil
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
