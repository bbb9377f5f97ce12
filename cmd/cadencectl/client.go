package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marcus-qen/cadence/internal/automation"
	"github.com/marcus-qen/cadence/internal/nudge"
)

type APIClient struct {
	server string
	apiKey string
	http   *http.Client
}

type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type ClearResult struct {
	Scope   string             `json:"scope"`
	Version int64              `json:"version"`
	RuleSet automation.RuleSet `json:"ruleset"`
	Removed []string           `json:"removed"`
}

func NewAPIClient(server, apiKey string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}

	return &APIClient{
		server: server,
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *APIClient) Rules(ctx context.Context, scope string) (*automation.View, error) {
	var out automation.View
	if err := c.doJSON(ctx, http.MethodGet, automationPath(scope, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) PutRules(ctx context.Context, scope string, set automation.RuleSet, expectedVersion int64) (*automation.Snapshot, error) {
	payload := map[string]any{
		"ruleset":          set,
		"expected_version": expectedVersion,
	}
	var out automation.Snapshot
	if err := c.doJSON(ctx, http.MethodPut, automationPath(scope, ""), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Reset(ctx context.Context, scope string, expectedVersion int64) (*automation.Snapshot, error) {
	payload := map[string]any{"expected_version": expectedVersion}
	var out automation.Snapshot
	if err := c.doJSON(ctx, http.MethodPost, automationPath(scope, "/reset"), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) ClearCompleted(ctx context.Context, scope string, ruleIDs []string, expectedVersion int64) (*ClearResult, error) {
	payload := map[string]any{
		"rule_ids":         ruleIDs,
		"expected_version": expectedVersion,
	}
	var out ClearResult
	if err := c.doJSON(ctx, http.MethodPost, automationPath(scope, "/clear-completed"), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Run(ctx context.Context, scope string) (*automation.View, error) {
	var out automation.View
	if err := c.doJSON(ctx, http.MethodPost, automationPath(scope, "/run"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Policy(ctx context.Context, scope string) (*nudge.Policy, error) {
	var out nudge.Policy
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/nudge/"+url.PathEscape(scope)+"/policy", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutPolicy sends a partial policy document; fields it omits keep their
// stored values.
func (c *APIClient) PutPolicy(ctx context.Context, scope string, patch map[string]any) (*nudge.Policy, error) {
	var out nudge.Policy
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/nudge/"+url.PathEscape(scope)+"/policy", patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func automationPath(scope, suffix string) string {
	return "/api/v1/automation/" + url.PathEscape(scope) + suffix
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			if apiErr.Message != "" {
				return fmt.Errorf("request failed (status %d, %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
			}
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
