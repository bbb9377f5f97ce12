// Package runtimectl talks to the actor runtime: it moves scopes between
// group states, starts and stops actors, and expands symbolic target tokens.
package runtimectl

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

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client is an HTTP client for the actor runtime API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a runtime client. A zero timeout defaults to 10s.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// SetScopeState asks the runtime to move scope into state.
func (c *Client) SetScopeState(ctx context.Context, scope, state string) error {
	path := fmt.Sprintf("/api/v1/scopes/%s/state", url.PathEscape(scope))
	return c.post(ctx, path, map[string]string{"state": state})
}

// ControlActors starts, stops or restarts the given actors.
func (c *Client) ControlActors(ctx context.Context, scope, operation string, targets []string) error {
	path := fmt.Sprintf("/api/v1/scopes/%s/actors/%s", url.PathEscape(scope), url.PathEscape(operation))
	return c.post(ctx, path, map[string]any{"targets": targets})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode runtime request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("runtime request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runtime call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("runtime call rejected",
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("runtime returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	c.logger.Debug("runtime call ok", zap.String("path", path), zap.String("request_id", requestID))
	return nil
}
