/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify delivers automation and nudge messages to external
// channels. Messages are routed by priority to Slack, Telegram or generic
// webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/cadence/internal/automation"
)

// ErrRateLimited is returned when a scope exhausted its hourly quota.
var ErrRateLimited = errors.New("notification rate-limited")

// Channel is the interface for all notification backends.
type Channel interface {
	// Send delivers a notification. Returns an error if delivery fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name.
	Type() string
}

// Message is a notification to be delivered.
type Message struct {
	ID          string
	Scope       string
	RuleID      string
	Recipients  []string
	Priority    string // normal, attention
	RequiresAck bool
	Text        string
	Timestamp   time.Time
}

// MessageFromDelivery converts a rendered automation delivery.
func MessageFromDelivery(d automation.Delivery) Message {
	return Message{
		ID:          d.ID,
		Scope:       d.Scope,
		RuleID:      d.RuleID,
		Recipients:  d.Recipients,
		Priority:    d.Priority,
		RequiresAck: d.RequiresAck,
		Text:        d.Text,
		Timestamp:   time.Now().UTC(),
	}
}

func (m Message) headline() string {
	to := strings.Join(m.Recipients, ", ")
	if to == "" {
		to = "(no recipients)"
	}
	ack := ""
	if m.RequiresAck {
		ack = " (ack required)"
	}
	return fmt.Sprintf("[%s] %s → %s%s", m.Scope, strings.ToUpper(priorityOrDefault(m.Priority)), to, ack)
}

// --- Slack ---

// SlackChannel sends notifications to Slack via webhook.
type SlackChannel struct {
	WebhookURL string
	Channel    string // optional override
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL, channel string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("%s *%s*\n%s", priorityEmoji(msg.Priority), msg.headline(), msg.Text)

	payload := map[string]interface{}{
		"text": text,
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	return postJSON(ctx, s.client, "slack", s.WebhookURL, payload, nil, func(code int) bool { return code == http.StatusOK })
}

// --- Telegram ---

const telegramAPIBase = "https://api.telegram.org"

// TelegramChannel sends notifications via Telegram Bot API.
type TelegramChannel struct {
	BotToken string
	ChatID   string
	// APIBase overrides the Bot API endpoint, mainly for tests.
	APIBase string
	client  *http.Client
}

// NewTelegramChannel creates a Telegram notification channel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		BotToken: botToken,
		ChatID:   chatID,
		APIBase:  telegramAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramChannel) Type() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("%s *%s*\n\n%s",
		priorityEmoji(msg.Priority),
		escapeMarkdown(msg.headline()),
		escapeMarkdown(msg.Text),
	)

	base := t.APIBase
	if base == "" {
		base = telegramAPIBase
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(base, "/"), t.BotToken)
	payload := map[string]interface{}{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	}
	return postJSON(ctx, t.client, "telegram", url, payload, nil, func(code int) bool { return code == http.StatusOK })
}

// --- Webhook ---

// WebhookChannel sends JSON notifications to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string // optional auth headers
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook notification channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"id":           msg.ID,
		"scope":        msg.Scope,
		"rule_id":      msg.RuleID,
		"recipients":   msg.Recipients,
		"priority":     priorityOrDefault(msg.Priority),
		"requires_ack": msg.RequiresAck,
		"text":         msg.Text,
		"timestamp":    msg.Timestamp.Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, "webhook", w.URL, payload, w.Headers, func(code int) bool { return code >= 200 && code < 300 })
}

// --- Log ---

// LogChannel writes messages to the logger. It is the fallback when no
// external channel is configured.
type LogChannel struct {
	log logr.Logger
}

// NewLogChannel creates a log-only channel.
func NewLogChannel(log logr.Logger) *LogChannel {
	return &LogChannel{log: log}
}

func (l *LogChannel) Type() string { return "log" }

func (l *LogChannel) Send(_ context.Context, msg Message) error {
	l.log.Info("notification", "scope", msg.Scope, "rule", msg.RuleID, "recipients", msg.Recipients,
		"priority", priorityOrDefault(msg.Priority), "text", msg.Text)
	return nil
}

func postJSON(ctx context.Context, client *http.Client, kind, url string, payload any, headers map[string]string, ok func(int) bool) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send: %w", kind, err)
	}
	defer resp.Body.Close()

	if !ok(resp.StatusCode) {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %d: %s", kind, resp.StatusCode, string(respBody))
	}
	return nil
}

// --- Router ---

// PriorityRoute maps message priorities to channels.
type PriorityRoute struct {
	Normal    []Channel
	Attention []Channel
}

// Router dispatches notifications to channels based on priority.
type Router struct {
	routes  PriorityRoute
	limiter *RateLimiter
	log     logr.Logger
}

// NewRouter creates a notification router.
func NewRouter(routes PriorityRoute, limiter *RateLimiter, log logr.Logger) *Router {
	return &Router{routes: routes, limiter: limiter, log: log}
}

// Notify sends a message to all channels matching its priority.
func (r *Router) Notify(ctx context.Context, msg Message) []error {
	channels := r.channelsForPriority(msg.Priority)
	if len(channels) == 0 {
		return nil
	}

	if r.limiter != nil && !r.limiter.Allow(msg.Scope) {
		r.log.Info("notification rate-limited", "scope", msg.Scope)
		return []error{ErrRateLimited}
	}

	var errs []error
	for _, ch := range channels {
		if err := ch.Send(ctx, msg); err != nil {
			r.log.Error(err, "notification failed", "type", ch.Type(), "scope", msg.Scope)
			errs = append(errs, err)
		} else {
			r.log.V(1).Info("notification sent", "type", ch.Type(), "scope", msg.Scope, "priority", msg.Priority)
		}
	}
	return errs
}

// Deliver implements the automation messenger contract. A delivery fails
// only when no channel accepted it.
func (r *Router) Deliver(ctx context.Context, d automation.Delivery) error {
	msg := MessageFromDelivery(d)
	channels := r.channelsForPriority(msg.Priority)
	if len(channels) == 0 {
		return fmt.Errorf("no notification channel for priority %q", priorityOrDefault(msg.Priority))
	}
	errs := r.Notify(ctx, msg)
	if len(errs) == 0 {
		return nil
	}
	if errors.Is(errs[0], ErrRateLimited) || len(errs) == len(channels) {
		return errors.Join(errs...)
	}
	return nil
}

func (r *Router) channelsForPriority(priority string) []Channel {
	switch priority {
	case automation.PriorityAttention:
		// Attention goes to every channel
		var all []Channel
		all = append(all, r.routes.Attention...)
		all = append(all, r.routes.Normal...)
		return all
	default:
		return r.routes.Normal
	}
}

// --- Rate Limiter ---

// RateLimiter limits notifications per scope per hour.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[string][]time.Time
	now        func() time.Time
}

// NewRateLimiter creates a rate limiter with the given max per hour per scope.
// A non-positive max disables limiting.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Allow checks if the scope is within rate limits.
func (rl *RateLimiter) Allow(scope string) bool {
	if rl.maxPerHour <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-1 * time.Hour)

	// Prune old entries
	recent := make([]time.Time, 0, len(rl.counts[scope]))
	for _, t := range rl.counts[scope] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		rl.counts[scope] = recent
		return false
	}

	rl.counts[scope] = append(recent, now)
	return true
}

// --- Helpers ---

func priorityOrDefault(priority string) string {
	if priority == "" {
		return automation.PriorityNormal
	}
	return priority
}

func priorityEmoji(priority string) string {
	switch priority {
	case automation.PriorityAttention:
		return "🔴"
	default:
		return "🔵"
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(s)
}
