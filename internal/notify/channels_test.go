/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/cadence/internal/automation"
)

func TestSlackChannel_Send(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, "#standup")
	err := ch.Send(context.Background(), Message{
		Scope:      "team-a",
		Recipients: []string{"bob"},
		Priority:   "attention",
		Text:       "Standup in 5 minutes",
	})

	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received["channel"] != "#standup" {
		t.Errorf("channel = %v, want #standup", received["channel"])
	}
	text, _ := received["text"].(string)
	if !strings.Contains(text, "Standup in 5 minutes") || !strings.Contains(text, "bob") {
		t.Errorf("unexpected text %q", text)
	}
}

func TestTelegramChannel_Send(t *testing.T) {
	var (
		received map[string]interface{}
		path     string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	ch := NewTelegramChannel("fake-token", "12345")
	ch.APIBase = server.URL
	if err := ch.Send(context.Background(), Message{Scope: "team-a", Text: "v1.2 shipped!"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if path != "/botfake-token/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if received["chat_id"] != "12345" || received["parse_mode"] != "MarkdownV2" {
		t.Errorf("unexpected payload: %v", received)
	}
	if text, _ := received["text"].(string); !strings.Contains(text, `v1\.2 shipped\!`) {
		t.Errorf("text not escaped: %q", text)
	}
}

func TestWebhookChannel_Send(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)

		// Check custom header
		if r.Header.Get("X-Custom") != "test-value" {
			t.Errorf("missing custom header")
		}

		w.WriteHeader(200)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, map[string]string{"X-Custom": "test-value"})
	err := ch.Send(context.Background(), Message{
		Scope:       "team-a",
		RuleID:      "daily-standup",
		Recipients:  []string{"bob", "carol"},
		RequiresAck: true,
		Text:        "Standup time",
		Timestamp:   time.Date(2026, 2, 20, 22, 0, 0, 0, time.UTC),
	})

	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if received["rule_id"] != "daily-standup" {
		t.Errorf("rule_id = %v, want daily-standup", received["rule_id"])
	}
	if received["priority"] != "normal" {
		t.Errorf("priority = %v, want normal", received["priority"])
	}
	if received["requires_ack"] != true {
		t.Errorf("requires_ack = %v, want true", received["requires_ack"])
	}
}

func TestWebhookChannel_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte("internal error"))
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, nil)
	err := ch.Send(context.Background(), Message{Scope: "team-a"})

	if err == nil {
		t.Error("expected error for 500 response")
	}
}

func countingServer(t *testing.T, status int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestRouter_Notify_Attention(t *testing.T) {
	slackServer, slackCalls := countingServer(t, 200)
	webhookServer, webhookCalls := countingServer(t, 200)

	router := NewRouter(PriorityRoute{
		Normal:    []Channel{NewWebhookChannel(webhookServer.URL, nil)},
		Attention: []Channel{NewSlackChannel(slackServer.URL, "")},
	}, nil, logr.Discard())

	errs := router.Notify(context.Background(), Message{
		Scope:    "team-a",
		Priority: automation.PriorityAttention,
		Text:     "Pausing the group",
	})

	if len(errs) > 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	// Attention routes to attention + normal channels
	if *slackCalls != 1 {
		t.Errorf("slack calls = %d, want 1", *slackCalls)
	}
	if *webhookCalls != 1 {
		t.Errorf("webhook calls = %d, want 1", *webhookCalls)
	}
}

func TestRouter_Notify_Normal(t *testing.T) {
	slackServer, slackCalls := countingServer(t, 200)
	webhookServer, webhookCalls := countingServer(t, 200)

	router := NewRouter(PriorityRoute{
		Normal:    []Channel{NewWebhookChannel(webhookServer.URL, nil)},
		Attention: []Channel{NewSlackChannel(slackServer.URL, "")},
	}, nil, logr.Discard())

	router.Notify(context.Background(), Message{Scope: "team-a", Priority: automation.PriorityNormal, Text: "Daily briefing"})

	if *slackCalls != 0 {
		t.Errorf("slack calls = %d, want 0 (normal shouldn't go to attention channel)", *slackCalls)
	}
	if *webhookCalls != 1 {
		t.Errorf("webhook calls = %d, want 1", *webhookCalls)
	}
}

func TestRouter_DeliverPartialFailure(t *testing.T) {
	okServer, _ := countingServer(t, 200)
	badServer, _ := countingServer(t, 500)

	router := NewRouter(PriorityRoute{
		Normal: []Channel{NewWebhookChannel(okServer.URL, nil), NewWebhookChannel(badServer.URL, nil)},
	}, nil, logr.Discard())
	if err := router.Deliver(context.Background(), automation.Delivery{Scope: "team-a", Text: "hi"}); err != nil {
		t.Fatalf("one channel accepted the delivery, got %v", err)
	}

	router = NewRouter(PriorityRoute{
		Normal: []Channel{NewWebhookChannel(badServer.URL, nil)},
	}, nil, logr.Discard())
	if err := router.Deliver(context.Background(), automation.Delivery{Scope: "team-a", Text: "hi"}); err == nil {
		t.Fatal("expected error when every channel failed")
	}
}

func TestRouter_DeliverRateLimited(t *testing.T) {
	router := NewRouter(PriorityRoute{
		Normal: []Channel{NewLogChannel(logr.Discard())},
	}, NewRateLimiter(1), logr.Discard())

	if err := router.Deliver(context.Background(), automation.Delivery{Scope: "team-a"}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := router.Deliver(context.Background(), automation.Delivery{Scope: "team-a"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRouter_DeliverWithoutChannels(t *testing.T) {
	router := NewRouter(PriorityRoute{}, nil, logr.Discard())
	if err := router.Deliver(context.Background(), automation.Delivery{Scope: "team-a"}); err == nil {
		t.Fatal("expected error without channels")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(3)

	// First 3 should pass
	for i := 0; i < 3; i++ {
		if !rl.Allow("team-a") {
			t.Errorf("call %d should be allowed", i+1)
		}
	}

	// 4th should be blocked
	if rl.Allow("team-a") {
		t.Error("4th call should be rate-limited")
	}

	// Different scope should still be allowed
	if !rl.Allow("team-b") {
		t.Error("different scope should be allowed")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	if !rl.Allow("team-a") {
		t.Fatal("first call should be allowed")
	}
	if rl.Allow("team-a") {
		t.Fatal("second call within the hour should be limited")
	}
	now = now.Add(time.Hour + time.Second)
	if !rl.Allow("team-a") {
		t.Fatal("call after the window should be allowed")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 10; i++ {
		if !rl.Allow("team-a") {
			t.Fatal("zero limit disables rate limiting")
		}
	}
}

func TestPriorityEmoji(t *testing.T) {
	tests := []struct {
		priority string
		want     string
	}{
		{"attention", "🔴"},
		{"normal", "🔵"},
		{"", "🔵"},
	}
	for _, tt := range tests {
		got := priorityEmoji(tt.priority)
		if got != tt.want {
			t.Errorf("priorityEmoji(%q) = %q, want %q", tt.priority, got, tt.want)
		}
	}
}

func TestEscapeMarkdown(t *testing.T) {
	input := "Hello *world* [test](link) _under_"
	escaped := escapeMarkdown(input)
	if escaped == input {
		t.Error("expected markdown to be escaped")
	}
	if !strings.Contains(escaped, "\\*") {
		t.Error("expected * to be escaped")
	}
}
