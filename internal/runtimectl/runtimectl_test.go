package runtimectl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientSetScopeState(t *testing.T) {
	var (
		path  string
		auth  string
		state map[string]string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&state)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(server.URL+"/", "secret", time.Second, nil)
	if err := c.SetScopeState(context.Background(), "team-a", "paused"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if path != "/api/v1/scopes/team-a/state" {
		t.Errorf("path = %q", path)
	}
	if auth != "Bearer secret" {
		t.Errorf("authorization = %q", auth)
	}
	if state["state"] != "paused" {
		t.Errorf("payload = %v", state)
	}
}

func TestClientControlActors(t *testing.T) {
	var (
		path    string
		payload struct {
			Targets []string `json:"targets"`
		}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", 0, nil)
	if err := c.ControlActors(context.Background(), "team-a", "restart", []string{"bob", "carol"}); err != nil {
		t.Fatalf("control: %v", err)
	}
	if path != "/api/v1/scopes/team-a/actors/restart" {
		t.Errorf("path = %q", path)
	}
	if strings.Join(payload.Targets, ",") != "bob,carol" {
		t.Errorf("targets = %v", payload.Targets)
	}
}

func TestClientReportsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scope is locked", http.StatusConflict)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", time.Second, nil)
	err := c.SetScopeState(context.Background(), "team-a", "stopped")
	if err == nil || !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "scope is locked") {
		t.Fatalf("expected 409 error with body, got %v", err)
	}
}

func TestRosterResolve(t *testing.T) {
	r := NewRoster(map[string]Team{
		"team-a": {Title: "Platform", Lead: "alice", Actors: []string{"alice", "bob", "carol", "bob"}},
		"team-b": {Actors: []string{"dave"}},
	})

	tests := []struct {
		name    string
		scope   string
		tokens  []string
		want    string
		wantErr bool
	}{
		{"all", "team-a", []string{"@all"}, "alice,bob,carol", false},
		{"peers", "team-a", []string{"@peers"}, "bob,carol", false},
		{"foreman", "team-a", []string{"@foreman"}, "alice", false},
		{"lead alias", "team-a", []string{"@LEAD"}, "alice", false},
		{"mixed deduped", "team-a", []string{"carol", "@peers", " zed "}, "carol,bob,zed", false},
		{"foreman without lead", "team-b", []string{"@foreman"}, "", true},
		{"unknown token", "team-a", []string{"@everyone"}, "", true},
		{"unknown scope literal", "team-z", []string{"bob"}, "bob", false},
		{"unknown scope all", "team-z", []string{"@all"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.scope, tt.tokens)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if strings.Join(got, ",") != tt.want {
				t.Fatalf("got %v, want %s", got, tt.want)
			}
		})
	}
}

func TestRosterTitle(t *testing.T) {
	r := NewRoster(map[string]Team{"team-a": {Title: "Platform"}})
	if got := r.Title("team-a"); got != "Platform" {
		t.Errorf("title = %q", got)
	}
	if got := r.Title("team-b"); got != "team-b" {
		t.Errorf("fallback title = %q", got)
	}
	r.Set("team-b", Team{Title: "Data"})
	if got := r.Title("team-b"); got != "Data" {
		t.Errorf("title after set = %q", got)
	}
	if _, ok := r.Team("team-b"); !ok {
		t.Error("team-b should be in the roster after set")
	}
}
