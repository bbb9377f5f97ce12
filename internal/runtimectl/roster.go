package runtimectl

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Symbolic target tokens.
const (
	TokenAll     = "@all"
	TokenPeers   = "@peers"
	TokenForeman = "@foreman"
	TokenLead    = "@lead"
)

// Team is one scope's membership.
type Team struct {
	Title  string
	Lead   string
	Actors []string
}

// Roster knows every scope's members. It resolves target tokens and
// supplies scope titles.
type Roster struct {
	mu    sync.RWMutex
	teams map[string]Team
}

// NewRoster creates a roster from static membership.
func NewRoster(teams map[string]Team) *Roster {
	r := &Roster{teams: make(map[string]Team, len(teams))}
	for scope, team := range teams {
		r.Set(scope, team)
	}
	return r
}

// Set replaces a scope's membership.
func (r *Roster) Set(scope string, team Team) {
	team.Lead = strings.TrimSpace(team.Lead)
	team.Actors = dedupe(team.Actors)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teams[scope] = team
}

// Team returns a scope's membership.
func (r *Roster) Team(scope string) (Team, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	team, ok := r.teams[scope]
	return team, ok
}

// Title returns the scope's display title, or the scope itself.
func (r *Roster) Title(scope string) string {
	if team, ok := r.Team(scope); ok && team.Title != "" {
		return team.Title
	}
	return scope
}

// Resolve expands tokens into actor ids, preserving first-seen order.
// @all is every actor, @peers every actor but the lead, and @foreman or
// @lead the lead alone. Any other @token is an error; literal ids pass
// through.
func (r *Roster) Resolve(_ context.Context, scope string, tokens []string) ([]string, error) {
	team, _ := r.Team(scope)

	var out []string
	for _, raw := range tokens {
		token := strings.TrimSpace(raw)
		switch {
		case token == "":
			continue
		case strings.EqualFold(token, TokenAll):
			out = append(out, team.Actors...)
			if team.Lead != "" {
				out = append(out, team.Lead)
			}
		case strings.EqualFold(token, TokenPeers):
			for _, actor := range team.Actors {
				if actor != team.Lead {
					out = append(out, actor)
				}
			}
		case strings.EqualFold(token, TokenForeman), strings.EqualFold(token, TokenLead):
			if team.Lead == "" {
				return nil, fmt.Errorf("scope %q has no lead for %s", scope, token)
			}
			out = append(out, team.Lead)
		case strings.HasPrefix(token, "@"):
			return nil, fmt.Errorf("unknown target token %q", token)
		default:
			out = append(out, token)
		}
	}
	return dedupe(out), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
