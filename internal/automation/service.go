package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/cadence/internal/controlplane/events"
	"github.com/marcus-qen/cadence/internal/metrics"
)

// View is the read model for one scope: its rules, version, per-rule status
// with derived next fire times, and the template variables the editor may use.
type View struct {
	Scope              string            `json:"scope"`
	RuleSet            RuleSet           `json:"ruleset"`
	Version            int64             `json:"version"`
	UpdatedAt          time.Time         `json:"updated_at,omitempty"`
	Status             map[string]Status `json:"status"`
	SupportedVariables []Variable        `json:"supported_variables"`
}

// Service is the surface exposed to HTTP and MCP callers.
type Service struct {
	store  *Store
	events events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the automation service.
func NewService(store *Store, publisher events.Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, events: publisher, logger: logger, now: time.Now}
}

// SetClock overrides the time source used for derived next fire times.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get returns the scope's view.
func (s *Service) Get(ctx context.Context, scope string) (View, error) {
	snap, err := s.store.Read(ctx, scope)
	if err != nil {
		return View{}, err
	}
	statuses, err := s.store.Statuses(ctx, snap.Scope)
	if err != nil {
		return View{}, err
	}

	now := s.now().UTC()
	out := make(map[string]Status, len(snap.RuleSet.Rules))
	for _, rule := range snap.RuleSet.Rules {
		st, _ := Reconcile(rule, statuses[rule.ID], now)
		st.NextFireAt = nil
		if rule.Enabled {
			if next, ok := NextFire(rule.Trigger, st, now); ok {
				next = next.UTC()
				st.NextFireAt = &next
			}
		}
		out[rule.ID] = st
	}

	return View{
		Scope:              snap.Scope,
		RuleSet:            snap.RuleSet,
		Version:            snap.Version,
		UpdatedAt:          snap.UpdatedAt,
		Status:             out,
		SupportedVariables: SupportedVariables(),
	}, nil
}

// Put replaces the scope's rule set.
func (s *Service) Put(ctx context.Context, scope string, set RuleSet, expectedVersion int64) (Snapshot, error) {
	snap, err := s.store.Write(ctx, scope, set, expectedVersion)
	metrics.RecordRuleSetWrite("put", err)
	if err != nil {
		return Snapshot{}, err
	}
	s.published(snap, "rule set replaced")
	return snap, nil
}

// ResetBaseline restores the built-in default rule set.
func (s *Service) ResetBaseline(ctx context.Context, scope string, expectedVersion int64) (Snapshot, error) {
	snap, err := s.store.ResetBaseline(ctx, scope, expectedVersion)
	metrics.RecordRuleSetWrite("reset", err)
	if err != nil {
		return Snapshot{}, err
	}
	s.published(snap, "rule set reset to baseline")
	return snap, nil
}

// ClearCompleted removes completed one-shot rules among ruleIDs.
func (s *Service) ClearCompleted(ctx context.Context, scope string, ruleIDs []string, expectedVersion int64) (Snapshot, []string, error) {
	snap, removed, err := s.store.ClearCompleted(ctx, scope, ruleIDs, expectedVersion)
	metrics.RecordRuleSetWrite("clear_completed", err)
	if err != nil {
		return Snapshot{}, nil, err
	}
	if len(removed) > 0 {
		s.published(snap, fmt.Sprintf("cleared %d completed rule(s)", len(removed)))
	}
	return snap, removed, nil
}

func (s *Service) published(snap Snapshot, summary string) {
	s.logger.Info("rule set updated",
		zap.String("scope", snap.Scope),
		zap.Int64("version", snap.Version),
		zap.Int("rules", len(snap.RuleSet.Rules)),
	)
	s.events.Publish(events.Event{
		Type:    events.RuleSetUpdated,
		Scope:   snap.Scope,
		Summary: summary,
		Detail:  map[string]any{"version": snap.Version},
	})
}
