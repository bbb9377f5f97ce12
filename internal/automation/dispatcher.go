package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/cadence/internal/controlplane/events"
	"github.com/marcus-qen/cadence/internal/metrics"
	"github.com/marcus-qen/cadence/internal/telemetry"
)

const defaultDispatchTimeout = 15 * time.Second

// Delivery is a rendered notify message handed to the messaging subsystem.
type Delivery struct {
	ID          string   `json:"id"`
	Scope       string   `json:"scope"`
	RuleID      string   `json:"rule_id,omitempty"`
	Recipients  []string `json:"recipients"`
	Priority    string   `json:"priority"`
	RequiresAck bool     `json:"requires_ack"`
	Text        string   `json:"text"`
}

// Messenger delivers notify content to recipients.
type Messenger interface {
	Deliver(ctx context.Context, d Delivery) error
}

// StateTransitioner moves a scope into a new group state.
type StateTransitioner interface {
	SetScopeState(ctx context.Context, scope, state string) error
}

// LifecycleController starts, stops or restarts actors.
type LifecycleController interface {
	ControlActors(ctx context.Context, scope, operation string, targets []string) error
}

// TargetResolver expands recipient and target tokens into actor ids.
type TargetResolver interface {
	Resolve(ctx context.Context, scope string, tokens []string) ([]string, error)
}

// ScopeDirectory supplies display names for scopes.
type ScopeDirectory interface {
	Title(scope string) string
}

// Dispatcher executes a due rule's action against the external collaborators.
type Dispatcher struct {
	messenger Messenger
	states    StateTransitioner
	lifecycle LifecycleController
	resolver  TargetResolver
	directory ScopeDirectory
	events    events.Publisher
	timeout   time.Duration
	logger    *zap.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithResolver expands tokens such as @all before delivery or control.
func WithResolver(r TargetResolver) DispatcherOption {
	return func(d *Dispatcher) { d.resolver = r }
}

// WithDirectory supplies the scope_title variable.
func WithDirectory(dir ScopeDirectory) DispatcherOption {
	return func(d *Dispatcher) { d.directory = dir }
}

// WithEvents publishes rule lifecycle events.
func WithEvents(p events.Publisher) DispatcherOption {
	return func(d *Dispatcher) {
		if p != nil {
			d.events = p
		}
	}
}

// WithDispatchTimeout bounds each collaborator call.
func WithDispatchTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher. Any collaborator may be nil; rules that
// need a missing collaborator fail with an ActionExecutionError.
func NewDispatcher(messenger Messenger, states StateTransitioner, lifecycle LifecycleController, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		messenger: messenger,
		states:    states,
		lifecycle: lifecycle,
		events:    events.Nop{},
		timeout:   defaultDispatchTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs the rule's action once and returns the updated status.
// It never returns an error: failures are recorded in the status.
func (d *Dispatcher) Dispatch(ctx context.Context, scope string, set RuleSet, rule Rule, status Status, scheduledAt, now time.Time) Status {
	ctx, span := telemetry.StartDispatchSpan(ctx, scope, rule.ID, actionKind(rule.Action))
	started := time.Now()

	err := d.execute(ctx, scope, set, rule, scheduledAt, now)
	if err != nil {
		err = &ActionExecutionError{RuleID: rule.ID, Action: actionKind(rule.Action), Err: err}
	}
	metrics.RecordDispatch(actionKind(rule.Action), err, time.Since(started))
	metrics.RecordFireLag(triggerKind(rule.Trigger), now.Sub(scheduledAt))

	next := status
	next.RuleID = rule.ID
	fired := now
	if next.LastFiredAt != nil && next.LastFiredAt.After(now) {
		fired = *next.LastFiredAt
	}
	next.LastFiredAt = &fired
	scheduled := scheduledAt
	next.ScheduledFor = &scheduled

	if err != nil {
		errAt := now
		next.LastError = err.Error()
		next.LastErrorAt = &errAt
		d.logger.Warn("rule dispatch failed",
			zap.String("scope", scope),
			zap.String("rule_id", rule.ID),
			zap.String("action", actionKind(rule.Action)),
			zap.Error(err),
		)
		d.events.Publish(events.Event{
			Type:    events.RuleFailed,
			Scope:   scope,
			RuleID:  rule.ID,
			Summary: err.Error(),
		})
	} else {
		next.LastError = ""
		next.LastErrorAt = nil
		d.logger.Debug("rule fired",
			zap.String("scope", scope),
			zap.String("rule_id", rule.ID),
			zap.Time("scheduled_at", scheduledAt),
		)
		d.events.Publish(events.Event{
			Type:    events.RuleFired,
			Scope:   scope,
			RuleID:  rule.ID,
			Summary: fmt.Sprintf("%s action executed", actionKind(rule.Action)),
		})
	}

	if rule.IsOneShot() && !next.Completed {
		completedAt := now
		next.Completed = true
		next.CompletedAt = &completedAt
		d.events.Publish(events.Event{
			Type:    events.RuleCompleted,
			Scope:   scope,
			RuleID:  rule.ID,
			Summary: "one-shot rule completed",
		})
	}

	telemetry.EndDispatchSpan(span, next.Completed, err)
	return next
}

func (d *Dispatcher) execute(ctx context.Context, scope string, set RuleSet, rule Rule, scheduledAt, now time.Time) error {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch a := rule.Action.(type) {
	case NotifyAction:
		if d.messenger == nil {
			return errors.New("no messenger configured")
		}
		tmpl, ok := Content(a, set.Snippets)
		if !ok {
			return fmt.Errorf("snippet %q does not exist", a.Snippet)
		}
		recipients, err := d.resolve(callCtx, scope, rule.Recipients)
		if err != nil {
			return err
		}
		title := scope
		if d.directory != nil {
			if t := d.directory.Title(scope); t != "" {
				title = t
			}
		}
		rc := RenderContext{Rule: rule, ScopeTitle: title, ScheduledAt: scheduledAt, Now: now}
		return d.messenger.Deliver(callCtx, Delivery{
			ID:          uuid.NewString(),
			Scope:       scope,
			RuleID:      rule.ID,
			Recipients:  recipients,
			Priority:    a.Priority,
			RequiresAck: a.RequiresAck,
			Text:        Render(tmpl, rc.Variables()),
		})

	case GroupStateAction:
		if d.states == nil {
			return errors.New("no state transitioner configured")
		}
		return d.states.SetScopeState(callCtx, scope, a.TargetState)

	case ActorControlAction:
		if d.lifecycle == nil {
			return errors.New("no lifecycle controller configured")
		}
		targets, err := d.resolve(callCtx, scope, a.Targets)
		if err != nil {
			return err
		}
		return d.lifecycle.ControlActors(callCtx, scope, a.Operation, targets)

	default:
		return fmt.Errorf("unsupported action %T", rule.Action)
	}
}

func (d *Dispatcher) resolve(ctx context.Context, scope string, tokens []string) ([]string, error) {
	if d.resolver == nil {
		return append([]string(nil), tokens...), nil
	}
	resolved, err := d.resolver.Resolve(ctx, scope, tokens)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	if len(resolved) == 0 {
		return nil, errors.New("no targets resolved")
	}
	return resolved, nil
}

func actionKind(a Action) string {
	if a == nil {
		return "unknown"
	}
	return a.ActionKind()
}

func triggerKind(t Trigger) string {
	if t == nil {
		return "unknown"
	}
	return t.TriggerKind()
}
