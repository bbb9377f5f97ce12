package automation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Scope kinds for a rule.
const (
	ScopeGroup    = "group"
	ScopePersonal = "personal"
)

// Notify priorities.
const (
	PriorityNormal    = "normal"
	PriorityAttention = "attention"
)

// Group states a GroupStateAction may request.
const (
	StateActive  = "active"
	StateIdle    = "idle"
	StatePaused  = "paused"
	StateStopped = "stopped"
)

// Actor lifecycle operations.
const (
	OperationStart   = "start"
	OperationStop    = "stop"
	OperationRestart = "restart"
)

// Wire discriminators for triggers and actions.
const (
	TriggerKindInterval = "interval"
	TriggerKindCron     = "cron"
	TriggerKindAt       = "at"

	ActionKindNotify       = "notify"
	ActionKindGroupState   = "group_state"
	ActionKindActorControl = "actor_control"
)

// RuleSet is the full automation document owned by one scope.
// Rule order is display order only.
type RuleSet struct {
	Rules    []Rule            `json:"rules"`
	Snippets map[string]string `json:"snippets"`
}

// Snapshot is a rule set together with its stored version.
type Snapshot struct {
	Scope     string    `json:"scope"`
	RuleSet   RuleSet   `json:"ruleset"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Rule declares one trigger and the action performed when it fires.
type Rule struct {
	ID         string
	Enabled    bool
	Scope      string
	Owner      string
	Recipients []string
	Trigger    Trigger
	Action     Action
}

// Trigger is one of IntervalTrigger, CronTrigger or AtTrigger.
type Trigger interface {
	TriggerKind() string
	isTrigger()
}

// IntervalTrigger fires every EverySeconds, forever.
type IntervalTrigger struct {
	EverySeconds int64 `json:"every_seconds"`
}

// CronTrigger fires on a five-field calendar pattern evaluated in Timezone.
type CronTrigger struct {
	Expression string `json:"expression"`
	Timezone   string `json:"timezone,omitempty"`
}

// AtTrigger fires once at At.
type AtTrigger struct {
	At time.Time `json:"at"`

	// unparsed holds a decoded timestamp that is not RFC 3339, so
	// validation can reject it against the rule that carried it.
	unparsed string
}

func (IntervalTrigger) TriggerKind() string { return TriggerKindInterval }
func (CronTrigger) TriggerKind() string     { return TriggerKindCron }
func (AtTrigger) TriggerKind() string       { return TriggerKindAt }

func (IntervalTrigger) isTrigger() {}
func (CronTrigger) isTrigger()     {}
func (AtTrigger) isTrigger()       {}

// Action is one of NotifyAction, GroupStateAction or ActorControlAction.
type Action interface {
	ActionKind() string
	isAction()
}

// NotifyAction sends a message to the rule's recipients. Exactly one of
// Snippet and Message is set.
type NotifyAction struct {
	Priority    string `json:"priority,omitempty"`
	RequiresAck bool   `json:"requires_ack,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
	Message     string `json:"message,omitempty"`
}

// GroupStateAction moves the owning scope into TargetState.
type GroupStateAction struct {
	TargetState string `json:"target_state"`
}

// ActorControlAction starts, stops or restarts the resolved targets.
type ActorControlAction struct {
	Operation string   `json:"operation"`
	Targets   []string `json:"targets"`
}

func (NotifyAction) ActionKind() string       { return ActionKindNotify }
func (GroupStateAction) ActionKind() string   { return ActionKindGroupState }
func (ActorControlAction) ActionKind() string { return ActionKindActorControl }

func (NotifyAction) isAction()       {}
func (GroupStateAction) isAction()   {}
func (ActorControlAction) isAction() {}

// IsOneShot reports whether the rule can fire at most once.
func (r Rule) IsOneShot() bool {
	_, ok := r.Trigger.(AtTrigger)
	return ok
}

// Status is the engine-owned runtime record for one rule.
type Status struct {
	RuleID      string     `json:"rule_id"`
	ArmedAt     *time.Time `json:"armed_at,omitempty"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	// ScheduledFor is the instant the last dispatch was scheduled for.
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ruleJSON struct {
	ID         string          `json:"id"`
	Enabled    bool            `json:"enabled"`
	Scope      string          `json:"scope,omitempty"`
	Owner      string          `json:"owner,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	Trigger    json.RawMessage `json:"trigger"`
	Action     json.RawMessage `json:"action"`
}

type kindEnvelope struct {
	Kind string `json:"kind"`
}

// MarshalJSON encodes the trigger and action with a "kind" discriminator.
func (r Rule) MarshalJSON() ([]byte, error) {
	trigger, err := marshalTrigger(r.Trigger)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.ID, err)
	}
	action, err := marshalAction(r.Action)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.ID, err)
	}
	return json.Marshal(ruleJSON{
		ID:         r.ID,
		Enabled:    r.Enabled,
		Scope:      r.Scope,
		Owner:      r.Owner,
		Recipients: r.Recipients,
		Trigger:    trigger,
		Action:     action,
	})
}

// UnmarshalJSON decodes a rule, rejecting unknown trigger or action kinds.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	trigger, err := unmarshalTrigger(raw.Trigger)
	if err != nil {
		return fmt.Errorf("rule %q: %w", raw.ID, err)
	}
	action, err := unmarshalAction(raw.Action)
	if err != nil {
		return fmt.Errorf("rule %q: %w", raw.ID, err)
	}
	*r = Rule{
		ID:         raw.ID,
		Enabled:    raw.Enabled,
		Scope:      raw.Scope,
		Owner:      raw.Owner,
		Recipients: raw.Recipients,
		Trigger:    trigger,
		Action:     action,
	}
	return nil
}

func marshalTrigger(t Trigger) (json.RawMessage, error) {
	switch v := t.(type) {
	case IntervalTrigger:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			IntervalTrigger
		}{TriggerKindInterval, v})
	case CronTrigger:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			CronTrigger
		}{TriggerKindCron, v})
	case AtTrigger:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			AtTrigger
		}{TriggerKindAt, v})
	case nil:
		return json.RawMessage("null"), nil
	default:
		return nil, fmt.Errorf("unsupported trigger %T", t)
	}
}

func unmarshalTrigger(data json.RawMessage) (Trigger, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env kindEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	switch env.Kind {
	case TriggerKindInterval:
		var v IntervalTrigger
		err := json.Unmarshal(data, &v)
		return v, err
	case TriggerKindCron:
		var v CronTrigger
		err := json.Unmarshal(data, &v)
		return v, err
	case TriggerKindAt:
		var raw struct {
			At *string `json:"at"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode trigger: %w", err)
		}
		var v AtTrigger
		if raw.At == nil || *raw.At == "" {
			return v, nil
		}
		at, err := time.Parse(time.RFC3339, *raw.At)
		if err != nil {
			v.unparsed = *raw.At
			return v, nil
		}
		v.At = at
		return v, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", env.Kind)
	}
}

func marshalAction(a Action) (json.RawMessage, error) {
	switch v := a.(type) {
	case NotifyAction:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			NotifyAction
		}{ActionKindNotify, v})
	case GroupStateAction:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			GroupStateAction
		}{ActionKindGroupState, v})
	case ActorControlAction:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			ActorControlAction
		}{ActionKindActorControl, v})
	case nil:
		return json.RawMessage("null"), nil
	default:
		return nil, fmt.Errorf("unsupported action %T", a)
	}
}

func unmarshalAction(data json.RawMessage) (Action, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env kindEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	switch env.Kind {
	case ActionKindNotify:
		var v NotifyAction
		err := json.Unmarshal(data, &v)
		return v, err
	case ActionKindGroupState:
		var v GroupStateAction
		err := json.Unmarshal(data, &v)
		return v, err
	case ActionKindActorControl:
		var v ActorControlAction
		err := json.Unmarshal(data, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown action kind %q", env.Kind)
	}
}

// Clone returns a deep copy of the rule set.
func (s RuleSet) Clone() RuleSet {
	out := RuleSet{
		Rules:    make([]Rule, 0, len(s.Rules)),
		Snippets: make(map[string]string, len(s.Snippets)),
	}
	for _, r := range s.Rules {
		r.Recipients = append([]string(nil), r.Recipients...)
		if ac, ok := r.Action.(ActorControlAction); ok {
			ac.Targets = append([]string(nil), ac.Targets...)
			r.Action = ac
		}
		out.Rules = append(out.Rules, r)
	}
	for k, v := range s.Snippets {
		out.Snippets[k] = v
	}
	return out
}

// Rule returns the rule with id, if present.
func (s RuleSet) Rule(id string) (Rule, bool) {
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}
