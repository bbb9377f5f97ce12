package automation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const maxIdentifierLength = 64

// MaxIntervalSeconds caps interval triggers at one year.
const MaxIntervalSeconds int64 = 365 * 24 * 60 * 60

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// cronFieldRanges are the inclusive bounds of minute, hour, day-of-month,
// month and day-of-week.
var cronFieldRanges = [5]struct {
	name     string
	min, max int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Normalize trims whitespace, applies defaults and dedupes recipient and
// target lists while preserving their order.
func Normalize(set RuleSet) RuleSet {
	out := set.Clone()
	for i := range out.Rules {
		r := &out.Rules[i]
		r.ID = strings.TrimSpace(r.ID)
		r.Scope = strings.ToLower(strings.TrimSpace(r.Scope))
		if r.Scope == "" {
			r.Scope = ScopeGroup
		}
		r.Owner = strings.TrimSpace(r.Owner)
		r.Recipients = uniqueOrdered(r.Recipients)

		switch t := r.Trigger.(type) {
		case CronTrigger:
			t.Expression = strings.Join(strings.Fields(t.Expression), " ")
			t.Timezone = strings.TrimSpace(t.Timezone)
			r.Trigger = t
		case AtTrigger:
			t.At = t.At.UTC()
			r.Trigger = t
		}

		switch a := r.Action.(type) {
		case NotifyAction:
			a.Priority = strings.ToLower(strings.TrimSpace(a.Priority))
			if a.Priority == "" {
				a.Priority = PriorityNormal
			}
			a.Snippet = strings.TrimSpace(a.Snippet)
			r.Action = a
		case GroupStateAction:
			a.TargetState = strings.ToLower(strings.TrimSpace(a.TargetState))
			r.Action = a
		case ActorControlAction:
			a.Operation = strings.ToLower(strings.TrimSpace(a.Operation))
			a.Targets = uniqueOrdered(a.Targets)
			r.Action = a
		}
	}
	return out
}

func uniqueOrdered(in []string) []string {
	if len(in) == 0 {
		return nil
	}
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

// Validate checks a candidate rule set. previous is the currently stored set
// and decides whether a past At timestamp belongs to a newly scheduled
// one-shot (rejected) or to one that was already scheduled (accepted).
func Validate(candidate RuleSet, previous RuleSet, now time.Time) error {
	seen := make(map[string]struct{}, len(candidate.Rules))
	for _, rule := range candidate.Rules {
		if err := validateIdentifier(rule.ID); err != nil {
			return &ValidationError{RuleID: rule.ID, Field: "id", Reason: err.Error()}
		}
		if _, dup := seen[rule.ID]; dup {
			return &ValidationError{RuleID: rule.ID, Field: "id", Reason: "duplicate rule id"}
		}
		seen[rule.ID] = struct{}{}
	}

	for _, rule := range candidate.Rules {
		if err := validateTrigger(rule, previous, now); err != nil {
			return err
		}
	}

	for _, rule := range candidate.Rules {
		switch rule.Scope {
		case "", ScopeGroup:
		case ScopePersonal:
			if strings.TrimSpace(rule.Owner) == "" {
				return &ValidationError{RuleID: rule.ID, Field: "owner", Reason: "personal scope requires an owner"}
			}
		default:
			return &ValidationError{RuleID: rule.ID, Field: "scope", Reason: fmt.Sprintf("unknown scope %q", rule.Scope)}
		}
	}

	for _, rule := range candidate.Rules {
		switch rule.Action.(type) {
		case GroupStateAction, ActorControlAction:
			if !rule.IsOneShot() {
				return &ValidationError{
					RuleID: rule.ID,
					Field:  "trigger",
					Reason: fmt.Sprintf("%s actions are one-shot only and require an at trigger", rule.Action.ActionKind()),
				}
			}
		}
	}

	for _, rule := range candidate.Rules {
		if err := validateAction(rule, candidate.Snippets); err != nil {
			return err
		}
	}

	for name := range candidate.Snippets {
		if err := validateIdentifier(name); err != nil {
			return &ValidationError{Snippet: name, Field: "name", Reason: err.Error()}
		}
	}

	return nil
}

func validateIdentifier(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("identifier is required")
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("identifier exceeds %d characters", maxIdentifierLength)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("identifier may only contain letters, digits, '_' and '-'")
	}
	return nil
}

func validateTrigger(rule Rule, previous RuleSet, now time.Time) error {
	switch t := rule.Trigger.(type) {
	case IntervalTrigger:
		if t.EverySeconds < 1 {
			return &ValidationError{RuleID: rule.ID, Field: "trigger.every_seconds", Reason: "must be >= 1"}
		}
		if t.EverySeconds > MaxIntervalSeconds {
			return &ValidationError{RuleID: rule.ID, Field: "trigger.every_seconds", Reason: fmt.Sprintf("must be <= %d (one year)", MaxIntervalSeconds)}
		}
	case CronTrigger:
		if err := ValidateCronExpression(t.Expression); err != nil {
			return &ValidationError{RuleID: rule.ID, Field: "trigger.expression", Reason: err.Error()}
		}
		if _, err := loadLocation(t.Timezone); err != nil {
			return &ValidationError{RuleID: rule.ID, Field: "trigger.timezone", Reason: err.Error()}
		}
	case AtTrigger:
		if t.unparsed != "" {
			return &ValidationError{RuleID: rule.ID, Field: "trigger.at", Reason: fmt.Sprintf("invalid RFC 3339 timestamp %q", t.unparsed)}
		}
		if t.At.IsZero() {
			return &ValidationError{RuleID: rule.ID, Field: "trigger.at", Reason: "timestamp is required"}
		}
		if !t.At.After(now) && newlyScheduled(rule, previous) {
			return &ValidationError{RuleID: rule.ID, Field: "trigger.at", Reason: "one-shot time must be in the future"}
		}
	case nil:
		return &ValidationError{RuleID: rule.ID, Field: "trigger", Reason: "trigger is required"}
	default:
		return &ValidationError{RuleID: rule.ID, Field: "trigger", Reason: fmt.Sprintf("unsupported trigger %T", rule.Trigger)}
	}
	return nil
}

func newlyScheduled(rule Rule, previous RuleSet) bool {
	prev, ok := previous.Rule(rule.ID)
	if !ok {
		return true
	}
	prevAt, ok := prev.Trigger.(AtTrigger)
	if !ok {
		return true
	}
	at := rule.Trigger.(AtTrigger)
	return !prevAt.At.Equal(at.At)
}

func validateAction(rule Rule, snippets map[string]string) error {
	switch a := rule.Action.(type) {
	case NotifyAction:
		if len(rule.Recipients) == 0 {
			return &ValidationError{RuleID: rule.ID, Field: "recipients", Reason: "notify requires at least one recipient"}
		}
		switch a.Priority {
		case "", PriorityNormal, PriorityAttention:
		default:
			return &ValidationError{RuleID: rule.ID, Field: "action.priority", Reason: fmt.Sprintf("unknown priority %q", a.Priority)}
		}
		hasSnippet := strings.TrimSpace(a.Snippet) != ""
		hasMessage := strings.TrimSpace(a.Message) != ""
		switch {
		case hasSnippet && hasMessage:
			return &ValidationError{RuleID: rule.ID, Field: "action", Reason: "set either snippet or message, not both"}
		case hasSnippet:
			if _, ok := snippets[a.Snippet]; !ok {
				return newSnippetReferenceError(rule.ID, a.Snippet)
			}
		case hasMessage:
		default:
			return &ValidationError{RuleID: rule.ID, Field: "action.message", Reason: "notify requires a snippet or a non-empty message"}
		}
	case GroupStateAction:
		switch a.TargetState {
		case StateActive, StateIdle, StatePaused, StateStopped:
		default:
			return &ValidationError{RuleID: rule.ID, Field: "action.target_state", Reason: fmt.Sprintf("unknown state %q", a.TargetState)}
		}
	case ActorControlAction:
		switch a.Operation {
		case OperationStart, OperationStop, OperationRestart:
		default:
			return &ValidationError{RuleID: rule.ID, Field: "action.operation", Reason: fmt.Sprintf("unknown operation %q", a.Operation)}
		}
		if len(a.Targets) == 0 {
			return &ValidationError{RuleID: rule.ID, Field: "action.targets", Reason: "at least one target is required"}
		}
	case nil:
		return &ValidationError{RuleID: rule.ID, Field: "action", Reason: "action is required"}
	default:
		return &ValidationError{RuleID: rule.ID, Field: "action", Reason: fmt.Sprintf("unsupported action %T", rule.Action)}
	}
	return nil
}

// ValidateCronExpression accepts exactly five fields, each '*' or an integer
// inside the field's range.
func ValidateCronExpression(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return fmt.Errorf("cron expression is required")
	}
	if len(fields) != len(cronFieldRanges) {
		return fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	for i, field := range fields {
		if field == "*" {
			continue
		}
		rng := cronFieldRanges[i]
		n, err := strconv.Atoi(field)
		if err != nil || strings.HasPrefix(field, "+") || strings.HasPrefix(field, "-") {
			return fmt.Errorf("%s field %q must be '*' or a number", rng.name, field)
		}
		if n < rng.min || n > rng.max {
			return fmt.Errorf("%s field %d out of range %d-%d", rng.name, n, rng.min, rng.max)
		}
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}
