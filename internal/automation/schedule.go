package automation

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// NextFire returns the next instant the trigger should fire, or false when it
// never fires again.
//
// Interval triggers fire immediately when never fired and then every
// EverySeconds after the last fire. Cron triggers fire at the first match
// after the later of the last fire and the instant the rule was armed. At
// triggers return their fixed timestamp until completed, even when it is
// already in the past.
func NextFire(trigger Trigger, status Status, now time.Time) (time.Time, bool) {
	switch t := trigger.(type) {
	case IntervalTrigger:
		if t.EverySeconds < 1 {
			return time.Time{}, false
		}
		if status.LastFiredAt == nil {
			return now, true
		}
		return status.LastFiredAt.Add(time.Duration(t.EverySeconds) * time.Second), true

	case CronTrigger:
		sched, err := parseCron(t)
		if err != nil {
			return time.Time{}, false
		}
		anchor := now
		if status.LastFiredAt != nil || status.ArmedAt != nil {
			anchor = latest(status.LastFiredAt, status.ArmedAt)
		}
		next := sched.Next(anchor)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next.UTC(), true

	case AtTrigger:
		if status.Completed {
			return time.Time{}, false
		}
		return t.At, true

	default:
		return time.Time{}, false
	}
}

// Reconcile returns the status the rule should be evaluated with at now.
// Enabled rules are armed, disabled rules are disarmed, and a completed
// status starts over fresh when its one-shot timestamp was moved or the rule
// no longer has an At trigger.
// The second result reports whether anything changed.
func Reconcile(rule Rule, status Status, now time.Time) (Status, bool) {
	status.RuleID = rule.ID
	changed := false

	if status.Completed {
		at, ok := rule.Trigger.(AtTrigger)
		if !ok || (status.ScheduledFor != nil && !status.ScheduledFor.Equal(at.At)) {
			status = Status{RuleID: rule.ID}
			changed = true
		}
	}

	switch {
	case !rule.Enabled && status.ArmedAt != nil:
		status.ArmedAt = nil
		changed = true
	case rule.Enabled && status.ArmedAt == nil:
		armed := now
		status.ArmedAt = &armed
		changed = true
	}
	return status, changed
}

// IsDue reports whether an enabled rule should be dispatched at now.
func IsDue(rule Rule, status Status, now time.Time) bool {
	if !rule.Enabled {
		return false
	}
	next, ok := NextFire(rule.Trigger, status, now)
	if !ok {
		return false
	}
	return !next.After(now)
}

// parseCron builds a schedule evaluated in the trigger's timezone. The
// standard parser ORs day-of-month and day-of-week only when both are
// restricted.
func parseCron(t CronTrigger) (cron.Schedule, error) {
	if err := ValidateCronExpression(t.Expression); err != nil {
		return nil, err
	}
	loc, err := loadLocation(t.Timezone)
	if err != nil {
		return nil, err
	}
	expr := fmt.Sprintf("CRON_TZ=%s %s", loc.String(), strings.Join(strings.Fields(t.Expression), " "))
	return cron.ParseStandard(expr)
}

func latest(a, b *time.Time) time.Time {
	switch {
	case a == nil:
		return *b
	case b == nil:
		return *a
	case a.After(*b):
		return *a
	default:
		return *b
	}
}
