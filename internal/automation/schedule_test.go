package automation

import (
	"testing"
	"time"
)

func ptr(t time.Time) *time.Time { return &t }

func TestNextFireInterval(t *testing.T) {
	trigger := IntervalTrigger{EverySeconds: 900}

	next, ok := NextFire(trigger, Status{}, testNow)
	if !ok || !next.Equal(testNow) {
		t.Fatalf("never fired: got %v %v, want now", next, ok)
	}

	last := testNow.Add(-10 * time.Minute)
	next, ok = NextFire(trigger, Status{LastFiredAt: &last}, testNow)
	if !ok || !next.Equal(last.Add(15*time.Minute)) {
		t.Fatalf("after fire: got %v", next)
	}
}

func TestNextFireCronAnchorsOnArmedAt(t *testing.T) {
	trigger := CronTrigger{Expression: "0 9 * * *"}

	next, ok := NextFire(trigger, Status{ArmedAt: ptr(testNow)}, testNow.Add(3*time.Hour))
	if !ok {
		t.Fatal("expected a next fire")
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextFireCronIsStrictlyAfterLastFire(t *testing.T) {
	trigger := CronTrigger{Expression: "0 9 * * *"}
	fired := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	next, _ := NextFire(trigger, Status{ArmedAt: ptr(testNow), LastFiredAt: &fired}, fired)
	want := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextFireCronDayOfMonthOrDayOfWeek(t *testing.T) {
	// Both day fields restricted: the 13th OR any Friday.
	trigger := CronTrigger{Expression: "0 9 13 * 5"}
	status := Status{ArmedAt: ptr(testNow)}

	next, _ := NextFire(trigger, status, testNow)
	if want := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("first = %v, want Friday %v", next, want)
	}

	status.LastFiredAt = &next
	next, _ = NextFire(trigger, status, next)
	if want := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("second = %v, want %v", next, want)
	}

	// Only day-of-month restricted: weekday is ignored.
	domOnly := CronTrigger{Expression: "0 9 13 * *"}
	next, _ = NextFire(domOnly, Status{ArmedAt: ptr(testNow)}, testNow)
	if want := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("dom only = %v, want %v", next, want)
	}
}

func TestNextFireCronTimezone(t *testing.T) {
	trigger := CronTrigger{Expression: "0 9 * * *", Timezone: "Europe/Berlin"}
	armed := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

	next, ok := NextFire(trigger, Status{ArmedAt: &armed}, armed)
	if !ok {
		t.Fatal("expected next fire")
	}
	// 09:00 CET is 08:00 UTC.
	if want := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if next.Location() != time.UTC {
		t.Fatalf("next should be reported in UTC, got %v", next.Location())
	}
}

func TestNextFireCronLaterOfArmedAndFired(t *testing.T) {
	trigger := CronTrigger{Expression: "0 9 * * *"}
	oldFire := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rearmed := testNow

	next, _ := NextFire(trigger, Status{LastFiredAt: &oldFire, ArmedAt: &rearmed}, testNow)
	if want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextFireAtCatchUp(t *testing.T) {
	at := testNow.Add(-time.Hour)
	trigger := AtTrigger{At: at}

	next, ok := NextFire(trigger, Status{}, testNow)
	if !ok || !next.Equal(at) {
		t.Fatalf("missed one-shot should still be due: %v %v", next, ok)
	}

	if _, ok := NextFire(trigger, Status{Completed: true}, testNow); ok {
		t.Fatal("completed one-shot must never fire again")
	}
}

func TestIsDue(t *testing.T) {
	rule := notifyRule("r", AtTrigger{At: testNow})
	if !IsDue(rule, Status{}, testNow) {
		t.Fatal("at == now should be due")
	}
	if IsDue(rule, Status{}, testNow.Add(-time.Second)) {
		t.Fatal("future at should not be due")
	}

	rule.Enabled = false
	if IsDue(rule, Status{}, testNow) {
		t.Fatal("disabled rule should never be due")
	}
}
