package nudge

import (
	"errors"
	"testing"
	"time"
)

func newTestLedger() *Ledger {
	l := NewLedger()
	l.now = func() time.Time { return testNow }
	return l
}

func TestLedgerDeliverFillsDefaults(t *testing.T) {
	l := newTestLedger()
	ob, err := l.Deliver(Obligation{Scope: "team-a", Kind: KindUnread, Recipient: "bob"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ob.ID == "" {
		t.Fatal("expected generated id")
	}
	if !ob.DeliveredAt.Equal(testNow) {
		t.Fatalf("delivered at = %v, want %v", ob.DeliveredAt, testNow)
	}

	if _, err := l.Deliver(Obligation{Scope: "team-a", Kind: "bogus", Recipient: "bob"}); err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
	if _, err := l.Deliver(Obligation{Scope: "team-a", Kind: KindUnread}); err == nil {
		t.Fatal("expected missing recipient to be rejected")
	}
}

func TestLedgerObligationsOrderedAndResolved(t *testing.T) {
	l := newTestLedger()
	late, _ := l.Deliver(Obligation{Scope: "team-a", Kind: KindUnread, Recipient: "bob", DeliveredAt: testNow.Add(time.Minute)})
	early, _ := l.Deliver(Obligation{Scope: "team-a", Kind: KindReplyRequired, Recipient: "bob", DeliveredAt: testNow})

	obs := l.Obligations("team-a")
	if len(obs) != 2 || obs[0].ID != early.ID || obs[1].ID != late.ID {
		t.Fatalf("unexpected order: %+v", obs)
	}

	if err := l.Resolve("team-a", early.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := l.Resolve("team-a", early.ID); !errors.Is(err, ErrObligationNotFound) {
		t.Fatalf("second resolve: expected not found, got %v", err)
	}
	if err := l.Resolve("team-z", "x"); !errors.Is(err, ErrObligationNotFound) {
		t.Fatalf("unknown scope: expected not found, got %v", err)
	}
	if n := len(l.Obligations("team-a")); n != 1 {
		t.Fatalf("obligations after resolve = %d", n)
	}
}

func TestLedgerActivityClearsIdleSignal(t *testing.T) {
	l := newTestLedger()
	l.SignalIdle("team-a", "bob", testNow)
	if a := l.Actors("team-a"); len(a) != 1 || !a[0].IdleSignalAt.Equal(testNow) {
		t.Fatalf("idle signal not recorded: %+v", a)
	}

	l.RecordMessage("team-a", "bob", testNow.Add(time.Minute))
	l.RecordMessage("team-a", "bob", testNow.Add(2*time.Minute))
	a := l.Actors("team-a")[0]
	if !a.IdleSignalAt.IsZero() {
		t.Fatal("activity should clear the idle signal")
	}
	if a.Messages != 2 {
		t.Fatalf("messages = %d, want 2", a.Messages)
	}
	if !a.LastActiveAt.Equal(testNow.Add(2 * time.Minute)) {
		t.Fatalf("last active = %v", a.LastActiveAt)
	}
	if got := l.ScopeActivity("team-a"); !got.Equal(testNow.Add(2 * time.Minute)) {
		t.Fatalf("scope activity = %v", got)
	}

	// Out-of-order reports never move activity backwards.
	l.RecordActivity("team-a", "bob", testNow)
	if got := l.Actors("team-a")[0].LastActiveAt; !got.Equal(testNow.Add(2 * time.Minute)) {
		t.Fatalf("last active moved backwards to %v", got)
	}
}

func TestLedgerScopesAndLead(t *testing.T) {
	l := newTestLedger()
	l.SetLead("team-b", " alice ")
	l.RecordActivity("team-a", "bob", testNow)

	scopes := l.Scopes()
	if len(scopes) != 2 || scopes[0] != "team-a" || scopes[1] != "team-b" {
		t.Fatalf("scopes = %v", scopes)
	}
	if lead := l.Lead("team-b"); lead != "alice" {
		t.Fatalf("lead = %q", lead)
	}
	if lead := l.Lead("team-z"); lead != "" {
		t.Fatalf("unknown scope lead = %q", lead)
	}

	l.RemoveActor("team-a", "bob")
	if n := len(l.Actors("team-a")); n != 0 {
		t.Fatalf("actors after remove = %d", n)
	}
}
