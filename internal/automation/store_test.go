package automation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/cadence/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "automation.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(context.Background(), db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.SetClock(func() time.Time { return testNow })
	return store
}

func TestStoreReadMissingScope(t *testing.T) {
	store := newTestStore(t)
	snap, err := store.Read(context.Background(), "team-a")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Version != 0 || len(snap.RuleSet.Rules) != 0 {
		t.Fatalf("expected empty set at version 0, got %+v", snap)
	}
}

func TestStoreWriteBumpsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap, err := store.Write(ctx, "team-a", ruleSet(notifyRule("r1", IntervalTrigger{EverySeconds: 60})), 0)
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("version = %d, want 1", snap.Version)
	}

	snap, err = store.Write(ctx, "team-a", ruleSet(notifyRule("r2", IntervalTrigger{EverySeconds: 60})), 1)
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}

	read, err := store.Read(ctx, "team-a")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if read.Version != 2 || len(read.RuleSet.Rules) != 1 || read.RuleSet.Rules[0].ID != "r2" {
		t.Fatalf("unexpected stored snapshot: %+v", read)
	}
}

func TestStoreRejectsStaleVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Write(ctx, "team-a", ruleSet(notifyRule("r1", IntervalTrigger{EverySeconds: 60})), 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := store.Write(ctx, "team-a", ruleSet(notifyRule("r2", IntervalTrigger{EverySeconds: 60})), 0)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var vc *VersionConflictError
	if !errors.As(err, &vc) || vc.Current != 1 || vc.Expected != 0 {
		t.Fatalf("unexpected conflict detail: %+v", vc)
	}

	read, _ := store.Read(ctx, "team-a")
	if read.RuleSet.Rules[0].ID != "r1" {
		t.Fatal("rejected write must not change the stored set")
	}
}

func TestStoreValidationWinsOverVersion(t *testing.T) {
	store := newTestStore(t)
	bad := ruleSet(
		notifyRule("dup", IntervalTrigger{EverySeconds: 60}),
		notifyRule("dup", IntervalTrigger{EverySeconds: 60}),
	)
	_, err := store.Write(context.Background(), "team-a", bad, 42)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStoreConcurrentWritersOneWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Write(ctx, "team-a", ruleSet(notifyRule("r", IntervalTrigger{EverySeconds: 60})), 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestStoreResetBaseline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Write(ctx, "team-a", ruleSet(notifyRule("custom", IntervalTrigger{EverySeconds: 60})), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := store.ResetBaseline(ctx, "team-a", 1)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}
	if _, ok := snap.RuleSet.Rule("custom"); ok {
		t.Fatal("custom rule should be replaced by baseline")
	}
	if len(snap.RuleSet.Rules) != len(Baseline().Rules) {
		t.Fatalf("rules = %d, want %d", len(snap.RuleSet.Rules), len(Baseline().Rules))
	}

	if _, err := store.ResetBaseline(ctx, "team-a", 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale reset should conflict, got %v", err)
	}
}

func TestStoreClearCompletedMixedIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	set := ruleSet(
		notifyRule("done", AtTrigger{At: testNow.Add(time.Hour)}),
		notifyRule("pending", AtTrigger{At: testNow.Add(2 * time.Hour)}),
		notifyRule("recurring", IntervalTrigger{EverySeconds: 60}),
	)
	if _, err := store.Write(ctx, "team-a", set, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	completedAt := testNow.Add(time.Hour)
	if err := store.PutStatus(ctx, "team-a", Status{RuleID: "done", Completed: true, CompletedAt: &completedAt}); err != nil {
		t.Fatalf("put status: %v", err)
	}

	snap, removed, err := store.ClearCompleted(ctx, "team-a", []string{"done", "pending", "recurring", "ghost"}, 1)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(removed) != 1 || removed[0] != "done" {
		t.Fatalf("removed = %v", removed)
	}
	if snap.Version != 2 || len(snap.RuleSet.Rules) != 2 {
		t.Fatalf("unexpected snapshot: version=%d rules=%d", snap.Version, len(snap.RuleSet.Rules))
	}

	statuses, err := store.Statuses(ctx, "team-a")
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	if _, ok := statuses["done"]; !ok {
		t.Fatal("status records are pruned by the scheduler, not by writes")
	}
}

func TestStoreClearCompletedNoopKeepsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Write(ctx, "team-a", ruleSet(notifyRule("pending", AtTrigger{At: testNow.Add(time.Hour)})), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, removed, err := store.ClearCompleted(ctx, "team-a", []string{"pending"}, 1)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(removed) != 0 || snap.Version != 1 {
		t.Fatalf("expected no-op, got removed=%v version=%d", removed, snap.Version)
	}

	if _, _, err := store.ClearCompleted(ctx, "team-a", []string{"pending"}, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("no-op clear is still version checked, got %v", err)
	}
}

func TestStoreStatusesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fired := testNow.Add(-time.Minute)
	next := testNow.Add(time.Minute)
	st := Status{RuleID: "r1", LastFiredAt: &fired, NextFireAt: &next, LastError: "boom"}
	if err := store.PutStatus(ctx, "team-a", st); err != nil {
		t.Fatalf("put: %v", err)
	}
	st.LastError = ""
	if err := store.PutStatus(ctx, "team-a", st); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Statuses(ctx, "team-a")
	if err != nil {
		t.Fatalf("statuses: %v", err)
	}
	r1 := got["r1"]
	if r1.LastFiredAt == nil || !r1.LastFiredAt.Equal(fired) {
		t.Fatalf("last fired = %v", r1.LastFiredAt)
	}
	if r1.LastError != "" {
		t.Fatalf("last error should be cleared, got %q", r1.LastError)
	}
	if r1.NextFireAt != nil {
		t.Fatal("next fire is derived and must not be persisted")
	}

	if err := store.DeleteStatuses(ctx, "team-a", []string{"r1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = store.Statuses(ctx, "team-a")
	if len(got) != 0 {
		t.Fatalf("statuses after delete = %v", got)
	}
}

func TestStoreScopes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, scope := range []string{"team-b", "team-a"} {
		if _, err := store.Write(ctx, scope, ruleSet(), 0); err != nil {
			t.Fatalf("write %s: %v", scope, err)
		}
	}
	scopes, err := store.Scopes(ctx)
	if err != nil {
		t.Fatalf("scopes: %v", err)
	}
	if len(scopes) != 2 || scopes[0] != "team-a" || scopes[1] != "team-b" {
		t.Fatalf("scopes = %v", scopes)
	}
}

func TestStoreStatusesSurfacesCorruptDocument(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.db.ExecContext(ctx, store.db.Rebind(
		`INSERT INTO automation_status (scope, rule_id, document, updated_at) VALUES (?, ?, ?, ?)`),
		"team-a", "broken", "{not json", testNow.Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := store.Statuses(ctx, "team-a"); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected decode error naming the rule, got %v", err)
	}
}

func TestStoreClearCompletedSkipsRecurringRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Write(ctx, "team-a", ruleSet(notifyRule("x", IntervalTrigger{EverySeconds: 60})), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Left over from when x was a one-shot.
	done := testNow.Add(-time.Minute)
	if err := store.PutStatus(ctx, "team-a", Status{RuleID: "x", Completed: true, CompletedAt: &done}); err != nil {
		t.Fatalf("put status: %v", err)
	}

	snap, removed, err := store.ClearCompleted(ctx, "team-a", []string{"x"}, 1)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(removed) != 0 || len(snap.RuleSet.Rules) != 1 {
		t.Fatalf("recurring rule must survive clear, removed=%v rules=%d", removed, len(snap.RuleSet.Rules))
	}
}
