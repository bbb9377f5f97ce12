package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/cadence/internal/storage"
)

const maxScopeLength = 191

// Store persists one rule set, its version counter and its status map per
// scope. Writes are compare-and-swap on the version.
type Store struct {
	db       *storage.DB
	baseline RuleSet

	mu         sync.Mutex
	scopeLocks map[string]*sync.Mutex
	now        func() time.Time
}

// NewStore creates the automation tables on db.
func NewStore(ctx context.Context, db *storage.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("automation store requires a database")
	}

	if err := db.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS automation_rulesets (
			scope      VARCHAR(191) PRIMARY KEY,
			document   TEXT NOT NULL,
			version    BIGINT NOT NULL,
			updated_at VARCHAR(40) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS automation_status (
			scope      VARCHAR(191) NOT NULL,
			rule_id    VARCHAR(64) NOT NULL,
			document   TEXT NOT NULL,
			updated_at VARCHAR(40) NOT NULL,
			PRIMARY KEY (scope, rule_id)
		)`,
	); err != nil {
		return nil, fmt.Errorf("create automation tables: %w", err)
	}

	return &Store{
		db:         db,
		baseline:   Baseline(),
		scopeLocks: make(map[string]*sync.Mutex),
		now:        time.Now,
	}, nil
}

// SetClock overrides the time source used for validation and timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) lockScope(scope string) func() {
	s.mu.Lock()
	l, ok := s.scopeLocks[scope]
	if !ok {
		l = &sync.Mutex{}
		s.scopeLocks[scope] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Read returns the scope's rule set and version. A scope that was never
// written reads as an empty set at version 0.
func (s *Store) Read(ctx context.Context, scope string) (Snapshot, error) {
	scope, err := normalizeScope(scope)
	if err != nil {
		return Snapshot{}, err
	}

	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT document, version, updated_at FROM automation_rulesets WHERE scope = ?`), scope)

	var (
		document  string
		version   int64
		updatedAt string
	)
	if err := row.Scan(&document, &version, &updatedAt); err != nil {
		if storage.IsNotFound(err) {
			return Snapshot{Scope: scope, RuleSet: emptyRuleSet()}, nil
		}
		return Snapshot{}, fmt.Errorf("read rule set: %w", err)
	}

	set, err := decodeRuleSet(document)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Scope: scope, RuleSet: set, Version: version}
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return snap, nil
}

// Write validates set and replaces the stored rule set when expectedVersion
// matches. Validation errors win over version conflicts; neither applies
// anything.
func (s *Store) Write(ctx context.Context, scope string, set RuleSet, expectedVersion int64) (Snapshot, error) {
	scope, err := normalizeScope(scope)
	if err != nil {
		return Snapshot{}, err
	}
	unlock := s.lockScope(scope)
	defer unlock()

	current, err := s.Read(ctx, scope)
	if err != nil {
		return Snapshot{}, err
	}

	candidate := Normalize(set)
	if err := Validate(candidate, current.RuleSet, s.now()); err != nil {
		return Snapshot{}, err
	}
	return s.commit(ctx, scope, candidate, expectedVersion)
}

// ResetBaseline replaces the scope's rules with the built-in default set.
func (s *Store) ResetBaseline(ctx context.Context, scope string, expectedVersion int64) (Snapshot, error) {
	return s.Write(ctx, scope, s.baseline, expectedVersion)
}

// ClearCompleted removes the listed rules that are completed one-shots.
// Listed ids that are not completed are left alone. When nothing qualifies
// the set and version are unchanged.
func (s *Store) ClearCompleted(ctx context.Context, scope string, ruleIDs []string, expectedVersion int64) (Snapshot, []string, error) {
	scope, err := normalizeScope(scope)
	if err != nil {
		return Snapshot{}, nil, err
	}
	unlock := s.lockScope(scope)
	defer unlock()

	current, err := s.Read(ctx, scope)
	if err != nil {
		return Snapshot{}, nil, err
	}
	if current.Version != expectedVersion {
		return Snapshot{}, nil, &VersionConflictError{Scope: scope, Expected: expectedVersion, Current: current.Version}
	}

	statuses, err := s.Statuses(ctx, scope)
	if err != nil {
		return Snapshot{}, nil, err
	}

	requested := make(map[string]struct{}, len(ruleIDs))
	for _, id := range ruleIDs {
		requested[strings.TrimSpace(id)] = struct{}{}
	}

	next := current.RuleSet.Clone()
	next.Rules = next.Rules[:0]
	removed := make([]string, 0)
	for _, rule := range current.RuleSet.Rules {
		_, asked := requested[rule.ID]
		if asked && rule.IsOneShot() && statuses[rule.ID].Completed {
			removed = append(removed, rule.ID)
			continue
		}
		next.Rules = append(next.Rules, rule)
	}
	if len(removed) == 0 {
		return current, removed, nil
	}

	snap, err := s.commit(ctx, scope, next, expectedVersion)
	if err != nil {
		return Snapshot{}, nil, err
	}
	return snap, removed, nil
}

// commit swaps in set when the stored version still equals expectedVersion.
// Status records are left to the scheduler. Only tx queries may run here:
// sqlite uses a single connection.
func (s *Store) commit(ctx context.Context, scope string, set RuleSet, expectedVersion int64) (Snapshot, error) {
	document, err := encodeRuleSet(set)
	if err != nil {
		return Snapshot{}, err
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, s.db.Rebind(
		`SELECT version FROM automation_rulesets WHERE scope = ?`), scope).Scan(&current)
	exists := true
	if storage.IsNotFound(err) {
		exists = false
		current = 0
	} else if err != nil {
		return Snapshot{}, fmt.Errorf("read version: %w", err)
	}

	if current != expectedVersion {
		return Snapshot{}, &VersionConflictError{Scope: scope, Expected: expectedVersion, Current: current}
	}

	if !exists {
		_, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO automation_rulesets (scope, document, version, updated_at) VALUES (?, ?, ?, ?)`),
			scope, document, expectedVersion+1, now.Format(time.RFC3339Nano))
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return Snapshot{}, &VersionConflictError{Scope: scope, Expected: expectedVersion, Current: expectedVersion + 1}
			}
			return Snapshot{}, fmt.Errorf("insert rule set: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, s.db.Rebind(
			`UPDATE automation_rulesets SET document = ?, version = version + 1, updated_at = ? WHERE scope = ? AND version = ?`),
			document, now.Format(time.RFC3339Nano), scope, expectedVersion)
		if err != nil {
			return Snapshot{}, fmt.Errorf("update rule set: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return Snapshot{}, &VersionConflictError{Scope: scope, Expected: expectedVersion, Current: expectedVersion + 1}
		}
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, err
	}

	return Snapshot{Scope: scope, RuleSet: set, Version: expectedVersion + 1, UpdatedAt: now}, nil
}

// Scopes lists every scope that has a stored rule set.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope FROM automation_rulesets ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		out = append(out, scope)
	}
	return out, rows.Err()
}

// Statuses returns the scope's status records keyed by rule id.
func (s *Store) Statuses(ctx context.Context, scope string) (map[string]Status, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT rule_id, document FROM automation_status WHERE scope = ?`), scope)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Status)
	for rows.Next() {
		var ruleID, document string
		if err := rows.Scan(&ruleID, &document); err != nil {
			return nil, err
		}
		var st Status
		if err := json.Unmarshal([]byte(document), &st); err != nil {
			return nil, fmt.Errorf("decode status %s/%s: %w", scope, ruleID, err)
		}
		st.RuleID = ruleID
		out[ruleID] = st
	}
	return out, rows.Err()
}

// PutStatus stores one rule's status. NextFireAt is derived on read and is
// not persisted.
func (s *Store) PutStatus(ctx context.Context, scope string, st Status) error {
	if strings.TrimSpace(st.RuleID) == "" {
		return fmt.Errorf("status rule_id required")
	}
	st.NextFireAt = nil
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE automation_status SET document = ?, updated_at = ? WHERE scope = ? AND rule_id = ?`),
		string(data), now, scope, st.RuleID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO automation_status (scope, rule_id, document, updated_at) VALUES (?, ?, ?, ?)`),
		scope, st.RuleID, string(data), now)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("insert status: %w", err)
	}
	return nil
}

// DeleteStatuses removes status records for the given rule ids.
func (s *Store) DeleteStatuses(ctx context.Context, scope string, ruleIDs []string) error {
	for _, id := range ruleIDs {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`DELETE FROM automation_status WHERE scope = ? AND rule_id = ?`), scope, id); err != nil {
			return fmt.Errorf("delete status %q: %w", id, err)
		}
	}
	return nil
}

func normalizeScope(scope string) (string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "", &ValidationError{Field: "scope", Reason: "scope is required"}
	}
	if len(scope) > maxScopeLength {
		return "", &ValidationError{Field: "scope", Reason: fmt.Sprintf("scope exceeds %d characters", maxScopeLength)}
	}
	return scope, nil
}

func emptyRuleSet() RuleSet {
	return RuleSet{Rules: []Rule{}, Snippets: map[string]string{}}
}

func encodeRuleSet(set RuleSet) (string, error) {
	if set.Rules == nil {
		set.Rules = []Rule{}
	}
	if set.Snippets == nil {
		set.Snippets = map[string]string{}
	}
	data, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("encode rule set: %w", err)
	}
	return string(data), nil
}

func decodeRuleSet(document string) (RuleSet, error) {
	var set RuleSet
	if err := json.Unmarshal([]byte(document), &set); err != nil {
		return RuleSet{}, fmt.Errorf("decode rule set: %w", err)
	}
	if set.Rules == nil {
		set.Rules = []Rule{}
	}
	if set.Snippets == nil {
		set.Snippets = map[string]string{}
	}
	return set, nil
}

// sortedIDs is used for deterministic logs and events.
func sortedIDs(m map[string]Status) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
