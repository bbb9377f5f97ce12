// Package nudge follows up on unaddressed obligations and alerts a scope's
// lead about idle actors and silent scopes.
package nudge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus-qen/cadence/internal/storage"
)

// ErrInvalidPolicy matches every policy rejection.
var ErrInvalidPolicy = errors.New("invalid nudge policy")

// Policy holds the thresholds for one scope. Durations are in seconds. A
// zero threshold disables the corresponding follow-up kind or sub-loop.
type Policy struct {
	UnreadFollowupSeconds        int64 `json:"unread_followup_seconds"`
	ReplyRequiredFollowupSeconds int64 `json:"reply_required_followup_seconds"`
	AttentionAckFollowupSeconds  int64 `json:"attention_ack_followup_seconds"`
	BacklogDigestFollowupSeconds int64 `json:"backlog_digest_followup_seconds"`
	DigestMinGapSeconds          int64 `json:"digest_min_gap_seconds"`
	MaxRepeatsPerObligation      int   `json:"max_repeats_per_obligation"`
	EscalateAfterRepeats         int   `json:"escalate_after_repeats"`
	KeepaliveDelaySeconds        int64 `json:"keepalive_delay_seconds"`
	KeepaliveMaxRetries          int   `json:"keepalive_max_retries"`
	HelpRefreshIntervalSeconds   int64 `json:"help_refresh_interval_seconds"`
	HelpRefreshMinMessages       int   `json:"help_refresh_min_messages"`
	IdleAlertSeconds             int64 `json:"idle_alert_seconds"`
	SilenceCheckSeconds          int64 `json:"silence_check_seconds"`
}

// DefaultPolicy is used for scopes that never stored one.
func DefaultPolicy() Policy {
	return Policy{
		UnreadFollowupSeconds:        600,
		ReplyRequiredFollowupSeconds: 900,
		AttentionAckFollowupSeconds:  300,
		BacklogDigestFollowupSeconds: 1800,
		DigestMinGapSeconds:          300,
		MaxRepeatsPerObligation:      3,
		EscalateAfterRepeats:         2,
		KeepaliveDelaySeconds:        120,
		KeepaliveMaxRetries:          3,
		HelpRefreshIntervalSeconds:   3600,
		HelpRefreshMinMessages:       20,
		IdleAlertSeconds:             1800,
		SilenceCheckSeconds:          3600,
	}
}

// Validate rejects negative values.
func (p Policy) Validate() error {
	fields := []struct {
		name  string
		value int64
	}{
		{"unread_followup_seconds", p.UnreadFollowupSeconds},
		{"reply_required_followup_seconds", p.ReplyRequiredFollowupSeconds},
		{"attention_ack_followup_seconds", p.AttentionAckFollowupSeconds},
		{"backlog_digest_followup_seconds", p.BacklogDigestFollowupSeconds},
		{"digest_min_gap_seconds", p.DigestMinGapSeconds},
		{"max_repeats_per_obligation", int64(p.MaxRepeatsPerObligation)},
		{"escalate_after_repeats", int64(p.EscalateAfterRepeats)},
		{"keepalive_delay_seconds", p.KeepaliveDelaySeconds},
		{"keepalive_max_retries", int64(p.KeepaliveMaxRetries)},
		{"help_refresh_interval_seconds", p.HelpRefreshIntervalSeconds},
		{"help_refresh_min_messages", int64(p.HelpRefreshMinMessages)},
		{"idle_alert_seconds", p.IdleAlertSeconds},
		{"silence_check_seconds", p.SilenceCheckSeconds},
	}
	for _, f := range fields {
		if f.value < 0 {
			return fmt.Errorf("%w: %s must be >= 0", ErrInvalidPolicy, f.name)
		}
	}
	return nil
}

// FollowupThreshold returns the follow-up delay for an obligation kind, or 0
// when that kind is not followed up.
func (p Policy) FollowupThreshold(kind Kind) time.Duration {
	switch kind {
	case KindUnread:
		return seconds(p.UnreadFollowupSeconds)
	case KindReplyRequired:
		return seconds(p.ReplyRequiredFollowupSeconds)
	case KindAttentionAck:
		return seconds(p.AttentionAckFollowupSeconds)
	default:
		return 0
	}
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

// PolicyStore persists one policy per scope.
type PolicyStore struct {
	db  *storage.DB
	now func() time.Time
}

// NewPolicyStore creates the policy table on db.
func NewPolicyStore(ctx context.Context, db *storage.DB) (*PolicyStore, error) {
	if db == nil {
		return nil, fmt.Errorf("policy store requires a database")
	}
	if err := db.Migrate(ctx, `CREATE TABLE IF NOT EXISTS nudge_policies (
		scope      VARCHAR(191) PRIMARY KEY,
		document   TEXT NOT NULL,
		updated_at VARCHAR(40) NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create nudge_policies: %w", err)
	}
	return &PolicyStore{db: db, now: time.Now}, nil
}

// Get returns the scope's policy, or DefaultPolicy when none is stored.
func (s *PolicyStore) Get(ctx context.Context, scope string) (Policy, error) {
	var document string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT document FROM nudge_policies WHERE scope = ?`), strings.TrimSpace(scope)).Scan(&document)
	if err != nil {
		if storage.IsNotFound(err) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}

	p := DefaultPolicy()
	if err := json.Unmarshal([]byte(document), &p); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}

// Put validates and stores the scope's policy.
func (s *PolicyStore) Put(ctx context.Context, scope string, p Policy) error {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return fmt.Errorf("%w: scope is required", ErrInvalidPolicy)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE nudge_policies SET document = ?, updated_at = ? WHERE scope = ?`), string(data), now, scope)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO nudge_policies (scope, document, updated_at) VALUES (?, ?, ?)`), scope, string(data), now); err != nil {
		// mysql reports zero affected rows for an update that changed nothing.
		if storage.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}
