package nudge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an outstanding obligation.
type Kind string

const (
	KindUnread        Kind = "unread"
	KindReplyRequired Kind = "reply_required"
	KindAttentionAck  Kind = "attention_ack"
)

// ErrObligationNotFound is returned when resolving an unknown obligation.
var ErrObligationNotFound = errors.New("obligation not found")

// Obligation is an item a recipient still has to read, answer or acknowledge.
type Obligation struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	Kind        Kind      `json:"kind"`
	Recipient   string    `json:"recipient"`
	Sender      string    `json:"sender,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// ActorActivity is what the engine knows about one actor.
type ActorActivity struct {
	Actor        string    `json:"actor"`
	LastActiveAt time.Time `json:"last_active_at"`
	// IdleSignalAt is set when the actor announced it is about to go idle
	// and cleared by any later activity.
	IdleSignalAt time.Time `json:"idle_signal_at,omitempty"`
	// Messages counts every message the actor has sent.
	Messages int `json:"messages"`
}

// Source supplies the transient obligation and activity state the engine
// evaluates.
type Source interface {
	Scopes() []string
	Obligations(scope string) []Obligation
	Actors(scope string) []ActorActivity
	ScopeActivity(scope string) time.Time
	Lead(scope string) string
}

type scopeLedger struct {
	obligations map[string]Obligation
	actors      map[string]*ActorActivity
	lastActive  time.Time
	lead        string
}

// Ledger is an in-memory Source fed by the messaging subsystem.
type Ledger struct {
	mu     sync.RWMutex
	scopes map[string]*scopeLedger
	now    func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{scopes: make(map[string]*scopeLedger), now: time.Now}
}

func (l *Ledger) scope(name string) *scopeLedger {
	sl, ok := l.scopes[name]
	if !ok {
		sl = &scopeLedger{
			obligations: make(map[string]Obligation),
			actors:      make(map[string]*ActorActivity),
		}
		l.scopes[name] = sl
	}
	return sl
}

// Deliver records a new obligation. Missing ids and delivery times are filled in.
func (l *Ledger) Deliver(ob Obligation) (Obligation, error) {
	ob.Scope = strings.TrimSpace(ob.Scope)
	ob.Recipient = strings.TrimSpace(ob.Recipient)
	if ob.Scope == "" || ob.Recipient == "" {
		return Obligation{}, fmt.Errorf("obligation requires scope and recipient")
	}
	switch ob.Kind {
	case KindUnread, KindReplyRequired, KindAttentionAck:
	default:
		return Obligation{}, fmt.Errorf("unknown obligation kind %q", ob.Kind)
	}
	if ob.ID == "" {
		ob.ID = uuid.NewString()
	}
	if ob.DeliveredAt.IsZero() {
		ob.DeliveredAt = l.now()
	}
	ob.DeliveredAt = ob.DeliveredAt.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.scope(ob.Scope).obligations[ob.ID] = ob
	return ob, nil
}

// Resolve removes an obligation once it was read, answered or acknowledged.
func (l *Ledger) Resolve(scope, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.scopes[scope]
	if !ok {
		return ErrObligationNotFound
	}
	if _, ok := sl.obligations[id]; !ok {
		return ErrObligationNotFound
	}
	delete(sl.obligations, id)
	return nil
}

// RecordActivity marks the actor active at at and clears any idle signal.
func (l *Ledger) RecordActivity(scope, actor string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.touch(scope, actor, at)
}

// RecordMessage counts a message from actor and marks it active.
func (l *Ledger) RecordMessage(scope, actor string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.touch(scope, actor, at)
	a.Messages++
}

// SignalIdle records that actor announced it is about to go idle.
func (l *Ledger) SignalIdle(scope, actor string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl := l.scope(scope)
	a := l.actor(sl, actor)
	a.IdleSignalAt = at.UTC()
}

// SetLead designates the scope's privileged recipient.
func (l *Ledger) SetLead(scope, actor string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scope(scope).lead = strings.TrimSpace(actor)
}

// RemoveActor forgets an actor that left the scope.
func (l *Ledger) RemoveActor(scope, actor string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sl, ok := l.scopes[scope]; ok {
		delete(sl.actors, actor)
	}
}

func (l *Ledger) touch(scope, actor string, at time.Time) *ActorActivity {
	at = at.UTC()
	sl := l.scope(scope)
	a := l.actor(sl, actor)
	if at.After(a.LastActiveAt) {
		a.LastActiveAt = at
	}
	a.IdleSignalAt = time.Time{}
	if at.After(sl.lastActive) {
		sl.lastActive = at
	}
	return a
}

func (l *Ledger) actor(sl *scopeLedger, name string) *ActorActivity {
	a, ok := sl.actors[name]
	if !ok {
		a = &ActorActivity{Actor: name}
		sl.actors[name] = a
	}
	return a
}

// Scopes lists every scope with recorded state, sorted.
func (l *Ledger) Scopes() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.scopes))
	for name := range l.scopes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Obligations returns the scope's open obligations, oldest first.
func (l *Ledger) Obligations(scope string) []Obligation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sl, ok := l.scopes[scope]
	if !ok {
		return nil
	}
	out := make([]Obligation, 0, len(sl.obligations))
	for _, ob := range sl.obligations {
		out = append(out, ob)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeliveredAt.Equal(out[j].DeliveredAt) {
			return out[i].DeliveredAt.Before(out[j].DeliveredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Actors returns a copy of the scope's actor activity, sorted by actor.
func (l *Ledger) Actors(scope string) []ActorActivity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sl, ok := l.scopes[scope]
	if !ok {
		return nil
	}
	out := make([]ActorActivity, 0, len(sl.actors))
	for _, a := range sl.actors {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Actor < out[j].Actor })
	return out
}

// ScopeActivity returns the most recent activity of any actor in the scope.
func (l *Ledger) ScopeActivity(scope string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sl, ok := l.scopes[scope]; ok {
		return sl.lastActive
	}
	return time.Time{}
}

// Lead returns the scope's designated lead.
func (l *Ledger) Lead(scope string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sl, ok := l.scopes[scope]; ok {
		return sl.lead
	}
	return ""
}
