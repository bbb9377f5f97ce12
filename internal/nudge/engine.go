package nudge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/cadence/internal/automation"
	"github.com/marcus-qen/cadence/internal/controlplane/events"
	"github.com/marcus-qen/cadence/internal/metrics"
	"github.com/marcus-qen/cadence/internal/telemetry"
)

const (
	defaultTickInterval    = 5 * time.Second
	defaultDeliveryTimeout = 15 * time.Second
)

// Nudge kinds, used as metric labels and event detail.
const (
	nudgeFollowup     = "followup"
	nudgeDigest       = "digest"
	nudgeEscalation   = "escalation"
	nudgeKeepalive    = "keepalive"
	nudgeHelpRefresh  = "help_refresh"
	nudgeActorIdle    = "actor_idle"
	nudgeScopeSilence = "scope_silence"
)

// PolicySource returns the policy in force for a scope.
type PolicySource interface {
	Get(ctx context.Context, scope string) (Policy, error)
}

type followupState struct {
	repeats int
	lastAt  time.Time
}

type keepaliveState struct {
	signalAt  time.Time
	lastProbe time.Time
	retries   int
}

type helpState struct {
	at       time.Time
	messages int
}

// scopeState holds the transient counters for one scope. None of it is
// persisted; a restart starts every counter from zero.
type scopeState struct {
	followups     map[string]*followupState // by obligation id
	lastFollowup  map[string]time.Time      // by recipient
	keepalives    map[string]*keepaliveState
	help          map[string]*helpState
	idleAlerted   map[string]time.Time // actor -> LastActiveAt already alerted
	silentAlerted time.Time
}

func newScopeState() *scopeState {
	return &scopeState{
		followups:    make(map[string]*followupState),
		lastFollowup: make(map[string]time.Time),
		keepalives:   make(map[string]*keepaliveState),
		help:         make(map[string]*helpState),
		idleAlerted:  make(map[string]time.Time),
	}
}

// Engine periodically evaluates obligations and actor activity and emits
// follow-ups, keepalive probes, help refreshes and lead alerts.
type Engine struct {
	source    Source
	policies  PolicySource
	messenger automation.Messenger
	events    events.Publisher
	logger    *zap.Logger
	interval  time.Duration
	timeout   time.Duration
	now       func() time.Time

	evalMu sync.Mutex
	state  map[string]*scopeState

	runMu  sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a nudge engine.
func NewEngine(source Source, policies PolicySource, messenger automation.Messenger, publisher events.Publisher, logger *zap.Logger, interval time.Duration) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Engine{
		source:    source,
		policies:  policies,
		messenger: messenger,
		events:    publisher,
		logger:    logger,
		interval:  interval,
		timeout:   defaultDeliveryTimeout,
		now:       time.Now,
		state:     make(map[string]*scopeState),
	}
}

// SetClock overrides the time source used by the background loop.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// SetDeliveryTimeout bounds each nudge delivery. Non-positive values are
// ignored.
func (e *Engine) SetDeliveryTimeout(timeout time.Duration) {
	if timeout > 0 {
		e.timeout = timeout
	}
}

// Start begins periodic evaluation. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.ticker != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.ticker = time.NewTicker(e.interval)
	tickCh := e.ticker.C

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-tickCh:
				e.TickOnce(loopCtx, e.now().UTC())
			}
		}
	}()
}

// Stop stops periodic evaluation and waits for the running pass.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if e.ticker == nil {
		e.runMu.Unlock()
		return
	}
	e.ticker.Stop()
	e.ticker = nil
	e.cancel()
	e.cancel = nil
	e.runMu.Unlock()

	e.wg.Wait()
}

// TickOnce runs every sub-loop for every scope known to the source.
func (e *Engine) TickOnce(ctx context.Context, now time.Time) {
	e.evalMu.Lock()
	defer e.evalMu.Unlock()

	scopes := e.source.Scopes()
	seen := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		seen[scope] = struct{}{}
		if ctx.Err() != nil {
			return
		}
		policy, err := e.policies.Get(ctx, scope)
		if err != nil {
			e.logger.Warn("nudge policy unavailable", zap.String("scope", scope), zap.Error(err))
			continue
		}
		st, ok := e.state[scope]
		if !ok {
			st = newScopeState()
			e.state[scope] = st
		}
		e.evaluateScope(ctx, scope, policy, st, now)
	}
	for scope := range e.state {
		if _, ok := seen[scope]; !ok {
			delete(e.state, scope)
		}
	}
}

func (e *Engine) evaluateScope(ctx context.Context, scope string, p Policy, st *scopeState, now time.Time) {
	obligations := e.source.Obligations(scope)
	actors := e.source.Actors(scope)
	lead := e.source.Lead(scope)

	loops := []struct {
		name string
		run  func(context.Context)
	}{
		{"followup", func(ctx context.Context) { e.followups(ctx, scope, p, st, obligations, lead, now) }},
		{"keepalive", func(ctx context.Context) { e.keepalives(ctx, scope, p, st, actors, now) }},
		{"help_refresh", func(ctx context.Context) { e.helpRefresh(ctx, scope, p, st, actors, now) }},
		{"actor_idle", func(ctx context.Context) { e.actorIdle(ctx, scope, p, st, actors, lead, now) }},
		{"scope_silence", func(ctx context.Context) { e.scopeSilence(ctx, scope, p, st, lead, now) }},
	}
	for _, loop := range loops {
		loopCtx, span := telemetry.StartNudgeSpan(ctx, loop.name)
		loop.run(loopCtx)
		span.End()
	}
}

func (e *Engine) followups(ctx context.Context, scope string, p Policy, st *scopeState, obligations []Obligation, lead string, now time.Time) {
	byRecipient := make(map[string][]Obligation)
	var recipients []string
	live := make(map[string]struct{}, len(obligations))
	for _, ob := range obligations {
		live[ob.ID] = struct{}{}
		if _, ok := byRecipient[ob.Recipient]; !ok {
			recipients = append(recipients, ob.Recipient)
		}
		byRecipient[ob.Recipient] = append(byRecipient[ob.Recipient], ob)
	}
	for id := range st.followups {
		if _, ok := live[id]; !ok {
			delete(st.followups, id)
		}
	}
	for recipient := range st.lastFollowup {
		if _, ok := byRecipient[recipient]; !ok {
			delete(st.lastFollowup, recipient)
		}
	}

	gap := seconds(p.DigestMinGapSeconds)
	backlog := seconds(p.BacklogDigestFollowupSeconds)
	for _, recipient := range recipients {
		if last, ok := st.lastFollowup[recipient]; ok && now.Sub(last) < gap {
			continue
		}

		var due, aged []Obligation
		for _, ob := range byRecipient[recipient] {
			threshold := p.FollowupThreshold(ob.Kind)
			if threshold <= 0 {
				continue
			}
			fs := st.followups[ob.ID]
			since := ob.DeliveredAt
			repeats := 0
			if fs != nil {
				repeats = fs.repeats
				if fs.lastAt.After(since) {
					since = fs.lastAt
				}
			}
			if repeats >= p.MaxRepeatsPerObligation || now.Sub(since) < threshold {
				continue
			}
			due = append(due, ob)
			if backlog > 0 && ob.Kind == KindUnread && now.Sub(ob.DeliveredAt) >= backlog {
				aged = append(aged, ob)
			}
		}
		if len(due) == 0 {
			continue
		}

		batch, kind := due[:1], nudgeFollowup
		text := followupText(due[0])
		if len(aged) >= 2 {
			batch, kind = aged, nudgeDigest
			text = digestText(aged)
		}
		if !e.send(ctx, scope, kind, []string{recipient}, automation.PriorityNormal, text) {
			continue
		}
		st.lastFollowup[recipient] = now

		for _, ob := range batch {
			fs := st.followups[ob.ID]
			if fs == nil {
				fs = &followupState{}
				st.followups[ob.ID] = fs
			}
			fs.repeats++
			fs.lastAt = now
			if p.EscalateAfterRepeats > 0 && fs.repeats == p.EscalateAfterRepeats {
				e.escalate(ctx, scope, lead, ob, fs.repeats)
			}
		}
	}
}

func (e *Engine) escalate(ctx context.Context, scope, lead string, ob Obligation, repeats int) {
	if lead == "" || lead == ob.Recipient {
		return
	}
	text := fmt.Sprintf("%s has not addressed a %s item after %d follow-up(s): %s",
		ob.Recipient, kindLabel(ob.Kind), repeats, summaryOf(ob))
	if e.send(ctx, scope, nudgeEscalation, []string{lead}, automation.PriorityAttention, text) {
		e.events.Publish(events.Event{
			Type:    events.NudgeEscalated,
			Scope:   scope,
			Summary: text,
			Detail:  map[string]any{"obligation_id": ob.ID, "recipient": ob.Recipient, "lead": lead},
		})
	}
}

func (e *Engine) keepalives(ctx context.Context, scope string, p Policy, st *scopeState, actors []ActorActivity, now time.Time) {
	live := make(map[string]struct{}, len(actors))
	delay := seconds(p.KeepaliveDelaySeconds)
	for _, a := range actors {
		if a.IdleSignalAt.IsZero() {
			continue
		}
		live[a.Actor] = struct{}{}

		ks := st.keepalives[a.Actor]
		if ks == nil || !ks.signalAt.Equal(a.IdleSignalAt) {
			ks = &keepaliveState{signalAt: a.IdleSignalAt}
			st.keepalives[a.Actor] = ks
		}
		if delay <= 0 {
			continue
		}
		if p.KeepaliveMaxRetries > 0 && ks.retries >= p.KeepaliveMaxRetries {
			continue
		}
		base := ks.signalAt
		if !ks.lastProbe.IsZero() {
			base = ks.lastProbe
		}
		if now.Sub(base) < delay {
			continue
		}
		text := "Keepalive: you signalled you were going idle. Reply or resume work if anything is pending."
		if e.send(ctx, scope, nudgeKeepalive, []string{a.Actor}, automation.PriorityNormal, text) {
			ks.retries++
			ks.lastProbe = now
		}
	}
	for actor := range st.keepalives {
		if _, ok := live[actor]; !ok {
			delete(st.keepalives, actor)
		}
	}
}

func (e *Engine) helpRefresh(ctx context.Context, scope string, p Policy, st *scopeState, actors []ActorActivity, now time.Time) {
	live := make(map[string]struct{}, len(actors))
	interval := seconds(p.HelpRefreshIntervalSeconds)
	for _, a := range actors {
		live[a.Actor] = struct{}{}
		hs := st.help[a.Actor]
		if hs == nil {
			st.help[a.Actor] = &helpState{at: now, messages: a.Messages}
			continue
		}
		if interval <= 0 {
			continue
		}
		if a.Messages-hs.messages < p.HelpRefreshMinMessages || now.Sub(hs.at) < interval {
			continue
		}
		text := "Reminder: check the scope's open items and the available commands before continuing."
		if e.send(ctx, scope, nudgeHelpRefresh, []string{a.Actor}, automation.PriorityNormal, text) {
			hs.at = now
			hs.messages = a.Messages
		}
	}
	for actor := range st.help {
		if _, ok := live[actor]; !ok {
			delete(st.help, actor)
		}
	}
}

func (e *Engine) actorIdle(ctx context.Context, scope string, p Policy, st *scopeState, actors []ActorActivity, lead string, now time.Time) {
	live := make(map[string]struct{}, len(actors))
	threshold := seconds(p.IdleAlertSeconds)
	for _, a := range actors {
		live[a.Actor] = struct{}{}
		if threshold <= 0 || lead == "" || a.Actor == lead {
			continue
		}
		// Announced idling is handled by the keepalive loop.
		if a.LastActiveAt.IsZero() || !a.IdleSignalAt.IsZero() {
			continue
		}
		if now.Sub(a.LastActiveAt) < threshold {
			continue
		}
		if alerted, ok := st.idleAlerted[a.Actor]; ok && alerted.Equal(a.LastActiveAt) {
			continue
		}
		text := fmt.Sprintf("%s has been silent for %s.", a.Actor, roundDuration(now.Sub(a.LastActiveAt)))
		if e.send(ctx, scope, nudgeActorIdle, []string{lead}, automation.PriorityAttention, text) {
			st.idleAlerted[a.Actor] = a.LastActiveAt
		}
	}
	for actor := range st.idleAlerted {
		if _, ok := live[actor]; !ok {
			delete(st.idleAlerted, actor)
		}
	}
}

func (e *Engine) scopeSilence(ctx context.Context, scope string, p Policy, st *scopeState, lead string, now time.Time) {
	threshold := seconds(p.SilenceCheckSeconds)
	if threshold <= 0 || lead == "" {
		return
	}
	last := e.source.ScopeActivity(scope)
	if last.IsZero() || now.Sub(last) < threshold || st.silentAlerted.Equal(last) {
		return
	}
	text := fmt.Sprintf("Scope %s has been silent for %s.", scope, roundDuration(now.Sub(last)))
	if e.send(ctx, scope, nudgeScopeSilence, []string{lead}, automation.PriorityAttention, text) {
		st.silentAlerted = last
	}
}

// send delivers one nudge and reports whether it went out. Counters only
// advance on success so a failed delivery is retried next tick.
func (e *Engine) send(ctx context.Context, scope, kind string, recipients []string, priority, text string) bool {
	if e.messenger == nil {
		e.logger.Warn("nudge dropped: no messenger configured", zap.String("scope", scope), zap.String("kind", kind))
		return false
	}
	d := automation.Delivery{
		ID:         uuid.NewString(),
		Scope:      scope,
		Recipients: recipients,
		Priority:   priority,
		Text:       text,
	}
	dctx, cancel := context.WithTimeout(ctx, e.timeout)
	err := e.messenger.Deliver(dctx, d)
	cancel()
	if err != nil {
		e.logger.Warn("nudge delivery failed",
			zap.String("scope", scope),
			zap.String("kind", kind),
			zap.Strings("recipients", recipients),
			zap.Error(err),
		)
		return false
	}

	metrics.RecordNudge(kind)
	e.logger.Debug("nudge sent", zap.String("scope", scope), zap.String("kind", kind), zap.Strings("recipients", recipients))
	e.events.Publish(events.Event{
		Type:    events.NudgeSent,
		Scope:   scope,
		Summary: text,
		Detail:  map[string]any{"kind": kind, "recipients": recipients},
	})
	return true
}

func followupText(ob Obligation) string {
	from := ""
	if ob.Sender != "" {
		from = " from " + ob.Sender
	}
	return fmt.Sprintf("Follow-up: %s item%s is still open: %s", kindLabel(ob.Kind), from, summaryOf(ob))
}

func digestText(items []Obligation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d unread items waiting:", len(items))
	for _, ob := range items {
		b.WriteString("\n- ")
		b.WriteString(summaryOf(ob))
	}
	return b.String()
}

func kindLabel(kind Kind) string {
	switch kind {
	case KindReplyRequired:
		return "reply-required"
	case KindAttentionAck:
		return "attention-ack"
	default:
		return "unread"
	}
}

func summaryOf(ob Obligation) string {
	if s := strings.TrimSpace(ob.Summary); s != "" {
		return s
	}
	return ob.ID
}

func roundDuration(d time.Duration) time.Duration {
	return d.Round(time.Second)
}
