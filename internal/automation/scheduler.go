package automation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/marcus-qen/cadence/internal/metrics"
	"github.com/marcus-qen/cadence/internal/telemetry"
)

const (
	defaultTickInterval        = 2 * time.Second
	defaultMaxConcurrentScopes = 4
)

// SchedulerOptions tunes the evaluation loop.
type SchedulerOptions struct {
	TickInterval        time.Duration
	MaxConcurrentScopes int
}

// Scheduler evaluates every scope's rules on a fixed tick and dispatches the
// due ones. Passes over the same scope never overlap.
type Scheduler struct {
	store      *Store
	dispatcher *Dispatcher
	logger     *zap.Logger
	interval   time.Duration
	workers    *semaphore.Weighted
	now        func() time.Time

	mu           sync.Mutex
	cancel       context.CancelFunc
	ticker       *time.Ticker
	activeScopes map[string]struct{}
	wg           sync.WaitGroup
}

// NewScheduler creates a scheduler over store.
func NewScheduler(store *Store, dispatcher *Dispatcher, logger *zap.Logger, opts SchedulerOptions) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.MaxConcurrentScopes <= 0 {
		opts.MaxConcurrentScopes = defaultMaxConcurrentScopes
	}
	return &Scheduler{
		store:        store,
		dispatcher:   dispatcher,
		logger:       logger,
		interval:     opts.TickInterval,
		workers:      semaphore.NewWeighted(int64(opts.MaxConcurrentScopes)),
		now:          time.Now,
		activeScopes: make(map[string]struct{}),
	}
}

// SetClock overrides the time source used by the background loop.
func (s *Scheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Start starts the scheduler loop. It is safe to call Start multiple times.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(s.interval)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick(loopCtx, s.now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.tick(loopCtx, s.now().UTC())
			}
		}
	}()
}

// Stop stops background scheduling and waits for in-flight scope passes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}

	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// tick hands every idle scope to a worker and returns without waiting, so a
// pass stuck on a slow collaborator only holds back its own scope. Scopes
// whose previous pass is still running are skipped until it finishes.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if s.store == nil {
		return
	}
	metrics.TicksTotal.Inc()

	scopes, err := s.store.Scopes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("scheduler tick failed", zap.Error(err))
		}
		return
	}

	ctx, span := telemetry.StartTickSpan(ctx, len(scopes))
	defer span.End()

	for _, scope := range scopes {
		if !s.claimScope(scope) {
			s.logger.Debug("scope pass still running", zap.String("scope", scope))
			continue
		}
		if !s.workers.TryAcquire(1) {
			s.releaseScope(scope)
			s.logger.Debug("no free worker for scope", zap.String("scope", scope))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.workers.Release(1)
			defer s.releaseScope(scope)
			s.runScope(ctx, scope, now)
		}()
	}
}

// TickOnce runs one evaluation pass over all scopes and waits for every
// scope to finish.
func (s *Scheduler) TickOnce(ctx context.Context, now time.Time) error {
	if s.store == nil {
		return nil
	}
	metrics.TicksTotal.Inc()

	scopes, err := s.store.Scopes(ctx)
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartTickSpan(ctx, len(scopes))
	defer span.End()

	var g errgroup.Group
	for _, scope := range scopes {
		if !s.claimScope(scope) {
			s.logger.Debug("skipping overlapping pass for scope", zap.String("scope", scope))
			continue
		}
		if err := s.workers.Acquire(ctx, 1); err != nil {
			s.releaseScope(scope)
			break
		}
		g.Go(func() error {
			defer s.workers.Release(1)
			defer s.releaseScope(scope)
			s.runScope(ctx, scope, now)
			return nil
		})
	}
	return g.Wait()
}

// RunScope evaluates a single scope immediately.
func (s *Scheduler) RunScope(ctx context.Context, scope string, now time.Time) bool {
	if !s.claimScope(scope) {
		return false
	}
	defer s.releaseScope(scope)
	s.runScope(ctx, scope, now)
	return true
}

func (s *Scheduler) runScope(ctx context.Context, scope string, now time.Time) {
	ctx, span := telemetry.StartScopeSpan(ctx, scope)
	defer span.End()

	metrics.ActiveScopes.Inc()
	defer metrics.ActiveScopes.Dec()

	snap, err := s.store.Read(ctx, scope)
	if err != nil {
		s.logger.Warn("read rule set failed", zap.String("scope", scope), zap.Error(err))
		return
	}
	statuses, err := s.store.Statuses(ctx, scope)
	if err != nil {
		s.logger.Warn("read statuses failed", zap.String("scope", scope), zap.Error(err))
		return
	}

	present := make(map[string]struct{}, len(snap.RuleSet.Rules))
	for _, rule := range snap.RuleSet.Rules {
		present[rule.ID] = struct{}{}
		if ctx.Err() != nil {
			return
		}

		status, known := statuses[rule.ID]
		status, changed := Reconcile(rule, status, now)
		changed = changed || !known

		if IsDue(rule, status, now) {
			scheduledAt, _ := NextFire(rule.Trigger, status, now)
			status = s.dispatcher.Dispatch(ctx, scope, snap.RuleSet, rule, status, scheduledAt, now)
			changed = true
		}

		if changed {
			if err := s.store.PutStatus(ctx, scope, status); err != nil {
				s.logger.Warn("persist status failed",
					zap.String("scope", scope),
					zap.String("rule_id", rule.ID),
					zap.Error(err),
				)
			}
		}
	}

	stale := make([]string, 0)
	for _, id := range sortedIDs(statuses) {
		if _, ok := present[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := s.store.DeleteStatuses(ctx, scope, stale); err != nil {
			s.logger.Warn("prune statuses failed", zap.String("scope", scope), zap.Error(err))
		}
	}
}

func (s *Scheduler) claimScope(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.activeScopes[scope]; busy {
		return false
	}
	s.activeScopes[scope] = struct{}{}
	return true
}

func (s *Scheduler) releaseScope(scope string) {
	s.mu.Lock()
	delete(s.activeScopes, scope)
	s.mu.Unlock()
}
