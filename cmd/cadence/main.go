// Cadence daemon: runs the automation rule scheduler and the nudge engine
// behind an HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/marcus-qen/cadence/internal/automation"
	"github.com/marcus-qen/cadence/internal/controlplane/config"
	"github.com/marcus-qen/cadence/internal/controlplane/events"
	"github.com/marcus-qen/cadence/internal/controlplane/mcpserver"
	"github.com/marcus-qen/cadence/internal/metrics"
	"github.com/marcus-qen/cadence/internal/notify"
	"github.com/marcus-qen/cadence/internal/nudge"
	"github.com/marcus-qen/cadence/internal/runtimectl"
	"github.com/marcus-qen/cadence/internal/storage"
	"github.com/marcus-qen/cadence/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("CADENCE_CONFIG"), "path to a YAML or JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cadence %s (%s, %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("cadence exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Telemetry.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		_ = shutdownTracing(tctx)
	}()

	driver, err := storage.ParseDriver(cfg.Database.Driver)
	if err != nil {
		return err
	}
	db, err := storage.Open(driver, cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ruleStore, err := automation.NewStore(ctx, db)
	if err != nil {
		return fmt.Errorf("automation store: %w", err)
	}
	policyStore, err := nudge.NewPolicyStore(ctx, db)
	if err != nil {
		return fmt.Errorf("nudge policy store: %w", err)
	}

	bus := events.NewBus(256)
	router := newRouter(cfg.Notify, logger)

	roster := runtimectl.NewRoster(nil)
	ledger := nudge.NewLedger()
	for scope, team := range cfg.Roster {
		roster.Set(scope, runtimectl.Team{Title: team.Title, Lead: team.Lead, Actors: team.Actors})
		ledger.SetLead(scope, team.Lead)
	}

	var (
		states    automation.StateTransitioner
		lifecycle automation.LifecycleController
	)
	if cfg.HasRuntime() {
		client := runtimectl.NewClient(cfg.Runtime.BaseURL, cfg.Runtime.Token, cfg.Runtime.Timeout.Duration, logger.Named("runtime"))
		states, lifecycle = client, client
	} else {
		logger.Warn("no actor runtime configured; group_state and actor_control rules will fail")
	}

	dispatcher := automation.NewDispatcher(router, states, lifecycle,
		automation.WithResolver(roster),
		automation.WithDirectory(roster),
		automation.WithEvents(bus),
		automation.WithDispatchTimeout(cfg.Scheduler.DispatchTimeout.Duration),
		automation.WithDispatchLogger(logger.Named("dispatch")),
	)
	scheduler := automation.NewScheduler(ruleStore, dispatcher, logger.Named("scheduler"), automation.SchedulerOptions{
		TickInterval:        cfg.Scheduler.TickInterval.Duration,
		MaxConcurrentScopes: cfg.Scheduler.MaxConcurrentScopes,
	})
	service := automation.NewService(ruleStore, bus, logger.Named("automation"))
	nudges := nudge.NewEngine(ledger, policyStore, router, bus, logger.Named("nudge"), cfg.Nudge.TickInterval.Duration)
	nudges.SetDeliveryTimeout(cfg.Scheduler.DispatchTimeout.Duration)

	mux := http.NewServeMux()
	automation.NewHandler(service, scheduler).Register(mux)
	nudge.NewHandler(policyStore, ledger, bus).Register(mux)
	mux.HandleFunc("GET /api/v1/events", events.StreamHandler(bus))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MCP.Enabled {
		mcpserver.Version = version
		mux.Handle("/mcp", mcpserver.New(service, policyStore, logger).Handler())
	}

	scheduler.Start(ctx)
	defer scheduler.Stop()
	nudges.Start(ctx)
	defer nudges.Stop()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cadence listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("driver", string(driver)),
			zap.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// newRouter builds the notification router. Attention-only channels join the
// attention route; everything else receives every priority.
func newRouter(cfg config.NotifyConfig, logger *zap.Logger) *notify.Router {
	var routes notify.PriorityRoute
	add := func(ch notify.Channel, attentionOnly bool) {
		if attentionOnly {
			routes.Attention = append(routes.Attention, ch)
			return
		}
		routes.Normal = append(routes.Normal, ch)
	}

	for _, wh := range cfg.Webhooks {
		add(notify.NewWebhookChannel(wh.URL, wh.Headers), wh.AttentionOnly)
	}
	if cfg.Slack != nil && cfg.Slack.WebhookURL != "" {
		add(notify.NewSlackChannel(cfg.Slack.WebhookURL, cfg.Slack.Channel), cfg.Slack.AttentionOnly)
	}
	if cfg.Telegram != nil {
		add(notify.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID), cfg.Telegram.AttentionOnly)
	}

	log := zapr.NewLogger(logger.Named("notify"))
	if len(routes.Normal) == 0 {
		routes.Normal = append(routes.Normal, notify.NewLogChannel(log))
	}
	return notify.NewRouter(routes, notify.NewRateLimiter(cfg.RateLimitPerHour), log)
}
