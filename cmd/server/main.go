package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/action/email"
	"github.com/gyaneshwarpardhi/ruleflow/internal/action/logevent"
	"github.com/gyaneshwarpardhi/ruleflow/internal/action/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/api"
	"github.com/gyaneshwarpardhi/ruleflow/internal/cdc"
	"github.com/gyaneshwarpardhi/ruleflow/internal/config"
	"github.com/gyaneshwarpardhi/ruleflow/internal/db"
	"github.com/gyaneshwarpardhi/ruleflow/internal/db/migrations"
	"github.com/gyaneshwarpardhi/ruleflow/internal/dbpool"
	"github.com/gyaneshwarpardhi/ruleflow/internal/engine"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rulefile"
	"github.com/gyaneshwarpardhi/ruleflow/internal/schedule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/sink"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store/memory"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store/postgres"
)

// stores groups the persistence the engine and API run on.
type stores struct {
	rules    store.RuleStore
	schedule store.ScheduleSource
	logs     store.LogStore
	reader   store.LogReader
	reloader api.Reloader
}

func main() {
	cfgPath := flag.String("config", "", "Path to service YAML config (defaults + environment when empty)")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal("failed to load config", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := config.Validate(cfg); err != nil {
		fatal("config validation failed", err)
	}
	setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Database ─────────────────────────────────────────────────────────────
	var pool *dbpool.Pool
	if dsn := cfg.Storage.DatabaseURL.Value(); dsn != "" {
		pool, err = dbpool.NewPool(ctx, dsn, 0)
		if err != nil {
			fatal("failed to connect to database", err)
		}
		defer pool.Close()
		if cfg.Storage.AutoMigrate || cfg.Storage.Driver == config.DriverPostgres {
			if err := db.RunMigrations(ctx, pool, migrations.FS); err != nil {
				fatal("migrations failed", err)
			}
		}
	}

	// ── Rule and log stores ──────────────────────────────────────────────────
	st, stopWatch := buildStores(ctx, cfg, pool)
	defer stopWatch()

	// ── Action registry ──────────────────────────────────────────────────────
	reg := action.NewRegistry(logevent.New())
	mailQueue, closeMail := buildMailQueue(cfg, pool)
	defer closeMail()
	reg.Register(email.New(mailQueue))
	if cfg.Mutation.Enabled {
		mut := sink.NewPostgresMutator(pool, cfg.Mutation.AllowedTables)
		reg.Register(record.NewUpdater(mut))
		reg.Register(record.NewCreator(mut))
	}
	slog.Info("actions registered", "types", reg.Types())

	// ── Engine ───────────────────────────────────────────────────────────────
	dispatcher := action.NewDispatcher(reg, time.Duration(cfg.Engine.ActionTimeoutMs)*time.Millisecond)
	eng := engine.New(ctx, st.rules, st.logs, dispatcher, cfg.Engine)

	// ── Change-data listener ─────────────────────────────────────────────────
	if cfg.CDC.Enabled {
		if err := cdc.NewListener(pool, cfg.CDC.Channel, eng, cdc.WithRowFetcher(cdc.NewPostgresRowFetcher(pool))).Start(ctx); err != nil {
			fatal("failed to start change listener", err)
		}
	}

	// ── Scheduler ────────────────────────────────────────────────────────────
	if cfg.Scheduler.Enabled {
		loc, _ := time.LoadLocation(cfg.Scheduler.Timezone) // checked by Validate
		sched := schedule.New(st.schedule, eng, time.Duration(cfg.Scheduler.RefreshIntervalSec)*time.Second, loc)
		sched.Start(ctx)
		defer sched.Stop()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	opts := []api.Option{}
	if st.reloader != nil {
		opts = append(opts, api.WithReloader(st.reloader))
	}
	if pool != nil {
		opts = append(opts, api.WithReadinessCheck(pool.HealthCheck))
	}
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.New(eng, st.rules, st.reader, opts...),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver, "email", cfg.Email.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	eng.Shutdown() // finish queued events before the stores close
	cancel()
	slog.Info("goodbye")
}

// buildStores selects rule and log persistence by storage.driver. A rules
// file, when configured, seeds the store and is watched for changes.
func buildStores(ctx context.Context, cfg *config.Config, pool *dbpool.Pool) (stores, func()) {
	var (
		st    stores
		apply func([]*rule.Rule)
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg := postgres.New(pool)
		st = stores{rules: pg, schedule: pg, logs: pg, reader: pg}
		apply = func(rules []*rule.Rule) {
			if err := pg.UpsertRules(ctx, rules); err != nil {
				slog.Error("syncing rules file to database failed", "err", err)
			}
		}
	default:
		rs, ls := memory.NewRuleStore(), memory.NewLogStore()
		st = stores{rules: rs, schedule: rs, logs: ls, reader: ls}
		apply = rs.Replace
	}

	if cfg.Storage.RulesFile == "" {
		return st, func() {}
	}
	loader, err := rulefile.NewLoader(cfg.Storage.RulesFile)
	if err != nil {
		fatal("failed to load rules file", err)
	}
	apply(loader.Rules())
	loader.OnChange(apply)
	st.reloader = loader
	slog.Info("rules file loaded", "path", cfg.Storage.RulesFile, "rules", len(loader.Rules()))

	stop, err := loader.Watch()
	if err != nil {
		slog.Warn("rules watcher unavailable (hot-reload disabled)", "err", err)
		return st, func() {}
	}
	return st, stop
}

// buildMailQueue selects the email queueing service by email.backend.
func buildMailQueue(cfg *config.Config, pool *dbpool.Pool) (email.Queue, func()) {
	switch cfg.Email.Backend {
	case config.EmailPostgres:
		return sink.NewPostgresMailQueue(pool), func() {}
	case config.EmailAsynq:
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Email.RedisAddr,
			Password: cfg.Email.RedisPassword.Value(),
		})
		return sink.NewAsynqMailQueue(client, cfg.Email.Queue), func() {
			if err := client.Close(); err != nil {
				slog.Warn("closing asynq client", "err", err)
			}
		}
	}
	return sink.NewMemoryMailQueue(), func() {}
}

func setupLogger(c config.LogConf) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if c.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
