package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"

	"github.com/reelcredit/backend/internal/auth"
	"github.com/reelcredit/backend/internal/config"
	"github.com/reelcredit/backend/internal/database"
	"github.com/reelcredit/backend/internal/execution"
	"github.com/reelcredit/backend/internal/handlers"
	"github.com/reelcredit/backend/internal/ledger"
	"github.com/reelcredit/backend/internal/logging"
	"github.com/reelcredit/backend/internal/middleware"
	"github.com/reelcredit/backend/internal/models"
	"github.com/reelcredit/backend/internal/pricing"
	"github.com/reelcredit/backend/internal/provider"
	"github.com/reelcredit/backend/internal/reconcile"
	"github.com/reelcredit/backend/internal/repository"
	"github.com/reelcredit/backend/internal/router"
	"github.com/reelcredit/backend/internal/tasks"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool, logger); err != nil {
		slog.Error("Migrations failed", "error", err)
		os.Exit(1)
	}

	// Repositories and ledger
	accountRepo := repository.NewAccountRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)
	eventRepo := repository.NewEventRepo(pool)

	ledgerSvc := ledger.NewService(accountRepo, creditRepo, pool, ledger.OptionsFromConfig(cfg), logger)

	prices, err := pricing.New(cfg.Pricing, cfg.Tasks.EstimateSeconds)
	if err != nil {
		slog.Error("Invalid pricing configuration", "error", err)
		os.Exit(1)
	}
	validator, err := tasks.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	// Job inserts are bound after the River client exists (breaks init cycle).
	var insertMu sync.Mutex
	var insertTxFn tasks.InsertJobTxFunc
	insertJobTx := func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
		insertMu.Lock()
		fn := insertTxFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args, opts)
	}

	coordinator := tasks.NewCoordinator(taskRepo, ledgerSvc, prices, validator, insertJobTx, tasks.OptionsFromConfig(cfg), logger)

	// Providers and auth
	clients := execution.Clients{
		models.ProviderSora:      provider.NewSoraClient(cfg.Providers.Sora, logger),
		models.ProviderDashScope: provider.NewDashScopeClient(cfg.Providers.DashScope, logger),
	}
	authSvc, err := auth.NewService(cfg.Auth, cfg.Providers.CallbackBaseURL)
	if err != nil {
		slog.Error("Auth init failed", "error", err)
		os.Exit(1)
	}

	// Reconciliation; Redis is an optional fast path in front of the event log.
	var seen reconcile.SeenCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, reconciliation will rely on the event log only", "addr", cfg.Redis.Addr, "error", err)
		}
		seen = reconcile.NewRedisSeenCache(rdb, cfg.Redis.DedupTTL)
	}
	reconciler := reconcile.NewReconciler(coordinator, eventRepo, seen, logger)

	// Workers
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewSubmitGenerationWorker(coordinator, clients, authSvc.CallbackURL, logger))
	river.AddWorker(workers, execution.NewPollGenerationWorker(coordinator, clients, reconciler, cfg.Tasks.PollInterval, logger))
	river.AddWorker(workers, execution.NewSettleGenerationWorker(coordinator, coordinator, clients, logger))
	river.AddWorker(workers, execution.NewReconcileNotificationWorker(reconciler, logger))
	river.AddWorker(workers, execution.NewExpireCreditsWorker(ledgerSvc, logger))
	river.AddWorker(workers, execution.NewCheckExpiringCreditsWorker(ledgerSvc, cfg.Ledger.ExpiringSoonWindow, logger))
	river.AddWorker(workers, execution.NewSweepTaskDeadlinesWorker(coordinator, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: logger,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.River.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: periodicJobs(cfg.Sweeps),
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertTxFn = func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
		_, err := riverClient.InsertTx(ctx, tx, args, opts)
		return err
	}
	insertMu.Unlock()

	// HTTP
	taskHandler := &handlers.TaskHandler{Tasks: coordinator, Logger: logger}
	creditHandler := &handlers.CreditHandler{Credits: ledgerSvc, Logger: logger}
	webhookHandler := &handlers.WebhookHandler{
		Tokens: authSvc,
		Enqueue: func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error {
			_, err := riverClient.Insert(ctx, args, opts)
			return err
		},
		Logger: logger,
	}

	mux := router.New(router.Deps{
		Tasks:         taskHandler,
		Credits:       creditHandler,
		Webhooks:      webhookHandler,
		Auth:          auth.NewHandler(authSvc, logger),
		Tokens:        authSvc,
		CreditCheck:   middleware.CreditCheck(prices, ledgerSvc, logger),
		InternalToken: cfg.Auth.InternalToken,
		Prices:        handlers.ListPrices(prices),
		Health:        handlers.Healthz(pool.Ping),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River shutdown", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	<-riverClient.Stopped()
	slog.Info("Shut down cleanly")
}

// periodicJobs schedules the credit expiry, expiring-soon and deadline sweeps.
func periodicJobs(cfg config.SweepsConfig) []*river.PeriodicJob {
	every := func(d time.Duration, args river.JobArgs) *river.PeriodicJob {
		return river.NewPeriodicJob(
			river.PeriodicInterval(d),
			func() (river.JobArgs, *river.InsertOpts) { return args, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		)
	}
	return []*river.PeriodicJob{
		every(cfg.ExpiryInterval, execution.ExpireCreditsArgs{}),
		every(cfg.ExpiringInterval, execution.CheckExpiringCreditsArgs{}),
		every(cfg.DeadlineInterval, execution.SweepTaskDeadlinesArgs{}),
	}
}
