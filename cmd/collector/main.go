package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/AbdallaMon/mail-collector/internal/config"
	"github.com/AbdallaMon/mail-collector/internal/crypto"
	"github.com/AbdallaMon/mail-collector/internal/database"
	"github.com/AbdallaMon/mail-collector/internal/filter"
	"github.com/AbdallaMon/mail-collector/internal/graph"
	"github.com/AbdallaMon/mail-collector/internal/msauth"
	"github.com/AbdallaMon/mail-collector/internal/notify"
	"github.com/AbdallaMon/mail-collector/internal/parser"
	"github.com/AbdallaMon/mail-collector/internal/queue"
	"github.com/AbdallaMon/mail-collector/internal/scheduler"
	"github.com/AbdallaMon/mail-collector/internal/subscription"
	"github.com/AbdallaMon/mail-collector/internal/syncer"
	"github.com/AbdallaMon/mail-collector/internal/token"
	"github.com/AbdallaMon/mail-collector/internal/webhook"
	"github.com/AbdallaMon/mail-collector/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mail collector")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Requeue jobs a previous run left in flight
	requeued, err := db.ResetProcessingJobs(ctx)
	if err != nil {
		logger.Error("failed to requeue in-flight jobs", "error", err)
		os.Exit(1)
	}
	if requeued > 0 {
		logger.Info("requeued in-flight jobs from previous run", "count", requeued)
	}

	cipher, err := crypto.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to initialize cipher", "error", err)
		os.Exit(1)
	}

	// Create components, leaves first: token store, provider client,
	// subscription manager, then the workers and the gateway on top.
	auth := msauth.New(cfg.ClientID, cfg.ClientSecret, cfg.Tenant, cfg.OAuthRedirectURL())
	tokens := token.NewStore(db, cipher, auth, logger)
	client := graph.NewClient(graph.Config{})
	subs := subscription.NewManager(db, client, tokens, cfg.WebhookURL(), logger)
	notifier := notify.New(notify.Config{
		SMTPAddr:      cfg.SMTPAddr,
		Username:      cfg.SMTPUsername,
		Password:      cfg.SMTPPassword,
		From:          cfg.SMTPFrom,
		OperatorEmail: cfg.OperatorEmail,
		EveryN:        cfg.ErrorNoticeEvery,
	}, logger)

	q := queue.New(db, logger)

	deliveryWorker := worker.New(worker.Deps{
		DB:            db,
		Client:        client,
		Tokens:        tokens,
		Filter:        filter.New(cfg.AllowedSenders, cfg.AllowedDomains, cfg.SubjectKeywords),
		Parser:        parser.NewHTMLParser(),
		Notifier:      notifier,
		Destination:   worker.NewDestinationCache(db, cfg.ForwardTo),
		Logger:        logger,
		PublicBaseURL: cfg.PublicBaseURL,
		ForwardDelay:  cfg.ForwardDelay,
		MaxAttempts:   cfg.MaxForwardAttempts,
	})

	accountSyncer := syncer.New(db, client, tokens, q, logger)
	renewal := scheduler.New(subs, q, cfg.RenewalHorizon, logger)

	// Bind handlers to their worker pools. Delivery runs nearly serial on
	// purpose; subscription work gets its own small pool.
	q.Register(worker.JobTypeDelivery, cfg.DeliveryConcurrency, deliveryWorker.HandleJob)
	q.Register(worker.JobTypeRetrySweep, 1, deliveryWorker.HandleRetrySweep)
	q.Register(scheduler.JobTypeRenewalPlan, 1, renewal.HandlePlan)
	q.Register(scheduler.JobTypeSubscriptionCreate, scheduler.RenewalConcurrency, renewal.HandleCreate)
	q.Register(scheduler.JobTypeSubscriptionRenew, scheduler.RenewalConcurrency, renewal.HandleRenew)
	q.Register(syncer.JobTypeSyncPlan, 1, accountSyncer.HandleSyncPlan)
	q.Register(syncer.JobTypeSync, 1, accountSyncer.HandleSyncJob)

	if err := renewal.Start(ctx, cfg.RenewalInterval); err != nil {
		logger.Error("failed to start renewal scheduler", "error", err)
		os.Exit(1)
	}
	if err := q.RegisterRecurring(ctx, "sync-plan", syncer.JobTypeSyncPlan, cfg.SyncInterval); err != nil {
		logger.Error("failed to register sync plan", "error", err)
		os.Exit(1)
	}
	if err := q.RegisterRecurring(ctx, "retry-sweep", worker.JobTypeRetrySweep, cfg.SyncInterval); err != nil {
		logger.Error("failed to register retry sweep", "error", err)
		os.Exit(1)
	}

	gateway := webhook.NewServer(webhook.Deps{
		DB:     db,
		Subs:   subs,
		Queue:  q,
		Auth:   auth,
		Tokens: tokens,
		Client: client,
		Syncer: accountSyncer,
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      gateway,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Run(ctx)
	}()

	logger.Info("collector is running", "addr", cfg.HTTPAddr, "webhook", cfg.WebhookURL())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		cancel()
	}

	wg.Wait()
	logger.Info("collector stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
