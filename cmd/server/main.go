package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prsentry/prsentry-backend/internal/api/rest"
	"github.com/prsentry/prsentry-backend/internal/config"
	"github.com/prsentry/prsentry-backend/internal/genmodel"
	"github.com/prsentry/prsentry-backend/internal/installsync"
	"github.com/prsentry/prsentry-backend/internal/models"
	"github.com/prsentry/prsentry-backend/internal/notify"
	"github.com/prsentry/prsentry-backend/internal/pkg/logger"
	"github.com/prsentry/prsentry-backend/internal/platform"
	"github.com/prsentry/prsentry-backend/internal/queue"
	"github.com/prsentry/prsentry-backend/internal/repository"
	"github.com/prsentry/prsentry-backend/internal/summary"
	"github.com/prsentry/prsentry-backend/internal/webhook"
	"github.com/prsentry/prsentry-backend/migrations"
)

// brokerFiles adapts the credential broker to the webhook receiver's
// file-fetch contract. The 100-file cap matches the summary worker.
type brokerFiles struct {
	broker *platform.Broker
}

func (b brokerFiles) ListPullRequestFiles(ctx context.Context, installationID int64, repoFullName string, number int) ([]models.FileChange, error) {
	return b.broker.InstallationClient(installationID).ListPullRequestFiles(ctx, repoFullName, number, 100)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(cfg.LogLevel)
	log.Info("starting server", "port", cfg.Port, "chat_enabled", cfg.ChatEnabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := repository.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()
	if err := store.ApplyMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("database ready")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr(), err)
	}
	jobs := queue.New(rdb)

	pem, err := cfg.PrivateKeyPEM()
	if err != nil {
		return fmt.Errorf("load private key: %w", err)
	}
	broker, err := platform.NewBroker(cfg.PlatformAppID, pem, cfg.PlatformAPIBaseURL)
	if err != nil {
		return fmt.Errorf("init platform broker: %w", err)
	}

	model := genmodel.NewClient(cfg.GenModelAPIKey, cfg.GenModelModel, cfg.GenModelBaseURL)
	if cfg.GenModelAPIKey == "" {
		log.Warn("GENMODEL_API_KEY not set; summary generation will record errors")
	}

	syncer := installsync.New(store, func(installationID int64) installsync.MemberLister {
		return broker.InstallationClient(installationID)
	}, log)

	summaryWorker := summary.NewWorker(
		store,
		func(installationID int64) summary.PlatformClient {
			return broker.InstallationClient(installationID)
		},
		model,
		jobs,
		summary.Config{
			ChatEnabled:      cfg.ChatEnabled,
			RiskThreshold:    cfg.ChatRiskThreshold,
			DashboardBaseURL: cfg.FrontendBaseURL,
		},
		log,
	)
	notifyWorker := notify.NewWorker(store, notify.Config{
		Enabled:    cfg.ChatEnabled,
		WebhookURL: cfg.ChatWebhookURL,
	}, log)

	var workers sync.WaitGroup
	for _, w := range []*queue.Worker{
		queue.NewWorker(jobs, models.QueuePRSummary, summaryWorker.Handle, cfg.WorkerConcurrency, log),
		queue.NewWorker(jobs, models.QueuePRNotifyChat, notifyWorker.Handle, cfg.WorkerConcurrency, log),
	} {
		workers.Add(1)
		go func(w *queue.Worker) {
			defer workers.Done()
			w.Run(ctx)
		}(w)
	}

	receiver := webhook.NewReceiver(store, brokerFiles{broker}, jobs, syncer, cfg.PlatformWebhookSecret, log)
	handler := rest.NewHandler(store, jobs, syncer, cfg, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           rest.NewRouter(handler, receiver),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}

	// Workers drain in-flight jobs once ctx is cancelled.
	workers.Wait()
	log.Info("server stopped")
	return nil
}
