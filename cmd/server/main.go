package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signgate/internal/api"
	"signgate/internal/config"
	"signgate/internal/continuity"
	"signgate/internal/db"
	"signgate/internal/device"
	"signgate/internal/idv"
	"signgate/internal/logging"
	"signgate/internal/notify"
	"signgate/internal/service"
	"signgate/internal/signature"
	"signgate/internal/store"
	"signgate/internal/verification"
	"signgate/internal/version"
	"signgate/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "signgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqdb, err := db.Open(db.Options{
		Driver:      cfg.DBDriver,
		DSN:         cfg.DBDSN,
		SQLitePath:  cfg.DBPath,
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer sqdb.Close()
	if err := db.Migrate(ctx, sqdb, cfg.DBDriver); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	st := store.New(sqdb, cfg.DBDriver)
	notifier := notify.NewNotifier(st, notify.NewSender(cfg, log), cfg.AppBaseURL, log)
	tokens := continuity.NewManager(st, log)
	machine := verification.NewMachine(st, idv.NewClient(cfg, log), tokens, notifier, log)
	svc := service.New(cfg, st, machine, tokens, device.NewBinder(st, log), log)

	hooks := api.Webhooks{
		Identity: webhook.NewIdentity(st, machine,
			signature.NewVerifier(cfg.IDVWebhookSecret, cfg.WebhookRequireSignature),
			cfg.WebhookAckOnFailure, log),
		Signing: webhook.NewSigning(st, cfg.SigningWebhookSecret,
			cfg.WebhookRequireSignature, cfg.WebhookAckOnFailure, log),
	}
	if cfg.IDVWebhookSecret == "" {
		log.Warn("IDV_WEBHOOK_SECRET is empty; identity webhooks are accepted unverified")
	}

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, svc, hooks, log),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("db_driver", cfg.DBDriver),
			zap.String("version", version.Current().Version),
		)
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		log.Info("shutting down")
		return hsrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
