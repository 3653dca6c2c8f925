package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onebox-labs/onebox/internal/agent"
	"github.com/onebox-labs/onebox/internal/auth"
	"github.com/onebox-labs/onebox/internal/bus"
	"github.com/onebox-labs/onebox/internal/classify"
	"github.com/onebox-labs/onebox/internal/config"
	"github.com/onebox-labs/onebox/internal/credential"
	"github.com/onebox-labs/onebox/internal/database"
	"github.com/onebox-labs/onebox/internal/hub"
	"github.com/onebox-labs/onebox/internal/index"
	"github.com/onebox-labs/onebox/internal/pipeline"
	"github.com/onebox-labs/onebox/internal/ratelimit"
	"github.com/onebox-labs/onebox/internal/supervisor"
	"github.com/onebox-labs/onebox/internal/web"
	"github.com/onebox-labs/onebox/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Index database
	db, err := index.NewDB(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	emailIndex := index.NewPostgresIndex(db)

	// Credentials live in memory; the OAuth exchange is an external
	// collaborator, so no refresh transport is wired here.
	creds := credential.NewMemoryStore(nil)

	classifier := classify.NewRemoteClassifier(cfg.ClassifierURL, cfg.ClassifierTimeout)

	eventBus := bus.New(bus.DefaultQueueSize)

	ingest := pipeline.New(emailIndex, classifier, eventBus)

	dialer := &agent.IMAPDialer{
		HostOverride: cfg.IMAPHostOverride,
		InsecureTLS:  cfg.InsecureTLS,
	}

	sup := supervisor.New(creds, dialer, ingest, eventBus, supervisor.Options{
		Agent: agent.Options{
			BackfillWindow: cfg.BackfillWindow,
			IdleMax:        cfg.IdleMax,
			ConnectTimeout: cfg.ConnectTimeout,
			FetchTimeout:   cfg.FetchTimeout,
			RetryBase:      cfg.RetryBase,
			RetryCap:       cfg.RetryCap,
		},
		ShutdownDeadline: cfg.ShutdownDeadline,
	})

	verifier := auth.NewStaticVerifier()
	limiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	sessionHub := hub.New(verifier, sup, eventBus, limiter, hub.Options{
		Heartbeat:    cfg.WSHeartbeat,
		WriteTimeout: cfg.WSWriteTimeout,
		QueueSize:    cfg.SessionQueue,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		sessionHub.Run(hubCtx)
		close(hubDone)
	}()

	router := web.NewRouter(web.RouterDeps{
		Hub:        sessionHub,
		Supervisor: sup,
		Accounts:   creds,
		Verifier:   verifier,
		Limiter:    limiter,
		AdminToken: cfg.AdminToken,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("onebox sync core starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down...")

	// Agents stop first; their final stopped statuses are queued on the
	// bus by the time Shutdown returns. The hub flushes those to every
	// session before closing the sockets, then the HTTP server drains.
	sup.Shutdown()
	stopHub()
	<-hubDone

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
