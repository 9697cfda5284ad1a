package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callagent/internal/auth"
	"callagent/internal/backend"
	"callagent/internal/callstate"
	"callagent/internal/config"
	"callagent/internal/ingest"
	"callagent/internal/kvstore"
	"callagent/internal/nativebridge"
	"callagent/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	store, err := kvstore.Open(rootCtx, cfg)
	if err != nil {
		log.Error("store init failed", "err", err)
		os.Exit(1)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	notifier := backend.NewNotifier(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
	}, logger.Component(log, "backend"))

	// The bridge shares the durable store with the native layer; on a
	// headless deployment there is no ringer to drive.
	bridge := nativebridge.NewKVBridge(store, nil, logger.Component(log, "bridge"))

	ctrl := callstate.NewController(callstate.ControllerDeps{
		Store:    store,
		Notifier: notifier,
		Bridge:   bridge,
		Log:      logger.Component(log, "callstate"),
	})
	ctrl.Bootstrap(rootCtx)

	// Periodic retry flush; transitions also kick flushes on their own,
	// this covers a queue left behind by a crash or long backend outage.
	quartz := cron.New()
	if _, err := quartz.AddFunc(fmt.Sprintf("@every %s", cfg.Retry.FlushInterval), func() {
		ctrl.FlushPending(rootCtx)
	}); err != nil {
		log.Error("flush schedule failed", "err", err)
		os.Exit(1)
	}
	quartz.Start()
	defer quartz.Stop()

	if cfg.Ingest.URL != "" {
		sub, err := ingest.Connect(rootCtx, cfg.Ingest, ctrl, logger.Component(log, "ingest"))
		if err != nil {
			log.Error("nats ingest init failed", "err", err)
			os.Exit(1)
		}
		defer sub.Close()
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, ctrl, bridge, auth.RequireToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("agent listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// One last chance for queued notifications before the process dies.
	ctrl.FlushPending(shutdownCtx)
}
