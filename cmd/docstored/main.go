package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/docserver"
	"github.com/joseph-ayodele/scansync/internal/remote"
	"github.com/joseph-ayodele/scansync/internal/remote/memstore"
	"github.com/joseph-ayodele/scansync/internal/remote/pgstore"
	"github.com/joseph-ayodele/scansync/internal/utils"
)

func main() {
	configFile := flag.String("config", os.Getenv("SCANSYNC_CONFIG"), "optional config file")
	backend := flag.String("backend", "", "memory or postgres (default: postgres when remote.dsn is set)")
	logFormat := flag.String("log-format", utils.Getenv("SCANSYNC_LOG_FORMAT", "text"), "text or json")
	logLevel := flag.String("log-level", utils.Getenv("SCANSYNC_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	logger := utils.NewLogger(os.Stdout, *logFormat, *logLevel)
	slog.SetDefault(logger)

	cfg, err := common.LoadConfig(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(2)
	}
	if *backend == "" {
		*backend = "memory"
		if cfg.Remote.DSN != "" {
			*backend = "postgres"
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store remote.Store
	switch *backend {
	case "postgres":
		if cfg.Remote.DSN == "" {
			logger.Error("remote.dsn (REMOTE_DB_URL) is required for the postgres backend")
			os.Exit(2)
		}
		pg, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             cfg.Remote.DSN,
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		}, logger)
		if err != nil {
			logger.Error("failed to open document database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	case "memory":
		logger.Warn("serving an in-memory document store; data is lost on exit")
		store = memstore.New()
	default:
		logger.Error("unknown backend", "backend", *backend)
		os.Exit(2)
	}
	if cfg.Remote.Token == "" {
		logger.Warn("no remote.token configured; /v1 is open to any client")
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           docserver.New(store, cfg.Remote.Token, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		logger.Info("docstored listening", "addr", srv.Addr, "backend", *backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
}
