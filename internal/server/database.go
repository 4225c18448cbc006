package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/remote"
	"github.com/joseph-ayodele/scansync/internal/remote/httpstore"
	"github.com/joseph-ayodele/scansync/internal/remote/memstore"
	"github.com/joseph-ayodele/scansync/internal/remote/pgstore"
	"github.com/joseph-ayodele/scansync/internal/repository"
)

// ConnectLocal opens the local SQLite store and checks that it answers.
func ConnectLocal(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repository.Store, error) {
	store, err := repository.Open(ctx, repository.Config{Path: cfg.Path, BusyTimeout: cfg.BusyTimeout}, logger)
	if err != nil {
		logger.Error("failed to open local store", "path", cfg.Path, "error", err)
		return nil, err
	}
	if err := store.HealthCheck(ctx, 3*time.Second); err != nil {
		_ = store.Close()
		logger.Error("local store ping failed", "error", err)
		return nil, err
	}
	return store, nil
}

// ConnectRemote builds the configured remote document store. The returned func releases
// its connections.
func ConnectRemote(ctx context.Context, cfg common.RemoteConfig, logger *slog.Logger) (remote.Store, func(), error) {
	switch cfg.Kind {
	case "http":
		c, err := httpstore.New(httpstore.Config{BaseURL: cfg.BaseURL, Token: cfg.Token, Timeout: cfg.Timeout}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("remote store", "kind", cfg.Kind, "base_url", cfg.BaseURL)
		return c, func() {}, nil
	case "postgres":
		s, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		}, logger)
		if err != nil {
			logger.Error("failed to open remote database", "error", err)
			return nil, nil, err
		}
		logger.Info("remote store", "kind", cfg.Kind)
		return s, s.Close, nil
	case "memory":
		logger.Warn("remote store is in-memory; documents are lost on exit")
		return memstore.New(), func() {}, nil
	default:
		return nil, nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown remote kind %q", cfg.Kind), common.ErrInvalidInput)
	}
}

// PingRemote checks that the remote store answers within timeout.
func PingRemote(ctx context.Context, rs remote.Store, logger *slog.Logger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger.Debug("pinging remote store")
	if err := rs.Ping(ctx); err != nil {
		logger.Warn("remote ping failed", "error", err)
		return err
	}
	logger.Debug("remote ping successful")
	return nil
}
