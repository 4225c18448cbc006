package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/scansync/internal/common"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned for records that do not exist or are pending deletion.
var ErrNotFound = common.ErrNotFound

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is the durable local store. All mutations run in a transaction on a single
// connection, so writers are serialized.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// builder returns the ent SQL builder for SQLite.
func builder() *entsql.DialectBuilder { return entsql.Dialect(dialect.SQLite) }

func dsn(cfg Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Open opens (creating if needed) the SQLite file and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, common.NewAppError("DB_CONFIG", "database path is required", common.ErrInvalidInput)
	}
	logger.Info("opening local store", "path", cfg.Path)

	if err := migrateUp(cfg); err != nil {
		logger.Error("failed to migrate local store", "error", err)
		return nil, fmt.Errorf("%w: migrate: %v", common.ErrDatabase, err)
	}

	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", common.ErrDatabase, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		logger.Error("failed to connect to local store", "error", err)
		return nil, fmt.Errorf("%w: ping: %v", common.ErrDatabase, err)
	}
	logger.Info("local store ready")
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// migrateUp runs on its own connection, since closing the migrator closes its database.
func migrateUp(cfg Config) error {
	db, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = db.Close()
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = db.Close()
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database connections gracefully
func (s *Store) Close() error {
	s.logger.Info("closing local store")
	return s.db.Close()
}

// HealthCheck pings the database and checks the schema is readable.
func (s *Store) HealthCheck(ctx context.Context, timeout time.Duration) error {
	s.logger.Debug("pinging local store")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", common.ErrDatabase, err)
	}
	query, args := builder().Select(entsql.Count("*")).From(builder().Table(tableSyncOps)).Query()
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return fmt.Errorf("%w: schema: %v", common.ErrDatabase, err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn in a transaction bound to ctx. Cancelling ctx before commit rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", common.ErrDatabase, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", common.ErrDatabase, err)
	}
	return nil
}

func exec(ctx context.Context, q querier, query string, args []any) (sql.Result, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDatabase, err)
	}
	return res, nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
