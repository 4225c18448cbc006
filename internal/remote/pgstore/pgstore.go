// Package pgstore is a remote.Store backed by PostgreSQL through a pgx pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/scansync/internal/remote"
)

type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

const schema = `
CREATE SEQUENCE IF NOT EXISTS document_changes;
CREATE TABLE IF NOT EXISTS documents (
	id          TEXT PRIMARY KEY,
	client_key  TEXT UNIQUE,
	revision    BIGINT NOT NULL,
	seq         BIGINT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	body        JSONB
);
CREATE INDEX IF NOT EXISTS documents_seq_idx ON documents (seq);
`

const docColumns = `id, COALESCE(client_key, ''), revision, seq, updated_at, deleted, body`

// changeLock is the advisory lock every writer holds from nextval('document_changes') to
// commit. Sequence order is then commit order, so a Changes reader never sees a change
// before an earlier one has committed.
const changeLock int64 = 0x5ca55c

// Open connects the pool and makes sure the schema exists.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to document database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse document database dsn", "error", err)
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "scansync-docstore"

	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dctx, pc)
	if err != nil {
		logger.Error("failed to connect to document database", "error", err)
		return nil, err
	}
	s := &Store{pool: pool, log: logger}
	if err := s.EnsureSchema(dctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("document database ready")
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		s.log.Error("failed to create document schema", "error", err)
		return classify(err)
	}
	return nil
}

// Truncate removes every document and restarts the change sequence.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE documents; ALTER SEQUENCE document_changes RESTART`); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func scanDoc(row pgx.Row) (remote.Document, error) {
	var d remote.Document
	var body []byte
	if err := row.Scan(&d.ID, &d.ClientKey, &d.Revision, &d.Seq, &d.UpdatedAt, &d.Deleted, &body); err != nil {
		return d, err
	}
	d.UpdatedAt = d.UpdatedAt.UTC()
	if body != nil {
		d.Body = body
	}
	return d, nil
}

// write runs one sequence-assigning statement under the change lock and scans its row.
func (s *Store) write(ctx context.Context, query string, args ...any) (remote.Document, error) {
	var doc remote.Document
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, changeLock); err != nil {
			return err
		}
		var err error
		doc, err = scanDoc(tx.QueryRow(ctx, query, args...))
		return err
	})
	return doc, err
}

func (s *Store) Upsert(ctx context.Context, req remote.UpsertRequest) (remote.Document, error) {
	updatedAt := req.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	body := []byte(req.Body)
	if len(body) == 0 {
		body = nil
	}
	if req.ID == "" {
		return s.create(ctx, req.ClientKey, updatedAt, body)
	}

	doc, err := s.write(ctx, `
		UPDATE documents
		SET revision = revision + 1, seq = nextval('document_changes'), updated_at = $3, body = $4
		WHERE id = $1 AND revision = $2 AND NOT deleted
		RETURNING `+docColumns,
		req.ID, req.BaseRevision, updatedAt, body)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return remote.Document{}, classify(err)
	}
	cur, gerr := s.Get(ctx, req.ID)
	if gerr != nil {
		return remote.Document{}, gerr
	}
	return remote.Document{}, fmt.Errorf("%w: have %d, base %d", remote.ErrStaleRevision, cur.Revision, req.BaseRevision)
}

func (s *Store) create(ctx context.Context, clientKey string, updatedAt time.Time, body []byte) (remote.Document, error) {
	doc, err := s.write(ctx, `
		INSERT INTO documents (id, client_key, revision, seq, updated_at, body)
		VALUES ($1, NULLIF($2, ''), 1, nextval('document_changes'), $3, $4)
		ON CONFLICT (client_key) DO NOTHING
		RETURNING `+docColumns,
		uuid.NewString(), clientKey, updatedAt, body)
	if err == nil {
		doc.Created = true
		return doc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return remote.Document{}, classify(err)
	}
	// conflict on client_key: answer with the stored document
	doc, err = scanDoc(s.pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE client_key = $1`, clientKey))
	if err != nil {
		return remote.Document{}, classify(err)
	}
	return doc, nil
}

func (s *Store) Delete(ctx context.Context, id string) (remote.Document, error) {
	doc, err := s.write(ctx, `
		UPDATE documents
		SET deleted = TRUE, body = NULL, revision = revision + 1, seq = nextval('document_changes'), updated_at = now()
		WHERE id = $1 AND NOT deleted
		RETURNING `+docColumns, id)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return remote.Document{}, classify(err)
	}
	return s.Get(ctx, id)
}

func (s *Store) Get(ctx context.Context, id string) (remote.Document, error) {
	doc, err := scanDoc(s.pool.QueryRow(ctx, `SELECT `+docColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return remote.Document{}, classify(err)
	}
	return doc, nil
}

func (s *Store) Changes(ctx context.Context, since int64, limit int) ([]remote.Document, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT `+docColumns+` FROM documents WHERE seq > $1 ORDER BY seq LIMIT $2`, since, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []remote.Document
	for rows.Next() {
		doc, err := scanDoc(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps driver errors onto the remote error set. Server-side data errors are
// permanent; everything else (connection loss, timeouts, shutdown) is retryable.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return remote.ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return fmt.Errorf("%w: %s", remote.ErrInvalid, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
}
