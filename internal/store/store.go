// Package store is the single source of truth for TaskForge: tasks,
// triggers, workflows, execution history, and queue metrics. Every other
// component coordinates by writing and reading here.
package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/taskforge/internal/apperr"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/db"
)

// Store wraps a writer/reader connection pool and owns the schema.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// Open creates the SQLite-backed Store at dbPath, applying schema migrations.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, apperr.Fatalf(err, "failed to open store writer connection")
	}
	readerConn, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		return nil, apperr.Fatalf(err, "failed to open store reader connection")
	}

	pool := db.NewPool(sqlx.NewDb(writerConn, "sqlite3"), sqlx.NewDb(readerConn, "sqlite3"))
	s := &Store{pool: pool, logger: log}
	if err := s.initSchema(); err != nil {
		_ = pool.Close()
		return nil, apperr.Fatalf(err, "failed to initialize store schema")
	}
	return s, nil
}

// New wraps an already-open Pool (used by tests).
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{pool: pool, logger: log}
	if err := s.initSchema(); err != nil {
		return nil, apperr.Fatalf(err, "failed to initialize store schema")
	}
	return s, nil
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Ping measures store reachability and latency, used by the Health Monitor.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.pool.Reader().QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// writer returns the single-connection write pool.
func (s *Store) writer() *sqlx.DB { return s.pool.Writer() }

// reader returns the multi-connection read pool.
func (s *Store) reader() *sqlx.DB { return s.pool.Reader() }

// WithTx runs fn inside a transaction on the writer connection, committing on
// success and rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return apperr.StoreErrorf(err, "failed to begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return apperr.StoreErrorf(err, "transaction failed, rollback also failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.StoreErrorf(err, "failed to commit transaction")
	}
	return nil
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}

func wrapStoreErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return apperr.StoreErrorf(err, format, args...)
}
