// Package postgres backs the storage contract with PostgreSQL via lib/pq.
//
// The event log is append-only at the database level: inserts are stamped
// with ingested_at by trigger, and UPDATE/DELETE on events and artifacts
// raise IMMUTABILITY_VIOLATION. Aggregate locks are SELECT ... FOR UPDATE
// rows taken in the fixed lock order, so handler transactions queue instead
// of deadlocking.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultMaxOpenConns     = 20
	defaultMaxIdleConns     = 10
	defaultConnMaxLifetime  = 30 * time.Minute
	defaultStatementTimeout = 5 * time.Second
)

// Options tunes the connection pool and the per-transaction statement
// timeout. Zero values fall back to the defaults above.
type Options struct {
	DSN              string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db          *sql.DB
	stmtTimeout time.Duration
	log         *zap.Logger
}

// Open connects to the database, applies pool tuning, and verifies the
// connection with a ping.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = defaultMaxOpenConns
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = defaultMaxIdleConns
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = defaultStatementTimeout
	}

	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to postgres",
		zap.Int("max_open_conns", opts.MaxOpenConns),
		zap.Duration("statement_timeout", opts.StatementTimeout))

	return &Store{
		db:          db,
		stmtTimeout: opts.StatementTimeout,
		log:         log,
	}, nil
}

// Begin opens a read-write transaction at READ COMMITTED. Read-then-write
// paths take their row locks explicitly through LockAggregates.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	t, err := s.begin(ctx, false)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// View opens a read-only transaction for queries and exports.
func (s *Store) View(ctx context.Context) (storage.ReadTx, error) {
	t, err := s.begin(ctx, true)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) begin(ctx context.Context, readOnly bool) (*tx, error) {
	dbtx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
		ReadOnly:  readOnly,
	})
	if err != nil {
		return nil, translate(err)
	}
	// SET LOCAL scopes the timeout to this transaction; statements that
	// exceed it fail with 57014 and translate to STORAGE_TIMEOUT.
	stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", s.stmtTimeout.Milliseconds())
	if _, err := dbtx.ExecContext(ctx, stmt); err != nil {
		dbtx.Rollback()
		return nil, translate(err)
	}
	return &tx{db: dbtx}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema applies the embedded reference DDL. It runs only when
// DATABASE_PROVISION=auto; production databases are provisioned externally
// with the same file.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if os.Getenv("DATABASE_PROVISION") != "auto" {
		s.log.Debug("schema provisioning disabled, skipping")
		return nil
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.log.Info("database schema applied")
	return nil
}
