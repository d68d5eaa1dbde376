package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"libralend/internal/storage"
)

// Dialect selects the SQL flavour and the database/sql driver name.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// Store implements storage.Store on a SQL database.
type Store struct {
	queries
	db          *sqlx.DB
	reader      *sqlx.DB
	dialect     Dialect
	lockTimeout time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
}

var _ storage.Store = (*Store)(nil)

// OpenPostgres connects to PostgreSQL. Row locks wait at most lockTimeout.
func OpenPostgres(ctx context.Context, dsn string, lockTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, string(Postgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newStore(db, db, Postgres, lockTimeout, logger), nil
}

// OpenSQLite opens (creating if needed) the database file at path. Every
// Atomically transaction takes the write lock up front and waits for it at most
// lockTimeout. View runs on a second handle with deferred transactions, so in
// WAL mode reads see a snapshot without queueing behind writers.
func OpenSQLite(ctx context.Context, path string, lockTimeout time.Duration, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, string(SQLite), sqliteDSN(path, lockTimeout, "immediate"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	reader, err := sqlx.ConnectContext(ctx, string(SQLite), sqliteDSN(path, lockTimeout, "deferred"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite reader %s: %w", path, err)
	}

	return newStore(db, reader, SQLite, lockTimeout, logger), nil
}

func sqliteDSN(path string, lockTimeout time.Duration, txlock string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_txlock=%s&_journal_mode=WAL",
		path, lockTimeout.Milliseconds(), txlock)
}

func newStore(db, reader *sqlx.DB, dialect Dialect, lockTimeout time.Duration, logger *zap.Logger) *Store {
	return &Store{
		queries:     queries{ext: reader},
		db:          db,
		reader:      reader,
		dialect:     dialect,
		lockTimeout: lockTimeout,
		logger:      logger,
		tracer:      otel.Tracer("libralend/sqlstore"),
	}
}

// DB exposes the underlying handle, for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	if s.reader == s.db {
		return s.db.Close()
	}
	return multierr.Append(s.db.Close(), s.reader.Close())
}

// Atomically runs fn inside a single transaction.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.atomically",
		trace.WithAttributes(attribute.String("db.dialect", string(s.dialect))),
	)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Error(err))
		}
	}()

	if s.dialect == Postgres {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", classify(err))
		}
	}

	if err := fn(ctx, &txQueries{queries: queries{ext: tx}, dialect: s.dialect}); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

// View runs fn in a read transaction so that every query sees the same state.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, q storage.Queries) error) error {
	opts := &sql.TxOptions{ReadOnly: true}
	if s.dialect == Postgres {
		opts.Isolation = sql.LevelRepeatableRead
	}

	tx, err := s.reader.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(ctx, queries{ext: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// classify maps driver errors onto the storage sentinels, keeping the cause.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03", "40001", "40P01", "57014":
			// lock_not_available, serialization_failure, deadlock_detected, query_canceled
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		case "23505":
			return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
		}
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		case sqlite3.ErrConstraint:
			if liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
			}
		}
	}
	return err
}
