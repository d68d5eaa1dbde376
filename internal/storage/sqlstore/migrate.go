package sqlstore

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

// MigrationsDir returns the embedded migrations directory for the dialect.
func MigrationsDir(dialect Dialect) string {
	if dialect == Postgres {
		return "migrations/postgres"
	}
	return "migrations/sqlite"
}

// Migrate applies every pending migration of the dialect.
func Migrate(db *sql.DB, dialect Dialect, logger *zap.Logger) error {
	return RunGoose(db, dialect, logger, func(db *sql.DB, dir string) error {
		return goose.Up(db, dir)
	})
}

// RunGoose points goose at the embedded migrations of the dialect and runs fn.
func RunGoose(db *sql.DB, dialect Dialect, logger *zap.Logger, fn func(db *sql.DB, dir string) error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger.Sugar()})
	if err := goose.SetDialect(string(dialect)); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := fn(db, MigrationsDir(dialect)); err != nil {
		return fmt.Errorf("migrate %s: %w", dialect, err)
	}
	return nil
}

type gooseLogger struct {
	*zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.Infof(format, v...)
}
