package database

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/observer/relaycore/internal/database/migrations"
)

// gooseLogger adapts slog to the goose.Logger interface so migration output
// joins the rest of the service's structured logs instead of goose's own
// stdlib-logger default.
type gooseLogger struct {
	logger *slog.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) { l.logger.Error(fmt.Sprintf(format, v...)) }
func (l gooseLogger) Printf(format string, v ...any)  { l.logger.Info(fmt.Sprintf(format, v...)) }

// EnsureSchema applies every pending migration embedded in
// internal/database/migrations using goose's version-tracked runner.
func EnsureSchema(databaseURL string, logger *slog.Logger) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open sql connection for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{logger: logger})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
