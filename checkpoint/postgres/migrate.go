package postgres

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded checkpoint schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close migration bridge", "error", err)
		}
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseSlogAdapter{})
	// Own version table, so queue and checkpoint migrations can share a
	// database without clashing.
	goose.SetTableName("agentq_checkpoint_schema_version")

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseSlogAdapter routes goose's Printf-style logging through slog.
type gooseSlogAdapter struct{}

func (gooseSlogAdapter) Fatalf(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

func (gooseSlogAdapter) Printf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}
