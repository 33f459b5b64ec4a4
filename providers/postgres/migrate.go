package postgres

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/relayforge/agentq/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations. goose speaks database/sql,
// so the pgx pool is bridged through stdlib; closing the bridge releases its
// connections back to the pool without closing the pool itself.
func (p *Provider) Migrate(ctx context.Context) error {
	if p.pool == nil {
		return errors.ErrNotConnected
	}

	db := stdlib.OpenDBFromPool(p.pool)
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close migration bridge", "error", err)
		}
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseSlogAdapter{})
	// Own version table, so queue and checkpoint migrations can share a
	// database without clashing.
	goose.SetTableName("agentq_queue_schema_version")

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
