package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations exposes the embedded SQL migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrator applies the embedded goose migrations.
type Migrator struct {
	db       *sql.DB
	provider *goose.Provider
	logger   *slog.Logger
}

// NewMigrator opens a database/sql handle for goose.
func NewMigrator(dsn string, logger *slog.Logger) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: sql open: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, Migrations())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("platform/db: goose provider: %w", err)
	}
	return &Migrator{db: sqlDB, provider: provider, logger: logger}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	results, err := m.provider.Up(ctx)
	for _, res := range results {
		m.logResult(res)
	}
	if err != nil {
		return fmt.Errorf("platform/db: goose up: %w", err)
	}
	return nil
}

// Down rolls back the latest migration.
func (m *Migrator) Down(ctx context.Context) error {
	res, err := m.provider.Down(ctx)
	if res != nil {
		m.logResult(res)
	}
	if err != nil {
		return fmt.Errorf("platform/db: goose down: %w", err)
	}
	return nil
}

// Status logs the state of every known migration.
func (m *Migrator) Status(ctx context.Context) error {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("platform/db: goose status: %w", err)
	}
	for _, st := range statuses {
		m.logger.Info("migration",
			slog.Int64("version", st.Source.Version),
			slog.String("path", st.Source.Path),
			slog.String("state", string(st.State)),
		)
	}
	return nil
}

// Close releases the database handle.
func (m *Migrator) Close() error {
	return m.db.Close()
}

func (m *Migrator) logResult(res *goose.MigrationResult) {
	if m.logger == nil || res == nil || res.Source == nil {
		return
	}
	attrs := []any{
		slog.Int64("version", res.Source.Version),
		slog.String("direction", res.Direction),
		slog.Duration("duration", res.Duration),
	}
	if res.Error != nil {
		m.logger.Error("migration failed", append(attrs, slog.Any("error", res.Error))...)
		return
	}
	m.logger.Info("migration applied", attrs...)
}
