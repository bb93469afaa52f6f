package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/storage/postgres/migrations"
)

// Migrate applies every pending embedded migration using a dedicated connection from pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if closeErr := db.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close migration db: %w", closeErr)
		}
	}()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire dedicated connection: %w", err)
	}

	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("initialize postgres driver: %w", err)
	}
	defer func() {
		if closeErr := driver.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close migration connection: %w", closeErr)
		}
	}()

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer func() {
		if closeErr := source.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close migration source: %w", closeErr)
		}
	}()

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	version, dirty, verErr := migrator.Version()
	switch {
	case errors.Is(verErr, migrate.ErrNilVersion):
		logger.Info("no migrations applied yet")
	case verErr != nil:
		logger.Warn("read migration version", zap.Error(verErr))
	default:
		logger.Info("current migration state", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	if dirty {
		return fmt.Errorf("schema version %d is dirty; repair it before migrating", version)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	if finalVersion, _, vErr := migrator.Version(); vErr == nil {
		logger.Info("migrations applied", zap.Uint("version", finalVersion))
	}
	return nil
}
