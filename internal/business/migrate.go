package business

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/XSAM/otelsql"
	"github.com/pressly/goose/v3"
	"github.com/samber/oops"

	// Register pgx driver
	_ "github.com/jackc/pgx/v5/stdlib"

	slogctx "github.com/veqryn/slog-context"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/openkcm/auth-callback/internal/config"
	migrations "github.com/openkcm/auth-callback/sql"
)

const fileSourcePrefix = "file://"

var ErrMigrationSource = errors.New("unsupported migration source")

// MigrateMain applies the session table migrations.
func MigrateMain(ctx context.Context, cfg *config.Config) error {
	const driver = "pgx"
	dbSystemName := semconv.DBSystemNamePostgreSQL

	source, err := migrationSource(cfg.Migrate.Source)
	if err != nil {
		return err
	}

	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return fmt.Errorf("making connection string from config: %w", err)
	}

	db, err := otelsql.Open(driver, connStr, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return oops.In("main").Wrapf(err, "opening DB connection")
	}
	defer db.Close()

	reg, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return fmt.Errorf("registering db stats metrics: %w", err)
	}

	defer func() {
		err := reg.Unregister()
		if err != nil {
			slogctx.Error(ctx, "failed to unregister db stats metrics", "error", err)
		}
	}()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, source)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	for _, r := range results {
		slogctx.Info(ctx, "Applied migration", "version", r.Source.Version, "duration", r.Duration)
	}

	return nil
}

// migrationSource returns the embedded migrations for an empty source and a
// directory for a file:// source.
func migrationSource(source string) (fs.FS, error) {
	switch {
	case source == "":
		return migrations.FS, nil
	case strings.HasPrefix(source, fileSourcePrefix):
		return os.DirFS(strings.TrimPrefix(source, fileSourcePrefix)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrMigrationSource, source)
	}
}
