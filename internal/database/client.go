// Package database wires the pgx driver under ent, applies embedded
// golang-migrate migrations on startup, and exposes a connection-pool
// health check — adapted from the teacher's pkg/database/client.go.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/kivo360/omoios/ent"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the ent client and the underlying *sql.DB so callers that
// need raw SQL (pkg/eventbus's LISTEN/NOTIFY, pkg/lockmanager's
// SELECT ... FOR UPDATE SKIP LOCKED) share the same connection pool ent uses.
type Client struct {
	*ent.Client
	db *stdsql.DB
}

// DB returns the underlying *sql.DB for health checks and raw SQL.
func (c *Client) DB() *stdsql.DB { return c.db }

// NewClientFromEnt wraps an existing ent client, useful for tests that
// build their own driver (e.g. against a testcontainers-postgres instance).
func NewClientFromEnt(entClient *ent.Client, db *stdsql.DB) *Client {
	return &Client{Client: entClient, db: db}
}

// NewClient opens a pooled connection, runs embedded migrations, and
// returns a ready-to-use Client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := stdsql.Open("pgx", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	drv := entsql.OpenDB(dialect.Postgres, db)
	entClient := ent.NewClient(ent.Driver(drv))

	if err := runMigrations(cfg, db); err != nil {
		_ = entClient.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Client{Client: entClient, db: db}, nil
}

// runMigrations applies every embedded migration, matching the teacher's
// embed-and-auto-apply-on-startup workflow.
func runMigrations(cfg Config, db *stdsql.DB) error {
	has, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("check embedded migrations: %w", err)
	}
	if !has {
		return fmt.Errorf("no embedded migration files found")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver — m.Close() would also close db, which
	// the ent client still needs.
	return sourceDriver.Close()
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read embedded migrations: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
