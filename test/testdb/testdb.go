// Package testdb provides a shared, per-test-schema PostgreSQL harness for
// integration tests — adapted from the teacher's test/util and
// test/database packages. Local dev spins up one testcontainers-go
// postgres container per package (shared across that package's tests);
// CI uses CI_DATABASE_URL if set. Each test gets its own schema via
// search_path, so tests can run in parallel without clobbering each
// other's rows.
package testdb

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/kivo360/omoios/ent"
	"github.com/kivo360/omoios/internal/database"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// NewTestClient creates a schema-isolated *database.Client for t, backed
// by a shared local testcontainer (or CI_DATABASE_URL in CI). The schema
// is dropped and the client closed automatically via t.Cleanup.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	baseConnStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	setup, err := stdsql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	_, err = setup.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	_ = setup.Close()
	t.Logf("testdb: created schema %s", schemaName)

	connStrWithSchema := addSearchPath(baseConnStr, schemaName)
	db, err := stdsql.Open("pgx", connStrWithSchema)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	drv := entsql.OpenDB(dialect.Postgres, db)
	entClient := ent.NewClient(ent.Driver(drv))

	// Auto-migrate from the ent schema directly; tests don't exercise the
	// golang-migrate startup path that internal/database.NewClient uses in
	// production (that path is covered by internal/database's own tests).
	require.NoError(t, entClient.Schema.Create(ctx))

	t.Cleanup(func() {
		_, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("testdb: warning: failed to drop schema %s: %v", schemaName, err)
		}
		_ = entClient.Close()
		_ = db.Close()
	})

	return database.NewClientFromEnt(entClient, db)
}

func getOrCreateSharedDatabase(t *testing.T) string {
	t.Helper()
	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		return ci
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedConnStr
}

func generateSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	randBytes := make([]byte, 4)
	_, err := rand.Read(randBytes)
	require.NoError(t, err)

	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randBytes))
}

func addSearchPath(connStr, schemaName string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, sep, schemaName)
}
