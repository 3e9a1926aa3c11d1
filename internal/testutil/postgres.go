package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	pgImage    = "docker.io/postgres:16-alpine"
	pgDatabase = "bridge"
	pgUser     = "postgres"
	pgPassword = "pass"
)

var (
	pgOnce    sync.Once
	pgMu      sync.Mutex
	pg        *postgres.PostgresContainer
	pgConnStr string
	pgErr     error
)

func bootPostgres() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx,
		pgImage,
		postgres.WithDatabase(pgDatabase),
		postgres.WithUsername(pgUser),
		postgres.WithPassword(pgPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		pgErr = err
		return
	}
	pg = container

	host, err := container.Host(ctx)
	if err != nil {
		pgErr = err
		return
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		pgErr = err
		return
	}
	pgConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		pgUser, pgPassword, host, port.Port(), pgDatabase)
}

// PostgresSchema boots the shared container on first use, creates a fresh
// schema for the calling test and returns a DSN whose connections search
// that schema first. The schema is dropped on cleanup. Tests are skipped
// when no container runtime is reachable.
func PostgresSchema(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	pgOnce.Do(bootPostgres)
	if pgErr != nil {
		t.Fatalf("postgres boot failed: %v", pgErr)
	}

	admin, err := sql.Open("pgx", pgConnStr)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("t_%x", time.Now().UnixNano())
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = admin.Close()
	})
	return withSearchPath(pgConnStr, schema)
}

// TerminatePostgres stops the shared container. Call it from TestMain.
func TerminatePostgres() error {
	pgMu.Lock()
	defer pgMu.Unlock()
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := pg.Terminate(ctx)
	pg = nil
	return err
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}
