// Package dbtest provides a migrated PostgreSQL database for integration tests.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/memohai/chatrelay/internal/db"
)

const (
	envDSN         = "TEST_POSTGRES_DSN"
	envIntegration = "CHATRELAY_INTEGRATION"
)

var (
	once      sync.Once
	sharedDSN string
	initErr   error
)

// Pool returns a pool connected to a migrated database. It uses TEST_POSTGRES_DSN
// when set, otherwise starts one shared postgres container per test binary when
// CHATRELAY_INTEGRATION=1. The test is skipped when neither is configured.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv(envDSN) == "" && os.Getenv(envIntegration) != "1" {
		t.Skipf("skip integration test: set %s or %s=1", envDSN, envIntegration)
	}

	once.Do(func() {
		sharedDSN, initErr = prepare()
	})
	if initErr != nil {
		t.Fatalf("dbtest: setup database: %v", initErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.OpenDSN(ctx, sharedDSN, 0)
	if err != nil {
		t.Fatalf("dbtest: connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func prepare() (string, error) {
	dsn := os.Getenv(envDSN)
	if dsn == "" {
		var err error
		dsn, err = startContainer()
		if err != nil {
			return "", err
		}
	}
	if err := db.MigrateUp(nil, dsn); err != nil {
		return "", err
	}
	return dsn, nil
}

func startContainer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "relay",
			"POSTGRES_PASSWORD": "relay",
			"POSTGRES_DB":       "chatrelay",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("container port: %w", err)
	}
	return fmt.Sprintf("postgres://relay:relay@%s:%s/chatrelay?sslmode=disable", host, port.Port()), nil
}
