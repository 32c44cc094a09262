// Package testhelpers provides a shared PostgreSQL container for
// integration tests, with the system database provisioned and migrated.
package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/database"
)

// PostgresImage is the database image used by integration tests.
const PostgresImage = "postgres:16-alpine"

const (
	testUser     = "everrun"
	testPassword = "test_password"
	testAppDB    = "everrun_test"
	testSysDB    = "everrun_test_dbos_sys"
)

// TestDB holds the shared test container and connection pools for the
// application and system databases. The system database has migrations
// applied.
type TestDB struct {
	Container  testcontainers.Container
	App        *database.DB
	Sys        *database.DB
	AppConnStr string
	SysConnStr string
	Host       string
	Port       int
	User       string
	Password   string
	AppName    string
	SysName    string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       testAppDB,
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
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
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	appConnStr := connStr(host, port.Port(), testAppDB)
	sysConnStr := connStr(host, port.Port(), testSysDB)

	if err := database.EnsureDatabase(ctx, appConnStr, testSysDB); err != nil {
		return nil, fmt.Errorf("failed to create system database: %w", err)
	}
	if err := database.RunMigrations(sysConnStr, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run system migrations: %w", err)
	}

	app, err := database.NewConnection(ctx, &database.Config{URL: appConnStr, MaxConnections: 5})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to application database: %w", err)
	}
	sys, err := database.NewConnection(ctx, &database.Config{URL: sysConnStr, MaxConnections: 5})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system database: %w", err)
	}

	return &TestDB{
		Container:  container,
		App:        app,
		Sys:        sys,
		AppConnStr: appConnStr,
		SysConnStr: sysConnStr,
		Host:       host,
		Port:       port.Int(),
		User:       testUser,
		Password:   testPassword,
		AppName:    testAppDB,
		SysName:    testSysDB,
	}, nil
}

func connStr(host, port, dbname string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		testUser, testPassword, host, port, dbname)
}

// CleanTables truncates engine tables so each test starts from an empty
// slate without restarting the container.
func CleanTables(t *testing.T, db *TestDB) {
	t.Helper()
	ctx := context.Background()

	sysTables := []string{
		"dbos.workflow_status", "dbos.operation_outputs",
		"dbos.notifications", "dbos.workflow_events", "dbos.workflow_inputs",
	}
	for _, table := range sysTables {
		if _, err := db.Sys.Exec(ctx, "TRUNCATE "+table); err != nil {
			t.Fatalf("Failed to truncate %s: %v", table, err)
		}
	}
	// Bookkeeping in the application database exists only after an adapter
	// ran Init.
	_, _ = db.App.Exec(ctx, "TRUNCATE dbos.transaction_outputs")
}
