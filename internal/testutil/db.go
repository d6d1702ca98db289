package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB is a migrated PostgreSQL database running in a container.
type TestDB struct {
	DB        *sqlx.DB
	ConnStr   string
	container testcontainers.Container
}

// MigrationsURL points golang-migrate at the repository's migrations
// directory regardless of the caller's working directory.
func MigrationsURL() string {
	_, file, _, _ := runtime.Caller(0)
	return "file://" + filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// SetupTestDB starts postgres, connects and applies all migrations. The test
// is skipped when DB_USERNAME, DB_PASSWORD, DB_NAME or DB_HOST is not set.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}
	user, password := os.Getenv("DB_USERNAME"), os.Getenv("DB_PASSWORD")
	name, host := os.Getenv("DB_NAME"), os.Getenv("DB_HOST")
	if user == "" || password == "" || name == "" || host == "" {
		t.Skip("DB_USERNAME, DB_PASSWORD, DB_NAME and DB_HOST are not set, skipping postgres integration test")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       name,
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	tdb := &TestDB{container: container}
	fail := func(format string, args ...interface{}) {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
		t.Fatalf(format, args...)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fail("Failed to resolve mapped port: %v", err)
	}
	tdb.ConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), name)

	tdb.DB, err = sqlx.Open("postgres", tdb.ConnStr)
	if err != nil {
		fail("Failed to connect to test DB: %v", err)
	}
	for i := 0; ; i++ {
		if err = tdb.DB.Ping(); err == nil {
			break
		}
		if i == 9 {
			fail("Failed to ping test DB after retries: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	m, err := migrate.New(MigrationsURL(), tdb.ConnStr)
	if err != nil {
		fail("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		fail("Failed to apply migrations: %v", err)
	}
	return tdb
}

// Teardown closes the connection and removes the container.
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.DB.Close(); err != nil {
		t.Errorf("Failed to close DB connection: %v", err)
	}
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}
