package testutil

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/cimillas/unitvault/migrations"
)

const (
	postgresImage       = "postgres:16-alpine"
	testDBLockID  int64 = 771150002
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// NewTestPool connects to TEST_DATABASE_URL, or to a Postgres container
// shared by every test in the package binary. Tests are skipped when neither
// is reachable. The returned pool holds the test database lock until cleanup.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = sharedContainer(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse test dsn: %v", err)
	}
	cfg.MaxConns = 8
	cfg.ConnConfig.RuntimeParams["application_name"] = "unitvault-tests"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("create test pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skipping Postgres integration tests: %v", err)
	}

	release := exclusive(t, pool)
	t.Cleanup(func() {
		release()
		pool.Close()
	})
	return pool
}

// sharedContainer starts one container per test binary. The testcontainers
// reaper removes it when the process exits.
func sharedContainer(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	containerOnce.Do(func() {
		ctx := context.Background()
		ctr, err := tcpostgres.Run(ctx, postgresImage,
			tcpostgres.WithDatabase("unitvault"),
			tcpostgres.WithUsername("unitvault"),
			tcpostgres.WithPassword("unitvault"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = fmt.Errorf("start container: %w", err)
			return
		}
		containerDSN, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("skipping Postgres integration tests: %v", containerErr)
	}
	return containerDSN
}

func ApplyMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
}

func TruncateAll(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(ctx, `TRUNCATE payments, orders, cart_items, carts, sold_units, units, products CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

// InsertProduct creates a product with n units and returns the product id
// and the unit ids in ascending order.
func InsertProduct(t *testing.T, ctx context.Context, pool *pgxpool.Pool, title string, n int) (productID string, unitIDs []string) {
	t.Helper()
	if err := pool.QueryRow(ctx,
		`INSERT INTO products (title, price, currency) VALUES ($1, $2::numeric, 'USDT') RETURNING id`,
		title, decimal.NewFromInt(10).String(),
	).Scan(&productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	for i := 0; i < n; i++ {
		var id string
		if err := pool.QueryRow(ctx,
			`INSERT INTO units (product_id, payload) VALUES ($1, $2) RETURNING id`,
			productID, fmt.Sprintf("%s-code-%03d", title, i),
		).Scan(&id); err != nil {
			t.Fatalf("insert unit: %v", err)
		}
		unitIDs = append(unitIDs, id)
	}
	slices.Sort(unitIDs)
	return productID, unitIDs
}

// exclusive takes the cross-package test lock on a dedicated connection so
// packages sharing TEST_DATABASE_URL do not truncate each other's rows.
func exclusive(t *testing.T, pool *pgxpool.Pool) (release func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire lock conn: %v", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, testDBLockID); err != nil {
		conn.Release()
		t.Fatalf("acquire test lock: %v", err)
	}
	return func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, testDBLockID)
		conn.Release()
	}
}
