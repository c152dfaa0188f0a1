// Package pgtest connects integration tests to a disposable Postgres.
// Tests are skipped unless CHECKOUT_TEST_POSTGRES_DSN is set.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ariefcatur/go-clinic-checkout/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

const EnvDSN = "CHECKOUT_TEST_POSTGRES_DSN"

// Open returns a migrated, emptied pool.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skipf("skipping postgres integration test; set %s to run", EnvDSN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, postgres.Migrate(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE reservations, payments, checkout_claims, order_items, orders, appointments,
		doctors, cart_items, carts, payment_methods, catalog_items CASCADE`)
	require.NoError(t, err)
	return pool
}

func SeedItem(t *testing.T, pool *pgxpool.Pool, id string, priceCents int64, stock int) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO catalog_items(id, name, unit_price_cents, stock) VALUES ($1, $1, $2, $3)`,
		id, priceCents, stock)
	require.NoError(t, err)
}

func Stock(t *testing.T, pool *pgxpool.Pool, id string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT stock FROM catalog_items WHERE id=$1`, id).Scan(&n))
	return n
}
