package sources_test

import (
	"context"
	"testing"

	"github.com/ariefcatur/go-clinic-checkout/internal/postgres/pgtest"
	"github.com/ariefcatur/go-clinic-checkout/internal/sources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCarts_ResolveAndClear(t *testing.T) {
	pool := pgtest.Open(t)
	ctx := context.Background()
	pgtest.SeedItem(t, pool, "X", 10, 4)
	pgtest.SeedItem(t, pool, "Y", 7, 1)
	_, err := pool.Exec(ctx, `INSERT INTO carts(id, payer_id) VALUES ('cart-1', 'payer-1')`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO cart_items(cart_id, catalog_item_id, qty) VALUES ('cart-1','Y',1), ('cart-1','X',2)`)
	require.NoError(t, err)

	c := &sources.Carts{DB: pool}
	items, err := c.Resolve(ctx, "payer-1", "cart-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "X", items[0].CatalogItemID)
	assert.Equal(t, 2, items[0].Qty)
	assert.Equal(t, int64(10), items[0].UnitPriceCents)
	assert.Equal(t, 4, items[0].AvailableStock)

	_, err = c.Resolve(ctx, "someone-else", "cart-1")
	assert.ErrorIs(t, err, sources.ErrNotFound)

	require.NoError(t, c.Clear(ctx, "cart-1"))
	_, err = c.Resolve(ctx, "payer-1", "cart-1")
	assert.ErrorIs(t, err, sources.ErrEmptyCart)
}

func TestAppointments_FeeAndMarkPaid(t *testing.T) {
	pool := pgtest.Open(t)
	ctx := context.Background()
	_, err := pool.Exec(ctx, `INSERT INTO doctors(id, name, consultation_fee_cents) VALUES ('doc-1', 'Dr. A', 3000)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO appointments(id, payer_id, doctor_id) VALUES ('appt-1', 'payer-1', 'doc-1')`)
	require.NoError(t, err)

	a := &sources.Appointments{DB: pool}
	fee, err := a.Fee(ctx, "payer-1", "appt-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), fee.AmountCents)
	assert.Equal(t, "doc-1", fee.DoctorID)

	require.NoError(t, a.MarkPaid(ctx, "appt-1", "order-1"))
	assert.ErrorIs(t, a.MarkPaid(ctx, "appt-1", "order-2"), sources.ErrAlreadyPaid)

	_, err = a.Fee(ctx, "payer-1", "appt-1")
	assert.ErrorIs(t, err, sources.ErrAlreadyPaid)
}
