// Package sources turns a checkout source id into priced lines: a cart
// into its items, an appointment into its doctor's consultation fee.
package sources

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound    = errors.New("checkout source not found")
	ErrEmptyCart   = errors.New("cart is empty")
	ErrAlreadyPaid = errors.New("appointment fee already paid")
)

// PricedItem is one cart line priced at the catalog's current price.
type PricedItem struct {
	CatalogItemID  string
	Name           string
	Qty            int
	UnitPriceCents int64
	AvailableStock int
}

type Carts struct{ DB *pgxpool.Pool }

// Resolve returns the lines of a cart owned by payerID, ordered by item id.
func (c *Carts) Resolve(ctx context.Context, payerID, cartID string) ([]PricedItem, error) {
	var owner string
	err := c.DB.QueryRow(ctx, `SELECT payer_id FROM carts WHERE id=$1`, cartID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != payerID) {
		return nil, fmt.Errorf("%w: cart %s", ErrNotFound, cartID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := c.DB.Query(ctx, `
		SELECT ci.catalog_item_id, c.name, ci.qty, c.unit_price_cents, c.stock
		FROM cart_items ci JOIN catalog_items c ON c.id = ci.catalog_item_id
		WHERE ci.cart_id = $1
		ORDER BY ci.catalog_item_id`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PricedItem
	for rows.Next() {
		var it PricedItem
		if err := rows.Scan(&it.CatalogItemID, &it.Name, &it.Qty, &it.UnitPriceCents, &it.AvailableStock); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCart, cartID)
	}
	return out, nil
}

// Clear empties a cart after it has been paid for.
func (c *Carts) Clear(ctx context.Context, cartID string) error {
	_, err := c.DB.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cartID)
	return err
}

type Fee struct {
	AppointmentID string
	DoctorID      string
	DoctorName    string
	AmountCents   int64
}

type Appointments struct{ DB *pgxpool.Pool }

// Fee looks up the consultation fee of an unpaid appointment.
func (a *Appointments) Fee(ctx context.Context, payerID, appointmentID string) (Fee, error) {
	var (
		f     Fee
		owner string
		paid  bool
	)
	err := a.DB.QueryRow(ctx, `
		SELECT a.id, a.payer_id, a.paid, d.id, d.name, d.consultation_fee_cents
		FROM appointments a JOIN doctors d ON d.id = a.doctor_id
		WHERE a.id = $1`, appointmentID).Scan(
		&f.AppointmentID, &owner, &paid, &f.DoctorID, &f.DoctorName, &f.AmountCents)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != payerID) {
		return Fee{}, fmt.Errorf("%w: appointment %s", ErrNotFound, appointmentID)
	}
	if err != nil {
		return Fee{}, err
	}
	if paid {
		return Fee{}, fmt.Errorf("%w: %s", ErrAlreadyPaid, appointmentID)
	}
	return f, nil
}

// MarkPaid records the order that paid for the appointment. It only
// flips unpaid appointments.
func (a *Appointments) MarkPaid(ctx context.Context, appointmentID, orderID string) error {
	ct, err := a.DB.Exec(ctx, `
		UPDATE appointments SET paid = true, order_id = $2
		WHERE id = $1 AND NOT paid`, appointmentID, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyPaid, appointmentID)
	}
	return nil
}
