package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Token identifies the stock decrements made by one successful Reserve.
type Token string

type Item struct {
	CatalogItemID string `json:"catalog_item_id"`
	Qty           int    `json:"qty"`
}

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownItem       = errors.New("unknown catalog item")
	ErrInvalidQuantity   = errors.New("quantity must be >= 1")
	ErrEmptyReservation  = errors.New("nothing to reserve")
)

// InsufficientStockError names the first item whose decrement failed.
type InsufficientStockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Manager owns every write to catalog stock.
type Manager struct{ DB *pgxpool.Pool }

// Reserve decrements stock for all items or for none of them. Each
// decrement is conditioned on the row's stock at update time, so two
// concurrent reservations can never both take the last unit.
func (m *Manager) Reserve(ctx context.Context, items []Item) (Token, error) {
	merged, err := Merge(items)
	if err != nil {
		return "", err
	}

	tx, err := m.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	token := Token(uuid.NewString())
	for _, it := range merged {
		var left int
		err := tx.QueryRow(ctx, `
			UPDATE catalog_items SET stock = stock - $2, updated_at = now()
			WHERE id = $1 AND stock >= $2
			RETURNING stock`, it.CatalogItemID, it.Qty).Scan(&left)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", m.rejection(ctx, tx, it)
		}
		if err != nil {
			return "", fmt.Errorf("decrement %s: %w", it.CatalogItemID, err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(token, catalog_item_id, qty, status)
			VALUES ($1, $2, $3, 'RESERVED')`, string(token), it.CatalogItemID, it.Qty); err != nil {
			return "", fmt.Errorf("record reservation %s: %w", it.CatalogItemID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return token, nil
}

// rejection explains why a conditional decrement matched no row.
func (m *Manager) rejection(ctx context.Context, tx pgx.Tx, it Item) error {
	var stock int
	err := tx.QueryRow(ctx, `SELECT stock FROM catalog_items WHERE id=$1`, it.CatalogItemID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownItem, it.CatalogItemID)
	}
	if err != nil {
		return err
	}
	return &InsufficientStockError{ItemID: it.CatalogItemID, Requested: it.Qty, Available: stock}
}

// Release credits back exactly what was reserved under token. Rows flip
// RESERVED -> RELEASED in the same statement that credits stock, so a
// repeated call finds nothing to credit.
func (m *Manager) Release(ctx context.Context, token Token) error {
	if token == "" {
		return nil
	}
	_, err := m.DB.Exec(ctx, `
		WITH released AS (
			UPDATE reservations SET status = 'RELEASED', released_at = now()
			WHERE token = $1 AND status = 'RESERVED'
			RETURNING catalog_item_id, qty
		)
		UPDATE catalog_items c
		SET stock = c.stock + r.qty, updated_at = now()
		FROM released r
		WHERE c.id = r.catalog_item_id`, string(token))
	return err
}

// Commit marks a reservation as consumed by a paid order. A consumed token
// can no longer be released.
func (m *Manager) Commit(ctx context.Context, token Token) error {
	if token == "" {
		return nil
	}
	_, err := m.DB.Exec(ctx, `
		UPDATE reservations SET status = 'CONSUMED'
		WHERE token = $1 AND status = 'RESERVED'`, string(token))
	return err
}

// Merge validates items, sums duplicates and sorts by id so that
// concurrent reservations lock rows in the same order.
func Merge(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, ErrEmptyReservation
	}
	byID := make(map[string]int, len(items))
	for _, it := range items {
		if it.Qty < 1 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidQuantity, it.CatalogItemID)
		}
		byID[it.CatalogItemID] += it.Qty
	}
	out := make([]Item, 0, len(byID))
	for id, qty := range byID {
		out = append(out, Item{CatalogItemID: id, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CatalogItemID < out[j].CatalogItemID })
	return out, nil
}
