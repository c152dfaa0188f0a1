package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-clinic-checkout/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrInvalidTransition  = errors.New("invalid order transition")
	ErrDuplicateCheckout  = errors.New("source is already checked out")
	ErrPaymentNotPending  = errors.New("payment is not awaiting a result")
	ErrNonTerminalPayment = errors.New("payment status is not terminal")
)

// TransitionError carries the status actually found when a guarded
// transition is rejected.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
	Current Status
}

func (e *TransitionError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("order %s: %s -> %s is not an allowed edge", e.OrderID, e.From, e.To)
	}
	return fmt.Sprintf("order %s: %s -> %s rejected, status is %s", e.OrderID, e.From, e.To, e.Current)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

const (
	liveSourceIndex = "orders_live_source_idx"
	claimKey        = "checkout_claims_pkey"
)

// Ledger persists orders and payments. Status changes only go through
// guarded updates conditioned on the expected prior status.
type Ledger struct{ DB *pgxpool.Pool }

// CreateOrder stores d as a pending order together with its line items
// and claims its source. A source stays claimed while its order is live
// or completed, so a cart or fee can only ever be paid once.
func (l *Ledger) CreateOrder(ctx context.Context, d Draft) (*Order, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o := &Order{
		ID:               uuid.NewString(),
		PayerID:          d.PayerID,
		SourceKind:       d.SourceKind,
		SourceID:         d.SourceID,
		Status:           StatusPending,
		Items:            d.Items,
		SubtotalCents:    d.SubtotalCents,
		DeliveryFeeCents: d.DeliveryFeeCents,
		TotalCents:       d.TotalCents,
		ReservationToken: d.ReservationToken,
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO orders(id, payer_id, source_kind, source_id, status,
		                   subtotal_cents, delivery_fee_cents, total_cents, reservation_token)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, NULLIF($8, ''))
		RETURNING created_at, updated_at`,
		o.ID, o.PayerID, string(o.SourceKind), o.SourceID,
		o.SubtotalCents, o.DeliveryFeeCents, o.TotalCents, o.ReservationToken,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if postgres.IsUniqueViolation(err, liveSourceIndex) {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateCheckout, o.SourceKind, o.SourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, line_no, catalog_item_id, description, qty, unit_price_cents)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
			o.ID, it.LineNo, it.CatalogItemID, it.Description, it.Qty, it.UnitPriceCents,
		); err != nil {
			return nil, fmt.Errorf("insert order item %d: %w", it.LineNo, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO checkout_claims(source_kind, source_id, order_id) VALUES ($1, $2, $3)`,
		string(o.SourceKind), o.SourceID, o.ID)
	if postgres.IsUniqueViolation(err, claimKey) {
		return nil, fmt.Errorf("%w: %s %s already checked out", ErrDuplicateCheckout, o.SourceKind, o.SourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("claim source: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// Transition moves an order from -> to, provided the stored status is
// still from.
func (l *Ledger) Transition(ctx context.Context, orderID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{OrderID: orderID, From: from, To: to}
	}
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := transition(ctx, tx, orderID, from, to); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func transition(ctx context.Context, q querier, orderID string, from, to Status) error {
	ct, err := q.Exec(ctx, `
		UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, orderID, string(from), string(to))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		if to != StatusCancelled {
			return nil
		}
		// a cancelled order frees its source for another checkout
		_, err := q.Exec(ctx, `DELETE FROM checkout_claims WHERE order_id = $1`, orderID)
		return err
	}

	var cur string
	err = q.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return err
	}
	return &TransitionError{OrderID: orderID, From: from, To: to, Current: Status(cur)}
}

// Settlement is the final write of a checkout.
type Settlement struct {
	OrderID string
	To      Status // completed or cancelled

	// PaymentID/PaymentStatus are optional: a payment whose outcome is
	// unknown is left pending.
	PaymentID             string
	PaymentStatus         PaymentStatus
	ProviderTransactionID string
}

// Settle resolves the bound payment and moves the order out of
// processing in one short transaction.
func (l *Ledger) Settle(ctx context.Context, s Settlement) error {
	if !CanTransition(StatusProcessing, s.To) {
		return &TransitionError{OrderID: s.OrderID, From: StatusProcessing, To: s.To}
	}
	if s.To == StatusCompleted && s.PaymentStatus != PaymentSuccessful {
		return fmt.Errorf("order %s: completion requires a successful payment", s.OrderID)
	}

	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.PaymentID != "" && s.PaymentStatus != "" {
		if err := resolvePayment(ctx, tx, s.PaymentID, s.PaymentStatus, s.ProviderTransactionID); err != nil {
			return err
		}
	}
	if err := transition(ctx, tx, s.OrderID, StatusProcessing, s.To); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *Ledger) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var (
		o     Order
		kind  string
		state string
		token *string
	)
	err := l.DB.QueryRow(ctx, `
		SELECT id, payer_id, source_kind, source_id, status, subtotal_cents,
		       delivery_fee_cents, total_cents, reservation_token, created_at, updated_at
		FROM orders WHERE id=$1`, orderID).Scan(
		&o.ID, &o.PayerID, &kind, &o.SourceID, &state, &o.SubtotalCents,
		&o.DeliveryFeeCents, &o.TotalCents, &token, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}
	o.SourceKind = SourceKind(kind)
	o.Status = Status(state)
	if token != nil {
		o.ReservationToken = *token
	}

	rows, err := l.DB.Query(ctx, `
		SELECT line_no, COALESCE(catalog_item_id, ''), description, qty, unit_price_cents
		FROM order_items WHERE order_id=$1 ORDER BY line_no`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.LineNo, &it.CatalogItemID, &it.Description, &it.Qty, &it.UnitPriceCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (l *Ledger) GetOrderStatus(ctx context.Context, orderID string) (Status, error) {
	var s string
	err := l.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return "", err
	}
	return Status(s), nil
}
