package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreatePayment records a payment bound to an order at gateway
// initiation time.
func (l *Ledger) CreatePayment(ctx context.Context, p *Payment) error {
	return l.DB.QueryRow(ctx, `
		INSERT INTO payments(id, order_id, method_id, method_kind, external_reference,
		                     provider_transaction_id, status, amount_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		p.ID, p.OrderID, p.MethodID, p.MethodKind, p.ExternalReference,
		p.ProviderTransactionID, string(p.Status), p.AmountCents,
	).Scan(&p.CreatedAt)
}

func (l *Ledger) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var (
		p     Payment
		state string
	)
	err := l.DB.QueryRow(ctx, `
		SELECT id, order_id, method_id, method_kind, external_reference,
		       provider_transaction_id, status, amount_cents, created_at, completed_at
		FROM payments WHERE id=$1`, paymentID).Scan(
		&p.ID, &p.OrderID, &p.MethodID, &p.MethodKind, &p.ExternalReference,
		&p.ProviderTransactionID, &state, &p.AmountCents, &p.CreatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
	}
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(state)
	return &p, nil
}

// ResolvePayment records the outcome of a payment that was left pending,
// without touching its order.
func (l *Ledger) ResolvePayment(ctx context.Context, paymentID string, to PaymentStatus, providerTxID string) error {
	return resolvePayment(ctx, l.DB, paymentID, to, providerTxID)
}

func resolvePayment(ctx context.Context, q querier, paymentID string, to PaymentStatus, providerTxID string) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNonTerminalPayment, to)
	}
	ct, err := q.Exec(ctx, `
		UPDATE payments
		SET status = $2,
		    provider_transaction_id = CASE WHEN $3 = '' THEN provider_transaction_id ELSE $3 END,
		    completed_at = now()
		WHERE id = $1 AND status IN ('initiated', 'pending')`,
		paymentID, string(to), providerTxID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPaymentNotPending, paymentID)
	}
	return nil
}
