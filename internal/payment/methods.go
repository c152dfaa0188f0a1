package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Method is a row of the payment method registry. Kind decides which
// gateway serves it; ids carry no meaning of their own.
type Method struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Kind   MethodKind `json:"kind"`
	Active bool       `json:"active"`
}

type Methods struct{ DB *pgxpool.Pool }

// Method returns the active method with the given id, or ErrUnknownMethod.
func (m *Methods) Method(ctx context.Context, id string) (Method, error) {
	var (
		out  Method
		kind string
	)
	err := m.DB.QueryRow(ctx,
		`SELECT id, name, kind, active FROM payment_methods WHERE id=$1`, id,
	).Scan(&out.ID, &out.Name, &kind, &out.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Method{}, fmt.Errorf("%w: %s", ErrUnknownMethod, id)
	}
	if err != nil {
		return Method{}, err
	}
	out.Kind = MethodKind(kind)
	if !out.Active || !out.Kind.Valid() {
		return Method{}, fmt.Errorf("%w: %s", ErrUnknownMethod, id)
	}
	return out, nil
}
