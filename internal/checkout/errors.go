package checkout

import "fmt"

// Kind classifies a checkout failure by how a caller should react to it.
type Kind string

const (
	KindInput       Kind = "input"       // caller error, nothing was changed
	KindStock       Kind = "stock"       // not enough stock, nothing was changed
	KindGateway     Kind = "gateway"     // provider failed or never confirmed; compensated
	KindState       Kind = "state"       // lost a race or replayed a request
	KindPersistence Kind = "persistence" // store failure
)

// Reason is the failure_reason reported to callers.
type Reason string

const (
	ReasonInvalidInput          Reason = "invalid_input"
	ReasonUnknownPaymentMethod  Reason = "unknown_payment_method"
	ReasonInvalidPayerContact   Reason = "invalid_payer_contact"
	ReasonOrderNotFound         Reason = "order_not_found"
	ReasonStock                 Reason = "stock"
	ReasonDuplicateCheckout     Reason = "duplicate_checkout"
	ReasonPaymentInitiation     Reason = "payment_initiation"
	ReasonPaymentNotConfirmed   Reason = "payment_not_confirmed"
	ReasonConflict              Reason = "conflict"
	ReasonReconciliationPending Reason = "reconciliation_pending"
	ReasonInternal              Reason = "internal"
)

type Error struct {
	Kind    Kind
	Reason  Reason
	OrderID string
	Err     error
}

func (e *Error) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("checkout %s (%s) order %s: %v", e.Reason, e.Kind, e.OrderID, e.Err)
	}
	return fmt.Sprintf("checkout %s (%s): %v", e.Reason, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(kind Kind, reason Reason, orderID string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, OrderID: orderID, Err: err}
}
