package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventCheckoutCompleted      = "CheckoutCompleted"
	EventCheckoutCancelled      = "CheckoutCancelled"
	EventPaymentUnresolved      = "PaymentUnresolved"
	EventReconciliationRequired = "ReconciliationRequired"
	EventPaymentReconciled      = "PaymentReconciled"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps an already encoded payload as a version 1 event.
func NewEnvelope(eventType, producer, traceID, orderID string, payload json.RawMessage) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       payload,
	}
}

// ---- payloads ----

type CheckoutCompletedPayload struct {
	OrderID          string     `json:"order_id"`
	PayerID          string     `json:"payer_id"`
	SourceKind       SourceKind `json:"source_kind"`
	SourceID         string     `json:"source_id"`
	TotalCents       int64      `json:"total_cents"`
	PaymentID        string     `json:"payment_id"`
	PaymentReference string     `json:"payment_reference"`
}

type CheckoutCancelledPayload struct {
	OrderID    string     `json:"order_id"`
	PayerID    string     `json:"payer_id"`
	SourceKind SourceKind `json:"source_kind"`
	SourceID   string     `json:"source_id"`
	Reason     string     `json:"reason"` // failure_reason or "user_cancelled"
}

// PaymentUnresolvedPayload is emitted when settlement gave up while the
// provider still reported the payment as pending.
type PaymentUnresolvedPayload struct {
	OrderID          string `json:"order_id"`
	PaymentID        string `json:"payment_id"`
	MethodKind       string `json:"method_kind"`
	PaymentReference string `json:"payment_reference"`
	AmountCents      int64  `json:"amount_cents"`
	Round            int    `json:"round"`
}

// ReconciliationRequiredPayload is emitted when the outcome of a payment
// could not be written. PaymentStatus is what the provider last reported.
type ReconciliationRequiredPayload struct {
	OrderID               string        `json:"order_id"`
	PaymentID             string        `json:"payment_id"`
	MethodKind            string        `json:"method_kind"`
	PaymentReference      string        `json:"payment_reference"`
	PaymentStatus         PaymentStatus `json:"payment_status"`
	ProviderTransactionID string        `json:"provider_transaction_id,omitempty"`
	Reason                string        `json:"reason"`
}

type PaymentReconciledPayload struct {
	OrderID          string        `json:"order_id"`
	PaymentID        string        `json:"payment_id"`
	PaymentReference string        `json:"payment_reference"`
	Status           PaymentStatus `json:"status"`
	OrderStatus      Status        `json:"order_status"`
	RefundRequired   bool          `json:"refund_required"`
}
