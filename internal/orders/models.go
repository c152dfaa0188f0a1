package orders

import (
	"errors"
	"fmt"
	"time"
)

type SourceKind string

const (
	SourceCart           SourceKind = "cart"
	SourceAppointmentFee SourceKind = "appointment_fee"
)

func (k SourceKind) Valid() bool {
	return k == SourceCart || k == SourceAppointmentFee
}

type Order struct {
	ID               string     `json:"id"`
	PayerID          string     `json:"payer_id"`
	SourceKind       SourceKind `json:"source_kind"`
	SourceID         string     `json:"source_id"`
	Status           Status     `json:"status"`
	Items            []LineItem `json:"items"`
	SubtotalCents    int64      `json:"subtotal_cents"`
	DeliveryFeeCents int64      `json:"delivery_fee_cents"`
	TotalCents       int64      `json:"total_cents"`
	ReservationToken string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// LineItem is a price snapshot taken when the order is drafted. The
// catalog is never consulted for it again.
type LineItem struct {
	LineNo         int    `json:"line_no"`
	CatalogItemID  string `json:"catalog_item_id,omitempty"`
	Description    string `json:"description,omitempty"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

func (li LineItem) AmountCents() int64 { return int64(li.Qty) * li.UnitPriceCents }

type Payment struct {
	ID                    string        `json:"id"`
	OrderID               string        `json:"order_id"`
	MethodID              string        `json:"method_id"`
	MethodKind            string        `json:"method_kind"`
	ExternalReference     string        `json:"external_reference"`
	ProviderTransactionID string        `json:"provider_transaction_id,omitempty"`
	Status                PaymentStatus `json:"status"`
	AmountCents           int64         `json:"amount_cents"`
	CreatedAt             time.Time     `json:"created_at"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty"`
}

// Draft is an order that has been priced but not persisted.
type Draft struct {
	PayerID          string
	SourceKind       SourceKind
	SourceID         string
	Items            []LineItem
	SubtotalCents    int64
	DeliveryFeeCents int64
	TotalCents       int64
	ReservationToken string
}

var ErrInvalidDraft = errors.New("invalid order draft")

// NewDraft numbers the lines and computes subtotal and total from the
// snapshot prices.
func NewDraft(payerID string, kind SourceKind, sourceID string, items []LineItem, deliveryFeeCents int64) (Draft, error) {
	if payerID == "" || sourceID == "" {
		return Draft{}, fmt.Errorf("%w: payer and source are required", ErrInvalidDraft)
	}
	if !kind.Valid() {
		return Draft{}, fmt.Errorf("%w: unknown source kind %q", ErrInvalidDraft, kind)
	}
	if len(items) == 0 {
		return Draft{}, fmt.Errorf("%w: no line items", ErrInvalidDraft)
	}
	if deliveryFeeCents < 0 {
		return Draft{}, fmt.Errorf("%w: negative delivery fee", ErrInvalidDraft)
	}

	d := Draft{
		PayerID:          payerID,
		SourceKind:       kind,
		SourceID:         sourceID,
		Items:            make([]LineItem, len(items)),
		DeliveryFeeCents: deliveryFeeCents,
	}
	for i, it := range items {
		if it.Qty < 1 {
			return Draft{}, fmt.Errorf("%w: line %d quantity %d", ErrInvalidDraft, i+1, it.Qty)
		}
		if it.UnitPriceCents < 0 {
			return Draft{}, fmt.Errorf("%w: line %d negative price", ErrInvalidDraft, i+1)
		}
		it.LineNo = i + 1
		d.Items[i] = it
		d.SubtotalCents += it.AmountCents()
	}
	d.TotalCents = d.SubtotalCents + d.DeliveryFeeCents
	return d, nil
}
