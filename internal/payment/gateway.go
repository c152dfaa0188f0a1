// Package payment adapts payment providers behind one Gateway interface.
// Gateways differ by capability: instant methods settle on initiation,
// async_remote methods return a pending handle that must be polled.
package payment

import (
	"context"
	"errors"
)

type MethodKind string

const (
	KindInstant     MethodKind = "instant"
	KindAsyncRemote MethodKind = "async_remote"
)

func (k MethodKind) Valid() bool { return k == KindInstant || k == KindAsyncRemote }

type Status string

const (
	StatusPending    Status = "pending"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
)

func (s Status) IsTerminal() bool { return s == StatusSuccessful || s == StatusFailed }

var (
	ErrInvalidPayerContact = errors.New("invalid payer contact")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrUnknownMethod       = errors.New("unknown payment method")
)

// Handle is what a gateway knows about one payment attempt.
type Handle struct {
	Kind                  MethodKind `json:"kind"`
	Reference             string     `json:"reference"`
	Status                Status     `json:"status"`
	ProviderTransactionID string     `json:"provider_transaction_id,omitempty"`
}

type Request struct {
	// Reference is our id for the attempt and doubles as the provider's
	// idempotency key.
	Reference    string
	ExternalID   string // order id
	AmountCents  int64
	Currency     string
	PayerContact string
}

type Gateway interface {
	Kind() MethodKind
	Initiate(ctx context.Context, req Request) (Handle, error)
	// Query asks the provider once and returns h with its status updated.
	Query(ctx context.Context, h Handle) (Handle, error)
}

// ContactValidator is implemented by gateways that need a payer contact.
// It returns the normalized contact or ErrInvalidPayerContact, without I/O.
type ContactValidator interface {
	ValidateContact(contact string) (string, error)
}
