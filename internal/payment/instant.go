package payment

import "context"

// Instant covers cash and pay-on-delivery. Nothing leaves the process.
type Instant struct{}

func (Instant) Kind() MethodKind { return KindInstant }

func (Instant) Initiate(_ context.Context, req Request) (Handle, error) {
	return Handle{Kind: KindInstant, Reference: req.Reference, Status: StatusSuccessful}, nil
}

func (Instant) Query(_ context.Context, h Handle) (Handle, error) {
	h.Status = StatusSuccessful
	return h, nil
}
