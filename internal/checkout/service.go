// Package checkout turns a cart or an unpaid appointment fee into a paid
// order. It is the only code that drives orders and payments to a
// terminal state.
//
// A checkout runs as a sequence of short store writes around the
// provider calls: reserve stock, create the order, move it to
// processing, initiate the payment, settle it, then write the outcome.
// Every failure after the reservation compensates by cancelling the
// order and releasing the stock, except a final write that fails after
// the provider confirmed the money. That case keeps the stock reserved
// and is published for reconciliation.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-clinic-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/go-clinic-checkout/internal/kafka"
	"github.com/ariefcatur/go-clinic-checkout/internal/logx"
	"github.com/ariefcatur/go-clinic-checkout/internal/orders"
	"github.com/ariefcatur/go-clinic-checkout/internal/payment"
	"github.com/ariefcatur/go-clinic-checkout/internal/redisx"
	"github.com/ariefcatur/go-clinic-checkout/internal/settlement"
	"github.com/ariefcatur/go-clinic-checkout/internal/sources"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// finalWriteTimeout bounds compensation and outcome writes, which run
// detached from the request so a disconnecting caller cannot skip them.
const finalWriteTimeout = 5 * time.Second

type Reserver interface {
	Reserve(ctx context.Context, items []inventory.Item) (inventory.Token, error)
	Release(ctx context.Context, token inventory.Token) error
	Commit(ctx context.Context, token inventory.Token) error
}

type Ledger interface {
	CreateOrder(ctx context.Context, d orders.Draft) (*orders.Order, error)
	Transition(ctx context.Context, orderID string, from, to orders.Status) error
	Settle(ctx context.Context, s orders.Settlement) error
	CreatePayment(ctx context.Context, p *orders.Payment) error
	ResolvePayment(ctx context.Context, paymentID string, to orders.PaymentStatus, providerTxID string) error
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
}

type MethodRegistry interface {
	Method(ctx context.Context, id string) (payment.Method, error)
}

type Carts interface {
	Resolve(ctx context.Context, payerID, cartID string) ([]sources.PricedItem, error)
	Clear(ctx context.Context, cartID string) error
}

type Appointments interface {
	Fee(ctx context.Context, payerID, appointmentID string) (sources.Fee, error)
	MarkPaid(ctx context.Context, appointmentID, orderID string) error
}

type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

type Settler interface {
	Settle(ctx context.Context, q settlement.Querier, h payment.Handle) (payment.Handle, error)
}

type Service struct {
	Stock        Reserver
	Ledger       Ledger
	Methods      MethodRegistry
	Gateways     map[payment.MethodKind]payment.Gateway
	Carts        Carts
	Appointments Appointments
	Locker       Locker // optional
	Events       Publisher
	Settler      Settler
	Log          *zap.Logger

	DeliveryFeeCents int64
	Currency         string
	ServiceName      string
}

type Request struct {
	PayerID         string            `json:"payer_id"`
	SourceKind      orders.SourceKind `json:"source_kind"`
	SourceID        string            `json:"source_id"`
	PaymentMethodID string            `json:"payment_method_id"`
	PayerContact    string            `json:"payer_contact,omitempty"`
}

type Result struct {
	Success          bool   `json:"success"`
	OrderID          string `json:"order_id,omitempty"`
	AppointmentID    string `json:"appointment_id,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
	FailureReason    Reason `json:"failure_reason,omitempty"`
}

// resolved is a checkout source turned into priced lines.
type resolved struct {
	lines         []orders.LineItem
	stock         []inventory.Item
	appointmentID string
}

// Checkout runs one checkout to completion. On failure the returned
// Result carries the failure reason and error is a *Error.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	log := logx.For(ctx, s.logger()).With(
		zap.String("payer_id", req.PayerID),
		zap.String("source_kind", string(req.SourceKind)),
		zap.String("source_id", req.SourceID))

	if err := req.validate(); err != nil {
		return s.failed(log, Result{}, fail(KindInput, ReasonInvalidInput, "", err))
	}

	method, gw, contact, cerr := s.preflight(ctx, req)
	if cerr != nil {
		return s.failed(log, Result{}, cerr)
	}

	if s.Locker != nil {
		unlock, err := s.Locker.Lock(ctx, fmt.Sprintf(redisx.KeyCheckoutLock, req.SourceKind, req.SourceID))
		switch {
		case errors.Is(err, redisx.ErrLocked):
			return s.failed(log, Result{}, fail(KindState, ReasonDuplicateCheckout, "", err))
		case err != nil:
			log.Warn("checkout lock unavailable, relying on order guard", zap.Error(err))
		default:
			defer unlock()
		}
	}

	src, cerr := s.resolve(ctx, req)
	if cerr != nil {
		return s.failed(log, Result{}, cerr)
	}
	res := Result{AppointmentID: src.appointmentID}

	fee := int64(0)
	if req.SourceKind == orders.SourceCart {
		fee = s.DeliveryFeeCents
	}
	draft, err := orders.NewDraft(req.PayerID, req.SourceKind, req.SourceID, src.lines, fee)
	if err != nil {
		return s.failed(log, res, fail(KindInput, ReasonInvalidInput, "", err))
	}

	var token inventory.Token
	if len(src.stock) > 0 {
		token, err = s.Stock.Reserve(ctx, src.stock)
		if errors.Is(err, inventory.ErrInsufficientStock) || errors.Is(err, inventory.ErrUnknownItem) {
			return s.failed(log, res, fail(KindStock, ReasonStock, "", err))
		}
		if err != nil {
			return s.failed(log, res, fail(KindPersistence, ReasonInternal, "", err))
		}
	}
	draft.ReservationToken = string(token)

	order, err := s.Ledger.CreateOrder(ctx, draft)
	if err != nil {
		s.release(ctx, log, token)
		if errors.Is(err, orders.ErrDuplicateCheckout) {
			return s.failed(log, res, fail(KindState, ReasonDuplicateCheckout, "", err))
		}
		return s.failed(log, res, fail(KindPersistence, ReasonInternal, "", err))
	}
	res.OrderID = order.ID
	log = log.With(zap.String("order_id", order.ID))

	if err := s.Ledger.Transition(ctx, order.ID, orders.StatusPending, orders.StatusProcessing); err != nil {
		s.abandon(ctx, log, order, orders.StatusPending, token)
		if errors.Is(err, orders.ErrInvalidTransition) {
			return s.failed(log, res, fail(KindState, ReasonConflict, order.ID, err))
		}
		return s.failed(log, res, fail(KindPersistence, ReasonInternal, order.ID, err))
	}

	pay := &orders.Payment{
		ID:          uuid.NewString(),
		OrderID:     order.ID,
		MethodID:    method.ID,
		MethodKind:  string(method.Kind),
		AmountCents: order.TotalCents,
	}
	h, err := gw.Initiate(ctx, payment.Request{
		Reference:    pay.ID,
		ExternalID:   order.ID,
		AmountCents:  order.TotalCents,
		Currency:     s.Currency,
		PayerContact: contact,
	})
	if err != nil {
		s.abandon(ctx, log, order, orders.StatusProcessing, token)
		s.emitCancelled(ctx, order, string(ReasonPaymentInitiation))
		kind := KindGateway
		if errors.Is(err, payment.ErrInvalidPayerContact) {
			kind = KindInput
		}
		return s.failed(log, res, fail(kind, ReasonPaymentInitiation, order.ID, err))
	}
	res.PaymentReference = h.Reference
	log = log.With(zap.String("payment_reference", h.Reference))

	pay.ExternalReference = h.Reference
	pay.Status = orders.PaymentPending
	if h.Kind == payment.KindInstant {
		pay.Status = orders.PaymentInitiated
	}
	if err := s.Ledger.CreatePayment(ctx, pay); err != nil {
		// the provider already holds a live request for this order
		s.needsReconciliation(ctx, log, order, pay, h, err)
		return s.failed(log, res, fail(KindPersistence, ReasonReconciliationPending, order.ID, err))
	}

	h, err = s.Settler.Settle(ctx, gw, h)
	switch {
	case err == nil && h.Status == payment.StatusSuccessful:
		return s.complete(ctx, log, res, order, pay, h, token)
	case err == nil:
		return s.declined(ctx, log, res, order, pay, h, token)
	default:
		return s.unresolved(ctx, log, res, order, pay, h, token, err)
	}
}

// preflight finds the gateway for the method and checks the payer
// contact. It has no side effects.
func (s *Service) preflight(ctx context.Context, req Request) (payment.Method, payment.Gateway, string, *Error) {
	method, err := s.Methods.Method(ctx, req.PaymentMethodID)
	if errors.Is(err, payment.ErrUnknownMethod) {
		return payment.Method{}, nil, "", fail(KindInput, ReasonUnknownPaymentMethod, "", err)
	}
	if err != nil {
		return payment.Method{}, nil, "", fail(KindPersistence, ReasonInternal, "", err)
	}
	gw, ok := s.Gateways[method.Kind]
	if !ok {
		return payment.Method{}, nil, "", fail(KindInput, ReasonUnknownPaymentMethod, "",
			fmt.Errorf("%w: no gateway for kind %s", payment.ErrUnknownMethod, method.Kind))
	}
	contact := req.PayerContact
	if v, ok := gw.(payment.ContactValidator); ok {
		if contact, err = v.ValidateContact(req.PayerContact); err != nil {
			return payment.Method{}, nil, "", fail(KindInput, ReasonInvalidPayerContact, "", err)
		}
	}
	return method, gw, contact, nil
}

func (s *Service) resolve(ctx context.Context, req Request) (resolved, *Error) {
	switch req.SourceKind {
	case orders.SourceCart:
		items, err := s.Carts.Resolve(ctx, req.PayerID, req.SourceID)
		if errors.Is(err, sources.ErrNotFound) || errors.Is(err, sources.ErrEmptyCart) {
			return resolved{}, fail(KindInput, ReasonInvalidInput, "", err)
		}
		if err != nil {
			return resolved{}, fail(KindPersistence, ReasonInternal, "", err)
		}
		var out resolved
		for _, it := range items {
			// the reservation re-checks atomically; this only skips doomed work
			if it.Qty > it.AvailableStock {
				return resolved{}, fail(KindStock, ReasonStock, "", &inventory.InsufficientStockError{
					ItemID: it.CatalogItemID, Requested: it.Qty, Available: it.AvailableStock,
				})
			}
			out.lines = append(out.lines, orders.LineItem{
				CatalogItemID:  it.CatalogItemID,
				Description:    it.Name,
				Qty:            it.Qty,
				UnitPriceCents: it.UnitPriceCents,
			})
			out.stock = append(out.stock, inventory.Item{CatalogItemID: it.CatalogItemID, Qty: it.Qty})
		}
		return out, nil

	case orders.SourceAppointmentFee:
		fee, err := s.Appointments.Fee(ctx, req.PayerID, req.SourceID)
		if errors.Is(err, sources.ErrNotFound) {
			return resolved{}, fail(KindInput, ReasonInvalidInput, "", err)
		}
		if errors.Is(err, sources.ErrAlreadyPaid) {
			return resolved{}, fail(KindState, ReasonConflict, "", err)
		}
		if err != nil {
			return resolved{}, fail(KindPersistence, ReasonInternal, "", err)
		}
		return resolved{
			lines: []orders.LineItem{{
				Description:    "Consultation fee: " + fee.DoctorName,
				Qty:            1,
				UnitPriceCents: fee.AmountCents,
			}},
			appointmentID: fee.AppointmentID,
		}, nil
	}
	return resolved{}, fail(KindInput, ReasonInvalidInput, "", fmt.Errorf("unknown source kind %q", req.SourceKind))
}

func (s *Service) complete(ctx context.Context, log *zap.Logger, res Result, order *orders.Order,
	pay *orders.Payment, h payment.Handle, token inventory.Token) (Result, error) {
	fctx, cancel := detached(ctx)
	defer cancel()

	err := s.Ledger.Settle(fctx, orders.Settlement{
		OrderID:               order.ID,
		To:                    orders.StatusCompleted,
		PaymentID:             pay.ID,
		PaymentStatus:         orders.PaymentSuccessful,
		ProviderTransactionID: h.ProviderTransactionID,
	})
	if err != nil {
		s.needsReconciliation(fctx, log, order, pay, h, err)
		kind := KindPersistence
		if errors.Is(err, orders.ErrInvalidTransition) || errors.Is(err, orders.ErrPaymentNotPending) {
			kind = KindState
		}
		return s.failed(log, res, fail(kind, ReasonReconciliationPending, order.ID, err))
	}

	if err := s.Stock.Commit(fctx, token); err != nil {
		log.Error("reservation commit failed", zap.String("token", string(token)), zap.Error(err))
	}
	switch order.SourceKind {
	case orders.SourceCart:
		if err := s.Carts.Clear(fctx, order.SourceID); err != nil {
			log.Warn("cart clear failed", zap.Error(err))
		}
	case orders.SourceAppointmentFee:
		if err := s.Appointments.MarkPaid(fctx, order.SourceID, order.ID); err != nil {
			log.Error("appointment not marked paid", zap.Error(err))
		}
	}

	s.emit(ctx, orders.TopicCheckoutCompleted, orders.EventCheckoutCompleted, order.ID, orders.CheckoutCompletedPayload{
		OrderID:          order.ID,
		PayerID:          order.PayerID,
		SourceKind:       order.SourceKind,
		SourceID:         order.SourceID,
		TotalCents:       order.TotalCents,
		PaymentID:        pay.ID,
		PaymentReference: pay.ExternalReference,
	})
	log.Info("checkout completed", zap.Int64("total_cents", order.TotalCents))

	res.Success = true
	return res, nil
}

// declined handles a provider that reported the payment as failed. The
// payment row always ends failed: directly, or through reconciliation
// when the store cannot be written.
func (s *Service) declined(ctx context.Context, log *zap.Logger, res Result, order *orders.Order,
	pay *orders.Payment, h payment.Handle, token inventory.Token) (Result, error) {
	fctx, cancel := detached(ctx)
	defer cancel()

	err := s.Ledger.Settle(fctx, orders.Settlement{
		OrderID:       order.ID,
		To:            orders.StatusCancelled,
		PaymentID:     pay.ID,
		PaymentStatus: orders.PaymentFailed,
	})
	switch {
	case err == nil:
	case errors.Is(err, orders.ErrInvalidTransition):
		// cancelled by the payer meanwhile; the rollback took the payment update with it
		log.Info("order left processing before the decline was recorded", zap.Error(err))
		if rerr := s.Ledger.ResolvePayment(fctx, pay.ID, orders.PaymentFailed, ""); rerr != nil &&
			!errors.Is(rerr, orders.ErrPaymentNotPending) {
			s.needsReconciliation(fctx, log, order, pay, h, rerr)
		}
	default:
		log.Warn("settling declined payment failed", zap.Error(err))
		if terr := s.Ledger.Transition(fctx, order.ID, orders.StatusProcessing, orders.StatusCancelled); terr != nil {
			log.Warn("cancel after declined payment failed", zap.Error(terr))
		}
		s.needsReconciliation(fctx, log, order, pay, h, err)
	}
	s.release(fctx, log, token)
	s.emitCancelled(ctx, order, string(ReasonPaymentNotConfirmed))
	return s.failed(log, res, fail(KindGateway, ReasonPaymentNotConfirmed, order.ID, errors.New("payment declined")))
}

// unresolved handles settlement that ran out of attempts. The payment
// row stays pending and is handed to the reconciler.
func (s *Service) unresolved(ctx context.Context, log *zap.Logger, res Result, order *orders.Order,
	pay *orders.Payment, h payment.Handle, token inventory.Token, cause error) (Result, error) {
	fctx, cancel := detached(ctx)
	defer cancel()

	if err := s.Ledger.Transition(fctx, order.ID, orders.StatusProcessing, orders.StatusCancelled); err != nil {
		log.Warn("cancel after unresolved settlement failed", zap.Error(err))
	}
	s.release(fctx, log, token)
	s.emitCancelled(ctx, order, string(ReasonPaymentNotConfirmed))
	s.emit(ctx, orders.TopicPaymentUnresolved, orders.EventPaymentUnresolved, order.ID, orders.PaymentUnresolvedPayload{
		OrderID:          order.ID,
		PaymentID:        pay.ID,
		MethodKind:       pay.MethodKind,
		PaymentReference: h.Reference,
		AmountCents:      pay.AmountCents,
	})
	log.Warn("payment unresolved, handed to reconciler", zap.Error(cause))
	return s.failed(log, res, fail(KindGateway, ReasonPaymentNotConfirmed, order.ID, cause))
}

// Cancel cancels an order on the payer's request while it is still
// pending or processing, and releases its stock.
func (s *Service) Cancel(ctx context.Context, payerID, orderID string) (*orders.Order, error) {
	log := logx.For(ctx, s.logger()).With(zap.String("order_id", orderID))

	o, err := s.Ledger.GetOrder(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) || (err == nil && o.PayerID != payerID) {
		return nil, fail(KindInput, ReasonOrderNotFound, orderID, orders.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fail(KindPersistence, ReasonInternal, orderID, err)
	}
	if !o.Status.Cancellable() {
		err := &orders.TransitionError{OrderID: o.ID, From: o.Status, To: orders.StatusCancelled, Current: o.Status}
		log.Warn("cancel rejected", zap.String("status", string(o.Status)))
		return nil, fail(KindState, ReasonConflict, orderID, err)
	}
	if err := s.Ledger.Transition(ctx, o.ID, o.Status, orders.StatusCancelled); err != nil {
		if errors.Is(err, orders.ErrInvalidTransition) {
			log.Warn("cancel lost a race", zap.Error(err))
			return nil, fail(KindState, ReasonConflict, orderID, err)
		}
		return nil, fail(KindPersistence, ReasonInternal, orderID, err)
	}

	s.release(ctx, log, inventory.Token(o.ReservationToken))
	s.emitCancelled(ctx, o, "user_cancelled")
	log.Info("order cancelled by payer")

	o.Status = orders.StatusCancelled
	return o, nil
}

// abandon cancels an order that never reached settlement and gives its
// stock back.
func (s *Service) abandon(ctx context.Context, log *zap.Logger, order *orders.Order, from orders.Status, token inventory.Token) {
	fctx, cancel := detached(ctx)
	defer cancel()
	if err := s.Ledger.Transition(fctx, order.ID, from, orders.StatusCancelled); err != nil {
		log.Warn("compensating cancel failed", zap.Error(err))
	}
	s.release(fctx, log, token)
}

func (s *Service) release(ctx context.Context, log *zap.Logger, token inventory.Token) {
	if token == "" {
		return
	}
	fctx, cancel := detached(ctx)
	defer cancel()
	if err := s.Stock.Release(fctx, token); err != nil {
		log.Error("stock release failed", zap.String("token", string(token)), zap.Error(err))
	}
}

// needsReconciliation publishes a payment whose outcome could not be
// written. Stock stays reserved until someone resolves it.
func (s *Service) needsReconciliation(ctx context.Context, log *zap.Logger, order *orders.Order,
	pay *orders.Payment, h payment.Handle, cause error) {
	log.Error("final write failed, payment needs reconciliation",
		zap.String("payment_id", pay.ID),
		zap.String("payment_status", string(h.Status)),
		zap.String("provider_transaction_id", h.ProviderTransactionID),
		zap.Error(cause))
	s.emit(ctx, orders.TopicReconciliationRequired, orders.EventReconciliationRequired, order.ID, orders.ReconciliationRequiredPayload{
		OrderID:               order.ID,
		PaymentID:             pay.ID,
		MethodKind:            pay.MethodKind,
		PaymentReference:      h.Reference,
		PaymentStatus:         orders.PaymentStatus(h.Status),
		ProviderTransactionID: h.ProviderTransactionID,
		Reason:                cause.Error(),
	})
}

func (s *Service) emitCancelled(ctx context.Context, o *orders.Order, reason string) {
	s.emit(ctx, orders.TopicCheckoutCancelled, orders.EventCheckoutCancelled, o.ID, orders.CheckoutCancelledPayload{
		OrderID:    o.ID,
		PayerID:    o.PayerID,
		SourceKind: o.SourceKind,
		SourceID:   o.SourceID,
		Reason:     reason,
	})
}

func (s *Service) emit(ctx context.Context, topic, eventType, orderID string, payload any) {
	if s.Events == nil {
		return
	}
	env := orders.NewEnvelope(eventType, s.ServiceName, logx.RequestID(ctx), orderID, kafkax.MustMarshal(payload))
	s.Events.Publish(topic, orders.PartitionKey(orderID), kafkax.MustMarshal(env),
		kafkax.EventHeaders(eventType, env.EventVersion)...)
}

// failed logs e at a level matching its kind and fills in the result.
func (s *Service) failed(log *zap.Logger, res Result, e *Error) (Result, error) {
	fields := []zap.Field{zap.String("failure_reason", string(e.Reason)), zap.Error(e.Err)}
	switch e.Kind {
	case KindPersistence:
		log.Error("checkout failed", fields...)
	case KindState, KindGateway:
		log.Warn("checkout failed", fields...)
	default:
		log.Info("checkout rejected", fields...)
	}
	res.Success = false
	res.FailureReason = e.Reason
	return res, e
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (r Request) validate() error {
	var missing []string
	if r.PayerID == "" {
		missing = append(missing, "payer_id")
	}
	if r.SourceID == "" {
		missing = append(missing, "source_id")
	}
	if r.PaymentMethodID == "" {
		missing = append(missing, "payment_method_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	if !r.SourceKind.Valid() {
		return fmt.Errorf("unknown source_kind %q", r.SourceKind)
	}
	return nil
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
}
