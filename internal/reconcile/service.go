// Package reconcile follows up payments whose outcome checkout could not
// record: settlement that ran out of attempts, and final writes that
// failed after the provider answered.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ariefcatur/go-clinic-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/go-clinic-checkout/internal/kafka"
	"github.com/ariefcatur/go-clinic-checkout/internal/orders"
	"github.com/ariefcatur/go-clinic-checkout/internal/payment"
	"github.com/ariefcatur/go-clinic-checkout/internal/settlement"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Ledger interface {
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
	GetPayment(ctx context.Context, paymentID string) (*orders.Payment, error)
	ResolvePayment(ctx context.Context, paymentID string, to orders.PaymentStatus, providerTxID string) error
	Settle(ctx context.Context, s orders.Settlement) error
}

type Stock interface {
	Release(ctx context.Context, token inventory.Token) error
	Commit(ctx context.Context, token inventory.Token) error
}

type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Settler interface {
	Settle(ctx context.Context, q settlement.Querier, h payment.Handle) (payment.Handle, error)
}

type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

type Service struct {
	Ledger      Ledger
	Stock       Stock
	Gateways    map[payment.MethodKind]payment.Gateway
	Settler     Settler
	Dedup       Deduper
	Events      Publisher
	MaxRounds   int
	ServiceName string
	Log         *zap.Logger
}

// job is one payment to drive to a terminal state.
type job struct {
	orderID   string
	paymentID string
	reference string
	round     int
	// known is set when the provider already reported a terminal status.
	known payment.Handle
}

// HandleUnresolved consumes payment.unresolved. It polls the provider
// again and re-queues the payment for another round while it stays
// pending, up to MaxRounds.
func (s *Service) HandleUnresolved(ctx context.Context, m kafkago.Message) error {
	env, ok := s.decode(m, orders.EventPaymentUnresolved)
	if !ok {
		return nil
	}
	if s.seen(ctx, env.EventID) {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.PaymentUnresolvedPayload](env.Payload)
	if err != nil {
		s.logger().Error("dropping undecodable payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	j := job{orderID: p.OrderID, paymentID: p.PaymentID, reference: p.PaymentReference, round: p.Round}
	if err := s.run(ctx, env, j); err != nil {
		return err
	}
	s.mark(ctx, env.EventID)
	return nil
}

// HandleReconciliationRequired consumes payment.reconciliation_required
// and retries the write that checkout could not make.
func (s *Service) HandleReconciliationRequired(ctx context.Context, m kafkago.Message) error {
	env, ok := s.decode(m, orders.EventReconciliationRequired)
	if !ok {
		return nil
	}
	if s.seen(ctx, env.EventID) {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.ReconciliationRequiredPayload](env.Payload)
	if err != nil {
		s.logger().Error("dropping undecodable payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	j := job{orderID: p.OrderID, paymentID: p.PaymentID, reference: p.PaymentReference}
	if st := payment.Status(p.PaymentStatus); st.IsTerminal() {
		j.known = payment.Handle{
			Kind:                  payment.MethodKind(p.MethodKind),
			Reference:             p.PaymentReference,
			Status:                st,
			ProviderTransactionID: p.ProviderTransactionID,
		}
	}
	if err := s.run(ctx, env, j); err != nil {
		return err
	}
	s.mark(ctx, env.EventID)
	return nil
}

// run returns an error only when the message should be redelivered.
func (s *Service) run(ctx context.Context, env orders.Envelope, j job) error {
	log := s.logger().With(
		zap.String("order_id", j.orderID),
		zap.String("payment_id", j.paymentID),
		zap.Int("round", j.round))

	pay, err := s.Ledger.GetPayment(ctx, j.paymentID)
	if errors.Is(err, orders.ErrPaymentNotFound) {
		log.Error("payment was never recorded, manual follow-up required", zap.String("reference", j.reference))
		return nil
	}
	if err != nil {
		return err
	}
	if pay.Status.IsTerminal() {
		log.Debug("payment already resolved", zap.String("status", string(pay.Status)))
		return nil
	}
	order, err := s.Ledger.GetOrder(ctx, pay.OrderID)
	if err != nil {
		return err
	}

	h := j.known
	if !h.Status.IsTerminal() {
		gw, ok := s.Gateways[payment.MethodKind(pay.MethodKind)]
		if !ok {
			log.Error("no gateway for payment kind", zap.String("kind", pay.MethodKind))
			return nil
		}
		h, err = s.Settler.Settle(ctx, gw, payment.Handle{
			Kind:      payment.MethodKind(pay.MethodKind),
			Reference: pay.ExternalReference,
			Status:    payment.StatusPending,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.requeue(ctx, log, env, order, pay, j.round)
			return nil
		}
	}

	orderStatus, err := s.apply(ctx, order, pay, h)
	if err != nil {
		return err
	}
	refund := h.Status == payment.StatusSuccessful && orderStatus != orders.StatusCompleted
	s.emit(env.TraceID, orders.TopicPaymentReconciled, orders.EventPaymentReconciled, order.ID, orders.PaymentReconciledPayload{
		OrderID:          order.ID,
		PaymentID:        pay.ID,
		PaymentReference: pay.ExternalReference,
		Status:           orders.PaymentStatus(h.Status),
		OrderStatus:      orderStatus,
		RefundRequired:   refund,
	})
	if refund {
		log.Warn("payment captured for an order that is not completed, refund required",
			zap.String("order_status", string(orderStatus)))
	} else {
		log.Info("payment reconciled", zap.String("status", string(h.Status)))
	}
	return nil
}

// apply writes a terminal provider status. An order still in processing
// is finished the way checkout would have finished it; any other order
// only gets its payment row resolved.
func (s *Service) apply(ctx context.Context, o *orders.Order, pay *orders.Payment, h payment.Handle) (orders.Status, error) {
	token := inventory.Token(o.ReservationToken)

	if o.Status == orders.StatusProcessing {
		to, ps := orders.StatusCancelled, orders.PaymentFailed
		if h.Status == payment.StatusSuccessful {
			to, ps = orders.StatusCompleted, orders.PaymentSuccessful
		}
		err := s.Ledger.Settle(ctx, orders.Settlement{
			OrderID:               o.ID,
			To:                    to,
			PaymentID:             pay.ID,
			PaymentStatus:         ps,
			ProviderTransactionID: h.ProviderTransactionID,
		})
		if err == nil {
			if to == orders.StatusCompleted {
				return to, s.Stock.Commit(ctx, token)
			}
			return to, s.Stock.Release(ctx, token)
		}
		if !errors.Is(err, orders.ErrInvalidTransition) {
			return "", err
		}
		// the order moved on meanwhile; fall through and resolve the payment only
		cur, gerr := s.Ledger.GetOrder(ctx, o.ID)
		if gerr != nil {
			return "", gerr
		}
		o = cur
	}

	err := s.Ledger.ResolvePayment(ctx, pay.ID, orders.PaymentStatus(h.Status), h.ProviderTransactionID)
	if err != nil && !errors.Is(err, orders.ErrPaymentNotPending) {
		return "", err
	}
	return o.Status, nil
}

func (s *Service) requeue(ctx context.Context, log *zap.Logger, env orders.Envelope, o *orders.Order, pay *orders.Payment, round int) {
	next := round + 1
	if next >= s.MaxRounds {
		log.Error("payment still unresolved after last round, manual follow-up required",
			zap.String("reference", pay.ExternalReference),
			zap.Int64("amount_cents", pay.AmountCents))
		return
	}
	s.emit(env.TraceID, orders.TopicPaymentUnresolved, orders.EventPaymentUnresolved, o.ID, orders.PaymentUnresolvedPayload{
		OrderID:          o.ID,
		PaymentID:        pay.ID,
		MethodKind:       pay.MethodKind,
		PaymentReference: pay.ExternalReference,
		AmountCents:      pay.AmountCents,
		Round:            next,
	})
	log.Info("payment still pending, re-queued", zap.Int("next_round", next))
}

func (s *Service) decode(m kafkago.Message, want string) (orders.Envelope, bool) {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		s.logger().Error("dropping undecodable envelope", zap.Int64("offset", m.Offset), zap.Error(err))
		return env, false
	}
	return env, env.EventType == want
}

func (s *Service) seen(ctx context.Context, eventID string) bool {
	if s.Dedup == nil {
		return false
	}
	ok, err := s.Dedup.Seen(ctx, eventID)
	if err != nil {
		// ledger guards make reprocessing harmless
		s.logger().Warn("dedup lookup failed", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return ok
}

func (s *Service) mark(ctx context.Context, eventID string) {
	if s.Dedup == nil {
		return
	}
	if err := s.Dedup.Mark(ctx, eventID); err != nil {
		s.logger().Warn("dedup mark failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (s *Service) emit(traceID, topic, eventType, orderID string, payload any) {
	env := orders.NewEnvelope(eventType, s.ServiceName, traceID, orderID, kafkax.MustMarshal(payload))
	s.Events.Publish(topic, orders.PartitionKey(orderID), kafkax.MustMarshal(env),
		kafkax.EventHeaders(eventType, env.EventVersion)...)
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
