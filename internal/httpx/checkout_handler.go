package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/go-clinic-checkout/internal/checkout"
	"github.com/ariefcatur/go-clinic-checkout/internal/logx"
	"github.com/ariefcatur/go-clinic-checkout/internal/orders"
	"github.com/ariefcatur/go-clinic-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CheckoutService interface {
	Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error)
	Cancel(ctx context.Context, payerID, orderID string) (*orders.Order, error)
}

type StatusReader interface {
	GetOrderStatus(ctx context.Context, orderID string) (orders.Status, error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.CachedStatus, bool, error)
	Set(ctx context.Context, orderID, status string) error
}

type CheckoutHandler struct {
	Checkout CheckoutService
	Orders   StatusReader
	Cache    StatusCache // optional
	Log      *zap.Logger
}

type CancelReq struct {
	PayerID string `json:"payer_id"`
}

type OrderStatusResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type errorResp struct {
	Error         string          `json:"error"`
	FailureReason checkout.Reason `json:"failure_reason,omitempty"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Get("/orders/{id}", h.getOrder)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json", FailureReason: checkout.ReasonInvalidInput})
		return
	}

	res, err := h.Checkout.Checkout(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), res)
		return
	}
	h.remember(r.Context(), res.OrderID, orders.StatusCompleted)
	writeJSON(w, http.StatusOK, res)
}

func (h *CheckoutHandler) cancel(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderParam(w, r)
	if !ok {
		return
	}
	var req CancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PayerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "payer_id is required", FailureReason: checkout.ReasonInvalidInput})
		return
	}

	o, err := h.Checkout.Cancel(r.Context(), req.PayerID, orderID)
	if err != nil {
		writeJSON(w, statusFor(err), errorFor(err))
		return
	}
	h.remember(r.Context(), o.ID, o.Status)
	writeJSON(w, http.StatusOK, OrderStatusResp{OrderID: o.ID, Status: string(o.Status)})
}

func (h *CheckoutHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) cache
	if h.Cache != nil {
		c, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			h.logger(ctx).Warn("status cache read failed", zap.Error(err))
		}
		if ok {
			writeJSON(w, http.StatusOK, OrderStatusResp{OrderID: c.OrderID, Status: c.Status})
			return
		}
	}

	// 2) fallback DB
	status, err := h.Orders.GetOrderStatus(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "order not found", FailureReason: checkout.ReasonOrderNotFound})
		return
	}
	if err != nil {
		h.logger(ctx).Error("order status lookup failed", zap.String("order_id", orderID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error", FailureReason: checkout.ReasonInternal})
		return
	}
	h.remember(ctx, orderID, status)
	writeJSON(w, http.StatusOK, OrderStatusResp{OrderID: orderID, Status: string(status)})
}

// orderParam reads the order id path param. Ids that are not UUIDs
// cannot name an order, so they get a 404 without touching the store.
func orderParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "order not found", FailureReason: checkout.ReasonOrderNotFound})
		return "", false
	}
	return id, true
}

// remember caches terminal statuses only; those never change again.
func (h *CheckoutHandler) remember(ctx context.Context, orderID string, status orders.Status) {
	if h.Cache == nil || orderID == "" || !status.IsTerminal() {
		return
	}
	if err := h.Cache.Set(ctx, orderID, string(status)); err != nil {
		h.logger(ctx).Warn("status cache write failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (h *CheckoutHandler) logger(ctx context.Context) *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return logx.For(ctx, h.Log)
}

// statusFor maps a checkout failure to an HTTP status code.
func statusFor(err error) int {
	var ce *checkout.Error
	if !errors.As(err, &ce) {
		return http.StatusInternalServerError
	}
	switch {
	case ce.Reason == checkout.ReasonOrderNotFound:
		return http.StatusNotFound
	case ce.Reason == checkout.ReasonReconciliationPending:
		return http.StatusAccepted
	case ce.Kind == checkout.KindInput:
		return http.StatusBadRequest
	case ce.Kind == checkout.KindStock, ce.Kind == checkout.KindState:
		return http.StatusConflict
	case ce.Kind == checkout.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorFor(err error) errorResp {
	var ce *checkout.Error
	if !errors.As(err, &ce) {
		return errorResp{Error: "internal error", FailureReason: checkout.ReasonInternal}
	}
	if ce.Kind == checkout.KindPersistence {
		return errorResp{Error: "internal error", FailureReason: ce.Reason}
	}
	return errorResp{Error: ce.Error(), FailureReason: ce.Reason}
}
