package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/go-clinic-checkout/internal/checkout"
	"github.com/ariefcatur/go-clinic-checkout/internal/orders"
	"github.com/ariefcatur/go-clinic-checkout/internal/redisx"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubService struct {
	res       checkout.Result
	err       error
	got       checkout.Request
	cancelled *orders.Order
	cancelErr error
}

func (s *stubService) Checkout(_ context.Context, req checkout.Request) (checkout.Result, error) {
	s.got = req
	return s.res, s.err
}

func (s *stubService) Cancel(_ context.Context, _, orderID string) (*orders.Order, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	o := *s.cancelled
	o.ID = orderID
	return &o, nil
}

type stubStatuses map[string]orders.Status

func (s stubStatuses) GetOrderStatus(_ context.Context, id string) (orders.Status, error) {
	st, ok := s[id]
	if !ok {
		return "", orders.ErrOrderNotFound
	}
	return st, nil
}

type memCache struct {
	m      map[string]string
	getErr error
}

func (c *memCache) Get(_ context.Context, id string) (redisx.CachedStatus, bool, error) {
	if c.getErr != nil {
		return redisx.CachedStatus{}, false, c.getErr
	}
	s, ok := c.m[id]
	return redisx.CachedStatus{OrderID: id, Status: s}, ok, nil
}

func (c *memCache) Set(_ context.Context, id, status string) error {
	c.m[id] = status
	return nil
}

func newServer(svc CheckoutService, st StatusReader, cache StatusCache) *httptest.Server {
	r := NewRouter(zap.NewNop(), 5*time.Second)
	(&CheckoutHandler{Checkout: svc, Orders: st, Cache: cache, Log: zap.NewNop()}).Register(r)
	return httptest.NewServer(r)
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestCheckout_Success(t *testing.T) {
	orderID := uuid.NewString()
	svc := &stubService{res: checkout.Result{Success: true, OrderID: orderID, PaymentReference: "ref-1"}}
	cache := &memCache{m: map[string]string{}}
	srv := newServer(svc, stubStatuses{}, cache)
	defer srv.Close()

	resp, body := post(t, srv.URL+"/checkout",
		`{"payer_id":"payer-1","source_kind":"cart","source_id":"cart-1","payment_method_id":"pm-momo","payer_contact":"256700000001"}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, orderID, body["order_id"])
	assert.Equal(t, checkout.Request{
		PayerID: "payer-1", SourceKind: orders.SourceCart, SourceID: "cart-1",
		PaymentMethodID: "pm-momo", PayerContact: "256700000001",
	}, svc.got)
	assert.Equal(t, "completed", cache.m[orderID])
}

func TestCheckout_FailureStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  *checkout.Error
		want int
	}{
		{"input", &checkout.Error{Kind: checkout.KindInput, Reason: checkout.ReasonInvalidPayerContact}, http.StatusBadRequest},
		{"stock", &checkout.Error{Kind: checkout.KindStock, Reason: checkout.ReasonStock}, http.StatusConflict},
		{"duplicate", &checkout.Error{Kind: checkout.KindState, Reason: checkout.ReasonDuplicateCheckout}, http.StatusConflict},
		{"gateway", &checkout.Error{Kind: checkout.KindGateway, Reason: checkout.ReasonPaymentNotConfirmed}, http.StatusBadGateway},
		{"reconciliation", &checkout.Error{Kind: checkout.KindPersistence, Reason: checkout.ReasonReconciliationPending}, http.StatusAccepted},
		{"internal", &checkout.Error{Kind: checkout.KindPersistence, Reason: checkout.ReasonInternal}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.err.Err = errors.New("boom")
			svc := &stubService{res: checkout.Result{FailureReason: tc.err.Reason}, err: tc.err}
			srv := newServer(svc, stubStatuses{}, nil)
			defer srv.Close()

			resp, body := post(t, srv.URL+"/checkout",
				`{"payer_id":"p","source_kind":"cart","source_id":"c","payment_method_id":"m"}`)
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, string(tc.err.Reason), body["failure_reason"])
		})
	}
}

func TestCheckout_InvalidJSON(t *testing.T) {
	srv := newServer(&stubService{}, stubStatuses{}, nil)
	defer srv.Close()

	resp, body := post(t, srv.URL+"/checkout", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["failure_reason"])
}

func TestCancel(t *testing.T) {
	orderID := uuid.NewString()
	svc := &stubService{cancelled: &orders.Order{Status: orders.StatusCancelled}}
	cache := &memCache{m: map[string]string{}}
	srv := newServer(svc, stubStatuses{}, cache)
	defer srv.Close()

	resp, body := post(t, srv.URL+"/orders/"+orderID+"/cancel", `{"payer_id":"payer-1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
	assert.Equal(t, "cancelled", cache.m[orderID])
}

func TestCancel_Errors(t *testing.T) {
	orderID := uuid.NewString()

	t.Run("missing payer", func(t *testing.T) {
		srv := newServer(&stubService{}, stubStatuses{}, nil)
		defer srv.Close()
		resp, _ := post(t, srv.URL+"/orders/"+orderID+"/cancel", `{}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("completed order", func(t *testing.T) {
		svc := &stubService{cancelErr: &checkout.Error{Kind: checkout.KindState, Reason: checkout.ReasonConflict, Err: orders.ErrInvalidTransition}}
		srv := newServer(svc, stubStatuses{}, nil)
		defer srv.Close()
		resp, body := post(t, srv.URL+"/orders/"+orderID+"/cancel", `{"payer_id":"payer-1"}`)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "conflict", body["failure_reason"])
	})

	t.Run("not found", func(t *testing.T) {
		svc := &stubService{cancelErr: &checkout.Error{Kind: checkout.KindInput, Reason: checkout.ReasonOrderNotFound, Err: orders.ErrOrderNotFound}}
		srv := newServer(svc, stubStatuses{}, nil)
		defer srv.Close()
		resp, _ := post(t, srv.URL+"/orders/"+orderID+"/cancel", `{"payer_id":"payer-1"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestGetOrder_CachesOnlyTerminalStatuses(t *testing.T) {
	done, busy := uuid.NewString(), uuid.NewString()
	cache := &memCache{m: map[string]string{}}
	srv := newServer(&stubService{}, stubStatuses{done: orders.StatusCompleted, busy: orders.StatusProcessing}, cache)
	defer srv.Close()

	resp, body := get(t, srv.URL+"/orders/"+done)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "completed", cache.m[done])

	resp, body = get(t, srv.URL+"/orders/"+busy)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", body["status"])
	assert.NotContains(t, cache.m, busy)
}

func TestGetOrder_ServedFromCache(t *testing.T) {
	id := uuid.NewString()
	cache := &memCache{m: map[string]string{id: "cancelled"}}
	srv := newServer(&stubService{}, stubStatuses{}, cache)
	defer srv.Close()

	resp, body := get(t, srv.URL+"/orders/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
}

func TestGetOrder_CacheDownFallsBackToStore(t *testing.T) {
	id := uuid.NewString()
	cache := &memCache{m: map[string]string{}, getErr: errors.New("redis down")}
	srv := newServer(&stubService{}, stubStatuses{id: orders.StatusPending}, cache)
	defer srv.Close()

	resp, body := get(t, srv.URL+"/orders/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
}

func TestGetOrder_NotFound(t *testing.T) {
	srv := newServer(&stubService{}, stubStatuses{}, nil)
	defer srv.Close()

	resp, _ := get(t, srv.URL+"/orders/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := get(t, srv.URL+"/orders/not-an-id")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "order_not_found", body["failure_reason"])
}

func TestHealthz(t *testing.T) {
	srv := newServer(&stubService{}, stubStatuses{}, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
