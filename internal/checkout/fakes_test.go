package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-clinic-checkout/internal/inventory"
	"github.com/ariefcatur/go-clinic-checkout/internal/orders"
	"github.com/ariefcatur/go-clinic-checkout/internal/payment"
	"github.com/ariefcatur/go-clinic-checkout/internal/redisx"
	"github.com/ariefcatur/go-clinic-checkout/internal/sources"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// ---- stock ----

type reservation struct {
	items  []inventory.Item
	status string
}

type fakeStock struct {
	mu      sync.Mutex
	stock   map[string]int
	tokens  map[inventory.Token]*reservation
	reserve int
}

func newFakeStock(stock map[string]int) *fakeStock {
	return &fakeStock{stock: stock, tokens: map[inventory.Token]*reservation{}}
}

func (f *fakeStock) Reserve(_ context.Context, items []inventory.Item) (inventory.Token, error) {
	merged, err := inventory.Merge(items)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserve++
	for _, it := range merged {
		have, ok := f.stock[it.CatalogItemID]
		if !ok {
			return "", fmt.Errorf("%w: %s", inventory.ErrUnknownItem, it.CatalogItemID)
		}
		if have < it.Qty {
			return "", &inventory.InsufficientStockError{ItemID: it.CatalogItemID, Requested: it.Qty, Available: have}
		}
	}
	for _, it := range merged {
		f.stock[it.CatalogItemID] -= it.Qty
	}
	tok := inventory.Token(uuid.NewString())
	f.tokens[tok] = &reservation{items: merged, status: "RESERVED"}
	return tok, nil
}

func (f *fakeStock) Release(_ context.Context, tok inventory.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.tokens[tok]
	if !ok || r.status != "RESERVED" {
		return nil
	}
	for _, it := range r.items {
		f.stock[it.CatalogItemID] += it.Qty
	}
	r.status = "RELEASED"
	return nil
}

func (f *fakeStock) Commit(_ context.Context, tok inventory.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.tokens[tok]; ok && r.status == "RESERVED" {
		r.status = "CONSUMED"
	}
	return nil
}

func (f *fakeStock) level(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock[id]
}

// ---- ledger ----

type fakeLedger struct {
	mu       sync.Mutex
	orders   map[string]*orders.Order
	payments map[string]*orders.Payment

	settleErr error
	// onProcessing runs after an order enters processing.
	onProcessing func(orderID string)
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{orders: map[string]*orders.Order{}, payments: map[string]*orders.Payment{}}
}

func (l *fakeLedger) CreateOrder(_ context.Context, d orders.Draft) (*orders.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.orders {
		// the source stays claimed unless its order was cancelled
		if o.SourceKind == d.SourceKind && o.SourceID == d.SourceID && o.Status != orders.StatusCancelled {
			return nil, orders.ErrDuplicateCheckout
		}
	}
	o := &orders.Order{
		ID: uuid.NewString(), PayerID: d.PayerID, SourceKind: d.SourceKind, SourceID: d.SourceID,
		Status: orders.StatusPending, Items: d.Items, SubtotalCents: d.SubtotalCents,
		DeliveryFeeCents: d.DeliveryFeeCents, TotalCents: d.TotalCents,
		ReservationToken: d.ReservationToken, CreatedAt: time.Now(),
	}
	l.orders[o.ID] = o
	cp := *o
	return &cp, nil
}

func (l *fakeLedger) Transition(_ context.Context, id string, from, to orders.Status) error {
	l.mu.Lock()
	err := l.transitionLocked(id, from, to)
	hook := l.onProcessing
	l.mu.Unlock()
	if err == nil && to == orders.StatusProcessing && hook != nil {
		hook(id)
	}
	return err
}

func (l *fakeLedger) transitionLocked(id string, from, to orders.Status) error {
	if !orders.CanTransition(from, to) {
		return &orders.TransitionError{OrderID: id, From: from, To: to}
	}
	o, ok := l.orders[id]
	if !ok {
		return orders.ErrOrderNotFound
	}
	if o.Status != from {
		return &orders.TransitionError{OrderID: id, From: from, To: to, Current: o.Status}
	}
	o.Status = to
	return nil
}

func (l *fakeLedger) Settle(_ context.Context, s orders.Settlement) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settleErr != nil {
		return l.settleErr
	}
	o, ok := l.orders[s.OrderID]
	if !ok {
		return orders.ErrOrderNotFound
	}
	if o.Status != orders.StatusProcessing {
		return &orders.TransitionError{OrderID: o.ID, From: orders.StatusProcessing, To: s.To, Current: o.Status}
	}
	if s.PaymentID != "" {
		p := l.payments[s.PaymentID]
		if p == nil || p.Status.IsTerminal() {
			return orders.ErrPaymentNotPending
		}
		p.Status = s.PaymentStatus
		p.ProviderTransactionID = s.ProviderTransactionID
	}
	o.Status = s.To
	return nil
}

func (l *fakeLedger) CreatePayment(_ context.Context, p *orders.Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *p
	l.payments[p.ID] = &cp
	return nil
}

func (l *fakeLedger) ResolvePayment(_ context.Context, id string, to orders.PaymentStatus, tx string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.payments[id]
	if p == nil || p.Status.IsTerminal() {
		return orders.ErrPaymentNotPending
	}
	p.Status, p.ProviderTransactionID = to, tx
	return nil
}

func (l *fakeLedger) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (l *fakeLedger) only() (*orders.Order, *orders.Payment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var o *orders.Order
	for _, v := range l.orders {
		o = v
	}
	var p *orders.Payment
	for _, v := range l.payments {
		p = v
	}
	return o, p
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

// ---- sources ----

type fakeCarts struct {
	mu      sync.Mutex
	stock   *fakeStock
	prices  map[string]int64
	carts   map[string][]sources.PricedItem // qty only
	cleared []string
	// staleStock reports this available stock instead of the real level.
	staleStock int
	// afterResolve runs once a cart has been read, outside the lock.
	afterResolve func()
}

func (c *fakeCarts) Resolve(_ context.Context, payerID, cartID string) ([]sources.PricedItem, error) {
	out, err := c.read(payerID, cartID)
	if err == nil && c.afterResolve != nil {
		c.afterResolve()
	}
	return out, err
}

func (c *fakeCarts) read(payerID, cartID string) ([]sources.PricedItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines, ok := c.carts[cartID]
	if !ok || payerID != "payer-1" {
		return nil, sources.ErrNotFound
	}
	out := make([]sources.PricedItem, 0, len(lines))
	for _, l := range lines {
		l.UnitPriceCents = c.prices[l.CatalogItemID]
		l.AvailableStock = c.stock.level(l.CatalogItemID)
		if c.staleStock > 0 {
			l.AvailableStock = c.staleStock
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CatalogItemID < out[j].CatalogItemID })
	return out, nil
}


func (c *fakeCarts) Clear(_ context.Context, cartID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, cartID)
	delete(c.carts, cartID)
	return nil
}

type fakeAppointments struct {
	fees map[string]int64
	paid map[string]string
}

func (a *fakeAppointments) Fee(_ context.Context, payerID, id string) (sources.Fee, error) {
	fee, ok := a.fees[id]
	if !ok {
		return sources.Fee{}, sources.ErrNotFound
	}
	if _, done := a.paid[id]; done {
		return sources.Fee{}, sources.ErrAlreadyPaid
	}
	return sources.Fee{AppointmentID: id, DoctorID: "doc-1", DoctorName: "Dr. A", AmountCents: fee}, nil
}

func (a *fakeAppointments) MarkPaid(_ context.Context, id, orderID string) error {
	a.paid[id] = orderID
	return nil
}

// ---- payments ----

type fakeMethods map[string]payment.Method

func (m fakeMethods) Method(_ context.Context, id string) (payment.Method, error) {
	if v, ok := m[id]; ok {
		return v, nil
	}
	return payment.Method{}, payment.ErrUnknownMethod
}

// fakeRemote is an async gateway whose Query replays statuses in order,
// repeating the last one.
type fakeRemote struct {
	mu          sync.Mutex
	initiateErr error
	statuses    []payment.Status
	queries     int
	initiated   []payment.Request
}

func (g *fakeRemote) Kind() payment.MethodKind { return payment.KindAsyncRemote }

func (g *fakeRemote) ValidateContact(c string) (string, error) {
	if len(c) != 12 || c[:3] != "256" {
		return "", payment.ErrInvalidPayerContact
	}
	return c, nil
}

func (g *fakeRemote) Initiate(_ context.Context, req payment.Request) (payment.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiated = append(g.initiated, req)
	if g.initiateErr != nil {
		return payment.Handle{}, g.initiateErr
	}
	return payment.Handle{Kind: payment.KindAsyncRemote, Reference: req.Reference, Status: payment.StatusPending}, nil
}

func (g *fakeRemote) Query(_ context.Context, h payment.Handle) (payment.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.queries
	if i >= len(g.statuses) {
		i = len(g.statuses) - 1
	}
	g.queries++
	h.Status = g.statuses[i]
	if h.Status == payment.StatusSuccessful {
		h.ProviderTransactionID = "fin-1"
	}
	return h, nil
}

// ---- infra ----

type published struct {
	topic string
	key   string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(topic string, key, _ []byte, _ ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, key: string(key)})
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.topic)
	}
	return out
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func (l *fakeLocker) Lock(_ context.Context, key string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, redisx.ErrLocked
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

var errStoreDown = errors.New("connection reset")
