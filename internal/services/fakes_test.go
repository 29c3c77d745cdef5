package services

import (
	"context"
	"strconv"
	"sync"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/payments"
	"github.com/hanko-field/settlement/internal/repositories/memory"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type stubGateway struct {
	mu        sync.Mutex
	cardCalls int
	qrCalls   int
	lookups   int
	lastCard  payments.CardChargeRequest
	lastQR    payments.QRChargeRequest

	cardFunc   func(payments.CardChargeRequest) (payments.ChargeResult, error)
	qrFunc     func(payments.QRChargeRequest) (payments.ChargeResult, error)
	lookupFunc func(string) (payments.ChargeResult, error)
}

func (g *stubGateway) CreateCardCharge(_ context.Context, req payments.CardChargeRequest) (payments.ChargeResult, error) {
	g.mu.Lock()
	g.cardCalls++
	g.lastCard = req
	fn := g.cardFunc
	g.mu.Unlock()
	if fn == nil {
		return payments.ChargeResult{GatewayOrderID: "pi_card", Status: domain.PaymentStatusAuthorized}, nil
	}
	return fn(req)
}

func (g *stubGateway) CreateQRCharge(_ context.Context, req payments.QRChargeRequest) (payments.ChargeResult, error) {
	g.mu.Lock()
	g.qrCalls++
	g.lastQR = req
	fn := g.qrFunc
	g.mu.Unlock()
	if fn == nil {
		return payments.ChargeResult{
			GatewayOrderID: "pi_qr",
			Status:         domain.PaymentStatusAwaitingPayment,
			QRCode:         &domain.QRCode{Payload: "000201", ExpiresAt: req.ExpiresAt},
		}, nil
	}
	return fn(req)
}

func (g *stubGateway) LookupOrder(_ context.Context, id string) (payments.ChargeResult, error) {
	g.mu.Lock()
	g.lookups++
	fn := g.lookupFunc
	g.mu.Unlock()
	if fn == nil {
		return payments.ChargeResult{GatewayOrderID: id, Status: domain.PaymentStatusAwaitingPayment, RawStatus: "requires_action"}, nil
	}
	return fn(id)
}

func (g *stubGateway) calls() (card, qr, lookups int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cardCalls, g.qrCalls, g.lookups
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []SettlementEvent
	err    error
}

func (p *recordingPublisher) PublishSettlementEvent(_ context.Context, event SettlementEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, event)
	return "msg-" + event.EventID, nil
}

func (p *recordingPublisher) Events() []SettlementEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SettlementEvent(nil), p.events...)
}

type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

type counterMetrics struct {
	noopMetrics
	mu          sync.Mutex
	webhooks    map[string]int
	transitions map[string]int
	rejections  map[string]int
	attempts    map[string]int
	pollers     map[string]int
	running     int
}

func newCounterMetrics() *counterMetrics {
	return &counterMetrics{
		webhooks:    map[string]int{},
		transitions: map[string]int{},
		rejections:  map[string]int{},
		attempts:    map[string]int{},
		pollers:     map[string]int{},
	}
}

func (m *counterMetrics) RecordWebhook(outcome string) {
	m.mu.Lock()
	m.webhooks[outcome]++
	m.mu.Unlock()
}

func (m *counterMetrics) RecordTransition(source string, to domain.PaymentStatus, outcome string) {
	m.mu.Lock()
	m.transitions[source+"|"+string(to)+"|"+outcome]++
	m.mu.Unlock()
}

func (m *counterMetrics) RecordPricingRejection(code string) {
	m.mu.Lock()
	m.rejections[code]++
	m.mu.Unlock()
}

func (m *counterMetrics) RecordPaymentAttempt(method domain.PaymentMethod, outcome string) {
	m.mu.Lock()
	m.attempts[string(method)+"|"+outcome]++
	m.mu.Unlock()
}

func (m *counterMetrics) RecordPollerResult(outcome string) {
	m.mu.Lock()
	m.pollers[outcome]++
	m.mu.Unlock()
}

func (m *counterMetrics) PollerStarted() {
	m.mu.Lock()
	m.running++
	m.mu.Unlock()
}

func (m *counterMetrics) PollerStopped() {
	m.mu.Lock()
	m.running--
	m.mu.Unlock()
}

func (m *counterMetrics) get(table map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return table[key]
}

// steppingClock advances its own time whenever a timer is requested, so pollers run through
// their whole schedule without sleeping.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// blockingClock never fires its timers, leaving pollers parked until canceled.
type blockingClock struct {
	now     time.Time
	waiting chan struct{}
}

func newBlockingClock() *blockingClock {
	return &blockingClock{now: testNow, waiting: make(chan struct{}, 16)}
}

func (c *blockingClock) Now() time.Time { return c.now }

func (c *blockingClock) After(time.Duration) <-chan time.Time {
	select {
	case c.waiting <- struct{}{}:
	default:
	}
	return make(chan time.Time)
}

func newTestOrder(id string, status domain.PaymentStatus) domain.Order {
	return domain.Order{
		ID:         id,
		CustomerID: "cus_1",
		Customer:   domain.CustomerSnapshot{Name: "Ana Souza", Email: "ana@example.com"},
		ShippingAddress: domain.Address{
			Line1:      "Rua das Flores 10",
			City:       "Sao Paulo",
			State:      "SP",
			PostalCode: "01001000",
			Country:    "BR",
		},
		Currency: "BRL",
		Items: []domain.OrderLineItem{{
			ProductRef:          "prod-1",
			Name:                "Caneca",
			UnitPrice:           9990,
			DiscountedUnitPrice: 9990,
			Quantity:            1,
		}},
		Totals:    domain.OrderTotals{Subtotal: 9990, Freight: 1500, Total: 11490},
		Status:    status,
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
}

func seedOrders(t interface{ Fatalf(string, ...any) }, orders ...domain.Order) *memory.OrderRepository {
	repo := memory.NewOrderRepository()
	for _, order := range orders {
		if err := repo.Insert(context.Background(), order); err != nil {
			t.Fatalf("seed order %s: %v", order.ID, err)
		}
	}
	return repo
}

func sequentialIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + strconv.Itoa(n)
	}
}
