package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/auth"
	"github.com/hanko-field/settlement/internal/services"
)

var handlerNow = time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC)

type stubCheckoutService struct {
	submitFunc func(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) Submit(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
	return s.submitFunc(ctx, cmd)
}

type stubFreightService struct {
	quotes []domain.FreightQuote
	err    error
	last   services.FreightQuoteRequest
}

func (s *stubFreightService) Quote(_ context.Context, req services.FreightQuoteRequest) ([]domain.FreightQuote, error) {
	s.last = req
	return s.quotes, s.err
}

type stubOrderService struct {
	orders map[string]domain.Order
}

func (s *stubOrderService) GetOrder(_ context.Context, customerID, orderID string) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok || order.CustomerID != customerID {
		return domain.Order{}, services.ErrOrderNotFound
	}
	return order, nil
}

type stubPaymentService struct {
	mu   sync.Mutex
	cmds []services.PayCommand
	fn   func(cmd services.PayCommand) (domain.Order, error)
}

func (s *stubPaymentService) Pay(_ context.Context, cmd services.PayCommand) (domain.Order, error) {
	s.mu.Lock()
	s.cmds = append(s.cmds, cmd)
	s.mu.Unlock()
	return s.fn(cmd)
}

type stubReconciliationService struct {
	start  services.PollStart
	report services.SweepReport
	err    error
}

func (s *stubReconciliationService) StartPolling(_ context.Context, _ string, orderID string) (services.PollStart, error) {
	if s.err != nil {
		return services.PollStart{}, s.err
	}
	start := s.start
	start.OrderID = orderID
	return start, nil
}

func (s *stubReconciliationService) Sweep(context.Context) (services.SweepReport, error) {
	return s.report, s.err
}

type stubWebhookService struct {
	mu         sync.Mutex
	deliveries []services.WebhookDelivery
	outcome    services.WebhookOutcome
}

func (s *stubWebhookService) Ingest(_ context.Context, d services.WebhookDelivery) services.WebhookOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return s.outcome
}

func sampleOrder(id string, status domain.PaymentStatus) domain.Order {
	return domain.Order{
		ID:              id,
		CustomerID:      "cus_1",
		Currency:        "BRL",
		Items:           []domain.OrderLineItem{{ProductRef: "prod-1", Name: "Caneca", UnitPrice: 9990, DiscountedUnitPrice: 9990, Quantity: 1}},
		Freight:         domain.FreightSelection{Carrier: "correios", Service: "PAC", Price: 1500, LeadTimeDays: 6},
		Totals:          domain.OrderTotals{Subtotal: 9990, Freight: 1500, Total: 11490},
		ShippingAddress: domain.Address{Line1: "Rua das Flores 10", City: "Sao Paulo", PostalCode: "01001-000", Country: "BR"},
		Status:          status,
		CreatedAt:       handlerNow,
		UpdatedAt:       handlerNow,
	}
}

func authedRequest(method, target, body, uid string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Email: "ana@example.com", Name: "Ana"}))
	}
	return req
}
