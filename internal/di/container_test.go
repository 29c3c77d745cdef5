package di

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/payments"
	"github.com/hanko-field/settlement/internal/platform/config"
	"github.com/hanko-field/settlement/internal/repositories/memory"
	"github.com/hanko-field/settlement/internal/services"
)

var testNow = time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC)

type fakeGateway struct{}

func (fakeGateway) CreateCardCharge(_ context.Context, req payments.CardChargeRequest) (payments.ChargeResult, error) {
	return payments.ChargeResult{GatewayOrderID: "pi_card", ReferenceID: req.OrderID, Status: domain.PaymentStatusAuthorized}, nil
}

func (fakeGateway) CreateQRCharge(_ context.Context, req payments.QRChargeRequest) (payments.ChargeResult, error) {
	return payments.ChargeResult{
		GatewayOrderID: "pi_qr",
		ReferenceID:    req.OrderID,
		Status:         domain.PaymentStatusAwaitingPayment,
		QRCode:         &domain.QRCode{Payload: "000201", ExpiresAt: req.ExpiresAt},
	}, nil
}

func (fakeGateway) LookupOrder(_ context.Context, id string) (payments.ChargeResult, error) {
	return payments.ChargeResult{GatewayOrderID: id, Status: domain.PaymentStatusAwaitingPayment, RawStatus: "requires_action"}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(context.Background(),
		config.WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "shop-test"}),
		config.WithoutSystemEnv(),
		config.WithEnvFile(""),
	)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestNewContainerRequiresInfrastructure(t *testing.T) {
	cfg := testConfig(t)
	if _, err := NewContainer(cfg, Infrastructure{Gateway: fakeGateway{}}); err == nil {
		t.Fatalf("expected error without repositories")
	}
	if _, err := NewContainer(cfg, Infrastructure{Repositories: memory.NewRegistry(nil, nil)}); err == nil {
		t.Fatalf("expected error without gateway")
	}
}

func TestContainerSettlesCheckoutEndToEnd(t *testing.T) {
	ctx := context.Background()
	catalog := memory.NewCatalogRepository(domain.Product{Ref: "prod-1", Name: "Caneca", UnitPrice: 9990, WeightGrams: 400, Active: true})
	registry := memory.NewRegistry(catalog, nil)

	container, err := NewContainer(testConfig(t), Infrastructure{
		Repositories: registry,
		Gateway:      fakeGateway{},
		Logger:       zap.NewNop(),
		Clock:        func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	defer func() {
		if err := container.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()
	svc := container.Services

	// Default table: PAC is 1500 base + 300 per started kilogram.
	result, err := svc.Checkout.Submit(ctx, services.CheckoutCommand{
		CustomerID:      "cus_1",
		Customer:        domain.CustomerSnapshot{Name: "Ana", Email: "ana@example.com"},
		ShippingAddress: domain.Address{Line1: "Rua das Flores 10", City: "Sao Paulo", PostalCode: "01001-000", Country: "BR"},
		Items:           []services.PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 1}},
		Freight:         services.FreightSelection{Carrier: "correios", Service: "PAC", Price: 1800},
		ClaimedTotal:    11790,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	orderID := result.Order.ID

	order, err := svc.Payments.Pay(ctx, services.PayCommand{CustomerID: "cus_1", OrderID: orderID, Method: domain.PaymentMethodQR})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if order.Status != domain.PaymentStatusAwaitingPayment || order.Payment.QRCode == nil {
		t.Fatalf("expected awaiting payment with qr code, got %+v", order)
	}

	body := `{"id":"evt_1","type":"charge.succeeded","created":1741953600,
		"data":{"object":{"object":"charge","id":"ch_1","status":"succeeded","captured":true,
		"payment_intent":"pi_qr","metadata":{"order_id":"` + orderID + `"}}}}`
	if outcome := svc.Webhooks.Ingest(ctx, services.WebhookDelivery{Body: []byte(body), ContentType: "application/json"}); outcome != services.WebhookApplied {
		t.Fatalf("expected webhook applied, got %s", outcome)
	}

	settled, err := svc.Orders.GetOrder(ctx, "cus_1", orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if settled.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected paid order, got %s", settled.Status)
	}
	if got := len(registry.NotificationLog().All()); got != 1 {
		t.Fatalf("expected one recorded notification, got %d", got)
	}

	start, err := svc.Reconciliation.StartPolling(ctx, "cus_1", orderID)
	if err != nil {
		t.Fatalf("start polling: %v", err)
	}
	if start.Started {
		t.Fatalf("settled orders must not start a poller")
	}
}
