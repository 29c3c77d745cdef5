package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order                = domain.Order
	PaymentStatus        = domain.PaymentStatus
	PricingBreakdown     = domain.PricingBreakdown
	ItemPricingBreakdown = domain.ItemPricingBreakdown
	FreightQuote         = domain.FreightQuote
	ChargeStatusEvent    = domain.ChargeStatusEvent
)

// CheckoutService validates submitted carts and persists the resulting orders.
type CheckoutService interface {
	Submit(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// OrderService exposes customer-scoped order reads.
type OrderService interface {
	GetOrder(ctx context.Context, customerID, orderID string) (Order, error)
}

// PaymentService submits payment attempts for persisted orders.
type PaymentService interface {
	Pay(ctx context.Context, cmd PayCommand) (Order, error)
}

// FreightService returns ranked carrier offers for the checkout wizard.
type FreightService interface {
	Quote(ctx context.Context, req FreightQuoteRequest) ([]FreightQuote, error)
}

// SettlementService applies charge status reports to orders.
type SettlementService interface {
	ApplyChargeStatus(ctx context.Context, event ChargeStatusEvent) (TransitionResult, error)
	Reconcile(ctx context.Context, orderID string, source string) (Order, error)
}

// WebhookService ingests authenticated gateway callbacks.
type WebhookService interface {
	Ingest(ctx context.Context, delivery WebhookDelivery) WebhookOutcome
}

// ReconciliationService starts per-order pollers and runs sweeps.
type ReconciliationService interface {
	StartPolling(ctx context.Context, customerID, orderID string) (PollStart, error)
	Sweep(ctx context.Context) (SweepReport, error)
}

// ChargeGateway is the subset of payments.Gateway used by the services.
type ChargeGateway interface {
	CreateCardCharge(ctx context.Context, req payments.CardChargeRequest) (payments.ChargeResult, error)
	CreateQRCharge(ctx context.Context, req payments.QRChargeRequest) (payments.ChargeResult, error)
	LookupOrder(ctx context.Context, gatewayOrderID string) (payments.ChargeResult, error)
}

// SettlementEventType is the Pub/Sub event type for effective order status changes.
const SettlementEventType = "order.settlement.changed"

// SettlementEvent is published once per effective status transition.
type SettlementEvent struct {
	EventID        string               `json:"eventId"`
	OrderID        string               `json:"orderId"`
	CustomerID     string               `json:"customerId,omitempty"`
	PreviousStatus domain.PaymentStatus `json:"previousStatus,omitempty"`
	Status         domain.PaymentStatus `json:"status"`
	Source         string               `json:"source"`
	GatewayOrderID string               `json:"gatewayOrderId,omitempty"`
	ChargeID       string               `json:"chargeId,omitempty"`
	Total          int64                `json:"total"`
	Currency       string               `json:"currency"`
	OccurredAt     time.Time            `json:"occurredAt"`
}

// SettlementEventPublisher delivers settlement events to downstream consumers.
type SettlementEventPublisher interface {
	PublishSettlementEvent(ctx context.Context, event SettlementEvent) (string, error)
}

// WebhookArchive stores the raw body of every authenticated callback for replay.
type WebhookArchive interface {
	Archive(ctx context.Context, notification domain.WebhookNotification) (string, error)
}

// Metrics receives settlement counters. Every method must be safe for concurrent use.
type Metrics interface {
	RecordWebhook(outcome string)
	RecordTransition(source string, to domain.PaymentStatus, outcome string)
	RecordPricingRejection(code string)
	RecordPaymentAttempt(method domain.PaymentMethod, outcome string)
	RecordPollerResult(outcome string)
	PollerStarted()
	PollerStopped()
	ObserveGatewayLatency(operation string, seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordWebhook(string)                                 {}
func (noopMetrics) RecordTransition(string, domain.PaymentStatus, string) {}
func (noopMetrics) RecordPricingRejection(string)                        {}
func (noopMetrics) RecordPaymentAttempt(domain.PaymentMethod, string)    {}
func (noopMetrics) RecordPollerResult(string)                            {}
func (noopMetrics) PollerStarted()                                       {}
func (noopMetrics) PollerStopped()                                       {}
func (noopMetrics) ObserveGatewayLatency(string, float64)                {}

func metricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

func loggerOrNoop(logger func(context.Context, string, map[string]any)) func(context.Context, string, map[string]any) {
	if logger == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return logger
}

func clockOrNow(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time {
		return clock().UTC()
	}
}
