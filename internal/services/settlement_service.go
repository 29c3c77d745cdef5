package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

var (
	// ErrOrderNotFound is returned when the referenced order does not exist or belongs to someone else.
	ErrOrderNotFound = errors.New("settlement: order not found")
	// ErrSettlementInvalidInput indicates an event without a reference or status.
	ErrSettlementInvalidInput = errors.New("settlement: invalid input")
	// ErrSettlementUnavailable indicates the order store could not be reached.
	ErrSettlementUnavailable = errors.New("settlement: unavailable")
)

// TransitionOutcome classifies the effect of a status report.
type TransitionOutcome string

const (
	// TransitionApplied means the status changed and downstream effects were emitted.
	TransitionApplied TransitionOutcome = "applied"
	// TransitionUnchanged means the order already had the reported status.
	TransitionUnchanged TransitionOutcome = "unchanged"
	// TransitionIgnored means the report was stale, backwards or arrived after a terminal status.
	TransitionIgnored TransitionOutcome = "ignored"
)

// settlementTransitions lists the forward moves each status allows. Terminal statuses have none.
var settlementTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusPending: {
		domain.PaymentStatusAwaitingPayment, domain.PaymentStatusAuthorized, domain.PaymentStatusPaid,
		domain.PaymentStatusDeclined, domain.PaymentStatusCanceled, domain.PaymentStatusPaymentFailed,
	},
	domain.PaymentStatusPaymentFailed: {
		domain.PaymentStatusAwaitingPayment, domain.PaymentStatusAuthorized, domain.PaymentStatusPaid,
		domain.PaymentStatusDeclined, domain.PaymentStatusCanceled,
	},
	domain.PaymentStatusAwaitingPayment: {
		domain.PaymentStatusAuthorized, domain.PaymentStatusPaid, domain.PaymentStatusDeclined,
		domain.PaymentStatusCanceled, domain.PaymentStatusPaymentFailed,
	},
	domain.PaymentStatusAuthorized: {
		domain.PaymentStatusPaid, domain.PaymentStatusDeclined, domain.PaymentStatusCanceled,
	},
}

// EvaluateTransition decides how a reported status affects an order currently in current.
func EvaluateTransition(current, target domain.PaymentStatus) TransitionOutcome {
	if current == target {
		return TransitionUnchanged
	}
	if current.IsTerminal() {
		return TransitionIgnored
	}
	if slices.Contains(settlementTransitions[current], target) {
		return TransitionApplied
	}
	return TransitionIgnored
}

// applyStatus moves the order to target and stamps settlement timestamps.
func applyStatus(order *domain.Order, target domain.PaymentStatus, paidAt *time.Time, now time.Time) {
	order.Status = target
	order.UpdatedAt = now
	if target == domain.PaymentStatusPaid {
		at := now
		if paidAt != nil && !paidAt.IsZero() {
			at = paidAt.UTC()
		}
		order.Payment.PaidAt = &at
	}
	if target.IsTerminal() {
		settled := now
		order.SettledAt = &settled
	}
}

// TransitionResult reports what ApplyChargeStatus did.
type TransitionResult struct {
	Order          domain.Order
	PreviousStatus domain.PaymentStatus
	Outcome        TransitionOutcome
}

// SettlementServiceDeps wires the settlement service.
type SettlementServiceDeps struct {
	Orders    repositories.OrderRepository
	Gateway   ChargeGateway
	Publisher SettlementEventPublisher
	Metrics   Metrics
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
	IDGen     func() string
}

type settlementService struct {
	orders    repositories.OrderRepository
	gateway   ChargeGateway
	publisher SettlementEventPublisher
	metrics   Metrics
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
	newID     func() string
}

// NewSettlementService constructs the component that owns every order status mutation driven
// by the gateway.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Orders == nil {
		return nil, errors.New("settlement service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("settlement service: gateway is required")
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &settlementService{
		orders:    deps.Orders,
		gateway:   deps.Gateway,
		publisher: deps.Publisher,
		metrics:   metricsOrNoop(deps.Metrics),
		now:       clockOrNow(deps.Clock),
		logger:    loggerOrNoop(deps.Logger),
		newID:     idGen,
	}, nil
}

var _ SettlementService = (*settlementService)(nil)

// ApplyChargeStatus applies a status report inside one read-modify-write of the order. Duplicate,
// stale and post-terminal reports leave the order untouched and emit nothing.
func (s *settlementService) ApplyChargeStatus(ctx context.Context, event domain.ChargeStatusEvent) (TransitionResult, error) {
	ctx, span := tracer.Start(ctx, "settlement.apply_charge_status")
	defer span.End()

	orderID := strings.TrimSpace(event.ReferenceID)
	if orderID == "" || event.Status == "" {
		return TransitionResult{}, ErrSettlementInvalidInput
	}
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("settlement.target", string(event.Status)))

	var (
		previous domain.PaymentStatus
		outcome  TransitionOutcome
	)
	order, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) (bool, error) {
		previous = order.Status
		outcome = EvaluateTransition(order.Status, event.Status)
		if outcome != TransitionApplied {
			return false, nil
		}
		if order.Payment.GatewayOrderID == "" && event.GatewayOrderID != "" {
			order.Payment.GatewayOrderID = event.GatewayOrderID
		}
		if event.ChargeID != "" {
			order.Payment.GatewayChargeID = event.ChargeID
		}
		applyStatus(order, event.Status, event.PaidAt, s.now())
		return true, nil
	})
	if err != nil {
		return TransitionResult{}, s.translateRepositoryError(err)
	}

	source := event.Source
	if source == "" {
		source = "unknown"
	}
	s.metrics.RecordTransition(source, event.Status, string(outcome))
	result := TransitionResult{Order: order, PreviousStatus: previous, Outcome: outcome}
	span.SetAttributes(attribute.String("settlement.outcome", string(outcome)))

	fields := map[string]any{
		"orderId":   orderID,
		"source":    source,
		"from":      string(previous),
		"to":        string(event.Status),
		"rawStatus": event.RawStatus,
		"outcome":   string(outcome),
	}
	if outcome == TransitionApplied {
		s.logger(ctx, "settlement.status.applied", fields)
		s.publish(ctx, order, previous, source)
	} else {
		s.logger(ctx, "settlement.status.skipped", fields)
	}
	return result, nil
}

// Reconcile queries the gateway for the order's current state and applies it with the same
// rules as the webhook path. Orders without a gateway id or already terminal are returned as is.
func (s *settlementService) Reconcile(ctx context.Context, orderID string, source string) (domain.Order, error) {
	ctx, span := tracer.Start(ctx, "settlement.reconcile")
	defer span.End()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.translateRepositoryError(err)
	}
	if order.Status.IsTerminal() || strings.TrimSpace(order.Payment.GatewayOrderID) == "" {
		return order, nil
	}

	started := time.Now()
	remote, err := s.gateway.LookupOrder(ctx, order.Payment.GatewayOrderID)
	s.metrics.ObserveGatewayLatency("lookup_order", time.Since(started).Seconds())
	if err != nil {
		s.logger(ctx, "settlement.reconcile.lookup_failed", map[string]any{
			"orderId": orderID,
			"error":   err,
		})
		return order, fmt.Errorf("settlement: lookup gateway order: %w", err)
	}

	result, err := s.ApplyChargeStatus(ctx, domain.ChargeStatusEvent{
		ReferenceID:    order.ID,
		GatewayOrderID: remote.GatewayOrderID,
		ChargeID:       remote.ChargeID,
		Status:         remote.Status,
		RawStatus:      remote.RawStatus,
		PaidAt:         remote.PaidAt,
		Source:         source,
	})
	if err != nil {
		return order, err
	}
	return result.Order, nil
}

func (s *settlementService) publish(ctx context.Context, order domain.Order, previous domain.PaymentStatus, source string) {
	publishSettlementEvent(ctx, s.publisher, s.logger, SettlementEvent{
		EventID:        "sev_" + s.newID(),
		OrderID:        order.ID,
		CustomerID:     order.CustomerID,
		PreviousStatus: previous,
		Status:         order.Status,
		Source:         source,
		GatewayOrderID: order.Payment.GatewayOrderID,
		ChargeID:       order.Payment.GatewayChargeID,
		Total:          order.Totals.Total,
		Currency:       order.Currency,
		OccurredAt:     s.now(),
	})
}

// publishSettlementEvent runs after the order write has committed. A publish failure is logged
// and does not undo the transition.
func publishSettlementEvent(ctx context.Context, publisher SettlementEventPublisher, logger func(context.Context, string, map[string]any), event SettlementEvent) {
	if publisher == nil {
		return
	}
	if _, err := publisher.PublishSettlementEvent(ctx, event); err != nil {
		logger(ctx, "settlement.event.publish_failed", map[string]any{
			"orderId": event.OrderID,
			"status":  string(event.Status),
			"error":   err,
		})
	}
}

func (s *settlementService) translateRepositoryError(err error) error {
	return translateOrderRepositoryError(err)
}

func translateOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
		}
	}
	return err
}
