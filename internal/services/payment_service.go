package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/payments"
	"github.com/hanko-field/settlement/internal/repositories"
)

const (
	defaultQRExpiry = 15 * time.Minute
	// submissionLease bounds how long an unanswered submission blocks new attempts.
	submissionLease = 2 * time.Minute
)

var (
	// ErrDuplicatePayment is returned when the order is already paid; the gateway is not called.
	ErrDuplicatePayment = errors.New("payment: order already paid")
	// ErrPaymentInProgress is returned while an authorised charge or a live QR code exists, or
	// when a concurrent attempt won the race.
	ErrPaymentInProgress = errors.New("payment: attempt already in progress")
	// ErrPaymentNotAllowed is returned for declined or canceled orders.
	ErrPaymentNotAllowed = errors.New("payment: order can no longer be paid")
	// ErrPaymentInvalidInput indicates the payment command could not be turned into a charge.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentGateway indicates the gateway rejected or failed the charge. The raw error is
	// persisted on the order.
	ErrPaymentGateway = errors.New("payment: gateway error")
)

// PayCommand requests a payment attempt for an order.
type PayCommand struct {
	CustomerID string
	OrderID    string
	Method     domain.PaymentMethod
	Card       payments.CardInput
}

// PaymentServiceDeps wires the payment service.
type PaymentServiceDeps struct {
	Orders    repositories.OrderRepository
	Gateway   ChargeGateway
	Publisher SettlementEventPublisher
	Metrics   Metrics
	QRExpiry  time.Duration
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
	IDGen     func() string
}

type paymentService struct {
	orders    repositories.OrderRepository
	gateway   ChargeGateway
	publisher SettlementEventPublisher
	metrics   Metrics
	qrExpiry  time.Duration
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
	newID     func() string
}

// NewPaymentService constructs the payment order builder and submitter.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}
	expiry := deps.QRExpiry
	if expiry <= 0 {
		expiry = defaultQRExpiry
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &paymentService{
		orders:    deps.Orders,
		gateway:   deps.Gateway,
		publisher: deps.Publisher,
		metrics:   metricsOrNoop(deps.Metrics),
		qrExpiry:  expiry,
		now:       clockOrNow(deps.Clock),
		logger:    loggerOrNoop(deps.Logger),
		newID:     idGen,
	}, nil
}

// Pay builds and submits a charge. The paid-state guard runs immediately before submission and
// again inside the attempt reservation; the gateway idempotency key closes the remaining window.
func (s *paymentService) Pay(ctx context.Context, cmd PayCommand) (domain.Order, error) {
	ctx, span := tracer.Start(ctx, "payment.pay")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", cmd.OrderID), attribute.String("payment.method", string(cmd.Method)))

	if cmd.Method != domain.PaymentMethodCard && cmd.Method != domain.PaymentMethodQR {
		return domain.Order{}, fmt.Errorf("%w: unsupported method %q", ErrPaymentInvalidInput, cmd.Method)
	}

	order, err := loadCustomerOrder(ctx, s.orders, cmd.CustomerID, cmd.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	now := s.now()
	if err := checkPayable(order, now); err != nil {
		if errors.Is(err, ErrDuplicatePayment) {
			s.metrics.RecordPaymentAttempt(cmd.Method, "duplicate")
			s.logger(ctx, "settlement.payment.duplicate_rejected", map[string]any{
				"orderId": order.ID,
				"status":  string(order.Status),
			})
		}
		return domain.Order{}, err
	}

	attempt := order.Payment.Attempts + 1
	var (
		cardReq payments.CardChargeRequest
		qrReq   payments.QRChargeRequest
	)
	switch cmd.Method {
	case domain.PaymentMethodCard:
		cardReq, err = payments.BuildCardCharge(order, cmd.Card, attempt)
	case domain.PaymentMethodQR:
		qrReq, err = payments.BuildQRCharge(order, now.Add(s.qrExpiry), attempt)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}

	if _, err := s.orders.Mutate(ctx, order.ID, func(current *domain.Order) (bool, error) {
		if err := checkPayable(*current, now); err != nil {
			return false, err
		}
		if current.Payment.Attempts != attempt-1 {
			return false, ErrPaymentInProgress
		}
		current.Payment.Attempts = attempt
		current.Payment.Method = cmd.Method
		current.Payment.InFlightSince = &now
		current.UpdatedAt = now
		return true, nil
	}); err != nil {
		if errors.Is(err, ErrDuplicatePayment) || errors.Is(err, ErrPaymentInProgress) || errors.Is(err, ErrPaymentNotAllowed) {
			return domain.Order{}, err
		}
		return domain.Order{}, translateOrderRepositoryError(err)
	}

	started := time.Now()
	var result payments.ChargeResult
	operation := "create_card_charge"
	if cmd.Method == domain.PaymentMethodQR {
		operation = "create_qr_charge"
		result, err = s.gateway.CreateQRCharge(ctx, qrReq)
	} else {
		result, err = s.gateway.CreateCardCharge(ctx, cardReq)
	}
	s.metrics.ObserveGatewayLatency(operation, time.Since(started).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway rejected charge")
		s.metrics.RecordPaymentAttempt(cmd.Method, "failed")
		if recErr := s.recordFailure(ctx, order.ID, attempt, err); recErr != nil {
			s.logger(ctx, "settlement.payment.persist_failed", map[string]any{
				"orderId": order.ID,
				"error":   recErr,
			})
		}
		return domain.Order{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	s.metrics.RecordPaymentAttempt(cmd.Method, "accepted")
	stored, err := s.recordSuccess(ctx, order.ID, cmd.Method, result)
	if err != nil {
		s.logger(ctx, "settlement.payment.persist_failed", map[string]any{
			"orderId":        order.ID,
			"gatewayOrderId": result.GatewayOrderID,
			"error":          err,
		})
		return domain.Order{}, err
	}
	return stored, nil
}

func checkPayable(order domain.Order, now time.Time) error {
	switch {
	case order.Status.IsPaid():
		return ErrDuplicatePayment
	case order.Status.IsTerminal():
		return ErrPaymentNotAllowed
	case order.Status == domain.PaymentStatusAuthorized:
		return ErrPaymentInProgress
	case order.Payment.InFlightSince != nil && now.Sub(*order.Payment.InFlightSince) < submissionLease:
		return ErrPaymentInProgress
	case order.Status == domain.PaymentStatusAwaitingPayment && !order.Payment.QRCode.Expired(now):
		return ErrPaymentInProgress
	}
	return nil
}

func (s *paymentService) recordFailure(ctx context.Context, orderID string, attempt int, cause error) error {
	perr := &domain.PaymentError{Raw: cause.Error(), Message: cause.Error(), OccurredAt: s.now()}
	var gwErr *payments.GatewayError
	if errors.As(cause, &gwErr) {
		perr.Code = gwErr.Code
		if gwErr.DeclineCode != "" {
			perr.Code = strings.TrimPrefix(perr.Code+":"+gwErr.DeclineCode, ":")
		}
		if gwErr.Message != "" {
			perr.Message = gwErr.Message
		}
		if gwErr.Raw != "" {
			perr.Raw = gwErr.Raw
		}
	}

	var (
		previous domain.PaymentStatus
		outcome  TransitionOutcome
	)
	stored, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) (bool, error) {
		previous = order.Status
		outcome = EvaluateTransition(order.Status, domain.PaymentStatusPaymentFailed)
		if order.Status.IsTerminal() || order.Payment.Attempts != attempt {
			return false, nil
		}
		order.Payment.InFlightSince = nil
		order.Payment.LastError = perr
		order.UpdatedAt = s.now()
		if outcome == TransitionApplied {
			applyStatus(order, domain.PaymentStatusPaymentFailed, nil, s.now())
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	s.metrics.RecordTransition("payment", domain.PaymentStatusPaymentFailed, string(outcome))
	s.logger(ctx, "settlement.payment.gateway_failed", map[string]any{
		"orderId": orderID,
		"attempt": attempt,
		"code":    perr.Code,
		"error":   cause,
	})
	if outcome == TransitionApplied && stored.Status == domain.PaymentStatusPaymentFailed {
		s.publish(ctx, stored, previous)
	}
	return nil
}

func (s *paymentService) recordSuccess(ctx context.Context, orderID string, method domain.PaymentMethod, result payments.ChargeResult) (domain.Order, error) {
	var (
		previous domain.PaymentStatus
		outcome  TransitionOutcome
	)
	stored, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) (bool, error) {
		previous = order.Status
		outcome = EvaluateTransition(order.Status, result.Status)
		now := s.now()

		if order.Status.IsTerminal() {
			// A callback settled the order first; keep the gateway ids for audit only.
			changed := order.Payment.InFlightSince != nil
			order.Payment.InFlightSince = nil
			if order.Payment.GatewayOrderID == "" && result.GatewayOrderID != "" {
				order.Payment.GatewayOrderID = result.GatewayOrderID
				changed = true
			}
			if order.Payment.GatewayChargeID == "" && result.ChargeID != "" {
				order.Payment.GatewayChargeID = result.ChargeID
				changed = true
			}
			return changed, nil
		}

		order.Payment.Method = method
		order.Payment.InFlightSince = nil
		order.Payment.GatewayOrderID = result.GatewayOrderID
		if result.ChargeID != "" {
			order.Payment.GatewayChargeID = result.ChargeID
		}
		order.Payment.LastError = nil
		switch method {
		case domain.PaymentMethodQR:
			order.Payment.QRCode = result.QRCode
			order.Payment.Card = nil
		case domain.PaymentMethodCard:
			order.Payment.Card = result.Card
			order.Payment.QRCode = nil
		}
		order.UpdatedAt = now
		if outcome == TransitionApplied {
			applyStatus(order, result.Status, result.PaidAt, now)
		}
		return true, nil
	})
	if err != nil {
		return domain.Order{}, translateOrderRepositoryError(err)
	}

	s.metrics.RecordTransition("payment", result.Status, string(outcome))
	s.logger(ctx, "settlement.payment.submitted", map[string]any{
		"orderId":        orderID,
		"method":         string(method),
		"gatewayOrderId": result.GatewayOrderID,
		"rawStatus":      result.RawStatus,
		"outcome":        string(outcome),
	})
	if outcome == TransitionApplied {
		s.publish(ctx, stored, previous)
	}
	return stored, nil
}

func (s *paymentService) publish(ctx context.Context, order domain.Order, previous domain.PaymentStatus) {
	publishSettlementEvent(ctx, s.publisher, s.logger, SettlementEvent{
		EventID:        "sev_" + s.newID(),
		OrderID:        order.ID,
		CustomerID:     order.CustomerID,
		PreviousStatus: previous,
		Status:         order.Status,
		Source:         "payment",
		GatewayOrderID: order.Payment.GatewayOrderID,
		ChargeID:       order.Payment.GatewayChargeID,
		Total:          order.Totals.Total,
		Currency:       order.Currency,
		OccurredAt:     s.now(),
	})
}
