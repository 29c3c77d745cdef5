package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/payments"
	"github.com/hanko-field/settlement/internal/repositories/memory"
)

type paymentFixture struct {
	svc       PaymentService
	orders    *memory.OrderRepository
	gateway   *stubGateway
	publisher *recordingPublisher
	metrics   *counterMetrics
	logger    *recordingLogger
}

func newPaymentFixture(t *testing.T, orders ...domain.Order) paymentFixture {
	t.Helper()
	fx := paymentFixture{
		orders:    seedOrders(t, orders...),
		gateway:   &stubGateway{},
		publisher: &recordingPublisher{},
		metrics:   newCounterMetrics(),
		logger:    &recordingLogger{},
	}
	svc, err := NewPaymentService(PaymentServiceDeps{
		Orders:    fx.orders,
		Gateway:   fx.gateway,
		Publisher: fx.publisher,
		Metrics:   fx.metrics,
		QRExpiry:  15 * time.Minute,
		Clock:     fixedClock,
		Logger:    fx.logger.log,
		IDGen:     sequentialIDs("evt"),
	})
	if err != nil {
		t.Fatalf("payment service: %v", err)
	}
	fx.svc = svc
	return fx
}

func TestPayRejectsAlreadyPaidOrderWithoutGatewayCall(t *testing.T) {
	for _, status := range []domain.PaymentStatus{domain.PaymentStatusPaid, domain.PaymentStatusCourtesy} {
		fx := newPaymentFixture(t, newTestOrder("ord_1", status))
		_, err := fx.svc.Pay(context.Background(), PayCommand{
			CustomerID: "cus_1",
			OrderID:    "ord_1",
			Method:     domain.PaymentMethodCard,
			Card:       payments.CardInput{Token: "pm_card_visa"},
		})
		if !errors.Is(err, ErrDuplicatePayment) {
			t.Fatalf("%s: expected ErrDuplicatePayment, got %v", status, err)
		}
		if card, qr, _ := fx.gateway.calls(); card+qr != 0 {
			t.Fatalf("%s: gateway must not be called", status)
		}
		if !fx.logger.has("settlement.payment.duplicate_rejected") {
			t.Fatalf("%s: expected duplicate rejection log", status)
		}
	}
}

func TestPayCardAuthorized(t *testing.T) {
	fx := newPaymentFixture(t, newTestOrder("ord_1", domain.PaymentStatusPending))
	fx.gateway.cardFunc = func(req payments.CardChargeRequest) (payments.ChargeResult, error) {
		return payments.ChargeResult{
			GatewayOrderID: "pi_1",
			ChargeID:       "ch_1",
			Status:         domain.PaymentStatusAuthorized,
			RawStatus:      "requires_capture",
			Card:           &domain.CardSummary{Brand: "visa", Last4: "4242", Installments: req.Installments},
		}, nil
	}

	order, err := fx.svc.Pay(context.Background(), PayCommand{
		CustomerID: "cus_1",
		OrderID:    "ord_1",
		Method:     domain.PaymentMethodCard,
		Card:       payments.CardInput{Token: "pm_card_visa", Installments: 3},
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if order.Status != domain.PaymentStatusAuthorized {
		t.Fatalf("expected AUTHORIZED, got %s", order.Status)
	}
	if order.Payment.GatewayOrderID != "pi_1" || order.Payment.GatewayChargeID != "ch_1" {
		t.Fatalf("expected gateway ids persisted, got %+v", order.Payment)
	}
	if order.Payment.Card == nil || order.Payment.Card.Last4 != "4242" || order.Payment.Card.Installments != 3 {
		t.Fatalf("expected masked card summary, got %+v", order.Payment.Card)
	}
	if order.Payment.Attempts != 1 {
		t.Fatalf("expected attempt 1, got %d", order.Payment.Attempts)
	}
	if key := fx.gateway.lastCard.IdempotencyKey; key != "ord_1:card:1" {
		t.Fatalf("unexpected idempotency key %s", key)
	}
	if fx.gateway.lastCard.Amount != 11490 {
		t.Fatalf("expected amount from persisted totals, got %d", fx.gateway.lastCard.Amount)
	}
	if events := fx.publisher.Events(); len(events) != 1 || events[0].Status != domain.PaymentStatusAuthorized {
		t.Fatalf("expected AUTHORIZED event, got %+v", events)
	}

	_, err = fx.svc.Pay(context.Background(), PayCommand{
		CustomerID: "cus_1",
		OrderID:    "ord_1",
		Method:     domain.PaymentMethodCard,
		Card:       payments.CardInput{Token: "pm_card_visa"},
	})
	if !errors.Is(err, ErrPaymentInProgress) {
		t.Fatalf("expected ErrPaymentInProgress for authorised order, got %v", err)
	}
}

func TestPayQRPersistsCodeAndBlocksRetryUntilExpiry(t *testing.T) {
	fx := newPaymentFixture(t, newTestOrder("ord_1", domain.PaymentStatusPending))

	order, err := fx.svc.Pay(context.Background(), PayCommand{CustomerID: "cus_1", OrderID: "ord_1", Method: domain.PaymentMethodQR})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if order.Status != domain.PaymentStatusAwaitingPayment {
		t.Fatalf("expected AWAITING_PAYMENT, got %s", order.Status)
	}
	if order.Payment.QRCode == nil || order.Payment.QRCode.Payload != "000201" {
		t.Fatalf("expected QR payload persisted, got %+v", order.Payment.QRCode)
	}
	if want := testNow.Add(15 * time.Minute); !fx.gateway.lastQR.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, fx.gateway.lastQR.ExpiresAt)
	}

	if _, err := fx.svc.Pay(context.Background(), PayCommand{CustomerID: "cus_1", OrderID: "ord_1", Method: domain.PaymentMethodQR}); !errors.Is(err, ErrPaymentInProgress) {
		t.Fatalf("expected ErrPaymentInProgress while QR is live, got %v", err)
	}

	expired := newTestOrder("ord_2", domain.PaymentStatusAwaitingPayment)
	expired.Payment = domain.OrderPayment{
		Method:         domain.PaymentMethodQR,
		GatewayOrderID: "pi_old",
		Attempts:       1,
		QRCode:         &domain.QRCode{Payload: "old", ExpiresAt: testNow.Add(-time.Minute)},
	}
	if err := fx.orders.Insert(context.Background(), expired); err != nil {
		t.Fatalf("insert: %v", err)
	}
	renewed, err := fx.svc.Pay(context.Background(), PayCommand{CustomerID: "cus_1", OrderID: "ord_2", Method: domain.PaymentMethodQR})
	if err != nil {
		t.Fatalf("renew expired QR: %v", err)
	}
	if renewed.Payment.Attempts != 2 || renewed.Payment.QRCode.Payload != "000201" {
		t.Fatalf("expected second attempt with fresh QR, got %+v", renewed.Payment)
	}
	if key := fx.gateway.lastQR.IdempotencyKey; key != "ord_2:qr:2" {
		t.Fatalf("unexpected idempotency key %s", key)
	}
}

func TestPayGatewayFailurePersistsRawError(t *testing.T) {
	fx := newPaymentFixture(t, newTestOrder("ord_1", domain.PaymentStatusPending))
	fx.gateway.cardFunc = func(payments.CardChargeRequest) (payments.ChargeResult, error) {
		return payments.ChargeResult{}, &payments.GatewayError{
			Operation:   "create_card_charge",
			Code:        "card_declined",
			DeclineCode: "insufficient_funds",
			Message:     "Your card has insufficient funds.",
			HTTPStatus:  402,
			Raw:         `{"error":{"code":"card_declined"}}`,
		}
	}

	_, err := fx.svc.Pay(context.Background(), PayCommand{
		CustomerID: "cus_1",
		OrderID:    "ord_1",
		Method:     domain.PaymentMethodCard,
		Card:       payments.CardInput{Token: "pm_card_chargeDeclined"},
	})
	if !errors.Is(err, ErrPaymentGateway) {
		t.Fatalf("expected ErrPaymentGateway, got %v", err)
	}

	stored, err := fx.orders.FindByID(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Status != domain.PaymentStatusPaymentFailed {
		t.Fatalf("expected PAYMENT_FAILED, got %s", stored.Status)
	}
	if stored.Payment.LastError == nil || !strings.Contains(stored.Payment.LastError.Raw, "card_declined") {
		t.Fatalf("expected raw error persisted, got %+v", stored.Payment.LastError)
	}
	if stored.Payment.LastError.Code != "card_declined:insufficient_funds" {
		t.Fatalf("unexpected error code %s", stored.Payment.LastError.Code)
	}
	if stored.Totals != newTestOrder("ord_1", domain.PaymentStatusPending).Totals || len(stored.Items) != 1 {
		t.Fatalf("order contents must be untouched")
	}
	if got := fx.metrics.get(fx.metrics.attempts, "card|failed"); got != 1 {
		t.Fatalf("expected failed attempt metric, got %d", got)
	}

	fx.gateway.cardFunc = nil
	retried, err := fx.svc.Pay(context.Background(), PayCommand{
		CustomerID: "cus_1",
		OrderID:    "ord_1",
		Method:     domain.PaymentMethodCard,
		Card:       payments.CardInput{Token: "pm_card_visa"},
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != domain.PaymentStatusAuthorized || retried.Payment.LastError != nil || retried.Payment.Attempts != 2 {
		t.Fatalf("expected successful retry clearing last error, got %+v", retried)
	}
}

func TestPayRejectsOtherCustomersAndInvalidInput(t *testing.T) {
	fx := newPaymentFixture(t, newTestOrder("ord_1", domain.PaymentStatusPending), newTestOrder("ord_2", domain.PaymentStatusDeclined))

	if _, err := fx.svc.Pay(context.Background(), PayCommand{CustomerID: "cus_other", OrderID: "ord_1", Method: domain.PaymentMethodQR}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := fx.svc.Pay(context.Background(), PayCommand{CustomerID: "cus_1", OrderID: "ord_1", Method: "boleto"}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput for method, got %v", err)
	}
	if _, err := fx.svc.Pay(context.Background(), PayCommand{CustomerID: "cus_1", OrderID: "ord_1", Method: domain.PaymentMethodCard}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput for missing token, got %v", err)
	}
	if _, err := fx.svc.Pay(context.Background(), PayCommand{CustomerID: "cus_1", OrderID: "ord_2", Method: domain.PaymentMethodQR}); !errors.Is(err, ErrPaymentNotAllowed) {
		t.Fatalf("expected ErrPaymentNotAllowed, got %v", err)
	}
	if card, qr, _ := fx.gateway.calls(); card+qr != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestPayConcurrentSubmissionsChargeOnce(t *testing.T) {
	fx := newPaymentFixture(t, newTestOrder("ord_1", domain.PaymentStatusPending))
	release := make(chan struct{})
	fx.gateway.qrFunc = func(req payments.QRChargeRequest) (payments.ChargeResult, error) {
		<-release
		return payments.ChargeResult{
			GatewayOrderID: "pi_qr",
			Status:         domain.PaymentStatusAwaitingPayment,
			QRCode:         &domain.QRCode{Payload: "000201", ExpiresAt: req.ExpiresAt},
		}, nil
	}

	const workers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		inProgress int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := fx.svc.Pay(context.Background(), PayCommand{CustomerID: "cus_1", OrderID: "ord_1", Method: domain.PaymentMethodQR})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrPaymentInProgress):
				inProgress++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	deadline := time.After(5 * time.Second)
	for {
		_, qr, _ := fx.gateway.calls()
		if qr >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("gateway never called")
		case <-time.After(time.Millisecond):
		}
	}
	close(release)
	wg.Wait()

	if successes != 1 || inProgress != workers-1 {
		t.Fatalf("expected 1 success and %d in-progress, got %d/%d", workers-1, successes, inProgress)
	}
	if _, qr, _ := fx.gateway.calls(); qr != 1 {
		t.Fatalf("expected a single gateway call, got %d", qr)
	}
}
