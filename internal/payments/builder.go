package payments

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
)

// MaxInstallments bounds card instalment plans.
const MaxInstallments = 12

// CardInput is the tokenised card material supplied by the client's payment-field tokenizer.
type CardInput struct {
	Token        string
	Installments int
}

// BuildCardCharge turns a persisted order into a card charge request. attempt numbers the
// submission so retries after a failure get a fresh idempotency key.
func BuildCardCharge(order domain.Order, card CardInput, attempt int) (CardChargeRequest, error) {
	base, err := buildChargeRequest(order, domain.PaymentMethodCard, attempt)
	if err != nil {
		return CardChargeRequest{}, err
	}
	token := strings.TrimSpace(card.Token)
	if token == "" {
		return CardChargeRequest{}, fmt.Errorf("%w: card token is required", ErrInvalidChargeRequest)
	}
	installments := card.Installments
	if installments == 0 {
		installments = 1
	}
	if installments < 1 || installments > MaxInstallments {
		return CardChargeRequest{}, fmt.Errorf("%w: installments must be between 1 and %d", ErrInvalidChargeRequest, MaxInstallments)
	}
	return CardChargeRequest{
		ChargeRequest: base,
		CardToken:     token,
		Installments:  installments,
	}, nil
}

// BuildQRCharge turns a persisted order into an instant-transfer request expiring at expiresAt.
func BuildQRCharge(order domain.Order, expiresAt time.Time, attempt int) (QRChargeRequest, error) {
	base, err := buildChargeRequest(order, domain.PaymentMethodQR, attempt)
	if err != nil {
		return QRChargeRequest{}, err
	}
	if expiresAt.IsZero() {
		return QRChargeRequest{}, fmt.Errorf("%w: qr expiry is required", ErrInvalidChargeRequest)
	}
	return QRChargeRequest{ChargeRequest: base, ExpiresAt: expiresAt.UTC()}, nil
}

func buildChargeRequest(order domain.Order, method domain.PaymentMethod, attempt int) (ChargeRequest, error) {
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return ChargeRequest{}, fmt.Errorf("%w: order id is required", ErrInvalidChargeRequest)
	}
	if order.Totals.Total <= 0 {
		return ChargeRequest{}, fmt.Errorf("%w: order total must be positive", ErrInvalidChargeRequest)
	}
	currency := strings.ToUpper(strings.TrimSpace(order.Currency))
	if len(currency) != 3 {
		return ChargeRequest{}, fmt.Errorf("%w: currency %q is invalid", ErrInvalidChargeRequest, order.Currency)
	}
	if attempt < 1 {
		attempt = 1
	}

	items := make([]LineItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, LineItem{
			Ref:        item.ProductRef,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitAmount: item.DiscountedUnitPrice,
		})
	}

	metadata := map[string]string{
		"order_id": orderID,
		"method":   string(method),
		"attempt":  fmt.Sprintf("%d", attempt),
	}
	if customer := strings.TrimSpace(order.CustomerID); customer != "" {
		metadata["customer_id"] = customer
	}

	return ChargeRequest{
		OrderID:        orderID,
		CustomerID:     order.CustomerID,
		Currency:       currency,
		Amount:         order.Totals.Total,
		Customer:       order.Customer,
		Shipping:       order.ShippingAddress,
		Items:          items,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", orderID, method, attempt),
		Metadata:       metadata,
	}, nil
}
