package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
)

// ErrInvalidChargeRequest is returned by the builders when an order cannot be charged as requested.
var ErrInvalidChargeRequest = errors.New("payments: invalid charge request")

// LineItem is the per-product breakdown forwarded to the gateway for its receipts.
type LineItem struct {
	Ref        string
	Name       string
	Quantity   int
	UnitAmount int64
}

// ChargeRequest carries the fields shared by both payment flows.
type ChargeRequest struct {
	OrderID        string
	CustomerID     string
	Currency       string
	Amount         int64
	Customer       domain.CustomerSnapshot
	Shipping       domain.Address
	Items          []LineItem
	IdempotencyKey string
	Metadata       map[string]string
}

// CardChargeRequest charges tokenised card material, optionally in instalments.
type CardChargeRequest struct {
	ChargeRequest
	CardToken    string
	Installments int
}

// QRChargeRequest requests an instant-transfer QR code valid until ExpiresAt.
type QRChargeRequest struct {
	ChargeRequest
	ExpiresAt time.Time
}

// ChargeResult is the gateway's answer to a submission or a status query, already mapped onto
// the order status vocabulary.
type ChargeResult struct {
	GatewayOrderID string
	ChargeID       string
	ReferenceID    string
	RawStatus      string
	Status         domain.PaymentStatus
	QRCode         *domain.QRCode
	Card           *domain.CardSummary
	PaidAt         *time.Time
}

// Gateway submits charges and queries their state.
type Gateway interface {
	CreateCardCharge(ctx context.Context, req CardChargeRequest) (ChargeResult, error)
	CreateQRCharge(ctx context.Context, req QRChargeRequest) (ChargeResult, error)
	LookupOrder(ctx context.Context, gatewayOrderID string) (ChargeResult, error)
}

// GatewayError is a rejection or transport failure reported by the gateway. Raw keeps the
// unmodified gateway response for support diagnostics.
type GatewayError struct {
	Operation   string
	Code        string
	DeclineCode string
	Message     string
	HTTPStatus  int
	Raw         string
	Err         error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	parts := []string{fmt.Sprintf("payments: %s failed", e.Operation)}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.DeclineCode != "" {
		parts = append(parts, "decline="+e.DeclineCode)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, " ")
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
