package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus enumerates the settlement states of an order.
type PaymentStatus string

const (
	// PaymentStatusPending marks an order that has been validated and persisted but not yet charged.
	PaymentStatusPending PaymentStatus = "PENDING"
	// PaymentStatusAwaitingPayment marks an instant-transfer order whose QR code has been issued.
	PaymentStatusAwaitingPayment PaymentStatus = "AWAITING_PAYMENT"
	// PaymentStatusAuthorized marks a card charge authorised but not yet captured.
	PaymentStatusAuthorized PaymentStatus = "AUTHORIZED"
	// PaymentStatusPaid marks a settled order.
	PaymentStatusPaid PaymentStatus = "PAID"
	// PaymentStatusDeclined marks a charge refused by the gateway or issuer.
	PaymentStatusDeclined PaymentStatus = "DECLINED"
	// PaymentStatusCanceled marks an order canceled before settlement.
	PaymentStatusCanceled PaymentStatus = "CANCELED"
	// PaymentStatusPaymentFailed marks a rejected submission; the customer may retry.
	PaymentStatusPaymentFailed PaymentStatus = "PAYMENT_FAILED"
	// PaymentStatusCourtesy marks a zero-value order that never reaches the gateway.
	PaymentStatusCourtesy PaymentStatus = "COURTESY"
)

// IsTerminal reports whether no further settlement transition may change the status.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusDeclined, PaymentStatusCanceled, PaymentStatusCourtesy:
		return true
	default:
		return false
	}
}

// IsPaid reports whether the status is PAID or a paid-equivalent courtesy status.
func (s PaymentStatus) IsPaid() bool {
	return s == PaymentStatusPaid || s == PaymentStatusCourtesy
}

// PaymentMethod identifies the payment flow used for an order.
type PaymentMethod string

const (
	// PaymentMethodCard charges tokenised card material, optionally in instalments.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodQR issues an instant-transfer QR code settled out of band.
	PaymentMethodQR PaymentMethod = "qr"
)

// Order is the persisted checkout attempt and the aggregate mutated by settlement.
type Order struct {
	ID              string
	CustomerID      string
	Customer        CustomerSnapshot
	ShippingAddress Address
	Currency        string
	Items           []OrderLineItem
	Coupon          string
	IgnoredCoupons  []string
	Freight         FreightSelection
	Totals          OrderTotals
	Status          PaymentStatus
	Payment         OrderPayment
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SettledAt       *time.Time
}

// CustomerSnapshot is copied into the order at creation and never re-derived.
type CustomerSnapshot struct {
	Name     string
	Email    string
	Document string
	Phone    string
}

// Address represents the shipping destination captured at checkout.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	District   string
	City       string
	State      string
	PostalCode string
	Country    string
}

// OrderLineItem captures the authoritative price snapshot for a purchased product.
type OrderLineItem struct {
	ProductRef          string
	Name                string
	UnitPrice           int64
	DiscountedUnitPrice int64
	Quantity            int
	WeightGrams         int
}

// OrderTotals holds the recomputed monetary figures in minor currency units.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Freight  int64
	Total    int64
}

// FreightSelection records the carrier offer chosen by the customer.
type FreightSelection struct {
	Carrier      string
	Service      string
	Price        int64
	LeadTimeDays int
}

// OrderPayment stores gateway identifiers and artefacts for the latest payment attempt.
type OrderPayment struct {
	Method          PaymentMethod
	GatewayOrderID  string
	GatewayChargeID string
	QRCode          *QRCode
	Card            *CardSummary
	LastError       *PaymentError
	Attempts        int
	// InFlightSince is set while a submission awaits the gateway's answer.
	InFlightSince   *time.Time
	PaidAt          *time.Time
}

// QRCode holds the instant-transfer payload shown to the customer.
type QRCode struct {
	Payload   string
	ImageURL  string
	ExpiresAt time.Time
}

// Expired reports whether the QR code can no longer be paid at the supplied instant.
func (q *QRCode) Expired(now time.Time) bool {
	if q == nil || q.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(q.ExpiresAt)
}

// CardSummary holds the masked card details safe to persist.
type CardSummary struct {
	Brand        string
	Last4        string
	Installments int
}

// PaymentError keeps the raw gateway rejection for support diagnostics.
type PaymentError struct {
	Code       string
	Message    string
	Raw        string
	OccurredAt time.Time
}

// ChargeStatusEvent is the shape-agnostic status report produced by webhooks, polling and submissions.
type ChargeStatusEvent struct {
	ReferenceID    string
	GatewayOrderID string
	ChargeID       string
	Status         PaymentStatus
	RawStatus      string
	PaidAt         *time.Time
	Source         string
}

// WebhookNotification is the append-only audit record of an authenticated gateway callback.
type WebhookNotification struct {
	ID          string
	ReceivedAt  time.Time
	Payload     []byte
	ContentType string
	RemoteAddr  string
	Signature   string
}

// Coupon resolves a code to a per-unit discount function.
type Coupon struct {
	Code        string
	Factor      decimal.Decimal
	Subtract    int64
	StartsAt    time.Time
	EndsAt      time.Time
	ProductRefs []string
	Active      bool
}

// Product is the authoritative catalog entry consulted during price recomputation.
type Product struct {
	Ref         string
	Name        string
	UnitPrice   int64
	Currency    string
	WeightGrams int
	LengthCM    int
	WidthCM     int
	HeightCM    int
	Active      bool
}

// FreightQuote is a single carrier offer. It is never persisted beyond the order snapshot.
type FreightQuote struct {
	Carrier      string
	Service      string
	Price        int64
	LeadTimeDays int
}

// Parcel describes one line item's shipping footprint for rate lookups.
type Parcel struct {
	WeightGrams int
	LengthCM    int
	WidthCM     int
	HeightCM    int
	Quantity    int
}
