package payments

import (
	"strings"

	domain "github.com/hanko-field/settlement/internal/domain"
)

// MapStatus translates a raw gateway order (payment intent) status into an order status. Webhooks,
// submissions and the reconciliation poller all use this single table. The boolean is false when
// the raw value is unknown.
func MapStatus(raw string) (domain.PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "paid":
		return domain.PaymentStatusPaid, true
	case "requires_capture", "authorized":
		return domain.PaymentStatusAuthorized, true
	case "requires_action", "requires_confirmation", "processing", "pending", "waiting", "in_analysis":
		return domain.PaymentStatusAwaitingPayment, true
	case "requires_payment_method":
		return domain.PaymentStatusPaymentFailed, true
	case "failed", "declined":
		return domain.PaymentStatusDeclined, true
	case "canceled", "cancelled":
		return domain.PaymentStatusCanceled, true
	default:
		return "", false
	}
}

// MapChargeStatus translates the status of a single charge attempt. A failed attempt leaves the
// order payable, matching what a lookup of the owning intent reports (requires_payment_method);
// DECLINED and CANCELED come only from order-level statuses.
func MapChargeStatus(raw string) (domain.PaymentStatus, bool) {
	status, ok := MapStatus(raw)
	if !ok {
		return "", false
	}
	switch status {
	case domain.PaymentStatusDeclined, domain.PaymentStatusCanceled:
		return domain.PaymentStatusPaymentFailed, true
	}
	return status, true
}
