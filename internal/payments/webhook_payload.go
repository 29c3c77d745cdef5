package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
)

var (
	// ErrUnsupportedPayload is returned for callbacks whose shape carries no charge status.
	ErrUnsupportedPayload = errors.New("payments: unsupported webhook payload")
	// ErrMissingReference is returned when a callback does not identify the order it belongs to.
	ErrMissingReference = errors.New("payments: webhook payload has no order reference")
)

// PayloadShape names the callback variants the gateway sends.
type PayloadShape string

const (
	// ShapeCharge is a charge object at the top of the event data.
	ShapeCharge PayloadShape = "charge"
	// ShapeOrder is an order/payment intent object carrying a nested charge list.
	ShapeOrder PayloadShape = "order"
)

type webhookEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type webhookObject struct {
	Object        string            `json:"object"`
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	ReferenceID   string            `json:"reference_id"`
	Metadata      map[string]string `json:"metadata"`
	Created       int64             `json:"created"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	Captured      *bool             `json:"captured"`
	LatestCharge  json.RawMessage   `json:"latest_charge"`
	Charges       *struct {
		Data []webhookObject `json:"data"`
	} `json:"charges"`
}

// ParsedWebhook is the normalised form of an authenticated callback.
type ParsedWebhook struct {
	EventID   string
	EventType string
	Shape     PayloadShape
	Event     domain.ChargeStatusEvent
}

// ParseWebhook resolves either payload shape into a single ChargeStatusEvent.
func ParseWebhook(body []byte) (ParsedWebhook, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ParsedWebhook{}, fmt.Errorf("payments: decode webhook: %w", err)
	}
	if len(envelope.Data.Object) == 0 {
		return ParsedWebhook{}, fmt.Errorf("%w: missing data.object", ErrUnsupportedPayload)
	}
	var object webhookObject
	if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
		return ParsedWebhook{}, fmt.Errorf("payments: decode webhook object: %w", err)
	}

	parsed := ParsedWebhook{EventID: envelope.ID, EventType: envelope.Type}
	var (
		event domain.ChargeStatusEvent
		err   error
	)
	switch strings.ToLower(object.Object) {
	case "charge":
		parsed.Shape = ShapeCharge
		event, err = chargeEvent(object)
	case "payment_intent", "order":
		parsed.Shape = ShapeOrder
		event, err = orderEvent(object)
	default:
		return ParsedWebhook{}, fmt.Errorf("%w: object %q", ErrUnsupportedPayload, object.Object)
	}
	if err != nil {
		return ParsedWebhook{}, err
	}
	if event.PaidAt == nil && event.Status == domain.PaymentStatusPaid && envelope.Created > 0 {
		paidAt := time.Unix(envelope.Created, 0).UTC()
		event.PaidAt = &paidAt
	}
	event.Source = "webhook"
	parsed.Event = event
	return parsed, nil
}

func chargeEvent(charge webhookObject) (domain.ChargeStatusEvent, error) {
	status, ok := MapChargeStatus(charge.Status)
	if !ok {
		return domain.ChargeStatusEvent{}, fmt.Errorf("%w: charge status %q", ErrUnsupportedPayload, charge.Status)
	}
	if status == domain.PaymentStatusPaid && charge.Captured != nil && !*charge.Captured {
		status = domain.PaymentStatusAuthorized
	}
	event := domain.ChargeStatusEvent{
		ReferenceID:    referenceID(charge),
		GatewayOrderID: expandableID(charge.PaymentIntent),
		ChargeID:       charge.ID,
		Status:         status,
		RawStatus:      charge.Status,
	}
	if status == domain.PaymentStatusPaid && charge.Created > 0 {
		paidAt := time.Unix(charge.Created, 0).UTC()
		event.PaidAt = &paidAt
	}
	if event.ReferenceID == "" {
		return domain.ChargeStatusEvent{}, ErrMissingReference
	}
	return event, nil
}

// orderEvent resolves the order's own status, refined by its latest charge attempt only while the
// order status is not yet conclusive.
func orderEvent(order webhookObject) (domain.ChargeStatusEvent, error) {
	event := domain.ChargeStatusEvent{
		ReferenceID:    referenceID(order),
		GatewayOrderID: order.ID,
		ChargeID:       expandableID(order.LatestCharge),
		RawStatus:      order.Status,
	}
	status, ok := MapStatus(order.Status)

	if latest, found := latestCharge(order); found {
		chargeStatus, chargeOK := MapChargeStatus(latest.Status)
		if chargeOK && latest.Captured != nil && !*latest.Captured && chargeStatus == domain.PaymentStatusPaid {
			chargeStatus = domain.PaymentStatusAuthorized
		}
		if chargeOK && (!ok || !conclusive(status)) {
			status, ok = chargeStatus, true
			event.RawStatus = latest.Status
		}
		if ok && status == domain.PaymentStatusPaid && chargeStatus == domain.PaymentStatusPaid && latest.Created > 0 {
			paidAt := time.Unix(latest.Created, 0).UTC()
			event.PaidAt = &paidAt
		}
		if event.ChargeID == "" {
			event.ChargeID = latest.ID
		}
		if event.ReferenceID == "" {
			event.ReferenceID = referenceID(latest)
		}
	}
	if !ok {
		return domain.ChargeStatusEvent{}, fmt.Errorf("%w: order status %q", ErrUnsupportedPayload, order.Status)
	}
	event.Status = status
	if event.ReferenceID == "" {
		return domain.ChargeStatusEvent{}, ErrMissingReference
	}
	return event, nil
}

// latestCharge returns the nested charge named by latest_charge. Charge lists are newest first, so
// the head of the list stands in when latest_charge is absent or not in the list.
func latestCharge(order webhookObject) (webhookObject, bool) {
	if order.Charges == nil || len(order.Charges.Data) == 0 {
		return webhookObject{}, false
	}
	if id := expandableID(order.LatestCharge); id != "" {
		for _, charge := range order.Charges.Data {
			if charge.ID == id {
				return charge, true
			}
		}
	}
	return order.Charges.Data[0], true
}

// conclusive reports whether an order-level status outranks any single charge attempt.
func conclusive(status domain.PaymentStatus) bool {
	switch status {
	case domain.PaymentStatusPaid, domain.PaymentStatusAuthorized, domain.PaymentStatusDeclined, domain.PaymentStatusCanceled:
		return true
	default:
		return false
	}
}

func referenceID(object webhookObject) string {
	if ref := strings.TrimSpace(object.Metadata["order_id"]); ref != "" {
		return ref
	}
	return strings.TrimSpace(object.ReferenceID)
}

// expandableID accepts either a bare id string or an expanded object with an "id" field.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return object.ID
	}
	return ""
}
