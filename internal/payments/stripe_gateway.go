package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/textutil"
)

// GatewayLogger defines the logging contract for gateway operations.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	// QRMethod is the Stripe payment method type that renders a QR code, e.g. "pix".
	QRMethod string
	Backends *stripe.Backends
	Logger   GatewayLogger
	Clock    func() time.Time
	Intents  stripeIntentAPI
}

// StripeGateway implements Gateway with Stripe PaymentIntents. The intent id is the gateway
// order id; the latest charge id is the gateway charge id.
type StripeGateway struct {
	intents  stripeIntentAPI
	account  string
	qrMethod string
	clock    func() time.Time
	logger   GatewayLogger
}

// NewStripeGateway constructs a Stripe gateway client.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	qrMethod := strings.ToLower(strings.TrimSpace(cfg.QRMethod))
	if qrMethod == "" {
		qrMethod = "pix"
	}

	return &StripeGateway{
		intents:  intents,
		account:  strings.TrimSpace(cfg.AccountID),
		qrMethod: qrMethod,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCardCharge creates and confirms a card PaymentIntent.
func (g *StripeGateway) CreateCardCharge(ctx context.Context, req CardChargeRequest) (ChargeResult, error) {
	if g == nil {
		return ChargeResult{}, errors.New("stripe: gateway is nil")
	}
	params := g.intentParams(ctx, req.ChargeRequest)
	params.PaymentMethod = stripe.String(req.CardToken)
	params.PaymentMethodTypes = []*string{stripe.String("card")}
	if req.Installments > 1 {
		params.PaymentMethodOptions = &stripe.PaymentIntentPaymentMethodOptionsParams{
			Card: &stripe.PaymentIntentPaymentMethodOptionsCardParams{
				Installments: &stripe.PaymentIntentPaymentMethodOptionsCardInstallmentsParams{
					Enabled: stripe.Bool(true),
					Plan: &stripe.PaymentIntentPaymentMethodOptionsCardInstallmentsPlanParams{
						Count:    stripe.Int64(int64(req.Installments)),
						Interval: stripe.String("month"),
						Type:     stripe.String("fixed_count"),
					},
				},
			},
		}
	}

	intent, err := g.intents.New(params)
	if err != nil {
		return ChargeResult{}, toGatewayError("create_card_charge", err)
	}
	result := g.chargeResult(intent)
	result.Card = cardSummary(intent, req.Installments)

	g.logger(ctx, "payments.stripe.card.created", map[string]any{
		"orderId":       req.OrderID,
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return result, nil
}

// CreateQRCharge creates and confirms an instant-transfer PaymentIntent and extracts the QR
// payload from its next action.
func (g *StripeGateway) CreateQRCharge(ctx context.Context, req QRChargeRequest) (ChargeResult, error) {
	if g == nil {
		return ChargeResult{}, errors.New("stripe: gateway is nil")
	}
	params := g.intentParams(ctx, req.ChargeRequest)
	params.PaymentMethodTypes = []*string{stripe.String(g.qrMethod)}
	params.AddExtra("payment_method_data[type]", g.qrMethod)
	if g.qrMethod == "pix" {
		params.AddExtra("payment_method_options[pix][expires_at]", strconv.FormatInt(req.ExpiresAt.Unix(), 10))
	}

	intent, err := g.intents.New(params)
	if err != nil {
		return ChargeResult{}, toGatewayError("create_qr_charge", err)
	}
	result := g.chargeResult(intent)

	qr, ok := extractQRCode(intent)
	if !ok && result.Status == domain.PaymentStatusAwaitingPayment {
		return ChargeResult{}, &GatewayError{
			Operation: "create_qr_charge",
			Code:      "qr_code_missing",
			Message:   "gateway accepted the charge without a QR code",
			Raw:       rawIntent(intent),
		}
	}
	if ok {
		if qr.ExpiresAt.IsZero() {
			qr.ExpiresAt = req.ExpiresAt
		}
		result.QRCode = &qr
	}

	g.logger(ctx, "payments.stripe.qr.created", map[string]any{
		"orderId":       req.OrderID,
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return result, nil
}

// LookupOrder retrieves the current state of a PaymentIntent.
func (g *StripeGateway) LookupOrder(ctx context.Context, gatewayOrderID string) (ChargeResult, error) {
	if g == nil {
		return ChargeResult{}, errors.New("stripe: gateway is nil")
	}
	id := strings.TrimSpace(gatewayOrderID)
	if id == "" {
		return ChargeResult{}, errors.New("stripe: gateway order id is required")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.intents.Get(id, params)
	if err != nil {
		return ChargeResult{}, toGatewayError("lookup_order", err)
	}
	return g.chargeResult(intent), nil
}

func (g *StripeGateway) intentParams(ctx context.Context, req ChargeRequest) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	params.AddExpand("latest_charge")
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if email := strings.TrimSpace(req.Customer.Email); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	params.Description = stripe.String("Order " + req.OrderID)
	if req.Shipping.Line1 != "" {
		params.Shipping = &stripe.ShippingDetailsParams{
			Name:  stripe.String(defaultString(req.Shipping.Recipient, req.Customer.Name)),
			Phone: optionalString(req.Customer.Phone),
			Address: &stripe.AddressParams{
				Line1:      stripe.String(req.Shipping.Line1),
				Line2:      optionalString(req.Shipping.Line2),
				City:       optionalString(req.Shipping.City),
				State:      optionalString(req.Shipping.State),
				PostalCode: optionalString(req.Shipping.PostalCode),
				Country:    optionalString(req.Shipping.Country),
			},
		}
	}
	if metadata := textutil.NormalizeStringMap(req.Metadata); metadata != nil {
		params.Metadata = metadata
	}
	return params
}

func (g *StripeGateway) chargeResult(intent *stripe.PaymentIntent) ChargeResult {
	if intent == nil {
		return ChargeResult{}
	}
	raw := string(intent.Status)
	status, ok := MapStatus(raw)
	if !ok {
		status = domain.PaymentStatusAwaitingPayment
	}

	result := ChargeResult{
		GatewayOrderID: intent.ID,
		ReferenceID:    intent.Metadata["order_id"],
		RawStatus:      raw,
		Status:         status,
	}
	if charge := intent.LatestCharge; charge != nil {
		result.ChargeID = charge.ID
	}
	if status == domain.PaymentStatusPaid {
		paidAt := g.clock()
		if charge := intent.LatestCharge; charge != nil && charge.Created > 0 {
			paidAt = time.Unix(charge.Created, 0).UTC()
		}
		result.PaidAt = &paidAt
	}
	return result
}

func cardSummary(intent *stripe.PaymentIntent, installments int) *domain.CardSummary {
	if installments < 1 {
		installments = 1
	}
	if charge := intent.LatestCharge; charge != nil && charge.PaymentMethodDetails != nil && charge.PaymentMethodDetails.Card != nil {
		card := charge.PaymentMethodDetails.Card
		return &domain.CardSummary{Brand: string(card.Brand), Last4: card.Last4, Installments: installments}
	}
	if pm := intent.PaymentMethod; pm != nil && pm.Card != nil {
		return &domain.CardSummary{Brand: string(pm.Card.Brand), Last4: pm.Card.Last4, Installments: installments}
	}
	return nil
}

// extractQRCode reads next_action.<type>.{data,image_url_png,expires_at} from the raw response so
// any QR-rendering method type is handled the same way.
func extractQRCode(intent *stripe.PaymentIntent) (domain.QRCode, bool) {
	if intent == nil || intent.LastResponse == nil || len(intent.LastResponse.RawJSON) == 0 {
		return domain.QRCode{}, false
	}
	var payload struct {
		NextAction map[string]json.RawMessage `json:"next_action"`
	}
	if err := json.Unmarshal(intent.LastResponse.RawJSON, &payload); err != nil || payload.NextAction == nil {
		return domain.QRCode{}, false
	}
	var actionType string
	if err := json.Unmarshal(payload.NextAction["type"], &actionType); err != nil || actionType == "" {
		return domain.QRCode{}, false
	}
	var details struct {
		Data        string `json:"data"`
		ImageURLPNG string `json:"image_url_png"`
		ExpiresAt   int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(payload.NextAction[actionType], &details); err != nil || details.Data == "" {
		return domain.QRCode{}, false
	}
	qr := domain.QRCode{Payload: details.Data, ImageURL: details.ImageURLPNG}
	if details.ExpiresAt > 0 {
		qr.ExpiresAt = time.Unix(details.ExpiresAt, 0).UTC()
	}
	return qr, true
}

func toGatewayError(operation string, err error) error {
	gwErr := &GatewayError{Operation: operation, Raw: err.Error(), Err: err}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		gwErr.Code = string(stripeErr.Code)
		gwErr.DeclineCode = string(stripeErr.DeclineCode)
		gwErr.Message = stripeErr.Msg
		gwErr.HTTPStatus = stripeErr.HTTPStatusCode
	}
	return gwErr
}

func rawIntent(intent *stripe.PaymentIntent) string {
	if intent != nil && intent.LastResponse != nil && len(intent.LastResponse.RawJSON) > 0 {
		return string(intent.LastResponse.RawJSON)
	}
	data, err := json.Marshal(intent)
	if err != nil {
		return ""
	}
	return string(data)
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return stripe.String(value)
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
