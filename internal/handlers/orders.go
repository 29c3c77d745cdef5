package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/payments"
	"github.com/hanko-field/settlement/internal/platform/auth"
	"github.com/hanko-field/settlement/internal/platform/httpx"
	"github.com/hanko-field/settlement/internal/platform/observability"
	"github.com/hanko-field/settlement/internal/services"
)

const maxPaymentRequestBody = 8 * 1024

// OrderHandlers exposes order status, payment submission and reconciliation for the owning customer.
type OrderHandlers struct {
	authn          *auth.Authenticator
	orders         services.OrderService
	payments       services.PaymentService
	reconciliation services.ReconciliationService
	limiter        rateLimiter
}

// OrderOption customises OrderHandlers.
type OrderOption func(*OrderHandlers)

// WithPaymentService enables POST /orders/{orderId}/payments.
func WithPaymentService(svc services.PaymentService) OrderOption {
	return func(h *OrderHandlers) {
		h.payments = svc
	}
}

// WithReconciliationService enables POST /orders/{orderId}/reconcile.
func WithReconciliationService(svc services.ReconciliationService) OrderOption {
	return func(h *OrderHandlers) {
		h.reconciliation = svc
	}
}

// WithPaymentRateLimit throttles payment submissions per customer.
func WithPaymentRateLimit(perMinute, burst int) OrderOption {
	return func(h *OrderHandlers) {
		h.limiter = newCustomerRateLimiter(perMinute, burst, nil)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireCustomer())
	}
	tagged := r.With(observability.OrderContextMiddleware)
	tagged.Get("/{orderId}", h.getOrder)
	tagged.Post("/{orderId}/payments", h.pay)
	tagged.Post("/{orderId}/reconcile", h.reconcile)
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	Currency        string              `json:"currency"`
	Items           []orderItemPayload  `json:"items"`
	Coupon          string              `json:"coupon,omitempty"`
	Freight         freightQuotePayload `json:"freight"`
	Totals          orderTotalsPayload  `json:"totals"`
	ShippingAddress addressPayload      `json:"shippingAddress"`
	Payment         *paymentPayload     `json:"payment,omitempty"`
	CreatedAt       string              `json:"createdAt"`
	UpdatedAt       string              `json:"updatedAt"`
	SettledAt       string              `json:"settledAt,omitempty"`
}

type orderItemPayload struct {
	ProductRef          string `json:"productRef"`
	Name                string `json:"name"`
	UnitPrice           int64  `json:"unitPrice"`
	DiscountedUnitPrice int64  `json:"discountedUnitPrice"`
	Quantity            int    `json:"quantity"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Freight  int64 `json:"freight"`
	Total    int64 `json:"total"`
}

type paymentPayload struct {
	Method         string               `json:"method,omitempty"`
	GatewayOrderID string               `json:"gatewayOrderId,omitempty"`
	Attempts       int                  `json:"attempts"`
	QRCode         *qrCodePayload       `json:"qrCode,omitempty"`
	Card           *cardPayload         `json:"card,omitempty"`
	LastError      *paymentErrorPayload `json:"lastError,omitempty"`
	PaidAt         string               `json:"paidAt,omitempty"`
}

type qrCodePayload struct {
	Payload   string `json:"payload"`
	ImageURL  string `json:"imageUrl,omitempty"`
	ExpiresAt string `json:"expiresAt"`
}

type cardPayload struct {
	Brand        string `json:"brand,omitempty"`
	Last4        string `json:"last4,omitempty"`
	Installments int    `json:"installments"`
}

// paymentErrorPayload omits the raw gateway text, which stays on the stored order for support.
type paymentErrorPayload struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	OccurredAt string `json:"occurredAt"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		Status:          string(order.Status),
		Currency:        order.Currency,
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		Coupon:          order.Coupon,
		Freight:         freightQuotePayload(order.Freight),
		Totals:          orderTotalsPayload(order.Totals),
		ShippingAddress: addressPayload(order.ShippingAddress),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		SettledAt:       formatTimePtr(order.SettledAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductRef:          item.ProductRef,
			Name:                item.Name,
			UnitPrice:           item.UnitPrice,
			DiscountedUnitPrice: item.DiscountedUnitPrice,
			Quantity:            item.Quantity,
		})
	}

	p := order.Payment
	if p.Method == "" && p.GatewayOrderID == "" && p.Attempts == 0 {
		return payload
	}
	payment := &paymentPayload{
		Method:         string(p.Method),
		GatewayOrderID: p.GatewayOrderID,
		Attempts:       p.Attempts,
		PaidAt:         formatTimePtr(p.PaidAt),
	}
	if p.QRCode != nil {
		payment.QRCode = &qrCodePayload{Payload: p.QRCode.Payload, ImageURL: p.QRCode.ImageURL, ExpiresAt: formatTime(p.QRCode.ExpiresAt)}
	}
	if p.Card != nil {
		payment.Card = &cardPayload{Brand: p.Card.Brand, Last4: p.Card.Last4, Installments: p.Card.Installments}
	}
	if p.LastError != nil {
		payment.LastError = &paymentErrorPayload{Code: p.LastError.Code, Message: p.LastError.Message, OccurredAt: formatTime(p.LastError.OccurredAt)}
	}
	payload.Payment = payment
	return payload
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	uid, ok := customerID(ctx)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, uid, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type paymentRequest struct {
	Method       string `json:"method" validate:"required,oneof=card qr"`
	CardToken    string `json:"cardToken" validate:"required_if=Method card,max=256"`
	Installments int    `json:"installments" validate:"gte=0,lte=12"`
}

func (h *OrderHandlers) pay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	uid, ok := customerID(ctx)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}
	if !allow(h.limiter, uid) {
		writeRateLimited(ctx, w)
		return
	}

	var req paymentRequest
	if !decodeAndValidate(w, r, maxPaymentRequestBody, &req) {
		return
	}

	order, err := h.payments.Pay(ctx, services.PayCommand{
		CustomerID: uid,
		OrderID:    strings.TrimSpace(chi.URLParam(r, "orderId")),
		Method:     domain.PaymentMethod(req.Method),
		Card: payments.CardInput{
			Token:        req.CardToken,
			Installments: req.Installments,
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type reconcileResponse struct {
	OrderID         string `json:"orderId"`
	Status          string `json:"status"`
	Polling         bool   `json:"polling"`
	IntervalSeconds int    `json:"intervalSeconds,omitempty"`
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
}

func (h *OrderHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation service unavailable", http.StatusServiceUnavailable))
		return
	}
	uid, ok := customerID(ctx)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	start, err := h.reconciliation.StartPolling(ctx, uid, strings.TrimSpace(chi.URLParam(r, "orderId")))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := reconcileResponse{
		OrderID: start.OrderID,
		Status:  string(start.Status),
		Polling: start.Started || start.AlreadyRunning,
	}
	if resp.Polling {
		resp.IntervalSeconds = int(start.Interval.Seconds())
		resp.TimeoutSeconds = int(start.Timeout.Seconds())
	}
	status := http.StatusOK
	if start.Started {
		status = http.StatusAccepted
	}
	writeJSONResponse(w, status, resp)
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDuplicatePayment):
		httpx.WriteError(ctx, w, httpx.NewError("already_paid", "this order has already been paid", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("payment_in_progress", "a payment for this order is already in progress", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNotAllowed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_allowed", "this order can no longer be paid", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "the payment could not be processed; please try again", http.StatusBadGateway))
	case errors.Is(err, services.ErrReconciliationStopped):
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation is shutting down", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrSettlementUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order store unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
