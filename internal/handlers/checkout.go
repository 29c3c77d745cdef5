package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/auth"
	"github.com/hanko-field/settlement/internal/platform/httpx"
	"github.com/hanko-field/settlement/internal/services"
)

const (
	maxCheckoutRequestBody = 64 * 1024
	maxFreightRequestBody  = 16 * 1024
	pricingRejectedMessage = "cart contents changed; refresh your cart and try again"
)

// CheckoutHandlers exposes cart submission and freight quoting for authenticated customers.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
	freight  services.FreightService
	limiter  rateLimiter
	replay   func(http.Handler) http.Handler
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutRateLimit throttles submissions per customer.
func WithCheckoutRateLimit(perMinute, burst int) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newCustomerRateLimiter(perMinute, burst, nil)
	}
}

// WithSubmissionReplay wraps POST /checkout with idempotent replay middleware. It runs after
// authentication so stored responses are scoped to the customer.
func WithSubmissionReplay(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.replay = mw
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, freight services.FreightService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
		freight:  freight,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /checkout and /freight/quotes.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireCustomer())
	}
	if h.replay != nil {
		group.With(h.replay).Post("/checkout", h.submit)
	} else {
		group.Post("/checkout", h.submit)
	}
	group.Post("/freight/quotes", h.quote)
}

type customerPayload struct {
	Name     string `json:"name" validate:"max=200"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
	Document string `json:"document" validate:"max=32"`
	Phone    string `json:"phone" validate:"max=32"`
}

type addressPayload struct {
	Recipient  string `json:"recipient" validate:"max=200"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2" validate:"max=200"`
	District   string `json:"district" validate:"max=200"`
	City       string `json:"city" validate:"required,max=200"`
	State      string `json:"state" validate:"max=32"`
	PostalCode string `json:"postalCode" validate:"required,max=16"`
	Country    string `json:"country" validate:"omitempty,len=2"`
}

type checkoutItemPayload struct {
	ProductRef string `json:"productRef" validate:"max=128"`
	Name       string `json:"name" validate:"max=200"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int    `json:"quantity"`
}

type freightSelectionPayload struct {
	Carrier string `json:"carrier" validate:"max=64"`
	Service string `json:"service" validate:"max=64"`
	Price   int64  `json:"price"`
}

// checkoutRequest carries the client's claimed figures. Quantities and prices are not validated
// here so tampering surfaces as a pricing code rather than a generic 400.
type checkoutRequest struct {
	Customer        customerPayload         `json:"customer"`
	ShippingAddress addressPayload          `json:"shippingAddress"`
	Items           []checkoutItemPayload   `json:"items" validate:"max=200,dive"`
	Coupons         []string                `json:"coupons" validate:"max=10,dive,max=64"`
	Freight         freightSelectionPayload `json:"freight"`
	Discount        int64                   `json:"discount"`
	Total           int64                   `json:"total"`
}

type checkoutResponse struct {
	Order          orderPayload `json:"order"`
	IgnoredCoupons []string     `json:"ignoredCoupons,omitempty"`
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
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

	var req checkoutRequest
	if !decodeAndValidate(w, r, maxCheckoutRequestBody, &req) {
		return
	}

	customer := domain.CustomerSnapshot{
		Name:     req.Customer.Name,
		Email:    req.Customer.Email,
		Document: req.Customer.Document,
		Phone:    req.Customer.Phone,
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		if strings.TrimSpace(customer.Email) == "" {
			customer.Email = identity.Email
		}
		if strings.TrimSpace(customer.Name) == "" {
			customer.Name = identity.Name
		}
	}

	items := make([]services.PricingItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.PricingItem{
			ProductRef:       strings.TrimSpace(item.ProductRef),
			Name:             item.Name,
			ClaimedUnitPrice: item.UnitPrice,
			Quantity:         item.Quantity,
		})
	}

	result, err := h.checkout.Submit(ctx, services.CheckoutCommand{
		CustomerID:      uid,
		Customer:        customer,
		ShippingAddress: domain.Address(req.ShippingAddress),
		Items:           items,
		CouponCodes:     req.Coupons,
		Freight: services.FreightSelection{
			Carrier: req.Freight.Carrier,
			Service: req.Freight.Service,
			Price:   req.Freight.Price,
		},
		ClaimedDiscount: req.Discount,
		ClaimedTotal:    req.Total,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutResponse{
		Order:          buildOrderPayload(result.Order),
		IgnoredCoupons: result.IgnoredCoupons,
	})
}

type parcelPayload struct {
	WeightGrams int `json:"weightGrams" validate:"gte=0"`
	LengthCM    int `json:"lengthCm" validate:"gte=0"`
	WidthCM     int `json:"widthCm" validate:"gte=0"`
	HeightCM    int `json:"heightCm" validate:"gte=0"`
	Quantity    int `json:"quantity" validate:"gte=1,lte=100"`
}

type freightQuoteRequest struct {
	DestinationPostalCode string          `json:"destinationPostalCode" validate:"required,max=16"`
	Parcels               []parcelPayload `json:"parcels" validate:"required,min=1,max=200,dive"`
}

type freightQuotePayload struct {
	Carrier      string `json:"carrier"`
	Service      string `json:"service"`
	Price        int64  `json:"price"`
	LeadTimeDays int    `json:"leadTimeDays"`
}

type freightQuoteResponse struct {
	Quotes []freightQuotePayload `json:"quotes"`
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.freight == nil {
		httpx.WriteError(ctx, w, httpx.NewError("freight_unavailable", "freight service unavailable", http.StatusServiceUnavailable))
		return
	}
	if _, ok := customerID(ctx); !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	var req freightQuoteRequest
	if !decodeAndValidate(w, r, maxFreightRequestBody, &req) {
		return
	}
	parcels := make([]domain.Parcel, 0, len(req.Parcels))
	for _, p := range req.Parcels {
		parcels = append(parcels, domain.Parcel(p))
	}

	quotes, err := h.freight.Quote(ctx, services.FreightQuoteRequest{
		DestinationPostalCode: req.DestinationPostalCode,
		Parcels:               parcels,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrFreightInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrFreightUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("freight_unavailable", "no shipping offers are available for this destination", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("freight_error", "failed to quote freight", http.StatusInternalServerError))
		}
		return
	}

	resp := freightQuoteResponse{Quotes: make([]freightQuotePayload, 0, len(quotes))}
	for _, q := range quotes {
		resp.Quotes = append(resp.Quotes, freightQuotePayload(q))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var perr *services.PricingError
	if errors.As(err, &perr) {
		details := map[string]any{"code": string(perr.Code)}
		for k, v := range perr.Details {
			details[k] = v
		}
		httpx.WriteError(ctx, w, httpx.NewError(string(perr.Code), pricingRejectedMessage, http.StatusUnprocessableEntity).WithDetails(details))
		return
	}
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
