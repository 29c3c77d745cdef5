package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/textutil"
	"github.com/hanko-field/settlement/internal/repositories"
)

const (
	orderIDPrefix       = "ord_"
	maxSnapshotTextSize = 200
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
)

// cartValidator abstracts PricingValidator for easier testing.
type cartValidator interface {
	Validate(ctx context.Context, req PricingRequest) (domain.PricingBreakdown, error)
}

// CheckoutCommand is a fully specified cart snapshot submitted by the checkout UI.
type CheckoutCommand struct {
	CustomerID      string
	Customer        domain.CustomerSnapshot
	ShippingAddress domain.Address
	Items           []PricingItem
	CouponCodes     []string
	Freight         FreightSelection
	ClaimedDiscount int64
	ClaimedTotal    int64
}

// CheckoutResult carries the persisted order and the coupons that were not applied.
type CheckoutResult struct {
	Order          domain.Order
	IgnoredCoupons []string
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders    repositories.OrderRepository
	Validator cartValidator
	Metrics   Metrics
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
	IDGen     func() string
}

type checkoutService struct {
	orders    repositories.OrderRepository
	validator cartValidator
	metrics   Metrics
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
	newID     func() string
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("checkout service: pricing validator is required")
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &checkoutService{
		orders:    deps.Orders,
		validator: deps.Validator,
		metrics:   metricsOrNoop(deps.Metrics),
		now:       clockOrNow(deps.Clock),
		logger:    loggerOrNoop(deps.Logger),
		newID:     idGen,
	}, nil
}

// Submit recomputes the cart and persists an order built only from the recomputed figures.
// Zero-value carts become COURTESY orders that never reach the gateway.
func (s *checkoutService) Submit(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	if s == nil || s.orders == nil || s.validator == nil {
		return CheckoutResult{}, ErrCheckoutUnavailable
	}
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: customer is required", ErrCheckoutInvalidInput)
	}
	address := sanitizeAddress(cmd.ShippingAddress)
	if address.Line1 == "" || address.PostalCode == "" {
		return CheckoutResult{}, fmt.Errorf("%w: shipping address is incomplete", ErrCheckoutInvalidInput)
	}

	breakdown, err := s.validator.Validate(ctx, PricingRequest{
		Items:                 cmd.Items,
		CouponCodes:           cmd.CouponCodes,
		DestinationPostalCode: address.PostalCode,
		Freight:               cmd.Freight,
		ClaimedDiscount:       cmd.ClaimedDiscount,
		ClaimedTotal:          cmd.ClaimedTotal,
	})
	if err != nil {
		var perr *PricingError
		if errors.As(err, &perr) {
			s.metrics.RecordPricingRejection(string(perr.Code))
			s.logger(ctx, "settlement.checkout.pricing_rejected", map[string]any{
				"customerId": customerID,
				"code":       string(perr.Code),
				"details":    perr.Details,
			})
			return CheckoutResult{}, err
		}
		s.logger(ctx, "settlement.checkout.validation_failed", map[string]any{
			"customerId": customerID,
			"error":      err,
		})
		return CheckoutResult{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	now := s.now()
	order := domain.Order{
		ID:              orderIDPrefix + s.newID(),
		CustomerID:      customerID,
		Customer:        sanitizeCustomer(cmd.Customer),
		ShippingAddress: address,
		Currency:        breakdown.Currency,
		Items:           orderItems(breakdown.Items),
		Coupon:          breakdown.AppliedCoupon,
		IgnoredCoupons:  breakdown.IgnoredCoupons,
		Freight: domain.FreightSelection{
			Carrier:      breakdown.FreightQuote.Carrier,
			Service:      breakdown.FreightQuote.Service,
			Price:        breakdown.FreightQuote.Price,
			LeadTimeDays: breakdown.FreightQuote.LeadTimeDays,
		},
		Totals: domain.OrderTotals{
			Subtotal: breakdown.Subtotal,
			Discount: breakdown.Discount,
			Freight:  breakdown.Freight,
			Total:    breakdown.Total,
		},
		Status:    domain.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if order.Totals.Total == 0 {
		order.Status = domain.PaymentStatusCourtesy
		order.SettledAt = &now
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		s.logger(ctx, "settlement.checkout.persist_failed", map[string]any{
			"orderId": order.ID,
			"error":   err,
		})
		return CheckoutResult{}, fmt.Errorf("%w: persist order: %v", ErrCheckoutUnavailable, err)
	}

	s.logger(ctx, "settlement.checkout.order_created", map[string]any{
		"orderId":    order.ID,
		"customerId": customerID,
		"status":     string(order.Status),
		"total":      order.Totals.Total,
		"coupon":     order.Coupon,
	})
	return CheckoutResult{Order: order, IgnoredCoupons: breakdown.IgnoredCoupons}, nil
}

func orderItems(items []domain.ItemPricingBreakdown) []domain.OrderLineItem {
	out := make([]domain.OrderLineItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.OrderLineItem{
			ProductRef:          item.ProductRef,
			Name:                textutil.SanitizeText(item.Name, maxSnapshotTextSize),
			UnitPrice:           item.UnitPrice,
			DiscountedUnitPrice: item.DiscountedUnitPrice,
			Quantity:            item.Quantity,
			WeightGrams:         item.WeightGrams,
		})
	}
	return out
}

func sanitizeCustomer(c domain.CustomerSnapshot) domain.CustomerSnapshot {
	return domain.CustomerSnapshot{
		Name:     textutil.SanitizeText(c.Name, maxSnapshotTextSize),
		Email:    strings.ToLower(textutil.SanitizeText(c.Email, maxSnapshotTextSize)),
		Document: textutil.SanitizeText(c.Document, 32),
		Phone:    textutil.SanitizeText(c.Phone, 32),
	}
}

func sanitizeAddress(a domain.Address) domain.Address {
	return domain.Address{
		Recipient:  textutil.SanitizeText(a.Recipient, maxSnapshotTextSize),
		Line1:      textutil.SanitizeText(a.Line1, maxSnapshotTextSize),
		Line2:      textutil.SanitizeText(a.Line2, maxSnapshotTextSize),
		District:   textutil.SanitizeText(a.District, maxSnapshotTextSize),
		City:       textutil.SanitizeText(a.City, maxSnapshotTextSize),
		State:      textutil.SanitizeText(a.State, 32),
		PostalCode: textutil.SanitizeText(a.PostalCode, 16),
		Country:    strings.ToUpper(textutil.SanitizeText(a.Country, 2)),
	}
}
