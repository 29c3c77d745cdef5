package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

// PricingCode enumerates the tamper and input rejections returned to the customer.
type PricingCode string

const (
	PricingEmptyCart          PricingCode = "EMPTY_CART"
	PricingInvalidCoupon      PricingCode = "INVALID_COUPON"
	PricingProductNotFound    PricingCode = "PRODUCT_NOT_FOUND"
	PricingPriceMismatch      PricingCode = "PRICE_MISMATCH"
	PricingInvalidQuantity    PricingCode = "INVALID_QUANTITY"
	PricingSuspiciousQuantity PricingCode = "SUSPICIOUS_QUANTITY"
	PricingDiscountMismatch   PricingCode = "DISCOUNT_MISMATCH"
	PricingInvalidFreight     PricingCode = "INVALID_FREIGHT"
	PricingTotalMismatch      PricingCode = "TOTAL_MISMATCH"
)

const (
	defaultPricingTolerance = 1
	defaultMaxQuantity      = 100
)

var tracer = otel.Tracer("github.com/hanko-field/settlement/internal/services")

// ErrPricingOverflow is returned when recomputed figures do not fit in int64.
var ErrPricingOverflow = errors.New("pricing: amount overflow")

// PricingError is a structured rejection of a submitted cart.
type PricingError struct {
	Code    PricingCode
	Message string
	Details map[string]any
}

func (e *PricingError) Error() string {
	return fmt.Sprintf("pricing: %s: %s", e.Code, e.Message)
}

func pricingError(code PricingCode, message string, details map[string]any) *PricingError {
	return &PricingError{Code: code, Message: message, Details: details}
}

// PricingItem is a client-submitted line.
type PricingItem struct {
	ProductRef string
	Name       string
	// ClaimedUnitPrice is the discounted unit price the client displayed.
	ClaimedUnitPrice int64
	Quantity         int
}

// PricingRequest is the full cart snapshot submitted at checkout.
type PricingRequest struct {
	Items                 []PricingItem
	CouponCodes           []string
	DestinationPostalCode string
	Freight               FreightSelection
	ClaimedDiscount       int64
	ClaimedTotal          int64
}

// PricingValidatorDeps wires the validator.
type PricingValidatorDeps struct {
	Catalog     repositories.CatalogRepository
	Coupons     *CouponResolver
	Freight     *FreightQuoter
	Currency    string
	Tolerance   int64
	MaxQuantity int
}

// PricingValidator recomputes every figure of a submitted cart from authoritative sources. It
// has no side effects beyond read-only lookups and is run on every submission.
type PricingValidator struct {
	catalog     repositories.CatalogRepository
	coupons     *CouponResolver
	freight     *FreightQuoter
	currency    string
	tolerance   int64
	maxQuantity int
}

func NewPricingValidator(deps PricingValidatorDeps) (*PricingValidator, error) {
	if deps.Catalog == nil {
		return nil, errors.New("pricing validator: catalog repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("pricing validator: coupon resolver is required")
	}
	if deps.Freight == nil {
		return nil, errors.New("pricing validator: freight quoter is required")
	}
	tolerance := deps.Tolerance
	if tolerance < 0 {
		tolerance = defaultPricingTolerance
	}
	maxQty := deps.MaxQuantity
	if maxQty <= 0 {
		maxQty = defaultMaxQuantity
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "BRL"
	}
	return &PricingValidator{
		catalog:     deps.Catalog,
		coupons:     deps.Coupons,
		freight:     deps.Freight,
		currency:    currency,
		tolerance:   tolerance,
		maxQuantity: maxQty,
	}, nil
}

// Validate returns the recomputed breakdown or a *PricingError. Other errors are infrastructure
// failures.
func (v *PricingValidator) Validate(ctx context.Context, req PricingRequest) (domain.PricingBreakdown, error) {
	ctx, span := tracer.Start(ctx, "pricing.validate")
	defer span.End()
	span.SetAttributes(attribute.Int("cart.items", len(req.Items)))

	breakdown, err := v.validate(ctx, req)
	if err != nil {
		var perr *PricingError
		if errors.As(err, &perr) {
			span.SetAttributes(attribute.String("pricing.rejection", string(perr.Code)))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pricing validation failed")
		}
	}
	return breakdown, err
}

func (v *PricingValidator) validate(ctx context.Context, req PricingRequest) (domain.PricingBreakdown, error) {
	if len(req.Items) == 0 {
		return domain.PricingBreakdown{}, pricingError(PricingEmptyCart, "cart has no items", nil)
	}

	selection, err := v.coupons.Select(ctx, req.CouponCodes)
	if err != nil {
		var couponErr *CouponError
		if errors.As(err, &couponErr) {
			return domain.PricingBreakdown{}, pricingError(PricingInvalidCoupon, "coupon is unknown or expired", map[string]any{
				"coupon": couponErr.Code,
			})
		}
		return domain.PricingBreakdown{}, err
	}

	products, err := v.lookupProducts(ctx, req.Items)
	if err != nil {
		return domain.PricingBreakdown{}, err
	}

	items := make([]domain.ItemPricingBreakdown, len(req.Items))
	for i, item := range req.Items {
		product := products[i]
		discounted := product.UnitPrice
		if selection.Applied.AppliesTo(product.Ref) {
			discounted = selection.Applied.Apply(product.UnitPrice)
		}
		if absInt64(discounted-item.ClaimedUnitPrice) > v.tolerance {
			return domain.PricingBreakdown{}, pricingError(PricingPriceMismatch, "submitted unit price does not match the current price", map[string]any{
				"productRef": product.Ref,
				"expected":   discounted,
				"submitted":  item.ClaimedUnitPrice,
			})
		}
		items[i] = domain.ItemPricingBreakdown{
			ProductRef:          product.Ref,
			Name:                product.Name,
			Quantity:            item.Quantity,
			UnitPrice:           product.UnitPrice,
			DiscountedUnitPrice: discounted,
			WeightGrams:         product.WeightGrams,
		}
	}

	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return domain.PricingBreakdown{}, pricingError(PricingInvalidQuantity, "quantity must be a positive integer", map[string]any{
				"productRef": items[i].ProductRef,
				"quantity":   item.Quantity,
			})
		}
		if item.Quantity > v.maxQuantity {
			return domain.PricingBreakdown{}, pricingError(PricingSuspiciousQuantity, "quantity exceeds the per-item limit", map[string]any{
				"productRef": items[i].ProductRef,
				"quantity":   item.Quantity,
				"limit":      v.maxQuantity,
			})
		}
	}

	var subtotal, discount int64
	parcels := make([]domain.Parcel, 0, len(items))
	for i := range items {
		line, ok := mulInt64(items[i].UnitPrice, int64(items[i].Quantity))
		if !ok {
			return domain.PricingBreakdown{}, ErrPricingOverflow
		}
		lineDiscount, ok := mulInt64(items[i].UnitPrice-items[i].DiscountedUnitPrice, int64(items[i].Quantity))
		if !ok {
			return domain.PricingBreakdown{}, ErrPricingOverflow
		}
		items[i].Subtotal = line
		items[i].Discount = lineDiscount
		if subtotal, ok = addInt64(subtotal, line); !ok {
			return domain.PricingBreakdown{}, ErrPricingOverflow
		}
		if discount, ok = addInt64(discount, lineDiscount); !ok {
			return domain.PricingBreakdown{}, ErrPricingOverflow
		}
		product := products[i]
		parcels = append(parcels, domain.Parcel{
			WeightGrams: product.WeightGrams,
			LengthCM:    product.LengthCM,
			WidthCM:     product.WidthCM,
			HeightCM:    product.HeightCM,
			Quantity:    items[i].Quantity,
		})
	}

	if absInt64(discount-req.ClaimedDiscount) > v.tolerance {
		return domain.PricingBreakdown{}, pricingError(PricingDiscountMismatch, "submitted discount does not match", map[string]any{
			"expected":  discount,
			"submitted": req.ClaimedDiscount,
		})
	}

	quote, err := v.freight.Validate(ctx, FreightQuoteRequest{
		DestinationPostalCode: req.DestinationPostalCode,
		Parcels:               parcels,
	}, req.Freight)
	if err != nil {
		if isFreightRejection(err) {
			return domain.PricingBreakdown{}, pricingError(PricingInvalidFreight, "selected freight offer is no longer valid", map[string]any{
				"carrier": req.Freight.Carrier,
				"service": req.Freight.Service,
			})
		}
		return domain.PricingBreakdown{}, err
	}

	net := subtotal - discount
	if net < 0 {
		net = 0
	}
	total, ok := addInt64(net, quote.Price)
	if !ok {
		return domain.PricingBreakdown{}, ErrPricingOverflow
	}
	if absInt64(total-req.ClaimedTotal) > v.tolerance {
		return domain.PricingBreakdown{}, pricingError(PricingTotalMismatch, "submitted total does not match", map[string]any{
			"expected":  total,
			"submitted": req.ClaimedTotal,
		})
	}

	breakdown := domain.PricingBreakdown{
		Currency:     v.currency,
		Subtotal:     subtotal,
		Discount:     discount,
		Freight:      quote.Price,
		Total:        total,
		Items:        items,
		FreightQuote: quote,
	}
	if selection.Applied != nil {
		breakdown.AppliedCoupon = selection.Applied.Code
	}
	breakdown.IgnoredCoupons = selection.Ignored
	return breakdown, nil
}

// lookupProducts resolves items by reference in one batch, then falls back to a normalised name
// lookup for stale references.
func (v *PricingValidator) lookupProducts(ctx context.Context, items []PricingItem) ([]domain.Product, error) {
	refs := make([]string, 0, len(items))
	for _, item := range items {
		if ref := strings.TrimSpace(item.ProductRef); ref != "" {
			refs = append(refs, ref)
		}
	}
	found, err := v.catalog.FindByRefs(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("pricing validator: catalog lookup: %w", err)
	}

	products := make([]domain.Product, len(items))
	for i, item := range items {
		if product, ok := found[strings.TrimSpace(item.ProductRef)]; ok {
			products[i] = product
			continue
		}
		if strings.TrimSpace(item.Name) != "" {
			product, err := v.catalog.FindByName(ctx, item.Name)
			if err == nil && product.Active {
				products[i] = product
				continue
			}
			var repoErr repositories.RepositoryError
			if err != nil && !(errors.As(err, &repoErr) && repoErr.IsNotFound()) {
				return nil, fmt.Errorf("pricing validator: catalog name lookup: %w", err)
			}
		}
		return nil, pricingError(PricingProductNotFound, "product is no longer available", map[string]any{
			"productRef": item.ProductRef,
			"name":       item.Name,
		})
	}
	return products, nil
}

func isFreightRejection(err error) bool {
	return errors.Is(err, ErrFreightOutOfBounds) ||
		errors.Is(err, ErrFreightOfferNotFound) ||
		errors.Is(err, ErrFreightUnavailable) ||
		errors.Is(err, ErrFreightInvalidInput)
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt64/absInt64(b) || a < -math.MaxInt64/absInt64(b) {
		return 0, false
	}
	return a * b, true
}

func addInt64(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}
