package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

var (
	// ErrCouponNotFound is returned when no coupon exists for a code.
	ErrCouponNotFound = errors.New("coupon: not found")
	// ErrCouponExpired is returned when a coupon exists but is inactive or outside its window.
	ErrCouponExpired = errors.New("coupon: expired")
	// ErrCouponInvalid is returned for coupons whose discount parameters are out of range.
	ErrCouponInvalid = errors.New("coupon: invalid definition")
)

var (
	decimalZero = decimal.Zero
	decimalOne  = decimal.NewFromInt(1)
)

// Discount is a resolved coupon ready to apply to unit prices.
type Discount struct {
	Code        string
	Factor      decimal.Decimal
	Subtract    int64
	productRefs map[string]struct{}
}

// AppliesTo reports whether the discount covers the product.
func (d *Discount) AppliesTo(productRef string) bool {
	if d == nil {
		return false
	}
	if len(d.productRefs) == 0 {
		return true
	}
	_, ok := d.productRefs[strings.TrimSpace(productRef)]
	return ok
}

// Apply computes price*factor - subtract, rounded half away from zero and clamped at 0.
func (d *Discount) Apply(price int64) int64 {
	if d == nil {
		return price
	}
	discounted := decimal.NewFromInt(price).Mul(d.Factor).Round(0).IntPart() - d.Subtract
	if discounted < 0 {
		return 0
	}
	return discounted
}

// CouponSelection is the outcome of resolving every submitted code.
type CouponSelection struct {
	Applied *Discount
	Ignored []string
}

// CouponError identifies the submitted code that failed to resolve.
type CouponError struct {
	Code string
	Err  error
}

func (e *CouponError) Error() string {
	return fmt.Sprintf("coupon %q: %v", e.Code, e.Err)
}

func (e *CouponError) Unwrap() error { return e.Err }

// CouponResolver turns coupon codes into discounts.
type CouponResolver struct {
	coupons repositories.CouponRepository
	now     func() time.Time
}

// NewCouponResolver constructs a resolver backed by the coupon store.
func NewCouponResolver(coupons repositories.CouponRepository, clock func() time.Time) (*CouponResolver, error) {
	if coupons == nil {
		return nil, errors.New("coupon resolver: coupon repository is required")
	}
	return &CouponResolver{coupons: coupons, now: clockOrNow(clock)}, nil
}

// Resolve looks up a single code.
func (r *CouponResolver) Resolve(ctx context.Context, code string) (*Discount, error) {
	normalized := normalizeCouponCode(code)
	if normalized == "" {
		return nil, &CouponError{Code: code, Err: ErrCouponNotFound}
	}
	coupon, err := r.coupons.FindByCode(ctx, normalized)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil, &CouponError{Code: normalized, Err: ErrCouponNotFound}
		}
		return nil, fmt.Errorf("coupon resolver: lookup %s: %w", normalized, err)
	}
	if !couponActive(coupon, r.now()) {
		return nil, &CouponError{Code: normalized, Err: ErrCouponExpired}
	}
	if coupon.Factor.LessThan(decimalZero) || coupon.Factor.GreaterThan(decimalOne) || coupon.Subtract < 0 {
		return nil, &CouponError{Code: normalized, Err: ErrCouponInvalid}
	}

	discount := &Discount{Code: normalized, Factor: coupon.Factor, Subtract: coupon.Subtract}
	if len(coupon.ProductRefs) > 0 {
		discount.productRefs = make(map[string]struct{}, len(coupon.ProductRefs))
		for _, ref := range coupon.ProductRefs {
			if ref = strings.TrimSpace(ref); ref != "" {
				discount.productRefs[ref] = struct{}{}
			}
		}
	}
	return discount, nil
}

// Select resolves every submitted code. One coupon is honoured per order: the first code is
// applied and the rest are reported as ignored. Any code that fails to resolve is an error, so a
// stale code is never silently dropped.
func (r *CouponResolver) Select(ctx context.Context, codes []string) (CouponSelection, error) {
	var selection CouponSelection
	seen := make(map[string]struct{}, len(codes))
	for _, raw := range codes {
		code := normalizeCouponCode(raw)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		discount, err := r.Resolve(ctx, code)
		if err != nil {
			return CouponSelection{}, err
		}
		if selection.Applied == nil {
			selection.Applied = discount
			continue
		}
		selection.Ignored = append(selection.Ignored, code)
	}
	return selection, nil
}

func couponActive(coupon domain.Coupon, now time.Time) bool {
	if !coupon.Active {
		return false
	}
	if !coupon.StartsAt.IsZero() && now.Before(coupon.StartsAt) {
		return false
	}
	if !coupon.EndsAt.IsZero() && !now.Before(coupon.EndsAt) {
		return false
	}
	return true
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
