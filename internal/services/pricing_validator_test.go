package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories/memory"
)

type pricingFixture struct {
	validator *PricingValidator
	catalog   *memory.CatalogRepository
	source    *stubRateSource
}

type stubRateSource struct {
	quotes []domain.FreightQuote
	calls  int
}

func (s *stubRateSource) Rates(ctx context.Context, _ FreightQuoteRequest) ([]domain.FreightQuote, error) {
	s.calls++
	return append([]domain.FreightQuote(nil), s.quotes...), ctx.Err()
}

func newPricingFixture(t *testing.T, coupons ...domain.Coupon) pricingFixture {
	t.Helper()
	catalog := memory.NewCatalogRepository(
		domain.Product{Ref: "prod-1", Name: "Caneca Esmaltada", UnitPrice: 9990, WeightGrams: 400, Active: true},
		domain.Product{Ref: "prod-2", Name: "Camiseta", UnitPrice: 10000, WeightGrams: 200, Active: true},
		domain.Product{Ref: "prod-old", Name: "Poster", UnitPrice: 500, Active: false},
	)
	resolver, err := NewCouponResolver(memory.NewCouponRepository(coupons...), fixedClock)
	if err != nil {
		t.Fatalf("coupon resolver: %v", err)
	}
	source := &stubRateSource{quotes: []domain.FreightQuote{
		{Carrier: "correios", Service: "PAC", Price: 1500, LeadTimeDays: 7},
		{Carrier: "correios", Service: "SEDEX", Price: 3200, LeadTimeDays: 2},
	}}
	quoter, err := NewFreightQuoter(FreightQuoterDeps{Source: source, Ceiling: 50000, Tolerance: 1, Clock: fixedClock})
	if err != nil {
		t.Fatalf("freight quoter: %v", err)
	}
	validator, err := NewPricingValidator(PricingValidatorDeps{
		Catalog:   catalog,
		Coupons:   resolver,
		Freight:   quoter,
		Currency:  "brl",
		Tolerance: 1,
	})
	if err != nil {
		t.Fatalf("pricing validator: %v", err)
	}
	return pricingFixture{validator: validator, catalog: catalog, source: source}
}

func pacSelection() FreightSelection {
	return FreightSelection{Carrier: "correios", Service: "PAC", Price: 1500}
}

func requirePricingCode(t *testing.T, err error, code PricingCode) *PricingError {
	t.Helper()
	var perr *PricingError
	if !errors.As(err, &perr) {
		t.Fatalf("expected pricing error %s, got %v", code, err)
	}
	if perr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, perr.Code, perr.Message)
	}
	return perr
}

func TestPricingValidatorAcceptsConsistentCart(t *testing.T) {
	fx := newPricingFixture(t)
	breakdown, err := fx.validator.Validate(context.Background(), PricingRequest{
		Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 1}},
		DestinationPostalCode: "01001-000",
		Freight:               pacSelection(),
		ClaimedTotal:          11490,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if breakdown.Total != 11490 || breakdown.Subtotal != 9990 || breakdown.Freight != 1500 {
		t.Fatalf("unexpected breakdown %+v", breakdown)
	}
	if breakdown.Currency != "BRL" {
		t.Fatalf("expected currency BRL, got %s", breakdown.Currency)
	}
	if breakdown.FreightQuote.Service != "PAC" || breakdown.FreightQuote.LeadTimeDays != 7 {
		t.Fatalf("unexpected freight quote %+v", breakdown.FreightQuote)
	}
}

func TestPricingValidatorRejectsTamperedTotal(t *testing.T) {
	fx := newPricingFixture(t)
	_, err := fx.validator.Validate(context.Background(), PricingRequest{
		Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 1}},
		DestinationPostalCode: "01001000",
		Freight:               pacSelection(),
		ClaimedTotal:          10000,
	})
	perr := requirePricingCode(t, err, PricingTotalMismatch)
	if perr.Details["expected"] != int64(11490) {
		t.Fatalf("expected recomputed total in details, got %#v", perr.Details)
	}
}

func TestPricingValidatorToleratesOneMinorUnit(t *testing.T) {
	fx := newPricingFixture(t)
	_, err := fx.validator.Validate(context.Background(), PricingRequest{
		Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9991, Quantity: 1}},
		DestinationPostalCode: "01001000",
		Freight:               pacSelection(),
		ClaimedTotal:          11489,
	})
	if err != nil {
		t.Fatalf("expected drift within tolerance to pass, got %v", err)
	}
}

func TestPricingValidatorCouponDiscountAndPriceMismatch(t *testing.T) {
	coupon := domain.Coupon{Code: "QUARTER", Factor: decimal.RequireFromString("0.75"), Active: true}

	fx := newPricingFixture(t, coupon)
	_, err := fx.validator.Validate(context.Background(), PricingRequest{
		Items:                 []PricingItem{{ProductRef: "prod-2", ClaimedUnitPrice: 8000, Quantity: 1}},
		CouponCodes:           []string{"quarter"},
		DestinationPostalCode: "01001000",
		Freight:               pacSelection(),
		ClaimedDiscount:       2000,
		ClaimedTotal:          9500,
	})
	perr := requirePricingCode(t, err, PricingPriceMismatch)
	if perr.Details["expected"] != int64(7500) {
		t.Fatalf("expected discounted unit price 7500, got %#v", perr.Details)
	}

	breakdown, err := fx.validator.Validate(context.Background(), PricingRequest{
		Items:                 []PricingItem{{ProductRef: "prod-2", ClaimedUnitPrice: 7500, Quantity: 2}},
		CouponCodes:           []string{"quarter"},
		DestinationPostalCode: "01001000",
		Freight:               pacSelection(),
		ClaimedDiscount:       5000,
		ClaimedTotal:          16500,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if breakdown.Discount != 5000 || breakdown.Total != 16500 || breakdown.AppliedCoupon != "QUARTER" {
		t.Fatalf("unexpected breakdown %+v", breakdown)
	}
	if breakdown.Items[0].DiscountedUnitPrice != 7500 {
		t.Fatalf("expected discounted unit price 7500, got %d", breakdown.Items[0].DiscountedUnitPrice)
	}
}

func TestPricingValidatorRejectsSelfConsistentUnderpricedCart(t *testing.T) {
	fx := newPricingFixture(t)
	_, err := fx.validator.Validate(context.Background(), PricingRequest{
		Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 100, Quantity: 1}},
		DestinationPostalCode: "01001000",
		Freight:               pacSelection(),
		ClaimedTotal:          1600,
	})
	requirePricingCode(t, err, PricingPriceMismatch)
}

func TestPricingValidatorCouponPolicy(t *testing.T) {
	coupons := []domain.Coupon{
		{Code: "FIRST", Factor: decimal.RequireFromString("0.9"), Active: true},
		{Code: "SECOND", Factor: decimal.RequireFromString("0.5"), Active: true},
		{Code: "OLD", Factor: decimal.RequireFromString("0.5"), Active: true, EndsAt: testNow.Add(-time.Hour)},
	}

	t.Run("first code applies and the rest are ignored", func(t *testing.T) {
		fx := newPricingFixture(t, coupons...)
		breakdown, err := fx.validator.Validate(context.Background(), PricingRequest{
			Items:                 []PricingItem{{ProductRef: "prod-2", ClaimedUnitPrice: 9000, Quantity: 1}},
			CouponCodes:           []string{"first", "second", "FIRST"},
			DestinationPostalCode: "01001000",
			Freight:               pacSelection(),
			ClaimedDiscount:       1000,
			ClaimedTotal:          10500,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if breakdown.AppliedCoupon != "FIRST" {
			t.Fatalf("expected FIRST applied, got %q", breakdown.AppliedCoupon)
		}
		if len(breakdown.IgnoredCoupons) != 1 || breakdown.IgnoredCoupons[0] != "SECOND" {
			t.Fatalf("expected SECOND ignored, got %v", breakdown.IgnoredCoupons)
		}
	})

	t.Run("unresolvable code rejects even when not first", func(t *testing.T) {
		fx := newPricingFixture(t, coupons...)
		_, err := fx.validator.Validate(context.Background(), PricingRequest{
			Items:                 []PricingItem{{ProductRef: "prod-2", ClaimedUnitPrice: 9000, Quantity: 1}},
			CouponCodes:           []string{"FIRST", "OLD"},
			DestinationPostalCode: "01001000",
			Freight:               pacSelection(),
			ClaimedDiscount:       1000,
			ClaimedTotal:          10500,
		})
		perr := requirePricingCode(t, err, PricingInvalidCoupon)
		if perr.Details["coupon"] != "OLD" {
			t.Fatalf("expected OLD reported, got %#v", perr.Details)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		fx := newPricingFixture(t, coupons...)
		_, err := fx.validator.Validate(context.Background(), PricingRequest{
			Items:        []PricingItem{{ProductRef: "prod-2", ClaimedUnitPrice: 10000, Quantity: 1}},
			CouponCodes:  []string{"NOPE"},
			Freight:      pacSelection(),
			ClaimedTotal: 11500,
		})
		requirePricingCode(t, err, PricingInvalidCoupon)
	})
}

func TestPricingValidatorInputRejections(t *testing.T) {
	tests := []struct {
		name string
		req  PricingRequest
		code PricingCode
	}{
		{
			name: "empty cart",
			req:  PricingRequest{DestinationPostalCode: "01001000", Freight: pacSelection()},
			code: PricingEmptyCart,
		},
		{
			name: "unknown product",
			req: PricingRequest{
				Items:                 []PricingItem{{ProductRef: "ghost", Name: "Ghost", ClaimedUnitPrice: 100, Quantity: 1}},
				DestinationPostalCode: "01001000",
				Freight:               pacSelection(),
			},
			code: PricingProductNotFound,
		},
		{
			name: "inactive product",
			req: PricingRequest{
				Items:                 []PricingItem{{ProductRef: "prod-old", ClaimedUnitPrice: 500, Quantity: 1}},
				DestinationPostalCode: "01001000",
				Freight:               pacSelection(),
			},
			code: PricingProductNotFound,
		},
		{
			name: "zero quantity",
			req: PricingRequest{
				Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 0}},
				DestinationPostalCode: "01001000",
				Freight:               pacSelection(),
			},
			code: PricingInvalidQuantity,
		},
		{
			name: "suspicious quantity",
			req: PricingRequest{
				Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 101}},
				DestinationPostalCode: "01001000",
				Freight:               pacSelection(),
			},
			code: PricingSuspiciousQuantity,
		},
		{
			name: "discount claimed without coupon",
			req: PricingRequest{
				Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 1}},
				DestinationPostalCode: "01001000",
				Freight:               pacSelection(),
				ClaimedDiscount:       500,
				ClaimedTotal:          10990,
			},
			code: PricingDiscountMismatch,
		},
		{
			name: "freight price drift",
			req: PricingRequest{
				Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 1}},
				DestinationPostalCode: "01001000",
				Freight:               FreightSelection{Carrier: "correios", Service: "PAC", Price: 900},
				ClaimedTotal:          10890,
			},
			code: PricingInvalidFreight,
		},
		{
			name: "unknown freight service",
			req: PricingRequest{
				Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 1}},
				DestinationPostalCode: "01001000",
				Freight:               FreightSelection{Carrier: "jadlog", Service: "EXPRESSO", Price: 1500},
				ClaimedTotal:          11490,
			},
			code: PricingInvalidFreight,
		},
		{
			name: "missing destination",
			req: PricingRequest{
				Items:        []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 1}},
				Freight:      pacSelection(),
				ClaimedTotal: 11490,
			},
			code: PricingInvalidFreight,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fx := newPricingFixture(t)
			_, err := fx.validator.Validate(context.Background(), tc.req)
			requirePricingCode(t, err, tc.code)
		})
	}
}

func TestPricingValidatorFallsBackToProductName(t *testing.T) {
	fx := newPricingFixture(t)
	breakdown, err := fx.validator.Validate(context.Background(), PricingRequest{
		Items:                 []PricingItem{{ProductRef: "stale-ref", Name: "  caneca   esmaltada ", ClaimedUnitPrice: 9990, Quantity: 1}},
		DestinationPostalCode: "01001000",
		Freight:               pacSelection(),
		ClaimedTotal:          11490,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if breakdown.Items[0].ProductRef != "prod-1" {
		t.Fatalf("expected name fallback to resolve prod-1, got %s", breakdown.Items[0].ProductRef)
	}
}

func TestPricingValidatorRejectsOutOfBoundsFreight(t *testing.T) {
	fx := newPricingFixture(t)
	fx.source.quotes = []domain.FreightQuote{{Carrier: "correios", Service: "PAC", Price: 90000}}
	_, err := fx.validator.Validate(context.Background(), PricingRequest{
		Items:                 []PricingItem{{ProductRef: "prod-1", ClaimedUnitPrice: 9990, Quantity: 1}},
		DestinationPostalCode: "01001000",
		Freight:               FreightSelection{Carrier: "correios", Service: "PAC", Price: 1500},
		ClaimedTotal:          11490,
	})
	requirePricingCode(t, err, PricingInvalidFreight)
}

func TestFreightQuoterFiltersAndRanks(t *testing.T) {
	source := &stubRateSource{quotes: []domain.FreightQuote{
		{Carrier: "b", Service: "SLOW", Price: 1500, LeadTimeDays: 9},
		{Carrier: "a", Service: "FAST", Price: 1500, LeadTimeDays: 2},
		{Carrier: "c", Service: "NEG", Price: -10},
		{Carrier: "d", Service: "HUGE", Price: 60000},
		{Carrier: "e", Service: "CHEAP", Price: 900, LeadTimeDays: 5},
	}}
	quoter, err := NewFreightQuoter(FreightQuoterDeps{Source: source, Ceiling: 50000, Clock: fixedClock})
	if err != nil {
		t.Fatalf("freight quoter: %v", err)
	}
	req := FreightQuoteRequest{DestinationPostalCode: "01001-000", Parcels: []domain.Parcel{{WeightGrams: 300, Quantity: 1}}}
	quotes, err := quoter.Quote(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quotes) != 3 {
		t.Fatalf("expected 3 in-bounds quotes, got %+v", quotes)
	}
	if quotes[0].Service != "CHEAP" || quotes[1].Service != "FAST" || quotes[2].Service != "SLOW" {
		t.Fatalf("unexpected ranking %+v", quotes)
	}

	if _, err := quoter.Quote(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected cached second quote, got %d source calls", source.calls)
	}

	source.quotes = []domain.FreightQuote{{Carrier: "d", Service: "HUGE", Price: 60000}}
	other := FreightQuoteRequest{DestinationPostalCode: "20000000", Parcels: req.Parcels}
	if _, err := quoter.Quote(context.Background(), other); !errors.Is(err, ErrFreightUnavailable) {
		t.Fatalf("expected ErrFreightUnavailable, got %v", err)
	}
}

func TestTableRateSourceChargesStartedKilograms(t *testing.T) {
	source, err := NewTableRateSource([]FreightRate{{Carrier: "correios", Service: "PAC", BasePrice: 1000, PerKilogram: 250, LeadTimeDays: 6}})
	if err != nil {
		t.Fatalf("table source: %v", err)
	}
	quotes, err := source.Rates(context.Background(), FreightQuoteRequest{
		DestinationPostalCode: "01001000",
		Parcels:               []domain.Parcel{{WeightGrams: 700, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quotes) != 1 || quotes[0].Price != 1500 {
		t.Fatalf("expected 1000 + 2kg*250, got %+v", quotes)
	}
}
