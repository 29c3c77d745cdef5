package domain

// PricingBreakdown captures the server-recomputed figures for a submitted cart.
// Callers persist these values, never the client-submitted ones.
type PricingBreakdown struct {
	Currency       string
	Subtotal       int64
	Discount       int64
	Freight        int64
	Total          int64
	Items          []ItemPricingBreakdown
	AppliedCoupon  string
	IgnoredCoupons []string
	FreightQuote   FreightQuote
}

// ItemPricingBreakdown stores the per-item pricing outputs.
type ItemPricingBreakdown struct {
	ProductRef          string
	Name                string
	Quantity            int
	UnitPrice           int64
	DiscountedUnitPrice int64
	Subtotal            int64
	Discount            int64
	WeightGrams         int
}
