package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	domain "github.com/hanko-field/settlement/internal/domain"
)

var (
	// ErrFreightInvalidInput indicates a missing destination or empty package manifest.
	ErrFreightInvalidInput = errors.New("freight: invalid input")
	// ErrFreightUnavailable indicates the rate source returned no usable offer.
	ErrFreightUnavailable = errors.New("freight: no offers available")
	// ErrFreightOfferNotFound indicates the selected carrier/service is not currently offered.
	ErrFreightOfferNotFound = errors.New("freight: selected offer not available")
	// ErrFreightOutOfBounds indicates a quote below zero or above the sanity ceiling.
	ErrFreightOutOfBounds = errors.New("freight: quote out of bounds")
)

// FreightQuoteRequest describes a shipment for rate lookups.
type FreightQuoteRequest struct {
	DestinationPostalCode string
	Parcels               []domain.Parcel
}

// FreightSelection is the offer the customer chose at checkout.
type FreightSelection struct {
	Carrier string
	Service string
	Price   int64
}

// FreightRateSource returns carrier offers. Its output is untrusted.
type FreightRateSource interface {
	Rates(ctx context.Context, req FreightQuoteRequest) ([]domain.FreightQuote, error)
}

// FreightRate is one row of the static rate table.
type FreightRate struct {
	Carrier      string
	Service      string
	BasePrice    int64
	PerKilogram  int64
	LeadTimeDays int
}

// TableRateSource prices shipments as base + perKg for every started kilogram.
type TableRateSource struct {
	rates []FreightRate
}

// NewTableRateSource constructs a rate source from configured rows.
func NewTableRateSource(rates []FreightRate) (*TableRateSource, error) {
	if len(rates) == 0 {
		return nil, errors.New("freight table: at least one rate is required")
	}
	return &TableRateSource{rates: append([]FreightRate(nil), rates...)}, nil
}

// Rates implements FreightRateSource.
func (s *TableRateSource) Rates(ctx context.Context, req FreightQuoteRequest) ([]domain.FreightQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kg := billableKilograms(req.Parcels)
	quotes := make([]domain.FreightQuote, 0, len(s.rates))
	for _, rate := range s.rates {
		quotes = append(quotes, domain.FreightQuote{
			Carrier:      rate.Carrier,
			Service:      rate.Service,
			Price:        rate.BasePrice + rate.PerKilogram*kg,
			LeadTimeDays: rate.LeadTimeDays,
		})
	}
	return quotes, nil
}

func billableKilograms(parcels []domain.Parcel) int64 {
	var grams int64
	for _, parcel := range parcels {
		qty := int64(parcel.Quantity)
		if qty <= 0 {
			qty = 1
		}
		if parcel.WeightGrams > 0 {
			grams += int64(parcel.WeightGrams) * qty
		}
	}
	kg := (grams + 999) / 1000
	if kg < 1 {
		kg = 1
	}
	return kg
}

// FreightQuoterDeps wires the quoter.
type FreightQuoterDeps struct {
	Source    FreightRateSource
	Ceiling   int64
	Tolerance int64
	CacheTTL  time.Duration
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// FreightQuoter validates and ranks offers from an untrusted rate source.
type FreightQuoter struct {
	source    FreightRateSource
	ceiling   int64
	tolerance int64
	logger    func(ctx context.Context, event string, fields map[string]any)
	cache     *freightQuoteCache
}

// NewFreightQuoter constructs a quoter with bounds checks and a TTL cache for display quotes.
func NewFreightQuoter(deps FreightQuoterDeps) (*FreightQuoter, error) {
	if deps.Source == nil {
		return nil, errors.New("freight quoter: rate source is required")
	}
	if deps.Ceiling <= 0 {
		return nil, errors.New("freight quoter: ceiling must be positive")
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	tolerance := deps.Tolerance
	if tolerance < 0 {
		tolerance = 0
	}
	return &FreightQuoter{
		source:    deps.Source,
		ceiling:   deps.Ceiling,
		tolerance: tolerance,
		logger:    loggerOrNoop(deps.Logger),
		cache:     newFreightQuoteCache(ttl, clockOrNow(deps.Clock)),
	}, nil
}

// Quote returns in-bounds offers ranked by price, then lead time. Results are cached briefly.
func (q *FreightQuoter) Quote(ctx context.Context, req FreightQuoteRequest) ([]domain.FreightQuote, error) {
	req, err := normalizeFreightRequest(req)
	if err != nil {
		return nil, err
	}
	key := freightCacheKey(req)
	if quotes, ok := q.cache.Get(key); ok {
		return quotes, nil
	}
	quotes, err := q.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	q.cache.Put(key, quotes)
	return append([]domain.FreightQuote(nil), quotes...), nil
}

// Validate re-quotes without the cache and confirms the selection is still offered at the
// claimed price.
func (q *FreightQuoter) Validate(ctx context.Context, req FreightQuoteRequest, selection FreightSelection) (domain.FreightQuote, error) {
	req, err := normalizeFreightRequest(req)
	if err != nil {
		return domain.FreightQuote{}, err
	}
	if selection.Price < 0 || selection.Price >= q.ceiling {
		return domain.FreightQuote{}, fmt.Errorf("%w: claimed price %d", ErrFreightOutOfBounds, selection.Price)
	}
	raw, err := q.source.Rates(ctx, req)
	if err != nil {
		return domain.FreightQuote{}, fmt.Errorf("freight quoter: rate source: %w", err)
	}
	carrier := strings.ToLower(strings.TrimSpace(selection.Carrier))
	service := strings.ToUpper(strings.TrimSpace(selection.Service))
	for _, quote := range raw {
		if strings.ToLower(quote.Carrier) != carrier || strings.ToUpper(quote.Service) != service {
			continue
		}
		if !q.inBounds(quote.Price) {
			q.logger(ctx, "settlement.freight.quote_rejected", map[string]any{
				"carrier": quote.Carrier,
				"service": quote.Service,
				"price":   quote.Price,
			})
			return domain.FreightQuote{}, fmt.Errorf("%w: %s/%s quoted %d", ErrFreightOutOfBounds, quote.Carrier, quote.Service, quote.Price)
		}
		if absInt64(quote.Price-selection.Price) > q.tolerance {
			return domain.FreightQuote{}, fmt.Errorf("%w: %s/%s now costs %d", ErrFreightOfferNotFound, quote.Carrier, quote.Service, quote.Price)
		}
		return quote, nil
	}
	return domain.FreightQuote{}, fmt.Errorf("%w: %s/%s", ErrFreightOfferNotFound, carrier, service)
}

func (q *FreightQuoter) fetch(ctx context.Context, req FreightQuoteRequest) ([]domain.FreightQuote, error) {
	raw, err := q.source.Rates(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("freight quoter: rate source: %w", err)
	}
	quotes := make([]domain.FreightQuote, 0, len(raw))
	for _, quote := range raw {
		if !q.inBounds(quote.Price) {
			q.logger(ctx, "settlement.freight.quote_rejected", map[string]any{
				"carrier": quote.Carrier,
				"service": quote.Service,
				"price":   quote.Price,
			})
			continue
		}
		quotes = append(quotes, quote)
	}
	if len(quotes) == 0 {
		return nil, ErrFreightUnavailable
	}
	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].Price != quotes[j].Price {
			return quotes[i].Price < quotes[j].Price
		}
		return quotes[i].LeadTimeDays < quotes[j].LeadTimeDays
	})
	return quotes, nil
}

func (q *FreightQuoter) inBounds(price int64) bool {
	return price >= 0 && price < q.ceiling
}

func normalizeFreightRequest(req FreightQuoteRequest) (FreightQuoteRequest, error) {
	postal := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) || unicode.IsLetter(r) {
			return unicode.ToUpper(r)
		}
		return -1
	}, req.DestinationPostalCode)
	if postal == "" {
		return FreightQuoteRequest{}, fmt.Errorf("%w: destination postal code is required", ErrFreightInvalidInput)
	}
	if len(req.Parcels) == 0 {
		return FreightQuoteRequest{}, fmt.Errorf("%w: at least one parcel is required", ErrFreightInvalidInput)
	}
	req.DestinationPostalCode = postal
	return req, nil
}

func freightCacheKey(req FreightQuoteRequest) string {
	var b strings.Builder
	b.WriteString(req.DestinationPostalCode)
	for _, p := range req.Parcels {
		fmt.Fprintf(&b, "|%d:%d:%d:%d:%d", p.WeightGrams, p.LengthCM, p.WidthCM, p.HeightCM, p.Quantity)
	}
	return b.String()
}

// freightCacheMaxEntries bounds the number of distinct destination/manifest keys held at once.
const freightCacheMaxEntries = 1024

type freightQuoteCache struct {
	ttl        time.Duration
	now        func() time.Time
	maxEntries int
	mu         sync.RWMutex
	m          map[string]freightCacheEntry
}

type freightCacheEntry struct {
	quotes  []domain.FreightQuote
	expires time.Time
}

func newFreightQuoteCache(ttl time.Duration, now func() time.Time) *freightQuoteCache {
	return &freightQuoteCache{
		ttl:        ttl,
		now:        now,
		maxEntries: freightCacheMaxEntries,
		m:          make(map[string]freightCacheEntry),
	}
}

func (c *freightQuoteCache) Get(key string) ([]domain.FreightQuote, bool) {
	c.mu.RLock()
	entry, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return nil, false
	}
	return append([]domain.FreightQuote(nil), entry.quotes...), true
}

func (c *freightQuoteCache) Put(key string, quotes []domain.FreightQuote) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.m[key]; !exists && len(c.m) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.m[key] = freightCacheEntry{quotes: append([]domain.FreightQuote(nil), quotes...), expires: now.Add(c.ttl)}
}

// evictLocked drops expired entries; when every entry is still live it drops the one closest to
// expiry so the map never exceeds maxEntries.
func (c *freightQuoteCache) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, entry := range c.m {
		if now.After(entry.expires) {
			delete(c.m, key)
			continue
		}
		if oldestKey == "" || entry.expires.Before(oldest) {
			oldestKey, oldest = key, entry.expires
		}
	}
	if len(c.m) >= c.maxEntries && oldestKey != "" {
		delete(c.m, oldestKey)
	}
}
