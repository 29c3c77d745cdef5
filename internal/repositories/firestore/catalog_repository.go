package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/settlement/internal/domain"
	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
	"github.com/hanko-field/settlement/internal/platform/textutil"
	"github.com/hanko-field/settlement/internal/repositories"
)

const (
	productsCollection = "products"
	couponsCollection  = "coupons"
)

// CatalogRepository reads products from the `products` collection. Each product stores a
// precomputed nameKey so fallback lookups by display name stay index-backed.
type CatalogRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[productDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog reader.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[productDocument](provider, productsCollection),
	}, nil
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// FindByRefs batch-reads the referenced products. Missing and inactive products are omitted.
func (r *CatalogRepository) FindByRefs(ctx context.Context, refs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(refs))
	if len(refs) == 0 {
		return out, nil
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(refs))
	docRefs := make([]*firestore.DocumentRef, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		docRefs = append(docRefs, client.Collection(productsCollection).Doc(ref))
	}
	if len(docRefs) == 0 {
		return out, nil
	}

	snaps, err := client.GetAll(ctx, docRefs)
	if err != nil {
		return nil, pfirestore.WrapError("products.get_all", err)
	}
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("products.decode %s: %w", snap.Ref.ID, err)
		}
		if !doc.Active {
			continue
		}
		out[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return out, nil
}

// FindByName resolves an active product by its normalised display name.
func (r *CatalogRepository) FindByName(ctx context.Context, name string) (domain.Product, error) {
	key := textutil.NormalizeName(name)
	if key == "" {
		return domain.Product{}, notFoundError("products.find_by_name", name)
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("nameKey", "==", key).Where("active", "==", true).Limit(1)
	})
	if err != nil {
		return domain.Product{}, err
	}
	if len(docs) == 0 {
		return domain.Product{}, notFoundError("products.find_by_name", name)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

type productDocument struct {
	Name        string `firestore:"name"`
	NameKey     string `firestore:"nameKey"`
	UnitPrice   int64  `firestore:"unitPrice"`
	Currency    string `firestore:"currency"`
	WeightGrams int    `firestore:"weightGrams"`
	LengthCM    int    `firestore:"lengthCm"`
	WidthCM     int    `firestore:"widthCm"`
	HeightCM    int    `firestore:"heightCm"`
	Active      bool   `firestore:"active"`
}

func newProductDocument(product domain.Product) productDocument {
	return productDocument{
		Name:        product.Name,
		NameKey:     textutil.NormalizeName(product.Name),
		UnitPrice:   product.UnitPrice,
		Currency:    strings.ToUpper(strings.TrimSpace(product.Currency)),
		WeightGrams: product.WeightGrams,
		LengthCM:    product.LengthCM,
		WidthCM:     product.WidthCM,
		HeightCM:    product.HeightCM,
		Active:      product.Active,
	}
}

func (d productDocument) toDomain(ref string) domain.Product {
	return domain.Product{
		Ref:         ref,
		Name:        d.Name,
		UnitPrice:   d.UnitPrice,
		Currency:    d.Currency,
		WeightGrams: d.WeightGrams,
		LengthCM:    d.LengthCM,
		WidthCM:     d.WidthCM,
		HeightCM:    d.HeightCM,
		Active:      d.Active,
	}
}

// CouponRepository reads coupons keyed by upper-cased code.
type CouponRepository struct {
	base *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon reader.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		base: pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection),
	}, nil
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	id := strings.ToUpper(strings.TrimSpace(code))
	if id == "" {
		return domain.Coupon{}, notFoundError("coupons.get", code)
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Coupon{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

// couponDocument keeps the factor as a decimal string. A missing factor means no multiplier.
type couponDocument struct {
	Factor      string    `firestore:"factor,omitempty"`
	Subtract    int64     `firestore:"subtract,omitempty"`
	StartsAt    time.Time `firestore:"startsAt,omitempty"`
	EndsAt      time.Time `firestore:"endsAt,omitempty"`
	ProductRefs []string  `firestore:"productRefs,omitempty"`
	Active      bool      `firestore:"active"`
}

func newCouponDocument(coupon domain.Coupon) couponDocument {
	return couponDocument{
		Factor:      coupon.Factor.String(),
		Subtract:    coupon.Subtract,
		StartsAt:    coupon.StartsAt.UTC(),
		EndsAt:      coupon.EndsAt.UTC(),
		ProductRefs: append([]string(nil), coupon.ProductRefs...),
		Active:      coupon.Active,
	}
}

func (d couponDocument) toDomain(code string) (domain.Coupon, error) {
	coupon := domain.Coupon{
		Code:        code,
		Subtract:    d.Subtract,
		StartsAt:    d.StartsAt.UTC(),
		EndsAt:      d.EndsAt.UTC(),
		ProductRefs: append([]string(nil), d.ProductRefs...),
		Active:      d.Active,
		Factor:      decimal.NewFromInt(1),
	}
	if strings.TrimSpace(d.Factor) != "" {
		factor, err := decimal.NewFromString(strings.TrimSpace(d.Factor))
		if err != nil {
			return domain.Coupon{}, fmt.Errorf("coupons.decode %s: invalid factor %q: %w", code, d.Factor, err)
		}
		coupon.Factor = factor
	}
	return coupon, nil
}
