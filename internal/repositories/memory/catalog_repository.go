package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/platform/textutil"
	"github.com/hanko-field/settlement/internal/repositories"
)

// CatalogRepository serves products from a fixed in-memory set.
type CatalogRepository struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

// NewCatalogRepository seeds the catalog with the supplied products keyed by Ref.
func NewCatalogRepository(products ...domain.Product) *CatalogRepository {
	repo := &CatalogRepository{products: make(map[string]domain.Product, len(products))}
	for _, product := range products {
		repo.products[strings.TrimSpace(product.Ref)] = product
	}
	return repo
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// Put replaces or adds a product.
func (r *CatalogRepository) Put(product domain.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[strings.TrimSpace(product.Ref)] = product
}

func (r *CatalogRepository) FindByRefs(ctx context.Context, refs []string) (map[string]domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Product, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if product, ok := r.products[ref]; ok && product.Active {
			out[ref] = product
		}
	}
	return out, nil
}

func (r *CatalogRepository) FindByName(ctx context.Context, name string) (domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}
	key := textutil.NormalizeName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.products))
	for ref := range r.products {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	for _, ref := range refs {
		product := r.products[ref]
		if product.Active && textutil.NormalizeName(product.Name) == key {
			return product, nil
		}
	}
	return domain.Product{}, notFound("products.find_by_name", name)
}

// CouponRepository serves coupons from a fixed in-memory set.
type CouponRepository struct {
	mu      sync.RWMutex
	coupons map[string]domain.Coupon
}

// NewCouponRepository seeds the store; codes are matched case-insensitively.
func NewCouponRepository(coupons ...domain.Coupon) *CouponRepository {
	repo := &CouponRepository{coupons: make(map[string]domain.Coupon, len(coupons))}
	for _, coupon := range coupons {
		repo.coupons[strings.ToUpper(strings.TrimSpace(coupon.Code))] = coupon
	}
	return repo
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if err := ctx.Err(); err != nil {
		return domain.Coupon{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	coupon, ok := r.coupons[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return domain.Coupon{}, notFound("coupons.get", code)
	}
	return coupon, nil
}

// NotificationRepository records webhook notifications in arrival order.
type NotificationRepository struct {
	mu    sync.Mutex
	items []domain.WebhookNotification
	ids   map[string]struct{}
}

// NewNotificationRepository constructs an empty append-only log.
func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{ids: make(map[string]struct{})}
}

var _ repositories.WebhookNotificationRepository = (*NotificationRepository)(nil)

func (r *NotificationRepository) Append(ctx context.Context, notification domain.WebhookNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ids[notification.ID]; exists {
		return conflict("webhookNotifications.append", notification.ID)
	}
	notification.Payload = slices.Clone(notification.Payload)
	r.ids[notification.ID] = struct{}{}
	r.items = append(r.items, notification)
	return nil
}

// All returns a copy of every recorded notification.
func (r *NotificationRepository) All() []domain.WebhookNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.items)
}
