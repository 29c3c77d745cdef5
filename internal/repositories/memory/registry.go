package memory

import (
	"context"

	"github.com/hanko-field/settlement/internal/repositories"
)

// Registry bundles in-memory repositories for tests and local runs.
type Registry struct {
	orders        *OrderRepository
	notifications *NotificationRepository
	catalog       *CatalogRepository
	coupons       *CouponRepository
}

// NewRegistry wires empty order and notification stores around the given catalog and coupons.
// Nil arguments are replaced with empty repositories.
func NewRegistry(catalog *CatalogRepository, coupons *CouponRepository) *Registry {
	if catalog == nil {
		catalog = NewCatalogRepository()
	}
	if coupons == nil {
		coupons = NewCouponRepository()
	}
	return &Registry{
		orders:        NewOrderRepository(),
		notifications: NewNotificationRepository(),
		catalog:       catalog,
		coupons:       coupons,
	}
}

var _ repositories.Registry = (*Registry)(nil)

func (r *Registry) Orders() repositories.OrderRepository                       { return r.orders }
func (r *Registry) Notifications() repositories.WebhookNotificationRepository { return r.notifications }
func (r *Registry) Catalog() repositories.CatalogRepository                    { return r.catalog }
func (r *Registry) Coupons() repositories.CouponRepository                     { return r.coupons }

// NotificationLog exposes the concrete notification store for assertions.
func (r *Registry) NotificationLog() *NotificationRepository { return r.notifications }

func (r *Registry) Close(context.Context) error { return nil }
