package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
	"github.com/hanko-field/settlement/internal/repositories"
)

// Registry wires every Firestore repository against a shared provider.
type Registry struct {
	provider      *pfirestore.Provider
	orders        *OrderRepository
	notifications *NotificationRepository
	catalog       *CatalogRepository
	coupons       *CouponRepository
}

// NewRegistry constructs the repositories used by the settlement services.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	notifications, err := NewNotificationRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:      provider,
		orders:        orders,
		notifications: notifications,
		catalog:       catalog,
		coupons:       coupons,
	}, nil
}

var _ repositories.Registry = (*Registry)(nil)

func (r *Registry) Orders() repositories.OrderRepository                       { return r.orders }
func (r *Registry) Notifications() repositories.WebhookNotificationRepository { return r.notifications }
func (r *Registry) Catalog() repositories.CatalogRepository                    { return r.catalog }
func (r *Registry) Coupons() repositories.CouponRepository                     { return r.coupons }

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func notFoundError(op, id string) error {
	return pfirestore.WrapError(op, status.Error(codes.NotFound, fmt.Sprintf("%s not found", id)))
}
