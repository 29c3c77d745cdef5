package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Notifications() WebhookNotificationRepository
	Catalog() CatalogRepository
	Coupons() CouponRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderMutation inspects the current order and edits it in place. Returning false leaves the
// stored document untouched.
type OrderMutation func(order *domain.Order) (bool, error)

// OrderRepository persists orders keyed by id.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// Mutate performs an atomic read-modify-write of a single order and returns the stored state.
	Mutate(ctx context.Context, orderID string, fn OrderMutation) (domain.Order, error)
	// ListByStatus returns orders in one of the statuses last updated before the cutoff, oldest first.
	ListByStatus(ctx context.Context, statuses []domain.PaymentStatus, updatedBefore time.Time, limit int) ([]domain.Order, error)
}

// WebhookNotificationRepository is the append-only audit log of gateway callbacks.
type WebhookNotificationRepository interface {
	Append(ctx context.Context, notification domain.WebhookNotification) error
}

// CatalogRepository exposes read-only product lookups.
type CatalogRepository interface {
	FindByRefs(ctx context.Context, refs []string) (map[string]domain.Product, error)
	FindByName(ctx context.Context, name string) (domain.Product, error)
}

// CouponRepository exposes read-only coupon lookups.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
}
