package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

// OrderRepository keeps orders in process memory. Mutations are serialised per repository, which
// gives the same read-modify-write guarantee as a Firestore transaction.
type OrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

// NewOrderRepository constructs an empty in-memory order store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := strings.TrimSpace(order.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[id]; exists {
		return conflict("orders.insert", id)
	}
	r.orders[id] = cloneOrder(order)
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.get", orderID)
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	id := strings.TrimSpace(orderID)
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[id]
	if !ok {
		return domain.Order{}, notFound("orders.mutate", id)
	}
	working := cloneOrder(current)
	changed, err := fn(&working)
	if err != nil {
		return domain.Order{}, err
	}
	if !changed {
		return cloneOrder(current), nil
	}
	r.orders[id] = cloneOrder(working)
	return working, nil
}

func (r *OrderRepository) ListByStatus(ctx context.Context, statuses []domain.PaymentStatus, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if !slices.Contains(statuses, order.Status) {
			continue
		}
		if !updatedBefore.IsZero() && !order.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneOrder(order domain.Order) domain.Order {
	out := order
	out.Items = slices.Clone(order.Items)
	out.IgnoredCoupons = slices.Clone(order.IgnoredCoupons)
	out.SettledAt = cloneTime(order.SettledAt)
	out.Payment.PaidAt = cloneTime(order.Payment.PaidAt)
	out.Payment.InFlightSince = cloneTime(order.Payment.InFlightSince)
	if order.Payment.QRCode != nil {
		qr := *order.Payment.QRCode
		out.Payment.QRCode = &qr
	}
	if order.Payment.Card != nil {
		card := *order.Payment.Card
		out.Payment.Card = &card
	}
	if order.Payment.LastError != nil {
		perr := *order.Payment.LastError
		out.Payment.LastError = &perr
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
