package services

import (
	"context"
	"errors"
	"strings"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories"
)

type orderService struct {
	orders repositories.OrderRepository
}

// NewOrderService constructs the customer-facing order reader.
func NewOrderService(orders repositories.OrderRepository) (OrderService, error) {
	if orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	return &orderService{orders: orders}, nil
}

// GetOrder returns the order when it belongs to customerID. Orders owned by other customers are
// reported as not found.
func (s *orderService) GetOrder(ctx context.Context, customerID, orderID string) (domain.Order, error) {
	return loadCustomerOrder(ctx, s.orders, customerID, orderID)
}

func loadCustomerOrder(ctx context.Context, orders repositories.OrderRepository, customerID, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, ErrOrderNotFound
	}
	order, err := orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, translateOrderRepositoryError(err)
	}
	if customerID = strings.TrimSpace(customerID); customerID != "" && order.CustomerID != customerID {
		return domain.Order{}, ErrOrderNotFound
	}
	return order, nil
}
