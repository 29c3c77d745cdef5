package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/settlement/internal/domain"
	pfirestore "github.com/hanko-field/settlement/internal/platform/firestore"
	"github.com/hanko-field/settlement/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists orders in the `orders` collection. Status changes go through Mutate,
// which runs the read-modify-write inside a single Firestore transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
	}, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.base.Create(ctx, id, newOrderDocument(order))
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Mutate reads the order inside a transaction and writes it back only when fn reports a change.
// fn may run more than once if Firestore retries the transaction on contention.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation is required")
	}
	id := strings.TrimSpace(orderID)

	var result domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		doc, err := r.base.GetTx(tx, ref)
		if err != nil {
			return err
		}
		current := doc.Data.toDomain(doc.ID)
		working := doc.Data.toDomain(doc.ID)
		changed, err := fn(&working)
		if err != nil {
			return err
		}
		if !changed {
			result = current
			return nil
		}
		if err := r.base.SetTx(tx, ref, newOrderDocument(working)); err != nil {
			return err
		}
		result = working
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

func (r *OrderRepository) ListByStatus(ctx context.Context, statuses []domain.PaymentStatus, updatedBefore time.Time, limit int) ([]domain.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "in", values)
		if !updatedBefore.IsZero() {
			q = q.Where("updatedAt", "<", updatedBefore.UTC())
		}
		q = q.OrderBy("updatedAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

type orderDocument struct {
	CustomerID      string              `firestore:"customerId"`
	Customer        customerDocument    `firestore:"customer"`
	ShippingAddress addressDocument     `firestore:"shippingAddress"`
	Currency        string              `firestore:"currency"`
	Items           []orderItemDocument `firestore:"items"`
	Coupon          string              `firestore:"coupon,omitempty"`
	IgnoredCoupons  []string            `firestore:"ignoredCoupons,omitempty"`
	Freight         freightDocument     `firestore:"freight"`
	Totals          totalsDocument      `firestore:"totals"`
	Status          string              `firestore:"status"`
	Payment         paymentDocument     `firestore:"payment"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	SettledAt       *time.Time          `firestore:"settledAt,omitempty"`
}

type customerDocument struct {
	Name     string `firestore:"name"`
	Email    string `firestore:"email"`
	Document string `firestore:"document,omitempty"`
	Phone    string `firestore:"phone,omitempty"`
}

type addressDocument struct {
	Recipient  string `firestore:"recipient,omitempty"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	District   string `firestore:"district,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type orderItemDocument struct {
	ProductRef          string `firestore:"productRef"`
	Name                string `firestore:"name"`
	UnitPrice           int64  `firestore:"unitPrice"`
	DiscountedUnitPrice int64  `firestore:"discountedUnitPrice"`
	Quantity            int    `firestore:"quantity"`
	WeightGrams         int    `firestore:"weightGrams,omitempty"`
}

type freightDocument struct {
	Carrier      string `firestore:"carrier"`
	Service      string `firestore:"service"`
	Price        int64  `firestore:"price"`
	LeadTimeDays int    `firestore:"leadTimeDays"`
}

type totalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Freight  int64 `firestore:"freight"`
	Total    int64 `firestore:"total"`
}

type paymentDocument struct {
	Method          string                `firestore:"method,omitempty"`
	GatewayOrderID  string                `firestore:"gatewayOrderId,omitempty"`
	GatewayChargeID string                `firestore:"gatewayChargeId,omitempty"`
	QRCode          *qrCodeDocument       `firestore:"qrCode,omitempty"`
	Card            *cardSummaryDocument  `firestore:"card,omitempty"`
	LastError       *paymentErrorDocument `firestore:"lastError,omitempty"`
	Attempts        int                   `firestore:"attempts"`
	InFlightSince   *time.Time            `firestore:"inFlightSince,omitempty"`
	PaidAt          *time.Time            `firestore:"paidAt,omitempty"`
}

type qrCodeDocument struct {
	Payload   string    `firestore:"payload"`
	ImageURL  string    `firestore:"imageUrl,omitempty"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

type cardSummaryDocument struct {
	Brand        string `firestore:"brand"`
	Last4        string `firestore:"last4"`
	Installments int    `firestore:"installments"`
}

type paymentErrorDocument struct {
	Code       string    `firestore:"code,omitempty"`
	Message    string    `firestore:"message"`
	Raw        string    `firestore:"raw,omitempty"`
	OccurredAt time.Time `firestore:"occurredAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		CustomerID: order.CustomerID,
		Customer: customerDocument{
			Name:     order.Customer.Name,
			Email:    order.Customer.Email,
			Document: order.Customer.Document,
			Phone:    order.Customer.Phone,
		},
		ShippingAddress: addressDocument(order.ShippingAddress),
		Currency:        order.Currency,
		Coupon:          order.Coupon,
		IgnoredCoupons:  append([]string(nil), order.IgnoredCoupons...),
		Freight:         freightDocument(order.Freight),
		Totals:          totalsDocument(order.Totals),
		Status:          string(order.Status),
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		SettledAt:       utcPtr(order.SettledAt),
		Payment: paymentDocument{
			Method:          string(order.Payment.Method),
			GatewayOrderID:  order.Payment.GatewayOrderID,
			GatewayChargeID: order.Payment.GatewayChargeID,
			Attempts:        order.Payment.Attempts,
			InFlightSince:   utcPtr(order.Payment.InFlightSince),
			PaidAt:          utcPtr(order.Payment.PaidAt),
		},
	}
	doc.Items = make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument(item))
	}
	if qr := order.Payment.QRCode; qr != nil {
		doc.Payment.QRCode = &qrCodeDocument{Payload: qr.Payload, ImageURL: qr.ImageURL, ExpiresAt: qr.ExpiresAt.UTC()}
	}
	if card := order.Payment.Card; card != nil {
		doc.Payment.Card = &cardSummaryDocument{Brand: card.Brand, Last4: card.Last4, Installments: card.Installments}
	}
	if perr := order.Payment.LastError; perr != nil {
		doc.Payment.LastError = &paymentErrorDocument{Code: perr.Code, Message: perr.Message, Raw: perr.Raw, OccurredAt: perr.OccurredAt.UTC()}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:         id,
		CustomerID: d.CustomerID,
		Customer: domain.CustomerSnapshot{
			Name:     d.Customer.Name,
			Email:    d.Customer.Email,
			Document: d.Customer.Document,
			Phone:    d.Customer.Phone,
		},
		ShippingAddress: domain.Address(d.ShippingAddress),
		Currency:        d.Currency,
		Coupon:          d.Coupon,
		IgnoredCoupons:  append([]string(nil), d.IgnoredCoupons...),
		Freight:         domain.FreightSelection(d.Freight),
		Totals:          domain.OrderTotals(d.Totals),
		Status:          domain.PaymentStatus(d.Status),
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
		SettledAt:       utcPtr(d.SettledAt),
		Payment: domain.OrderPayment{
			Method:          domain.PaymentMethod(d.Payment.Method),
			GatewayOrderID:  d.Payment.GatewayOrderID,
			GatewayChargeID: d.Payment.GatewayChargeID,
			Attempts:        d.Payment.Attempts,
			InFlightSince:   utcPtr(d.Payment.InFlightSince),
			PaidAt:          utcPtr(d.Payment.PaidAt),
		},
	}
	order.Items = make([]domain.OrderLineItem, 0, len(d.Items))
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderLineItem(item))
	}
	if qr := d.Payment.QRCode; qr != nil {
		order.Payment.QRCode = &domain.QRCode{Payload: qr.Payload, ImageURL: qr.ImageURL, ExpiresAt: qr.ExpiresAt.UTC()}
	}
	if card := d.Payment.Card; card != nil {
		order.Payment.Card = &domain.CardSummary{Brand: card.Brand, Last4: card.Last4, Installments: card.Installments}
	}
	if perr := d.Payment.LastError; perr != nil {
		order.Payment.LastError = &domain.PaymentError{Code: perr.Code, Message: perr.Message, Raw: perr.Raw, OccurredAt: perr.OccurredAt.UTC()}
	}
	return order
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
