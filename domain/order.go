package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransitionTo reports whether an admin may move an order from s to next.
// Re-applying the current status is allowed so tracking numbers can be edited.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return s != OrderStatusCancelled
	}
	return slices.Contains(orderTransitions[s], next)
}

// SourcesOf returns every status from which next may be reached.
func SourcesOf(next OrderStatus) []OrderStatus {
	sources := make([]OrderStatus, 0, len(OrderStatuses))
	for _, s := range OrderStatuses {
		if s.CanTransitionTo(next) {
			sources = append(sources, s)
		}
	}
	return sources
}

func (s OrderStatus) String() string {
	return string(s)
}

// OrderItem is a line of a placed order. Name and UnitPrice are captured from the
// product record at the moment its stock was decremented.
type OrderItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Items          []OrderItem     `json:"items"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	Status         OrderStatus     `json:"status"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

const DefaultCurrency = "USD"

func ComputeTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// StatusUpdate carries the metadata an admin may change on an existing order.
type StatusUpdate struct {
	Status         OrderStatus
	TrackingNumber *string
}

type OrderFilter struct {
	Status OrderStatus
	Page   int
	Limit  int
}

func (f OrderFilter) Normalize() OrderFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	return f
}

func (f OrderFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

type OrderStats struct {
	OrderCount int                 `json:"order_count"`
	Revenue    decimal.Decimal     `json:"revenue"`
	ByStatus   map[OrderStatus]int `json:"by_status"`
}

// AddOrder folds a single order into the stats. Cancelled orders count but earn nothing.
func (s *OrderStats) AddOrder(status OrderStatus, total decimal.Decimal) {
	s.AddGroup(status, 1, total)
}

// AddGroup folds count orders of one status whose totals sum to revenue.
func (s *OrderStats) AddGroup(status OrderStatus, count int, revenue decimal.Decimal) {
	if s.ByStatus == nil {
		s.ByStatus = make(map[OrderStatus]int)
	}
	s.OrderCount += count
	s.ByStatus[status] += count
	if status != OrderStatusCancelled {
		s.Revenue = s.Revenue.Add(revenue)
	}
}
