package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
)

var validOrderStatuses = map[OrderStatus]struct{}{
	OrderStatusPending:         {},
	OrderStatusAwaitingPayment: {},
	OrderStatusPaid:            {},
	OrderStatusDelivered:       {},
	OrderStatusCancelled:       {},
	OrderStatusFailed:          {},
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if _, ok := validOrderStatuses[status]; !ok {
		return "", fmt.Errorf("invalid order status: %q", s)
	}
	return status, nil
}

// Cancellable reports whether an order in this status may still be cancelled.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusAwaitingPayment
}

// Order represents one checkout attempt.
type Order struct {
	ID          string
	CartID      string
	BuyerID     string
	Items       []LineItem
	Status      OrderStatus
	TotalAmount decimal.Decimal
	Currency    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
	DeliveredAt *time.Time
}

// LineItem is one product entry of an order. UnitIDs hold unit ids until the
// sale is finalized and sold record ids afterwards.
type LineItem struct {
	ProductID string   `json:"product_id"`
	Quantity  int      `json:"quantity"`
	UnitIDs   []string `json:"unit_ids,omitempty"`
}

// Shortfall is the number of units still to be assigned to the item.
func (li LineItem) Shortfall() int {
	return max(li.Quantity-len(li.UnitIDs), 0)
}

// TotalQuantity sums the quantities of all items.
func TotalQuantity(items []LineItem) int {
	total := 0
	for _, it := range items {
		total += it.Quantity
	}
	return total
}

// OrderUpdate describes a conditional order transition. The update applies only
// when the stored status is one of From (any status when From is empty).
type OrderUpdate struct {
	From        []OrderStatus
	To          OrderStatus
	PaidAt      *time.Time
	DeliveredAt *time.Time
}
