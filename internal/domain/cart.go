package domain

import "time"

// Cart groups the reservations one buyer makes before checkout.
type Cart struct {
	ID        string
	BuyerID   string
	CreatedAt time.Time
}

// CartItem is the denormalized per-(cart, product) quantity counter.
// A row with zero quantity does not exist.
type CartItem struct {
	CartID    string
	ProductID string
	Quantity  int
	UpdatedAt time.Time
}

// CartKey identifies a cart aggregate row.
type CartKey struct {
	CartID    string
	ProductID string
}
