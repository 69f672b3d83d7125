package domain

import "time"

// Hold is a TTL-bounded claim on a unit for one cart. All fields are set together.
type Hold struct {
	ID        string
	CartID    string
	BuyerID   string
	ExpiresAt time.Time
}

// ActiveAt reports whether the hold still blocks other carts at now.
func (h *Hold) ActiveAt(now time.Time) bool {
	return h != nil && h.ExpiresAt.After(now)
}

// Reservation is the result of claiming units for a cart.
type Reservation struct {
	HoldID    string
	CartID    string
	ProductID string
	UnitIDs   []string
	ExpiresAt time.Time
}
