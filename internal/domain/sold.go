package domain

import "time"

// SoldRecord is the permanent receipt of a sale. It keeps a copy of the unit payload.
type SoldRecord struct {
	ID        string
	UnitID    string
	ProductID string
	BuyerID   string
	OrderID   string
	Payload   string
	SoldAt    time.Time
	ExpiresAt *time.Time
}
